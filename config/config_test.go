package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate("")
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.NodeID == "" {
		t.Fatalf("expected non-empty node ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListeningPort != 0 {
		t.Fatalf("expected automatic mode listening port 0, got %d", firstCfg.ListeningPort)
	}
	if firstCfg.Tunables.BlockSize != DefaultBlockSize {
		t.Fatalf("expected default block size %d, got %d", DefaultBlockSize, firstCfg.Tunables.BlockSize)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate("")
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.NodeID != firstCfg.NodeID {
		t.Fatalf("expected stable node ID, got %q then %q", firstCfg.NodeID, secondCfg.NodeID)
	}
	if secondCfg.NodeKeyPath != firstCfg.NodeKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.NodeKeyPath, secondCfg.NodeKeyPath)
	}
	if secondCfg.PortMode != firstCfg.PortMode {
		t.Fatalf("expected stable port mode, got %q then %q", firstCfg.PortMode, secondCfg.PortMode)
	}
}

func TestLoadOrCreateExplicitDataDirWins(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())
	explicit := t.TempDir()

	_, path, err := LoadOrCreate(explicit)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if path != ConfigPath(explicit) {
		t.Fatalf("expected config under %q, got %q", explicit, path)
	}
}

func TestLoadOrCreateNormalizesLegacyValues(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &NodeConfig{
		NodeID:        "legacy-node",
		NodeName:      "Legacy",
		ListeningPort: 9999,
		Tunables: Tunables{
			BlockSize:           4096,
			KeepAliveIntervalMS: 10_000,
			IdleTimeoutMS:       5_000,
		},
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate("")
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListeningPort != 9999 {
		t.Fatalf("expected legacy fixed listening port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.Tunables.BlockSize != 4096 {
		t.Fatalf("expected configured block size to be retained, got %d", cfg.Tunables.BlockSize)
	}
	if cfg.Tunables.MaxInflight != DefaultMaxInflight {
		t.Fatalf("expected missing in-flight window to default, got %d", cfg.Tunables.MaxInflight)
	}
	if got := cfg.Tunables.IdleTimeout(); got != 30*time.Second {
		t.Fatalf("expected idle timeout raised above keepalive, got %s", got)
	}
	if cfg.NodeKeyPath == "" {
		t.Fatalf("expected node key path to be filled")
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.PortMode != PortModeFixed {
		t.Fatalf("expected normalized config to be persisted, got %q", reloaded.PortMode)
	}
}

func TestAddFolderRejectsDuplicateSecret(t *testing.T) {
	cfg := &NodeConfig{}
	if !cfg.AddFolder(FolderConfig{Name: "photos", Secret: "Oabc"}) {
		t.Fatalf("expected first folder to be added")
	}
	if cfg.AddFolder(FolderConfig{Name: "other", Secret: "Oabc"}) {
		t.Fatalf("expected duplicate secret to be rejected")
	}
	if _, ok := cfg.FindFolder("photos"); !ok {
		t.Fatalf("expected folder lookup by name")
	}
}
