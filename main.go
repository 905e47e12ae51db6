package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vaultsync/config"
	"vaultsync/logging"
)

var (
	dataDir   string
	logLevel  string
	logFormat string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (defaults to $"+config.DataDirEnv+" or the per-user app directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "logging level, overrides the configured one")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or console")

	rootCmd.AddCommand(runCmd, secretCmd, folderCmd, indexCmd)
}

var rootCmd = &cobra.Command{
	Use:           "vaultsync",
	Short:         "encrypted peer-to-peer folder synchronization",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the node configuration and initializes logging from it.
func loadConfig() (*config.NodeConfig, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	format := cfg.LogFormat
	if logFormat != "" {
		format = logFormat
	}
	if err := logging.Init(logging.Config{Level: level, Format: format, OutputPath: "stderr"}); err != nil {
		return nil, "", fmt.Errorf("init logging: %w", err)
	}
	logging.L().Debug("config loaded", zap.String("path", cfgPath))
	return cfg, cfgPath, nil
}

func resolvedDataDir(cfgPath string) string {
	return filepath.Dir(cfgPath)
}
