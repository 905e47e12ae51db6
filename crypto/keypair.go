package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const nodeKeyPEMType = "ED25519 PRIVATE KEY"

// EnsureNodeKey loads the node's Ed25519 key from disk, generating it on first run.
func EnsureNodeKey(path string) (ed25519.PrivateKey, error) {
	privateKey, err := LoadNodeKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	_, privateKey, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	if err := SaveNodeKey(path, privateKey); err != nil {
		return nil, err
	}
	return privateKey, nil
}

// LoadNodeKey loads an Ed25519 private key from a PEM file.
func LoadNodeKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode node key PEM: no PEM block")
	}
	if block.Type != nodeKeyPEMType {
		return nil, fmt.Errorf("decode node key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode node key PEM: invalid key size %d", len(block.Bytes))
	}

	return ed25519.PrivateKey(block.Bytes), nil
}

// SaveNodeKey writes an Ed25519 private key PEM file with 0600 permissions.
func SaveNodeKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save node key: invalid key size %d", len(key))
	}

	block := &pem.Block{
		Type:  nodeKeyPEMType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write node key: %w", err)
	}
	return nil
}

// NodeDigest returns the hex digest peers use to identify a node key.
func NodeDigest(publicKey ed25519.PublicKey) string {
	return hex.EncodeToString(Hash(publicKey))
}

// FormatFingerprint groups a hex digest in uppercase blocks of 4 for display.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
