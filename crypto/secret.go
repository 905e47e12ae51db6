package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SecretLevel is the access level a folder secret grants.
type SecretLevel byte

const (
	// LevelOwner may sign new metadata revisions.
	LevelOwner SecretLevel = 'O'
	// LevelReadOnly may verify metadata and decrypt chunks but not sign.
	LevelReadOnly SecretLevel = 'R'
)

const (
	seedSize    = 32
	readKeySize = 32
	authKeySize = 32
)

var (
	// ErrInvalidSecret indicates a malformed textual secret.
	ErrInvalidSecret = errors.New("crypto: invalid folder secret")
	// ErrInsufficientLevel indicates the secret cannot perform the requested operation.
	ErrInsufficientLevel = errors.New("crypto: secret level does not allow this operation")
)

// Secret is the shared value from which every member derives the folder identity.
type Secret struct {
	level   SecretLevel
	payload []byte
}

// GenerateSecret creates a fresh owner secret.
func GenerateSecret() (Secret, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return Secret{}, fmt.Errorf("generate secret seed: %w", err)
	}
	return Secret{level: LevelOwner, payload: seed}, nil
}

// ParseSecret decodes the textual form produced by Secret.String.
func ParseSecret(text string) (Secret, error) {
	if len(text) < 2 {
		return Secret{}, ErrInvalidSecret
	}
	level := SecretLevel(text[0])
	payload, err := base64.RawURLEncoding.DecodeString(text[1:])
	if err != nil {
		return Secret{}, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}

	switch level {
	case LevelOwner:
		if len(payload) != seedSize {
			return Secret{}, ErrInvalidSecret
		}
	case LevelReadOnly:
		if len(payload) != ed25519.PublicKeySize+readKeySize {
			return Secret{}, ErrInvalidSecret
		}
	default:
		return Secret{}, ErrInvalidSecret
	}
	return Secret{level: level, payload: payload}, nil
}

// String returns the level letter followed by base64url key material.
func (s Secret) String() string {
	return string(s.level) + base64.RawURLEncoding.EncodeToString(s.payload)
}

// Level returns the secret access level.
func (s Secret) Level() SecretLevel {
	return s.level
}

// Derive returns a secret of a lower level. Deriving the same level is a copy.
func (s Secret) Derive(level SecretLevel) (Secret, error) {
	if level == s.level {
		return Secret{level: s.level, payload: append([]byte(nil), s.payload...)}, nil
	}
	if s.level != LevelOwner || level != LevelReadOnly {
		return Secret{}, ErrInsufficientLevel
	}

	identity, err := s.Identity()
	if err != nil {
		return Secret{}, err
	}
	payload := make([]byte, 0, ed25519.PublicKeySize+readKeySize)
	payload = append(payload, identity.PublicKey...)
	payload = append(payload, identity.ReadKey...)
	return Secret{level: LevelReadOnly, payload: payload}, nil
}

// Identity derives the folder identity for this secret.
func (s Secret) Identity() (*FolderIdentity, error) {
	identity := &FolderIdentity{level: s.level}

	switch s.level {
	case LevelOwner:
		signingSeed, err := expand(s.payload, "vaultsync signing key", ed25519.SeedSize)
		if err != nil {
			return nil, err
		}
		identity.signingKey = ed25519.NewKeyFromSeed(signingSeed)
		identity.PublicKey = identity.signingKey.Public().(ed25519.PublicKey)
		identity.ReadKey, err = expand(s.payload, "vaultsync read key", readKeySize)
		if err != nil {
			return nil, err
		}
	case LevelReadOnly:
		identity.PublicKey = ed25519.PublicKey(append([]byte(nil), s.payload[:ed25519.PublicKeySize]...))
		identity.ReadKey = append([]byte(nil), s.payload[ed25519.PublicKeySize:]...)
	default:
		return nil, ErrInvalidSecret
	}

	authKey, err := expand(identity.PublicKey, "vaultsync auth key", authKeySize)
	if err != nil {
		return nil, err
	}
	identity.AuthKey = authKey
	identity.ID = Hash(identity.PublicKey)
	return identity, nil
}

// FolderIdentity is the immutable identity of one synchronized folder.
type FolderIdentity struct {
	level      SecretLevel
	signingKey ed25519.PrivateKey

	// PublicKey verifies metadata signatures.
	PublicKey ed25519.PublicKey
	// ReadKey encrypts chunks and derives path identifiers.
	ReadKey []byte
	// AuthKey proves folder membership during the handshake.
	AuthKey []byte
	// ID is Hash(PublicKey), the folder identifier used on the wire.
	ID []byte
}

// Level returns the access level the identity was derived with.
func (f *FolderIdentity) Level() SecretLevel {
	return f.level
}

// CanSign reports whether the identity holds the metadata signing key.
func (f *FolderIdentity) CanSign() bool {
	return f.level == LevelOwner && len(f.signingKey) == ed25519.PrivateKeySize
}

// Sign signs data with the folder signing key.
func (f *FolderIdentity) Sign(data []byte) ([]byte, error) {
	if !f.CanSign() {
		return nil, ErrInsufficientLevel
	}
	return Sign(f.signingKey, data)
}

// Verify checks a signature made by the folder signing key.
func (f *FolderIdentity) Verify(data, signature []byte) bool {
	return Verify(f.PublicKey, data, signature)
}

// IDHex returns the folder identifier as lowercase hex.
func (f *FolderIdentity) IDHex() string {
	return hex.EncodeToString(f.ID)
}

func expand(secret []byte, info string, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}
