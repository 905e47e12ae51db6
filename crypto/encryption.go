package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

const aes256KeySize = 32

// EncryptChunk seals plaintext with AES-256-GCM under a nonce derived from the
// plaintext itself, so identical content always yields identical ciphertext
// and therefore the same content hash. The nonce is prepended to the output.
func EncryptChunk(readKey, plaintext []byte) ([]byte, error) {
	aead, err := newChunkAEAD(readKey)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, readKey)
	mac.Write([]byte("chunk-nonce|"))
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:aead.NonceSize()]

	sealed := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	sealed = append(sealed, nonce...)
	return aead.Seal(sealed, nonce, plaintext, nil), nil
}

// DecryptChunk reverses EncryptChunk.
func DecryptChunk(readKey, sealed []byte) ([]byte, error) {
	aead, err := newChunkAEAD(readKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed chunk is too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt chunk: %w", err)
	}
	return plaintext, nil
}

// PathID returns the stable, opaque identifier of a relative path.
func PathID(readKey []byte, relpath string) []byte {
	mac := hmac.New(sha256.New, readKey)
	mac.Write([]byte("path-id|"))
	mac.Write([]byte(relpath))
	return mac.Sum(nil)
}

func newChunkAEAD(readKey []byte) (cipher.AEAD, error) {
	if len(readKey) != aes256KeySize {
		return nil, fmt.Errorf("invalid read key length: got %d want %d", len(readKey), aes256KeySize)
	}
	block, err := aes.NewCipher(readKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
