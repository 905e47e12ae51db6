// Package meta defines the signed per-path metadata revisions exchanged
// between folder members, and the bitfields that track local chunk
// possession for each revision.
package meta

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind identifies what a path revision describes.
type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindDeleted Kind = "deleted"
	KindSymlink Kind = "symlink"
)

var (
	// ErrBadSignature indicates metadata whose signature does not verify.
	ErrBadSignature = errors.New("meta: signature verification failed")
	// ErrMalformed indicates metadata that cannot be decoded.
	ErrMalformed = errors.New("meta: malformed metadata")
)

// PathRevision identifies one version of one path's metadata.
type PathRevision struct {
	PathID   []byte `json:"path_id"`
	Revision int64  `json:"revision"`
}

// Key returns a comparable key for maps.
func (r PathRevision) Key() string {
	return hex.EncodeToString(r.PathID) + "@" + strconv.FormatInt(r.Revision, 10)
}

// PathKey returns the map key of the path regardless of revision.
func (r PathRevision) PathKey() string {
	return hex.EncodeToString(r.PathID)
}

// Equal reports whether both refer to the same path and revision.
func (r PathRevision) Equal(other PathRevision) bool {
	return r.Revision == other.Revision && bytes.Equal(r.PathID, other.PathID)
}

func (r PathRevision) String() string {
	id := hex.EncodeToString(r.PathID)
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("%s@%d", id, r.Revision)
}

// ChunkRef is one entry of a file's ordered chunk list.
type ChunkRef struct {
	CtHash []byte `json:"ct_hash"`
	Size   uint32 `json:"size"`
}

// Meta describes one revision of a path.
type Meta struct {
	PathID   []byte     `json:"path_id"`
	Revision int64      `json:"revision"`
	Kind     Kind       `json:"kind"`
	EncPath  []byte     `json:"enc_path,omitempty"`
	Chunks   []ChunkRef `json:"chunks,omitempty"`
}

// PathRevision returns the revision identifier of m.
func (m *Meta) PathRevision() PathRevision {
	return PathRevision{PathID: m.PathID, Revision: m.Revision}
}

// ChunkIndex returns the position of ctHash in the chunk list, or -1.
func (m *Meta) ChunkIndex(ctHash []byte) int {
	for i, c := range m.Chunks {
		if bytes.Equal(c.CtHash, ctHash) {
			return i
		}
	}
	return -1
}

// Signer is the subset of a folder identity needed to sign metadata.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier is the subset of a folder identity needed to verify metadata.
type Verifier interface {
	Verify(data, signature []byte) bool
}

// SignedMeta is an immutable, signed Meta. Raw holds the exact bytes the
// signature covers so re-encoding never invalidates it.
type SignedMeta struct {
	Raw       []byte
	Signature []byte
	meta      Meta
}

type signedMetaWire struct {
	Meta      json.RawMessage `json:"meta"`
	Signature []byte          `json:"signature"`
}

// Sign encodes m and signs it.
func Sign(m Meta, signer Signer) (*SignedMeta, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	sig, err := signer.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign meta: %w", err)
	}
	return &SignedMeta{Raw: raw, Signature: sig, meta: m}, nil
}

// Parse decodes raw metadata bytes without checking the signature.
func Parse(raw, signature []byte) (*SignedMeta, error) {
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(m.PathID) == 0 {
		return nil, fmt.Errorf("%w: missing path id", ErrMalformed)
	}
	for i, c := range m.Chunks {
		if len(c.CtHash) == 0 {
			return nil, fmt.Errorf("%w: chunk %d has no hash", ErrMalformed, i)
		}
	}
	return &SignedMeta{
		Raw:       append([]byte(nil), raw...),
		Signature: append([]byte(nil), signature...),
		meta:      m,
	}, nil
}

// Verify checks the signature against the folder public key.
func (s *SignedMeta) Verify(verifier Verifier) error {
	if !verifier.Verify(s.Raw, s.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Meta returns the decoded metadata.
func (s *SignedMeta) Meta() Meta {
	return s.meta
}

// PathRevision returns the revision identifier of the signed metadata.
func (s *SignedMeta) PathRevision() PathRevision {
	return s.meta.PathRevision()
}

// MarshalJSON encodes the signed metadata as {meta, signature}.
func (s *SignedMeta) MarshalJSON() ([]byte, error) {
	return json.Marshal(signedMetaWire{Meta: s.Raw, Signature: s.Signature})
}

// UnmarshalJSON decodes {meta, signature} without verifying.
func (s *SignedMeta) UnmarshalJSON(data []byte) error {
	var wire signedMetaWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	parsed, err := Parse(wire.Meta, wire.Signature)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}
