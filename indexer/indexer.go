// Package indexer turns local file contents into encrypted chunks and a
// signed metadata revision.
package indexer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"vaultsync/crypto"
	"vaultsync/meta"
)

// DefaultChunkSize is the plaintext size of every chunk but the last.
const DefaultChunkSize = 1 << 20

var (
	// ErrInvalidPath indicates a relative path that escapes the folder root.
	ErrInvalidPath = errors.New("indexer: invalid relative path")
	// ErrIncomplete indicates missing chunks while assembling a revision.
	ErrIncomplete = errors.New("indexer: revision is missing chunks")
)

// ChunkSink stores encrypted chunk bytes and returns their content hash.
// *folder.Group implements it.
type ChunkSink interface {
	PutChunk(data []byte) ([]byte, error)
}

// MetaSink accepts a signed revision. *folder.Group implements it.
type MetaSink interface {
	HandleIndexedMeta(smeta *meta.SignedMeta) error
}

// ChunkSource reads stored chunk bytes. *storage.Store implements it.
type ChunkSource interface {
	GetChunk(ctHash []byte) ([]byte, error)
}

// Config configures an Indexer.
type Config struct {
	Identity  *crypto.FolderIdentity
	Chunks    ChunkSink
	Metas     MetaSink
	ChunkSize int
	Logger    *zap.Logger
}

// Indexer produces revisions for one folder.
type Indexer struct {
	identity  *crypto.FolderIdentity
	chunks    ChunkSink
	metas     MetaSink
	chunkSize int
	log       *zap.Logger
}

// New returns an indexer. The identity must be able to sign.
func New(cfg Config) (*Indexer, error) {
	if cfg.Identity == nil {
		return nil, errors.New("indexer: identity is required")
	}
	if !cfg.Identity.CanSign() {
		return nil, crypto.ErrInsufficientLevel
	}
	if cfg.Chunks == nil || cfg.Metas == nil {
		return nil, errors.New("indexer: chunk and meta sinks are required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Indexer{
		identity:  cfg.Identity,
		chunks:    cfg.Chunks,
		metas:     cfg.Metas,
		chunkSize: cfg.ChunkSize,
		log:       cfg.Logger.Named("indexer"),
	}, nil
}

// IndexBytes encrypts data, stores its chunks and hands the signed revision
// to the meta sink.
func (ix *Indexer) IndexBytes(relpath string, data []byte, revision int64) (*meta.SignedMeta, error) {
	clean, err := cleanRelPath(relpath)
	if err != nil {
		return nil, err
	}

	encPath, err := crypto.EncryptChunk(ix.identity.ReadKey, []byte(clean))
	if err != nil {
		return nil, fmt.Errorf("encrypt path: %w", err)
	}
	m := meta.Meta{
		PathID:   crypto.PathID(ix.identity.ReadKey, clean),
		Revision: revision,
		Kind:     meta.KindFile,
		EncPath:  encPath,
	}

	for _, plain := range split(data, ix.chunkSize) {
		sealed, err := crypto.EncryptChunk(ix.identity.ReadKey, plain)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk: %w", err)
		}
		ctHash, err := ix.chunks.PutChunk(sealed)
		if err != nil {
			return nil, fmt.Errorf("store chunk: %w", err)
		}
		m.Chunks = append(m.Chunks, meta.ChunkRef{CtHash: ctHash, Size: uint32(len(sealed))})
	}

	smeta, err := meta.Sign(m, ix.identity)
	if err != nil {
		return nil, err
	}
	if err := ix.metas.HandleIndexedMeta(smeta); err != nil {
		return nil, fmt.Errorf("publish %s: %w", clean, err)
	}

	ix.log.Info("indexed file",
		zap.String("path", clean),
		zap.Int64("revision", revision),
		zap.Int("chunks", len(m.Chunks)),
		zap.Int("bytes", len(data)),
	)
	return smeta, nil
}

// IndexFile indexes root/relpath.
func (ix *Indexer) IndexFile(root, relpath string, revision int64) (*meta.SignedMeta, error) {
	clean, err := cleanRelPath(relpath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(clean)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", clean, err)
	}
	return ix.IndexBytes(clean, data, revision)
}

// IndexDeleted publishes a tombstone revision for relpath.
func (ix *Indexer) IndexDeleted(relpath string, revision int64) (*meta.SignedMeta, error) {
	clean, err := cleanRelPath(relpath)
	if err != nil {
		return nil, err
	}
	encPath, err := crypto.EncryptChunk(ix.identity.ReadKey, []byte(clean))
	if err != nil {
		return nil, fmt.Errorf("encrypt path: %w", err)
	}
	smeta, err := meta.Sign(meta.Meta{
		PathID:   crypto.PathID(ix.identity.ReadKey, clean),
		Revision: revision,
		Kind:     meta.KindDeleted,
		EncPath:  encPath,
	}, ix.identity)
	if err != nil {
		return nil, err
	}
	if err := ix.metas.HandleIndexedMeta(smeta); err != nil {
		return nil, fmt.Errorf("publish %s: %w", clean, err)
	}
	return smeta, nil
}

// DecryptPath recovers the relative path of a revision.
func DecryptPath(identity *crypto.FolderIdentity, m meta.Meta) (string, error) {
	plain, err := crypto.DecryptChunk(identity.ReadKey, m.EncPath)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Assemble decrypts and concatenates the chunks of m read from source.
func Assemble(identity *crypto.FolderIdentity, source ChunkSource, m meta.Meta) ([]byte, error) {
	var out []byte
	for i, ref := range m.Chunks {
		sealed, err := source.GetChunk(ref.CtHash)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrIncomplete, i, err)
		}
		plain, err := crypto.DecryptChunk(identity.ReadKey, sealed)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out = append(out, plain...)
	}
	return out, nil
}

func split(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		out = append(out, data[start:min(start+size, len(data))])
	}
	return out
}

func cleanRelPath(relpath string) (string, error) {
	p := filepath.ToSlash(strings.TrimSpace(relpath))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relpath)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relpath)
	}
	return clean, nil
}
