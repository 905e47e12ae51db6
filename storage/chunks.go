package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"vaultsync/crypto"
)

var (
	// ErrNoSuchChunk indicates a chunk hash that is not stored.
	ErrNoSuchChunk = errors.New("storage: no such chunk")
)

// PutChunk stores encrypted chunk bytes under Hash(data). Storing bytes that
// are already present is a no-op; inserted reports whether a row was written.
func (s *Store) PutChunk(data []byte) (ctHash []byte, inserted bool, err error) {
	ctHash = crypto.Hash(data)

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO chunks (ct_hash, data, size, stored_at) VALUES (?, ?, ?, ?)`,
		ctHash,
		data,
		len(data),
		nowUnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert chunk: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert chunk rows affected: %w", err)
	}
	return ctHash, rows == 1, nil
}

// GetChunk returns the stored bytes for ctHash.
func (s *Store) GetChunk(ctHash []byte) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM chunks WHERE ct_hash = ?`, ctHash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchChunk
	}
	if err != nil {
		return nil, fmt.Errorf("query chunk: %w", err)
	}
	return data, nil
}

// HasChunk reports whether ctHash is stored.
func (s *Store) HasChunk(ctHash []byte) (bool, error) {
	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM chunks WHERE ct_hash = ?)`,
		ctHash,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check chunk: %w", err)
	}
	return exists == 1, nil
}

// ChunkSize returns the stored length of ctHash.
func (s *Store) ChunkSize(ctHash []byte) (int, error) {
	var size int
	err := s.db.QueryRow(`SELECT size FROM chunks WHERE ct_hash = ?`, ctHash).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoSuchChunk
	}
	if err != nil {
		return 0, fmt.Errorf("query chunk size: %w", err)
	}
	return size, nil
}

// CountChunks returns the number of stored chunks.
func (s *Store) CountChunks() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}
