package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"vaultsync/meta"
)

var (
	// ErrNoSuchMeta indicates a path or revision that is not stored.
	ErrNoSuchMeta = errors.New("storage: no such meta")
	// ErrStaleRevision indicates a revision not newer than the stored one.
	ErrStaleRevision = errors.New("storage: stale revision")
)

// PutMeta stores smeta as the current revision of its path. Revisions that are
// not strictly newer than the stored one are rejected with ErrStaleRevision.
func (s *Store) PutMeta(smeta *meta.SignedMeta) error {
	m := smeta.Meta()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin meta transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current int64
	err = tx.QueryRow(`SELECT revision FROM metas WHERE path_id = ?`, m.PathID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("query current revision: %w", err)
	case current >= m.Revision:
		return fmt.Errorf("%w: %s (stored %d)", ErrStaleRevision, m.PathRevision(), current)
	}

	if _, err := tx.Exec(`DELETE FROM meta_chunks WHERE path_id = ?`, m.PathID); err != nil {
		return fmt.Errorf("clear meta chunks: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO metas (path_id, revision, raw, signature, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path_id) DO UPDATE SET
		  revision = excluded.revision,
		  raw = excluded.raw,
		  signature = excluded.signature,
		  stored_at = excluded.stored_at`,
		m.PathID,
		m.Revision,
		smeta.Raw,
		smeta.Signature,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert meta: %w", err)
	}
	for i, c := range m.Chunks {
		if _, err := tx.Exec(
			`INSERT INTO meta_chunks (path_id, chunk_index, ct_hash) VALUES (?, ?, ?)`,
			m.PathID,
			i,
			c.CtHash,
		); err != nil {
			return fmt.Errorf("insert meta chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit meta transaction: %w", err)
	}
	return nil
}

// GetMeta returns the current revision of pathID.
func (s *Store) GetMeta(pathID []byte) (*meta.SignedMeta, error) {
	var raw, signature []byte
	err := s.db.QueryRow(`SELECT raw, signature FROM metas WHERE path_id = ?`, pathID).Scan(&raw, &signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchMeta
	}
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	return meta.Parse(raw, signature)
}

// GetMetaRevision returns the stored metadata only if it is exactly rev.
func (s *Store) GetMetaRevision(rev meta.PathRevision) (*meta.SignedMeta, error) {
	smeta, err := s.GetMeta(rev.PathID)
	if err != nil {
		return nil, err
	}
	if smeta.PathRevision().Revision != rev.Revision {
		return nil, ErrNoSuchMeta
	}
	return smeta, nil
}

// ListMeta returns the current revision of every stored path.
func (s *Store) ListMeta() ([]*meta.SignedMeta, error) {
	rows, err := s.db.Query(`SELECT raw, signature FROM metas ORDER BY path_id`)
	if err != nil {
		return nil, fmt.Errorf("list metas: %w", err)
	}
	defer rows.Close()

	var out []*meta.SignedMeta
	for rows.Next() {
		var raw, signature []byte
		if err := rows.Scan(&raw, &signature); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		smeta, err := meta.Parse(raw, signature)
		if err != nil {
			return nil, err
		}
		out = append(out, smeta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metas: %w", err)
	}
	return out, nil
}

// Bitfield computes chunk possession for the stored revision rev.
func (s *Store) Bitfield(rev meta.PathRevision) (meta.Bitfield, error) {
	smeta, err := s.GetMetaRevision(rev)
	if err != nil {
		return meta.Bitfield{}, err
	}
	chunks := smeta.Meta().Chunks

	rows, err := s.db.Query(
		`SELECT mc.chunk_index FROM meta_chunks mc
		JOIN chunks c ON c.ct_hash = mc.ct_hash
		WHERE mc.path_id = ?`,
		rev.PathID,
	)
	if err != nil {
		return meta.Bitfield{}, fmt.Errorf("query bitfield: %w", err)
	}
	defer rows.Close()

	bits := meta.NewBitfield(len(chunks))
	for rows.Next() {
		var index int
		if err := rows.Scan(&index); err != nil {
			return meta.Bitfield{}, fmt.Errorf("scan bitfield: %w", err)
		}
		bits.Set(index)
	}
	if err := rows.Err(); err != nil {
		return meta.Bitfield{}, fmt.Errorf("iterate bitfield: %w", err)
	}
	return bits, nil
}
