// Package storage holds the per-folder content-addressed chunk store and the
// signed metadata store, both backed by one SQLite database per folder.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under a folder's data dir.
	DefaultDBFileName = "folder.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS chunks (
  ct_hash    BLOB PRIMARY KEY,
  data       BLOB NOT NULL,
  size       INTEGER NOT NULL,
  stored_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS metas (
  path_id    BLOB PRIMARY KEY,
  revision   INTEGER NOT NULL,
  raw        BLOB NOT NULL,
  signature  BLOB NOT NULL,
  stored_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS meta_chunks (
  path_id     BLOB NOT NULL REFERENCES metas(path_id) ON DELETE CASCADE,
  chunk_index INTEGER NOT NULL,
  ct_hash     BLOB NOT NULL,
  PRIMARY KEY (path_id, chunk_index)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_meta_chunks_hash
ON meta_chunks (ct_hash);
`,
}

// Store is one folder's SQLite database.
type Store struct {
	db *sql.DB

	checkpointEvery time.Duration
	stopMaintenance chan struct{}
	maintenance     sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) folder.db under dir and runs migrations.
func Open(dir string) (*Store, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := "file:" + filepath.ToSlash(dbPath) +
		"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{
		db:              db,
		checkpointEvery: DefaultWALCheckpointInterval,
		stopMaintenance: make(chan struct{}),
	}
	for _, step := range []func() error{db.Ping, s.requireWAL, s.migrate} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.startMaintenance()
	return s, nil
}

// Close stops background maintenance and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stopMaintenance)
		s.maintenance.Wait()
		_ = s.checkpoint()
		err = s.db.Close()
	})
	return err
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrate applies every pending migration, each in its own transaction
// together with the user_version bump.
func (s *Store) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	for next := version; next < len(migrations); next++ {
		if err := s.applyMigration(next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(index int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", index+1, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migrations[index]); err != nil {
		return fmt.Errorf("apply migration %d: %w", index+1, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", index+1)); err != nil {
		return fmt.Errorf("set schema version %d: %w", index+1, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", index+1, err)
	}
	return nil
}

func (s *Store) requireWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("storage: journal mode is %q, want wal", mode)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) startMaintenance() {
	if s.checkpointEvery <= 0 {
		return
	}
	s.maintenance.Add(1)
	go func() {
		defer s.maintenance.Done()
		ticker := time.NewTicker(s.checkpointEvery)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopMaintenance:
				return
			case <-ticker.C:
				_ = s.checkpoint()
			}
		}
	}()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
