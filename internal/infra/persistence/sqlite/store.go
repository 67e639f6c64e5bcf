// Package sqlite provides a SQLite-backed persistent store. The in-memory
// store handles transactions; after each successful commit the buckets whose
// content changed are written to the entityvc_state table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"entityvc/internal/infra/persistence/memory"
	"entityvc/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "entityvc.db"

const (
	createStateTable = `CREATE TABLE IF NOT EXISTS entityvc_state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		digest TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	selectState = `SELECT bucket, payload, digest FROM entityvc_state`
	upsertState = `INSERT INTO entityvc_state (bucket, payload, digest, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload, digest = excluded.digest, updated_at = excluded.updated_at`
)

// Store is a memory.Store whose committed state survives restarts.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string

	mu      sync.Mutex
	digests map[string]string
}

// NewStore opens (creating if needed) the database at path and hydrates the
// in-memory state from it.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps writers from contending for the file lock.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createStateTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine, opts...), db: db, path: path}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, selectState)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	digests := make(map[string]string, len(memory.Buckets))
	for rows.Next() {
		var (
			bucket, digest string
			payload        []byte
		)
		if err := rows.Scan(&bucket, &payload, &digest); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		if err := snapshot.DecodeBucket(bucket, payload); err != nil {
			return err
		}
		digests[bucket] = digest
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if len(digests) > 0 {
		s.ImportState(snapshot)
	}
	s.digests = digests
	return nil
}

// persist writes the changed buckets in one database transaction. The cached
// digests only move forward once the commit succeeded.
func (s *Store) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, digests, err := s.ExportState().ChangedBuckets(s.digests)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	now := s.NowFunc()().UnixMilli()
	for _, bucket := range changed {
		if _, err := tx.ExecContext(ctx, upsertState, bucket.Name, bucket.Payload, bucket.Digest, now); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.digests = digests
	return nil
}

// RunInTransaction commits fn in memory, then writes the result to SQLite.
// A persistence failure is reported even though the in-memory commit stands.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(context.WithoutCancel(ctx)); err != nil {
		return res, fmt.Errorf("persist sqlite state: %w", err)
	}
	return res, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for inspection in tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database path.
func (s *Store) Path() string { return s.path }
