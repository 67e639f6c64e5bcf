// Package postgres provides a Postgres-backed persistent store. Transactions
// run against the in-memory store; committed buckets are kept as JSONB rows in
// the entityvc_state table and only rewritten when their content changes.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"entityvc/internal/infra/persistence/memory"
	"entityvc/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	driverName = "pgx"
	// DefaultDSN is used when no DSN is configured.
	DefaultDSN = "postgres://localhost/entityvc?sslmode=disable"
)

// Statements issued against the state table.
const (
	CreateStateTable = `CREATE TABLE IF NOT EXISTS entityvc_state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		digest TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	SelectState = `SELECT bucket, payload, digest FROM entityvc_state`
	UpsertState = `INSERT INTO entityvc_state (bucket, payload, digest) VALUES ($1, $2, $3)
		ON CONFLICT (bucket) DO UPDATE SET payload = EXCLUDED.payload, digest = EXCLUDED.digest, updated_at = now()`
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a memory.Store whose committed state is mirrored to Postgres.
type Store struct {
	*memory.Store
	db *sql.DB

	mu      sync.Mutex
	digests map[string]string
}

// NewStore connects to dsn (DefaultDSN when empty), ensures the state table
// exists and hydrates the in-memory store from it.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine, opts...), db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, CreateStateTable); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, SelectState)
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

// RunInTransaction commits fn in memory, then upserts the buckets it changed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(context.WithoutCancel(ctx)); err != nil {
		return res, fmt.Errorf("persist postgres state: %w", err)
	}
	return res, nil
}

func (s *Store) persist(ctx context.Context) error {
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
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range changed {
		if _, err := tx.ExecContext(ctx, UpsertState, bucket.Name, bucket.Payload, bucket.Digest); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	s.digests = digests
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the connection factory for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
