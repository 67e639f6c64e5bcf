package core

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"

	"entityvc/internal/config"
	"entityvc/internal/infra/persistence/memory"
	"entityvc/internal/infra/persistence/postgres"
	"entityvc/internal/infra/persistence/postgres/pgfake"
	"entityvc/internal/infra/persistence/sqlite"
	"entityvc/pkg/domain"
)

func TestOpenPersistentStore(t *testing.T) {
	ctx := context.Background()

	store, err := OpenPersistentStore(ctx, config.StorageConfig{Driver: config.StorageMemory}, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected *memory.Store, got %T", store)
	}

	store, err = OpenPersistentStore(ctx, config.StorageConfig{Driver: config.StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "live.db")}, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if _, ok := store.(*sqlite.Store); !ok {
		t.Fatalf("expected *sqlite.Store, got %T", store)
	}
	if closer, ok := store.(io.Closer); !ok {
		t.Fatalf("sqlite store must be closable")
	} else {
		_ = closer.Close()
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	if _, err := OpenPersistentStore(context.Background(), config.StorageConfig{Driver: "mysql"}, nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestOpenPersistentStorePostgres(t *testing.T) {
	db, state := pgfake.Open()
	var dsn string
	t.Cleanup(postgres.OverrideSQLOpen(func(_, source string) (*sql.DB, error) {
		dsn = source
		return db, nil
	}))

	store, err := OpenPersistentStore(context.Background(), config.StorageConfig{Driver: config.StoragePostgres, PostgresDSN: "postgres://vc@db/entityvc"}, nil)
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	if _, ok := store.(*postgres.Store); !ok {
		t.Fatalf("expected *postgres.Store, got %T", store)
	}
	if dsn != "postgres://vc@db/entityvc" || !state.Created() {
		t.Fatalf("unexpected dsn %q or missing table", dsn)
	}

	// The default rules engine rejects nameless entities.
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(&domain.Asset{Base: domain.Base{ID: domain.NewEntityID(domain.EntityAsset, "a1")}})
		return err
	})
	if err == nil {
		t.Fatal("expected name_required violation")
	}
	if len(state.Rows()) != 0 {
		t.Fatal("rejected transaction was persisted")
	}
}
