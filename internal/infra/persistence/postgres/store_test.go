package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"entityvc/internal/infra/persistence/memory"
	"entityvc/internal/infra/persistence/postgres/pgfake"
	"entityvc/pkg/domain"
)

func openFake(t *testing.T) *pgfake.State {
	t.Helper()
	db, state := pgfake.Open()
	restore := OverrideSQLOpen(func(driver, dsn string) (*sql.DB, error) {
		if driver != "pgx" || dsn != DefaultDSN {
			t.Errorf("unexpected open %s %s", driver, dsn)
		}
		return db, nil
	})
	t.Cleanup(restore)
	return state
}

func createCustomer(ctx context.Context, store *Store, name string) error {
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(&domain.Customer{Base: domain.Base{ID: domain.EntityID{EntityType: domain.EntityCustomer}, Name: name}})
		return err
	})
	return err
}

func TestNewStoreCreatesStateTable(t *testing.T) {
	state := openFake(t)
	if _, err := NewStore(context.Background(), "", domain.NewRulesEngine()); err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if !state.Created() {
		t.Fatal("expected state table DDL")
	}
	if len(state.Rows()) != 0 {
		t.Fatal("empty store should not write rows")
	}
}

func TestRunInTransactionPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	state := openFake(t)
	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	chain := domain.NewEntityID(domain.EntityRuleChain, "rc-1")
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateEntity(&domain.RuleChain{Base: domain.Base{ID: chain, Name: "Root"}, Root: true}); err != nil {
			return err
		}
		return tx.SetRuleChainMetaData(domain.RuleChainMetaData{RuleChainID: "rc-1", Nodes: []domain.RuleNode{{Type: "log", Name: "Log"}}})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if got := len(state.Rows()); got != len(memory.Buckets) {
		t.Fatalf("expected %d bucket rows, got %d", len(memory.Buckets), got)
	}

	reloaded, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.GetEntity(chain); !ok {
		t.Fatal("rule chain not restored")
	}
	err = reloaded.View(ctx, func(view domain.TransactionView) error {
		meta, ok := view.FindRuleChainMetaData("rc-1")
		if !ok || len(meta.Nodes) != 1 {
			t.Fatalf("metadata not restored: %+v", meta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestOnlyChangedBucketsAreRewritten(t *testing.T) {
	ctx := context.Background()
	state := openFake(t)
	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := createCustomer(ctx, store, "First"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := createCustomer(ctx, store, "Second"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(domain.Transaction) error { return nil }); err != nil {
		t.Fatalf("no-op: %v", err)
	}

	upserts := state.Upserts()
	if len(upserts) != len(memory.Buckets)+1 || upserts[len(upserts)-1] != memory.BucketEntities {
		t.Fatalf("unexpected upsert log %v", upserts)
	}
	if commits, _ := state.Transactions(); commits != 2 {
		t.Fatalf("expected 2 database commits, got %d", commits)
	}
}

func TestReloadKeepsDigests(t *testing.T) {
	ctx := context.Background()
	state := openFake(t)
	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := createCustomer(ctx, store, "First"); err != nil {
		t.Fatalf("create: %v", err)
	}
	before := len(state.Upserts())

	reloaded, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := reloaded.RunInTransaction(ctx, func(domain.Transaction) error { return nil }); err != nil {
		t.Fatalf("no-op: %v", err)
	}
	if got := len(state.Upserts()); got != before {
		t.Fatalf("reloaded store rewrote unchanged buckets: %v", state.Upserts())
	}
}

func TestNewStoreErrors(t *testing.T) {
	boom := errors.New("boom")
	t.Run("open", func(t *testing.T) {
		restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, boom })
		defer restore()
		if _, err := NewStore(context.Background(), "postgres://example", nil); !errors.Is(err, boom) {
			t.Fatalf("expected open error, got %v", err)
		}
	})
	for _, op := range []pgfake.Op{pgfake.OpPing, pgfake.OpCreate, pgfake.OpQuery} {
		t.Run(string(op), func(t *testing.T) {
			state := openFake(t)
			state.Fail(op, boom)
			if _, err := NewStore(context.Background(), "", nil); !errors.Is(err, boom) {
				t.Fatalf("expected %s error, got %v", op, err)
			}
		})
	}
	t.Run("decode", func(t *testing.T) {
		state := openFake(t)
		state.Put(memory.BucketEntities, pgfake.Row{Payload: []byte("{not json"), Digest: "x"})
		if _, err := NewStore(context.Background(), "", nil); err == nil {
			t.Fatal("expected decode error")
		}
	})
}

func TestPersistFailureRetriesNextCommit(t *testing.T) {
	ctx := context.Background()
	state := openFake(t)
	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	state.Fail(pgfake.OpCommit, errors.New("disk full"))
	err = createCustomer(ctx, store, "Lost")
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit error, got %v", err)
	}
	if len(state.Rows()) != 0 {
		t.Fatal("failed commit left rows")
	}

	state.Fail(pgfake.OpCommit, nil)
	if _, err := store.RunInTransaction(ctx, func(domain.Transaction) error { return nil }); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := len(state.Rows()); got != len(memory.Buckets) {
		t.Fatalf("expected retry to write %d buckets, got %d", len(memory.Buckets), got)
	}
}
