package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"entityvc/pkg/domain"
)

func fixedClock() time.Time { return time.UnixMilli(1_700_000_000_000).UTC() }

func seedDevice(t *testing.T, store *Store, id, name string) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(&domain.Device{Base: domain.Base{ID: domain.NewEntityID(domain.EntityDevice, id), Name: name}})
		return err
	})
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil, WithClock(fixedClock))
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.Snapshot().FindEntity(domain.NewEntityID(domain.EntityAsset, "missing")); ok {
			t.Fatalf("expected missing asset lookup")
		}
		created, err := tx.CreateEntity(&domain.Asset{Base: domain.Base{ID: domain.EntityID{EntityType: domain.EntityAsset}, Name: "Pump"}})
		if err != nil {
			return err
		}
		if created.Meta().ID.ID == "" {
			t.Fatalf("expected generated ID")
		}
		if created.Meta().CreatedTime != fixedClock().UnixMilli() {
			t.Fatalf("expected clock stamped created time, got %d", created.Meta().CreatedTime)
		}
		if len(tx.Snapshot().ListEntities(domain.EntityAsset)) != 1 {
			t.Fatalf("snapshot does not observe transaction writes")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if len(store.ListEntities(domain.EntityAsset)) != 1 {
		t.Fatalf("expected persisted asset")
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListEntities(domain.EntityAsset)) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if len(store.ListEntities(domain.EntityAsset)) != 1 {
		t.Fatalf("expected restored state")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
	if store.NowFunc() == nil {
		t.Fatalf("expected now func")
	}
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateEntity(&domain.Customer{Base: domain.Base{ID: domain.NewEntityID(domain.EntityCustomer, "c1"), Name: "Acme"}}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := store.Count()[domain.EntityCustomer]; got != 0 {
		t.Fatalf("expected rollback, found %d customers", got)
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateEntity(&domain.Customer{Base: domain.Base{ID: domain.NewEntityID(domain.EntityCustomer, "c1"), Name: "Fail"}})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ListEntities(domain.EntityCustomer)) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(ctx context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	res.Merge(domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Message: "no"}}})
	return res, nil
}

func TestCreateEntityErrors(t *testing.T) {
	store := NewStore(nil)
	seedDevice(t, store, "d1", "thermo")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(&domain.Device{Base: domain.Base{ID: domain.NewEntityID(domain.EntityDevice, "d1")}})
		return err
	})
	if !errors.Is(err, domain.ErrEntityExists) {
		t.Fatalf("expected ErrEntityExists, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(&domain.Device{Base: domain.Base{ID: domain.EntityID{EntityType: "WIDGET", ID: "x"}}})
		return err
	})
	if !errors.Is(err, domain.ErrUnsupportedEntityType) {
		t.Fatalf("expected ErrUnsupportedEntityType, got %v", err)
	}
}

func TestUpdateEntityKeepsIdentity(t *testing.T) {
	store := NewStore(nil, WithClock(fixedClock))
	seedDevice(t, store, "d1", "thermo")
	id := domain.NewEntityID(domain.EntityDevice, "d1")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.UpdateEntity(domain.NewEntityID(domain.EntityDevice, "missing"), func(e domain.Entity) (domain.Entity, error) { return e, nil }); !errors.Is(err, domain.ErrEntityNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := tx.UpdateEntity(id, func(domain.Entity) (domain.Entity, error) { return nil, fmt.Errorf("boom") }); err == nil {
			t.Fatalf("expected mutator error")
		}
		_, err := tx.UpdateEntity(id, func(domain.Entity) (domain.Entity, error) {
			return &domain.Device{Base: domain.Base{Name: "renamed"}, Label: "L"}, nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok := store.GetEntity(id)
	if !ok {
		t.Fatalf("device vanished")
	}
	device := got.(*domain.Device)
	if device.Name != "renamed" || device.Label != "L" {
		t.Fatalf("update not applied: %+v", device)
	}
	if device.ID != id || device.CreatedTime != fixedClock().UnixMilli() {
		t.Fatalf("identity changed: %+v", device.Base)
	}
}

func TestDeleteEntityCascades(t *testing.T) {
	store := NewStore(nil)
	seedDevice(t, store, "d1", "thermo")
	seedDevice(t, store, "d2", "gateway")
	d1 := domain.NewEntityID(domain.EntityDevice, "d1")
	d2 := domain.NewEntityID(domain.EntityDevice, "d2")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.SetRelations(d2, []domain.EntityRelation{{From: d2, To: d1, Type: "Manages"}}); err != nil {
			return err
		}
		if err := tx.SetRelations(d1, []domain.EntityRelation{{From: d1, To: d2, Type: "ReportsTo"}}); err != nil {
			return err
		}
		if err := tx.SetAttributes(d1, domain.ServerScope, []domain.AttributeKV{{Key: "fw", Value: domain.StringValue("1.0")}}); err != nil {
			return err
		}
		return tx.SetCredentials(domain.DeviceCredentials{DeviceID: "d1", CredentialsType: domain.CredentialsAccessToken, CredentialsID: "tok"})
	})
	if err != nil {
		t.Fatalf("seed side tables: %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.DeleteEntity(d1)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = store.View(context.Background(), func(view domain.TransactionView) error {
		if rels := view.ListRelations(d2); len(rels) != 0 {
			t.Fatalf("inbound relation survived: %+v", rels)
		}
		if rels := view.ListRelations(d1); len(rels) != 0 {
			t.Fatalf("outbound relation survived: %+v", rels)
		}
		if kvs := view.ListAttributes(d1, domain.ServerScope); len(kvs) != 0 {
			t.Fatalf("attributes survived")
		}
		if _, ok := view.FindCredentialsByID("tok"); ok {
			t.Fatalf("credentials survived")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSetCredentialsConflict(t *testing.T) {
	store := NewStore(nil)
	seedDevice(t, store, "d1", "a")
	seedDevice(t, store, "d2", "b")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.SetCredentials(domain.DeviceCredentials{DeviceID: "d1", CredentialsID: "shared"})
	})
	if err != nil {
		t.Fatalf("first credentials: %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.SetCredentials(domain.DeviceCredentials{DeviceID: "d2", CredentialsID: "shared"})
	})
	if !errors.Is(err, domain.ErrCredentialsConflict) {
		t.Fatalf("expected ErrCredentialsConflict, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.SetCredentials(domain.DeviceCredentials{DeviceID: "d1", CredentialsID: "shared", CredentialsValue: "v2"})
	})
	if err != nil {
		t.Fatalf("re-assigning own credentials: %v", err)
	}
}

func TestFindersByExternalIDAndName(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		ext := domain.NewEntityID(domain.EntityCustomer, "src-1")
		_, err := tx.CreateEntity(&domain.Customer{Base: domain.Base{ID: domain.NewEntityID(domain.EntityCustomer, "c1"), ExternalID: &ext, Name: "Acme"}})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	err = store.View(context.Background(), func(view domain.TransactionView) error {
		if e, ok := view.FindEntityByExternalID(domain.EntityCustomer, "src-1"); !ok || e.Meta().ID.ID != "c1" {
			t.Fatalf("external id lookup failed")
		}
		if _, ok := view.FindEntityByExternalID(domain.EntityCustomer, ""); ok {
			t.Fatalf("empty external id must not match")
		}
		if e, ok := view.FindEntityByName(domain.EntityCustomer, "Acme"); !ok || e.Meta().ID.ID != "c1" {
			t.Fatalf("name lookup failed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestViewReturnsIndependentCopies(t *testing.T) {
	store := NewStore(nil)
	seedDevice(t, store, "d1", "thermo")
	id := domain.NewEntityID(domain.EntityDevice, "d1")
	got, _ := store.GetEntity(id)
	got.Meta().Name = "mutated"
	again, _ := store.GetEntity(id)
	if again.Meta().Name != "thermo" {
		t.Fatalf("reads share state with the store")
	}
}

func TestRuleChainMetadataRequiresChain(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.SetRuleChainMetaData(domain.RuleChainMetaData{RuleChainID: "missing"})
	})
	if !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	store := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.RunInTransaction(ctx, func(domain.Transaction) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if err := store.View(ctx, func(domain.TransactionView) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestWithIDGenerator(t *testing.T) {
	next := 0
	store := NewStore(nil, WithIDGenerator(func() string {
		next++
		return fmt.Sprintf("gen-%d", next)
	}))
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, name := range []string{"A", "B"} {
			if _, err := tx.CreateEntity(&domain.Customer{Base: domain.Base{ID: domain.EntityID{EntityType: domain.EntityCustomer}, Name: name}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, id := range []string{"gen-1", "gen-2"} {
		if _, ok := store.GetEntity(domain.NewEntityID(domain.EntityCustomer, id)); !ok {
			t.Fatalf("expected customer %s", id)
		}
	}
}
