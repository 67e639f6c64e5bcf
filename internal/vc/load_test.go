package vc

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityvc/internal/core"
	"entityvc/internal/infra/persistence/memory"
	"entityvc/internal/vc/codec"
	"entityvc/internal/vc/repository"
	"entityvc/pkg/domain"
)

var fullExport = EntityTypeVersionCreateConfig{SaveRelations: true, SaveAttributes: true, SaveCredentials: true}

var fullLoad = EntityTypeVersionLoadConfig{LoadRelations: true, LoadAttributes: true, LoadCredentials: true}

// writeDocs commits hand-built documents straight to the repository.
func (f *fixture) writeDocs(t *testing.T, docs ...*codec.EntityExportData) EntityVersion {
	t.Helper()
	ctx := context.Background()
	put := make(map[string][]byte, len(docs))
	for _, doc := range docs {
		raw, err := codec.Encode(doc)
		require.NoError(t, err)
		put[codec.Path(doc.ID())] = raw
	}
	commit := repository.Commit{Name: "crafted", Put: put}
	if head, ok, err := f.repo.Head(ctx, "main"); err == nil && ok {
		commit.ExpectedHead = head.ID
	}
	version, err := f.repo.WriteVersion(ctx, "main", commit)
	require.NoError(t, err)
	return version
}

func deviceDoc(id, name string, creds string) *codec.EntityExportData {
	doc := &codec.EntityExportData{
		EntityType: domain.EntityDevice,
		Entity:     &domain.Device{Base: domain.Base{ID: devID(id), Name: name}},
	}
	if creds != "" {
		doc.Credentials = &domain.DeviceCredentials{DeviceID: id, CredentialsType: domain.CredentialsAccessToken, CredentialsID: creds}
	}
	return doc
}

func loadDevices(cfg EntityTypeVersionLoadConfig, strategy SyncStrategy) *EntityTypeVersionLoadRequest {
	return &EntityTypeVersionLoadRequest{
		SyncStrategy: strategy,
		EntityTypes:  map[domain.EntityType]EntityTypeVersionLoadConfig{domain.EntityDevice: cfg},
	}
}

func device(t *testing.T, store *memory.Store, id string) *domain.Device {
	t.Helper()
	entity, ok := store.GetEntity(devID(id))
	require.True(t, ok, "device %s missing", id)
	return entity.(*domain.Device)
}

func attributes(t *testing.T, store *memory.Store, id domain.EntityID, scope domain.AttributeScope) []domain.AttributeKV {
	t.Helper()
	var kvs []domain.AttributeKV
	require.NoError(t, store.View(context.Background(), func(view domain.TransactionView) error {
		kvs = view.ListAttributes(id, scope)
		return nil
	}))
	return kvs
}

func TestLoad_RoundTripRestoresDeletedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profile := domain.NewEntityID(domain.EntityDeviceProfile, "p1")
	asset := domain.NewEntityID(domain.EntityAsset, "a1")
	f.seed(t, func(tx domain.Transaction) error {
		if _, err := tx.CreateEntity(&domain.DeviceProfile{Base: domain.Base{ID: profile, Name: "Default"}}); err != nil {
			return err
		}
		if _, err := tx.CreateEntity(&domain.Asset{Base: domain.Base{ID: asset, Name: "Lobby"}}); err != nil {
			return err
		}
		if _, err := tx.CreateEntity(&domain.Device{Base: domain.Base{ID: devID("d1"), Name: "Thermostat"}, DeviceProfileID: &profile, Label: "hall"}); err != nil {
			return err
		}
		if err := tx.SetAttributes(devID("d1"), domain.ServerScope, []domain.AttributeKV{{Key: "on", LastUpdateTs: 5, Value: domain.BooleanValue(true)}}); err != nil {
			return err
		}
		if err := tx.SetCredentials(domain.DeviceCredentials{DeviceID: "d1", CredentialsType: domain.CredentialsAccessToken, CredentialsID: "tok-1"}); err != nil {
			return err
		}
		return tx.SetRelations(devID("d1"), []domain.EntityRelation{{From: devID("d1"), To: asset, Type: "Contains", TypeGroup: domain.RelationGroupCommon}})
	})
	res := f.create(t, &ComplexVersionCreateRequest{
		VersionName: "full",
		EntityTypes: map[domain.EntityType]EntityTypeVersionCreateConfig{
			domain.EntityDeviceProfile: {AllEntities: true},
			domain.EntityDevice:        {AllEntities: true, SaveRelations: true, SaveAttributes: true, SaveCredentials: true},
		},
	})
	require.Empty(t, res.Error)
	stored, err := f.repo.ReadFile(ctx, "main", res.Version.ID, "device/d1.json")
	require.NoError(t, err)

	f.seed(t, func(tx domain.Transaction) error { return tx.DeleteEntity(devID("d1")) })
	loaded := f.load(t, &EntityTypeVersionLoadRequest{
		VersionID: res.Version.ID,
		EntityTypes: map[domain.EntityType]EntityTypeVersionLoadConfig{
			domain.EntityDeviceProfile: {},
			domain.EntityDevice:        fullLoad,
		},
	})
	require.Nil(t, loaded.Error)
	assert.Equal(t, []EntityTypeLoadResult{
		{EntityType: domain.EntityDeviceProfile, Updated: 1},
		{EntityType: domain.EntityDevice, Created: 1},
	}, loaded.Result)

	var restored []byte
	require.NoError(t, f.store.View(ctx, func(view domain.TransactionView) error {
		data, err := codec.Export(ctx, view, devID("d1"), fullExport.exportConfig())
		if err != nil {
			return err
		}
		restored, err = codec.Encode(data)
		return err
	}))
	assert.Equal(t, string(stored), string(restored))
	assert.Nil(t, device(t, f.store, "d1").ExternalID, "an entity restored under its own id has no external id")
}

func TestLoad_MergeVersusOverwrite(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx domain.Transaction) error {
		if err := createDevice(tx, "d1", "Pump", "nine"); err != nil {
			return err
		}
		return tx.SetAttributes(devID("d1"), domain.ServerScope, []domain.AttributeKV{{Key: "x", LastUpdateTs: 1, Value: domain.LongValue(1)}})
	})
	res := f.create(t, &SingleEntityVersionCreateRequest{VersionName: "x only", EntityID: devID("d1"), Config: codec.ExportConfig{SaveAttributes: true}})
	require.Empty(t, res.Error)

	drift := func(tx domain.Transaction) error {
		if _, err := tx.UpdateEntity(devID("d1"), func(e domain.Entity) (domain.Entity, error) {
			d := e.(*domain.Device)
			d.Label, d.DeviceType = "one", "sensor"
			return d, nil
		}); err != nil {
			return err
		}
		return tx.SetAttributes(devID("d1"), domain.ServerScope, []domain.AttributeKV{
			{Key: "x", LastUpdateTs: 2, Value: domain.LongValue(5)},
			{Key: "y", LastUpdateTs: 2, Value: domain.LongValue(2)},
		})
	}
	load := func(strategy SyncStrategy) VersionLoadResult {
		return f.load(t, &SingleEntityVersionLoadRequest{
			SyncStrategy:     strategy,
			ExternalEntityID: devID("d1"),
			Config:           codec.ImportConfig{LoadAttributes: true},
		})
	}

	f.seed(t, drift)
	out := load(SyncOverwrite)
	require.Nil(t, out.Error)
	assert.Equal(t, 1, out.Counts(domain.EntityDevice).Updated)
	d := device(t, f.store, "d1")
	assert.Equal(t, "nine", d.Label)
	assert.Empty(t, d.DeviceType, "overwrite drops fields the version does not carry")
	assert.Equal(t, []domain.AttributeKV{{Key: "x", LastUpdateTs: 1, Value: domain.LongValue(1)}},
		attributes(t, f.store, devID("d1"), domain.ServerScope))

	f.seed(t, drift)
	out = load(SyncMerge)
	require.Nil(t, out.Error)
	d = device(t, f.store, "d1")
	assert.Equal(t, "nine", d.Label)
	assert.Empty(t, d.DeviceType, "the version recorded an empty type")
	assert.Equal(t, []domain.AttributeKV{
		{Key: "x", LastUpdateTs: 1, Value: domain.LongValue(1)},
		{Key: "y", LastUpdateTs: 2, Value: domain.LongValue(2)},
	}, attributes(t, f.store, devID("d1"), domain.ServerScope))
}

func TestLoad_MergeUnionsRelations(t *testing.T) {
	f := newFixture(t)
	a1 := domain.NewEntityID(domain.EntityAsset, "a1")
	a2 := domain.NewEntityID(domain.EntityAsset, "a2")
	f.seed(t, func(tx domain.Transaction) error {
		for _, id := range []domain.EntityID{a1, a2} {
			if _, err := tx.CreateEntity(&domain.Asset{Base: domain.Base{ID: id, Name: id.ID}}); err != nil {
				return err
			}
		}
		if err := createDevice(tx, "d1", "Pump", ""); err != nil {
			return err
		}
		return tx.SetRelations(devID("d1"), []domain.EntityRelation{{From: devID("d1"), To: a1, Type: "Contains"}})
	})
	res := f.create(t, &SingleEntityVersionCreateRequest{VersionName: "v", EntityID: devID("d1"), Config: codec.ExportConfig{SaveRelations: true}})
	require.Empty(t, res.Error)
	f.seed(t, func(tx domain.Transaction) error {
		return tx.SetRelations(devID("d1"), []domain.EntityRelation{{From: devID("d1"), To: a2, Type: "Manages"}})
	})

	relationsOf := func() []domain.EntityRelation {
		var rels []domain.EntityRelation
		require.NoError(t, f.store.View(context.Background(), func(view domain.TransactionView) error {
			rels = view.ListRelations(devID("d1"))
			return nil
		}))
		return rels
	}
	out := f.load(t, &SingleEntityVersionLoadRequest{ExternalEntityID: devID("d1"), Config: codec.ImportConfig{LoadRelations: true}})
	require.Nil(t, out.Error)
	assert.Len(t, relationsOf(), 2)

	out = f.load(t, &SingleEntityVersionLoadRequest{SyncStrategy: SyncOverwrite, ExternalEntityID: devID("d1"), Config: codec.ImportConfig{LoadRelations: true}})
	require.Nil(t, out.Error)
	rels := relationsOf()
	require.Len(t, rels, 1)
	assert.Equal(t, a1, rels[0].To)
}

func TestLoad_CredentialsConflictInBatchAbortsBeforeWriting(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx domain.Transaction) error { return createDevice(tx, "d1", "old name", "old") })
	version := f.writeDocs(t, deviceDoc("d1", "first", "shared"), deviceDoc("d2", "second", "shared"))

	out := f.load(t, &EntityTypeVersionLoadRequest{
		VersionID:   version.ID,
		EntityTypes: map[domain.EntityType]EntityTypeVersionLoadConfig{domain.EntityDevice: fullLoad},
	})
	require.NotNil(t, out.Error)
	assert.Equal(t, DeviceCredentialsConflict, out.Error.Type)
	assert.Equal(t, devID("d2"), *out.Error.Source)
	assert.Equal(t, devID("d1"), *out.Error.Target)
	assert.Equal(t, EntityTypeLoadResult{EntityType: domain.EntityDevice}, out.Counts(domain.EntityDevice))

	d := device(t, f.store, "d1")
	assert.Equal(t, "old name", d.Name)
	assert.Equal(t, "old", d.Label)
	_, exists := f.store.GetEntity(devID("d2"))
	assert.False(t, exists)
}

func TestLoad_CredentialsConflictWithLiveDevice(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx domain.Transaction) error {
		if err := createDevice(tx, "d9", "owner", ""); err != nil {
			return err
		}
		return tx.SetCredentials(domain.DeviceCredentials{DeviceID: "d9", CredentialsType: domain.CredentialsAccessToken, CredentialsID: "tok"})
	})
	f.writeDocs(t, deviceDoc("d1", "incoming", "tok"))

	out := f.load(t, loadDevices(fullLoad, ""))
	require.NotNil(t, out.Error)
	assert.Equal(t, DeviceCredentialsConflict, out.Error.Type)
	assert.Equal(t, devID("d1"), *out.Error.Source)
	assert.Equal(t, devID("d9"), *out.Error.Target)
	assert.Contains(t, out.Error.Error(), "credentials already used")

	out = f.load(t, loadDevices(EntityTypeVersionLoadConfig{}, ""))
	require.Nil(t, out.Error, "credentials are ignored unless requested")
	assert.Equal(t, 1, out.Counts(domain.EntityDevice).Created)
}

func TestLoad_MissingReferenceKeepsEarlierTypes(t *testing.T) {
	f := newFixture(t)
	ghost := domain.NewEntityID(domain.EntityDeviceProfile, "ghost")
	customer := domain.NewEntityID(domain.EntityCustomer, "c1")
	f.writeDocs(t,
		&codec.EntityExportData{EntityType: domain.EntityCustomer, Entity: &domain.Customer{Base: domain.Base{ID: customer, Name: "Acme"}}},
		&codec.EntityExportData{EntityType: domain.EntityDevice, Entity: &domain.Device{Base: domain.Base{ID: devID("d1"), Name: "Pump"}, DeviceProfileID: &ghost}},
	)

	out := f.load(t, &EntityTypeVersionLoadRequest{EntityTypes: map[domain.EntityType]EntityTypeVersionLoadConfig{
		domain.EntityCustomer: {},
		domain.EntityDevice:   {},
	}})
	require.NotNil(t, out.Error)
	assert.Equal(t, MissingReferencedEntity, out.Error.Type)
	assert.Equal(t, devID("d1"), *out.Error.Source)
	assert.Equal(t, ghost, *out.Error.Target)
	assert.Equal(t, 1, out.Counts(domain.EntityCustomer).Created)

	_, ok := f.store.GetEntity(customer)
	assert.True(t, ok, "types applied before the failure stay applied")
	_, ok = f.store.GetEntity(devID("d1"))
	assert.False(t, ok)
}

func TestLoad_MissingRelationTarget(t *testing.T) {
	f := newFixture(t)
	nowhere := domain.NewEntityID(domain.EntityAsset, "nowhere")
	doc := deviceDoc("d1", "Pump", "")
	doc.Relations = []domain.EntityRelation{{From: devID("d1"), To: nowhere, Type: "Contains", TypeGroup: domain.RelationGroupCommon}}
	f.writeDocs(t, doc)

	out := f.load(t, loadDevices(EntityTypeVersionLoadConfig{LoadRelations: true}, ""))
	require.NotNil(t, out.Error)
	assert.Equal(t, MissingReferencedEntity, out.Error.Type)
	assert.Equal(t, nowhere, *out.Error.Target)

	out = f.load(t, loadDevices(EntityTypeVersionLoadConfig{}, ""))
	require.Nil(t, out.Error, "relations are not checked unless loaded")
}

func TestLoad_RelationsMayPointAtLaterTypes(t *testing.T) {
	f := newFixture(t)
	asset := domain.NewEntityID(domain.EntityAsset, "a1")
	f.seed(t, func(tx domain.Transaction) error {
		if _, err := tx.CreateEntity(&domain.Asset{Base: domain.Base{ID: asset, Name: "Lobby"}}); err != nil {
			return err
		}
		if err := createDevice(tx, "d1", "Pump", ""); err != nil {
			return err
		}
		return tx.SetRelations(asset, []domain.EntityRelation{{From: asset, To: devID("d1"), Type: "Contains"}})
	})
	res := f.create(t, &ComplexVersionCreateRequest{
		VersionName: "v",
		EntityTypes: map[domain.EntityType]EntityTypeVersionCreateConfig{
			domain.EntityAsset:  {AllEntities: true, SaveRelations: true},
			domain.EntityDevice: {AllEntities: true},
		},
	})
	require.Empty(t, res.Error)
	f.seed(t, func(tx domain.Transaction) error {
		if err := tx.DeleteEntity(asset); err != nil {
			return err
		}
		return tx.DeleteEntity(devID("d1"))
	})

	out := f.load(t, &EntityTypeVersionLoadRequest{EntityTypes: map[domain.EntityType]EntityTypeVersionLoadConfig{
		domain.EntityAsset:  {LoadRelations: true},
		domain.EntityDevice: {},
	}})
	require.Nil(t, out.Error)
	require.NoError(t, f.store.View(context.Background(), func(view domain.TransactionView) error {
		rels := view.ListRelations(asset)
		require.Len(t, rels, 1)
		assert.Equal(t, devID("d1"), rels[0].To)
		return nil
	}))
}

func TestLoad_RemoveOtherEntitiesRunsLast(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx domain.Transaction) error {
		if err := createDevice(tx, "a", "A", ""); err != nil {
			return err
		}
		return createDevice(tx, "b", "B", "")
	})
	res := f.create(t, allDevices(EntityTypeVersionCreateConfig{}))
	require.Empty(t, res.Error)
	f.seed(t, func(tx domain.Transaction) error { return createDevice(tx, "c", "C", "") })
	f.seed(t, relabel("a", "drifted"))

	before := len(f.spy.entries())
	out := f.load(t, loadDevices(EntityTypeVersionLoadConfig{RemoveOtherEntities: true}, SyncOverwrite))
	require.Nil(t, out.Error)
	assert.Equal(t, EntityTypeLoadResult{EntityType: domain.EntityDevice, Updated: 2, Deleted: 1}, out.Counts(domain.EntityDevice))

	_, ok := f.store.GetEntity(devID("c"))
	assert.False(t, ok)
	assert.Empty(t, device(t, f.store, "a").Label)

	log := f.spy.entries()[before:]
	lastWrite, firstDelete := -1, -1
	for i, entry := range log {
		switch {
		case strings.HasPrefix(entry, string(domain.ActionDelete)):
			if firstDelete < 0 {
				firstDelete = i
			}
		default:
			lastWrite = i
		}
	}
	require.GreaterOrEqual(t, firstDelete, 0)
	assert.Less(t, lastWrite, firstDelete, "deletes follow every create and update: %v", log)
}

func TestLoad_FindExistingEntityByName(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx domain.Transaction) error { return createDevice(tx, "live-1", "Pump", "") })
	f.writeDocs(t, deviceDoc("ext-1", "Pump", ""))

	out := f.load(t, loadDevices(EntityTypeVersionLoadConfig{}, ""))
	require.NotNil(t, out.Error)
	assert.Equal(t, RuntimeError, out.Error.Type)
	assert.Contains(t, out.Error.Message, "unique_name")

	out = f.load(t, loadDevices(EntityTypeVersionLoadConfig{FindExistingEntityByName: true}, ""))
	require.Nil(t, out.Error)
	assert.Equal(t, 1, out.Counts(domain.EntityDevice).Updated)
	assert.Equal(t, 1, f.store.Count()[domain.EntityDevice])
	d := device(t, f.store, "live-1")
	require.NotNil(t, d.ExternalID)
	assert.Equal(t, devID("ext-1"), *d.ExternalID)

	// The external id now leads straight to the same entity.
	out = f.load(t, loadDevices(EntityTypeVersionLoadConfig{}, ""))
	require.Nil(t, out.Error)
	assert.Equal(t, 1, out.Counts(domain.EntityDevice).Updated)
}

func TestLoad_RemapsReferencesIntoAnotherStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	srcProfile := domain.NewEntityID(domain.EntityDeviceProfile, "p-src")
	f.seed(t, func(tx domain.Transaction) error {
		if _, err := tx.CreateEntity(&domain.DeviceProfile{Base: domain.Base{ID: srcProfile, Name: "Default"}}); err != nil {
			return err
		}
		_, err := tx.CreateEntity(&domain.Device{Base: domain.Base{ID: devID("d-src"), Name: "Pump"}, DeviceProfileID: &srcProfile})
		return err
	})
	res := f.create(t, &ComplexVersionCreateRequest{
		VersionName: "export",
		EntityTypes: map[domain.EntityType]EntityTypeVersionCreateConfig{
			domain.EntityDeviceProfile: {AllEntities: true},
			domain.EntityDevice:        {AllEntities: true},
		},
	})
	require.Empty(t, res.Error)

	target := memory.NewStore(core.NewDefaultRulesEngine())
	liveProfile := domain.NewEntityID(domain.EntityDeviceProfile, "p-live")
	_, err := target.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(&domain.DeviceProfile{Base: domain.Base{ID: liveProfile, Name: "Default"}})
		return err
	})
	require.NoError(t, err)
	other := NewService(target, f.repo)
	t.Cleanup(func() { _ = other.Close(ctx) })

	id, err := other.LoadVersion(ctx, &EntityTypeVersionLoadRequest{EntityTypes: map[domain.EntityType]EntityTypeVersionLoadConfig{
		domain.EntityDeviceProfile: {FindExistingEntityByName: true},
		domain.EntityDevice:        {},
	}})
	require.NoError(t, err)
	results, err := other.WatchLoad(ctx, id)
	require.NoError(t, err)
	var out VersionLoadResult
	for r := range results {
		out = r
	}
	require.Nil(t, out.Error)
	assert.Equal(t, 1, out.Counts(domain.EntityDeviceProfile).Updated)
	assert.Equal(t, 1, out.Counts(domain.EntityDevice).Created)

	loaded, ok := target.GetEntity(devID("d-src"))
	require.True(t, ok)
	assert.Equal(t, liveProfile, *loaded.(*domain.Device).DeviceProfileID)
	profile, _ := target.GetEntity(liveProfile)
	assert.Equal(t, srcProfile, *profile.Meta().ExternalID)
}

func TestLoad_NewIDWhenIncomingIDIsTaken(t *testing.T) {
	f := newFixture(t, WithIDGenerator(func() string { return "fresh" }))
	f.seed(t, func(tx domain.Transaction) error { return createDevice(tx, "b", "Pump", "") })
	// a claims the live b by name, so the incoming b cannot land on its own id.
	f.writeDocs(t, deviceDoc("a", "Pump", ""), deviceDoc("b", "Bravo", ""))

	out := f.load(t, loadDevices(EntityTypeVersionLoadConfig{FindExistingEntityByName: true}, ""))
	require.Nil(t, out.Error)
	assert.Equal(t, EntityTypeLoadResult{EntityType: domain.EntityDevice, Created: 1, Updated: 1}, out.Counts(domain.EntityDevice))

	claimed := device(t, f.store, "b")
	assert.Equal(t, "Pump", claimed.Name)
	require.NotNil(t, claimed.ExternalID)
	assert.Equal(t, devID("a"), *claimed.ExternalID)
	fresh := device(t, f.store, "fresh")
	assert.Equal(t, "Bravo", fresh.Name)
	require.NotNil(t, fresh.ExternalID)
	assert.Equal(t, devID("b"), *fresh.ExternalID)
}

func TestLoad_RuleChainMetadata(t *testing.T) {
	f := newFixture(t)
	rc1 := domain.NewEntityID(domain.EntityRuleChain, "rc1")
	rc2 := domain.NewEntityID(domain.EntityRuleChain, "rc2")
	f.seed(t, func(tx domain.Transaction) error {
		for _, id := range []domain.EntityID{rc1, rc2} {
			if _, err := tx.CreateEntity(&domain.RuleChain{Base: domain.Base{ID: id, Name: id.ID}}); err != nil {
				return err
			}
		}
		return tx.SetRuleChainMetaData(domain.RuleChainMetaData{
			RuleChainID: "rc1",
			Nodes:       []domain.RuleNode{{Type: "filter", Name: "check"}},
			RuleChainConnections: []domain.RuleChainConnection{
				{FromIndex: 0, TargetRuleChainID: rc2, Type: "Success"},
			},
		})
	})
	res := f.create(t, &ComplexVersionCreateRequest{
		VersionName: "chains",
		EntityTypes: map[domain.EntityType]EntityTypeVersionCreateConfig{domain.EntityRuleChain: {AllEntities: true}},
	})
	require.Empty(t, res.Error)
	f.seed(t, func(tx domain.Transaction) error {
		if err := tx.DeleteEntity(rc1); err != nil {
			return err
		}
		return tx.DeleteEntity(rc2)
	})

	out := f.load(t, &EntityTypeVersionLoadRequest{EntityTypes: map[domain.EntityType]EntityTypeVersionLoadConfig{domain.EntityRuleChain: {}}})
	require.Nil(t, out.Error)
	assert.Equal(t, 2, out.Counts(domain.EntityRuleChain).Created)
	require.NoError(t, f.store.View(context.Background(), func(view domain.TransactionView) error {
		md, ok := view.FindRuleChainMetaData("rc1")
		require.True(t, ok)
		assert.Equal(t, []domain.EntityID{rc2}, md.References())
		return nil
	}))
}

func TestLoad_LookupFailuresAreRuntimeErrors(t *testing.T) {
	f := newFixture(t)
	out := f.load(t, loadDevices(EntityTypeVersionLoadConfig{}, ""))
	require.NotNil(t, out.Error)
	assert.Equal(t, RuntimeError, out.Error.Type)
	assert.Contains(t, out.Error.Message, repository.ErrBranchNotFound.Error())

	f.writeDocs(t, deviceDoc("d1", "Pump", ""))
	out = f.load(t, &SingleEntityVersionLoadRequest{ExternalEntityID: devID("absent")})
	require.NotNil(t, out.Error)
	assert.Contains(t, out.Error.Message, repository.ErrFileNotFound.Error())

	req := loadDevices(EntityTypeVersionLoadConfig{}, "")
	req.VersionID = "0000000000000000000000000000000000000000"
	out = f.load(t, req)
	require.NotNil(t, out.Error)
	assert.Contains(t, out.Error.Message, repository.ErrVersionNotFound.Error())
}

// writeRaw commits documents exactly as given, bypassing the codec.
func (f *fixture) writeRaw(t *testing.T, docs map[string]string) EntityVersion {
	t.Helper()
	ctx := context.Background()
	put := make(map[string][]byte, len(docs))
	for path, doc := range docs {
		put[path] = []byte(doc)
	}
	commit := repository.Commit{Name: "handwritten", Put: put}
	if head, ok, err := f.repo.Head(ctx, "main"); err == nil && ok {
		commit.ExpectedHead = head.ID
	}
	version, err := f.repo.WriteVersion(ctx, "main", commit)
	require.NoError(t, err)
	return version
}

func runLoadOn(t *testing.T, svc *Service, req VersionLoadRequest) VersionLoadResult {
	t.Helper()
	id, err := svc.LoadVersion(context.Background(), req)
	require.NoError(t, err)
	results, err := svc.WatchLoad(context.Background(), id)
	require.NoError(t, err)
	var out VersionLoadResult
	for r := range results {
		out = r
	}
	require.True(t, out.Done, "load job did not finish")
	return out
}

func TestLoad_MergeRestoresRecordedZeroValues(t *testing.T) {
	f := newFixture(t)
	customer := domain.NewEntityID(domain.EntityCustomer, "c1")
	f.seed(t, func(tx domain.Transaction) error {
		if _, err := tx.CreateEntity(&domain.Customer{Base: domain.Base{ID: customer, Name: "Acme"}}); err != nil {
			return err
		}
		return createDevice(tx, "d1", "Pump", "a")
	})
	res := f.create(t, &SingleEntityVersionCreateRequest{VersionName: "unassigned", EntityID: devID("d1")})
	require.Empty(t, res.Error)

	f.seed(t, func(tx domain.Transaction) error {
		_, err := tx.UpdateEntity(devID("d1"), func(e domain.Entity) (domain.Entity, error) {
			d := e.(*domain.Device)
			d.CustomerID, d.Label, d.FirmwareID = &customer, "b", "fw-2"
			return d, nil
		})
		return err
	})
	out := f.load(t, &SingleEntityVersionLoadRequest{SyncStrategy: SyncMerge, ExternalEntityID: devID("d1")})
	require.Nil(t, out.Error)

	d := device(t, f.store, "d1")
	assert.Equal(t, "a", d.Label)
	assert.Nil(t, d.CustomerID, "merge must restore the unassigned state the version recorded")
	assert.Empty(t, d.FirmwareID)
	assert.NotZero(t, d.CreatedTime)
}

func TestLoad_MergeKeepsFieldsAbsentFromDocument(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(&domain.Device{Base: domain.Base{ID: devID("d1"), Name: "Pump"}, Label: "old", DeviceType: "sensor", FirmwareID: "fw-1"})
		return err
	})
	f.writeRaw(t, map[string]string{
		"device/d1.json": `{"entityType":"DEVICE","entity":{"id":{"entityType":"DEVICE","id":"d1"},"name":"Pump","label":"new","firmwareId":null}}`,
	})

	out := f.load(t, loadDevices(EntityTypeVersionLoadConfig{}, SyncMerge))
	require.Nil(t, out.Error)
	d := device(t, f.store, "d1")
	assert.Equal(t, "new", d.Label)
	assert.Equal(t, "sensor", d.DeviceType, "merge keeps fields the document does not carry")
	assert.Empty(t, d.FirmwareID, "an explicit null clears the field")

	out = f.load(t, loadDevices(EntityTypeVersionLoadConfig{}, SyncOverwrite))
	require.Nil(t, out.Error)
	assert.Empty(t, device(t, f.store, "d1").DeviceType, "overwrite drops fields the document does not carry")
}

func TestLoad_ResolvesReferencesThroughExternalID(t *testing.T) {
	f := newFixture(t)
	srcProfile := domain.NewEntityID(domain.EntityDeviceProfile, "p-src")
	srcAsset := domain.NewEntityID(domain.EntityAsset, "a-src")
	f.seed(t, func(tx domain.Transaction) error {
		if _, err := tx.CreateEntity(&domain.DeviceProfile{Base: domain.Base{ID: srcProfile, Name: "Default"}}); err != nil {
			return err
		}
		if _, err := tx.CreateEntity(&domain.Asset{Base: domain.Base{ID: srcAsset, Name: "Lobby"}}); err != nil {
			return err
		}
		if _, err := tx.CreateEntity(&domain.Device{Base: domain.Base{ID: devID("d-src"), Name: "Pump"}, DeviceProfileID: &srcProfile}); err != nil {
			return err
		}
		return tx.SetRelations(devID("d-src"), []domain.EntityRelation{{From: devID("d-src"), To: srcAsset, Type: "Contains", TypeGroup: domain.RelationGroupCommon}})
	})
	res := f.create(t, &ComplexVersionCreateRequest{
		VersionName: "export",
		EntityTypes: map[domain.EntityType]EntityTypeVersionCreateConfig{
			domain.EntityDeviceProfile: {AllEntities: true},
			domain.EntityAsset:         {AllEntities: true},
			domain.EntityDevice:        {AllEntities: true, SaveRelations: true},
		},
	})
	require.Empty(t, res.Error)

	ctx := context.Background()
	target := memory.NewStore(core.NewDefaultRulesEngine())
	liveProfile := domain.NewEntityID(domain.EntityDeviceProfile, "p-live")
	liveAsset := domain.NewEntityID(domain.EntityAsset, "a-live")
	_, err := target.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateEntity(&domain.DeviceProfile{Base: domain.Base{ID: liveProfile, Name: "Default"}}); err != nil {
			return err
		}
		_, err := tx.CreateEntity(&domain.Asset{Base: domain.Base{ID: liveAsset, Name: "Lobby"}})
		return err
	})
	require.NoError(t, err)
	other := NewService(target, f.repo)
	t.Cleanup(func() { _ = other.Close(ctx) })

	// Profiles and assets first: the live ones take the source ids as external ids.
	out := runLoadOn(t, other, &EntityTypeVersionLoadRequest{EntityTypes: map[domain.EntityType]EntityTypeVersionLoadConfig{
		domain.EntityDeviceProfile: {FindExistingEntityByName: true},
		domain.EntityAsset:         {FindExistingEntityByName: true},
	}})
	require.Nil(t, out.Error)
	profile, _ := target.GetEntity(liveProfile)
	require.NotNil(t, profile.Meta().ExternalID)
	assert.Equal(t, srcProfile, *profile.Meta().ExternalID)

	// Devices alone: their references only resolve through those external ids.
	out = runLoadOn(t, other, &EntityTypeVersionLoadRequest{EntityTypes: map[domain.EntityType]EntityTypeVersionLoadConfig{
		domain.EntityDevice: {LoadRelations: true},
	}})
	require.Nil(t, out.Error, "device load failed: %v", out.Error)
	assert.Equal(t, 1, out.Counts(domain.EntityDevice).Created)

	loaded, ok := target.GetEntity(devID("d-src"))
	require.True(t, ok)
	assert.Equal(t, liveProfile, *loaded.(*domain.Device).DeviceProfileID)
	require.NoError(t, target.View(ctx, func(view domain.TransactionView) error {
		rels := view.ListRelations(devID("d-src"))
		require.Len(t, rels, 1)
		assert.Equal(t, liveAsset, rels[0].To)
		return nil
	}))
}

func TestLoad_RuleChainConnectionResolvedThroughExternalID(t *testing.T) {
	f := newFixture(t)
	rc1 := domain.NewEntityID(domain.EntityRuleChain, "rc1")
	rcLive := domain.NewEntityID(domain.EntityRuleChain, "rc-live")
	ext := domain.NewEntityID(domain.EntityRuleChain, "rc-src")
	f.seed(t, func(tx domain.Transaction) error {
		_, err := tx.CreateEntity(&domain.RuleChain{Base: domain.Base{ID: rcLive, ExternalID: &ext, Name: "Downstream"}})
		return err
	})
	f.writeDocs(t, &codec.EntityExportData{
		EntityType: domain.EntityRuleChain,
		Entity:     &domain.RuleChain{Base: domain.Base{ID: rc1, Name: "Entry"}},
		Metadata: &domain.RuleChainMetaData{
			RuleChainID:          "rc1",
			Nodes:                []domain.RuleNode{{Type: "filter", Name: "check"}},
			RuleChainConnections: []domain.RuleChainConnection{{FromIndex: 0, TargetRuleChainID: ext, Type: "Success"}},
		},
	})

	out := f.load(t, &EntityTypeVersionLoadRequest{EntityTypes: map[domain.EntityType]EntityTypeVersionLoadConfig{domain.EntityRuleChain: {}}})
	require.Nil(t, out.Error)
	require.NoError(t, f.store.View(context.Background(), func(view domain.TransactionView) error {
		md, ok := view.FindRuleChainMetaData("rc1")
		require.True(t, ok)
		assert.Equal(t, []domain.EntityID{rcLive}, md.References())
		return nil
	}))
}
