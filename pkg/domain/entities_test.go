package domain

import (
	"errors"
	"testing"
)

func TestParseEntityType(t *testing.T) {
	for _, raw := range []string{"DEVICE", "device", " Device "} {
		got, err := ParseEntityType(raw)
		if err != nil || got != EntityDevice {
			t.Fatalf("%q: got %q err %v", raw, got, err)
		}
	}
	if _, err := ParseEntityType("WIDGET"); !errors.Is(err, ErrUnsupportedEntityType) {
		t.Fatalf("expected ErrUnsupportedEntityType, got %v", err)
	}
}

func TestEntityIDStringRoundTrip(t *testing.T) {
	id := NewEntityID(EntityAsset, "a-1")
	parsed, err := ParseEntityID(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("got %+v want %+v", parsed, id)
	}
	if _, err := ParseEntityID("ASSET"); err == nil {
		t.Fatalf("expected error for id without separator")
	}
}

func TestSortEntityTypesFollowsLoadOrder(t *testing.T) {
	types := []EntityType{EntityEntityView, EntityDevice, EntityCustomer, EntityDeviceProfile}
	SortEntityTypes(types)
	want := []EntityType{EntityCustomer, EntityDeviceProfile, EntityDevice, EntityEntityView}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("position %d: got %s want %s", i, types[i], want[i])
		}
	}
}

func TestLoadOrderPlacesReferencedTypesFirst(t *testing.T) {
	samples := []Entity{
		&DeviceProfile{DefaultRuleChainID: &EntityID{EntityRuleChain, "r"}, DefaultDashboardID: &EntityID{EntityDashboard, "d"}},
		&AssetProfile{DefaultRuleChainID: &EntityID{EntityRuleChain, "r"}},
		&Dashboard{AssignedCustomers: []EntityID{{EntityCustomer, "c"}}},
		&Asset{CustomerID: &EntityID{EntityCustomer, "c"}, AssetProfileID: &EntityID{EntityAssetProfile, "p"}},
		&Device{CustomerID: &EntityID{EntityCustomer, "c"}, DeviceProfileID: &EntityID{EntityDeviceProfile, "p"}},
		&EntityView{EntityID: &EntityID{EntityDevice, "x"}, CustomerID: &EntityID{EntityCustomer, "c"}},
	}
	owners := []EntityType{EntityDeviceProfile, EntityAssetProfile, EntityDashboard, EntityAsset, EntityDevice, EntityEntityView}
	for i, entity := range samples {
		for _, ref := range entity.References() {
			if ref.EntityType.Rank() >= owners[i].Rank() {
				t.Fatalf("%s references %s which loads later", owners[i], ref.EntityType)
			}
		}
	}
}

func TestRemapReferences(t *testing.T) {
	device := &Device{
		Base:            Base{ID: NewEntityID(EntityDevice, "d1"), Name: "thermo"},
		CustomerID:      &EntityID{EntityCustomer, "old-c"},
		DeviceProfileID: &EntityID{EntityDeviceProfile, "old-p"},
	}
	device.RemapReferences(func(id EntityID) EntityID {
		id.ID = "new-" + id.ID
		return id
	})
	if device.CustomerID.ID != "new-old-c" || device.DeviceProfileID.ID != "new-old-p" {
		t.Fatalf("references not remapped: %+v %+v", device.CustomerID, device.DeviceProfileID)
	}
	if device.Meta().ID.ID != "d1" {
		t.Fatalf("own id must not be remapped")
	}
}

func TestDecodeEntityChecksType(t *testing.T) {
	entity, err := DecodeEntity(EntityDevice, []byte(`{"id":{"entityType":"DEVICE","id":"d1"},"name":"x","label":"L"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	device, ok := entity.(*Device)
	if !ok || device.Label != "L" {
		t.Fatalf("unexpected entity %#v", entity)
	}
	if _, err := DecodeEntity(EntityDevice, []byte(`{"id":{"entityType":"ASSET","id":"a1"}}`)); err == nil {
		t.Fatalf("expected type mismatch error")
	}
	if _, err := DecodeEntity("WIDGET", []byte(`{}`)); !errors.Is(err, ErrUnsupportedEntityType) {
		t.Fatalf("expected unsupported type, got %v", err)
	}
}

func TestCloneEntityIsIndependent(t *testing.T) {
	original := &Dashboard{Base: Base{ID: NewEntityID(EntityDashboard, "d")}, AssignedCustomers: []EntityID{{EntityCustomer, "c1"}}}
	cloned, err := CloneEntity(original)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	cloned.(*Dashboard).AssignedCustomers[0].ID = "changed"
	if original.AssignedCustomers[0].ID != "c1" {
		t.Fatalf("clone shares slice with original")
	}
}

func TestMergeRelationsUnionsByKey(t *testing.T) {
	a := NewEntityID(EntityAsset, "a")
	d1 := NewEntityID(EntityDevice, "d1")
	d2 := NewEntityID(EntityDevice, "d2")
	live := []EntityRelation{{From: a, To: d1, Type: "Contains", TypeGroup: RelationGroupCommon, AdditionalInfo: []byte(`{"v":1}`)}}
	incoming := []EntityRelation{
		{From: a, To: d1, Type: "Contains", AdditionalInfo: []byte(`{"v":2}`)},
		{From: a, To: d2, Type: "Contains", TypeGroup: RelationGroupCommon},
	}
	merged := MergeRelations(live, incoming)
	if len(merged) != 2 {
		t.Fatalf("expected 2 relations, got %d", len(merged))
	}
	if string(merged[0].AdditionalInfo) != `{"v":2}` {
		t.Fatalf("expected incoming payload to win, got %s", merged[0].AdditionalInfo)
	}
}

func TestRuleChainMetaDataCloneNeverNil(t *testing.T) {
	meta := RuleChainMetaData{RuleChainID: "r"}
	cp := meta.Clone()
	if cp.Nodes == nil || cp.Connections == nil || cp.RuleChainConnections == nil {
		t.Fatalf("expected non-nil slices, got %+v", cp)
	}
}
