package domain

import (
	"encoding/json"
	"fmt"
)

// Base contains the fields shared by every versionable entity.
type Base struct {
	ID          EntityID  `json:"id"`
	ExternalID  *EntityID `json:"externalId,omitempty"`
	CreatedTime int64     `json:"createdTime,omitempty"`
	Name        string    `json:"name"`
}

// Meta exposes the shared fields for in-place mutation.
func (b *Base) Meta() *Base { return b }

// Entity is implemented by every versionable entity type.
type Entity interface {
	Meta() *Base
	// References lists the entities this one points at through its own fields.
	References() []EntityID
	// RemapReferences rewrites every reference returned by References.
	RemapReferences(fn func(EntityID) EntityID)
}

// Customer groups assets, devices and dashboards owned by one tenant customer.
type Customer struct {
	Base
	Email          string          `json:"email,omitempty"`
	Country        string          `json:"country,omitempty"`
	City           string          `json:"city,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	AdditionalInfo json.RawMessage `json:"additionalInfo,omitempty"`
}

// References is empty: customers point at nothing.
func (c *Customer) References() []EntityID { return nil }

// RemapReferences is a no-op for customers.
func (c *Customer) RemapReferences(func(EntityID) EntityID) {}

// RuleChain is a message processing flow. Its nodes live in RuleChainMetaData.
type RuleChain struct {
	Base
	ChainType     string          `json:"type,omitempty"`
	Root          bool            `json:"root,omitempty"`
	DebugMode     bool            `json:"debugMode,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// References is empty; rule chain links are carried by RuleChainMetaData.
func (r *RuleChain) References() []EntityID { return nil }

// RemapReferences is a no-op for rule chains.
func (r *RuleChain) RemapReferences(func(EntityID) EntityID) {}

// Dashboard is a widget layout, optionally assigned to customers.
type Dashboard struct {
	Base
	Configuration     json.RawMessage `json:"configuration,omitempty"`
	AssignedCustomers []EntityID      `json:"assignedCustomers,omitempty"`
}

func (d *Dashboard) References() []EntityID {
	return append([]EntityID(nil), d.AssignedCustomers...)
}

func (d *Dashboard) RemapReferences(fn func(EntityID) EntityID) {
	for i := range d.AssignedCustomers {
		d.AssignedCustomers[i] = fn(d.AssignedCustomers[i])
	}
}

// DeviceProfile configures transport and processing defaults for devices.
type DeviceProfile struct {
	Base
	ProfileType        string          `json:"type,omitempty"`
	TransportType      string          `json:"transportType,omitempty"`
	Description        string          `json:"description,omitempty"`
	Default            bool            `json:"default,omitempty"`
	DefaultRuleChainID *EntityID       `json:"defaultRuleChainId,omitempty"`
	DefaultDashboardID *EntityID       `json:"defaultDashboardId,omitempty"`
	ProfileData        json.RawMessage `json:"profileData,omitempty"`
}

func (p *DeviceProfile) References() []EntityID {
	return collectRefs(p.DefaultRuleChainID, p.DefaultDashboardID)
}

func (p *DeviceProfile) RemapReferences(fn func(EntityID) EntityID) {
	remapRef(p.DefaultRuleChainID, fn)
	remapRef(p.DefaultDashboardID, fn)
}

// AssetProfile configures processing defaults for assets.
type AssetProfile struct {
	Base
	Description        string    `json:"description,omitempty"`
	Default            bool      `json:"default,omitempty"`
	DefaultRuleChainID *EntityID `json:"defaultRuleChainId,omitempty"`
	DefaultDashboardID *EntityID `json:"defaultDashboardId,omitempty"`
}

func (p *AssetProfile) References() []EntityID {
	return collectRefs(p.DefaultRuleChainID, p.DefaultDashboardID)
}

func (p *AssetProfile) RemapReferences(fn func(EntityID) EntityID) {
	remapRef(p.DefaultRuleChainID, fn)
	remapRef(p.DefaultDashboardID, fn)
}

// Asset is a non-connected thing (building, vehicle, ...).
type Asset struct {
	Base
	AssetType      string          `json:"type,omitempty"`
	Label          string          `json:"label,omitempty"`
	CustomerID     *EntityID       `json:"customerId,omitempty"`
	AssetProfileID *EntityID       `json:"assetProfileId,omitempty"`
	AdditionalInfo json.RawMessage `json:"additionalInfo,omitempty"`
}

func (a *Asset) References() []EntityID {
	return collectRefs(a.CustomerID, a.AssetProfileID)
}

func (a *Asset) RemapReferences(fn func(EntityID) EntityID) {
	remapRef(a.CustomerID, fn)
	remapRef(a.AssetProfileID, fn)
}

// Device is a connected thing authenticated by DeviceCredentials.
type Device struct {
	Base
	DeviceType      string          `json:"type,omitempty"`
	Label           string          `json:"label,omitempty"`
	CustomerID      *EntityID       `json:"customerId,omitempty"`
	DeviceProfileID *EntityID       `json:"deviceProfileId,omitempty"`
	FirmwareID      string          `json:"firmwareId,omitempty"`
	AdditionalInfo  json.RawMessage `json:"additionalInfo,omitempty"`
}

func (d *Device) References() []EntityID {
	return collectRefs(d.CustomerID, d.DeviceProfileID)
}

func (d *Device) RemapReferences(fn func(EntityID) EntityID) {
	remapRef(d.CustomerID, fn)
	remapRef(d.DeviceProfileID, fn)
}

// EntityView exposes a time-bounded subset of another entity's data.
type EntityView struct {
	Base
	ViewType    string          `json:"type,omitempty"`
	EntityID    *EntityID       `json:"entityId,omitempty"`
	CustomerID  *EntityID       `json:"customerId,omitempty"`
	Keys        json.RawMessage `json:"keys,omitempty"`
	StartTimeMs int64           `json:"startTimeMs,omitempty"`
	EndTimeMs   int64           `json:"endTimeMs,omitempty"`
}

func (v *EntityView) References() []EntityID {
	return collectRefs(v.EntityID, v.CustomerID)
}

func (v *EntityView) RemapReferences(fn func(EntityID) EntityID) {
	remapRef(v.EntityID, fn)
	remapRef(v.CustomerID, fn)
}

func collectRefs(refs ...*EntityID) []EntityID {
	var out []EntityID
	for _, ref := range refs {
		if ref != nil && !ref.IsZero() {
			out = append(out, *ref)
		}
	}
	return out
}

func remapRef(ref *EntityID, fn func(EntityID) EntityID) {
	if ref != nil && !ref.IsZero() {
		*ref = fn(*ref)
	}
}

// NewEntity returns a zero value of the concrete type registered for t.
func NewEntity(t EntityType) (Entity, error) {
	switch t {
	case EntityCustomer:
		return &Customer{}, nil
	case EntityRuleChain:
		return &RuleChain{}, nil
	case EntityDashboard:
		return &Dashboard{}, nil
	case EntityDeviceProfile:
		return &DeviceProfile{}, nil
	case EntityAssetProfile:
		return &AssetProfile{}, nil
	case EntityAsset:
		return &Asset{}, nil
	case EntityDevice:
		return &Device{}, nil
	case EntityEntityView:
		return &EntityView{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntityType, t)
	}
}

// DecodeEntity decodes raw JSON into the concrete type registered for t.
func DecodeEntity(t EntityType, raw []byte) (Entity, error) {
	entity, err := NewEntity(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, entity); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	if entity.Meta().ID.EntityType == "" {
		entity.Meta().ID.EntityType = t
	}
	if entity.Meta().ID.EntityType != t {
		return nil, fmt.Errorf("decode %s: id carries type %s", t, entity.Meta().ID.EntityType)
	}
	return entity, nil
}

// CloneEntity deep-copies an entity through its JSON form.
func CloneEntity(e Entity) (Entity, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return DecodeEntity(e.Meta().ID.EntityType, raw)
}

// TypeOf returns the entity's type as recorded in its id.
func TypeOf(e Entity) EntityType {
	return e.Meta().ID.EntityType
}
