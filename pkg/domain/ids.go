// Package domain defines the versionable business entities, their side
// tables (relations, attributes, credentials, rule chain metadata), and the
// rule evaluation and persistence contracts shared by entityvc components.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// EntityType identifies a versionable entity kind.
type EntityType string

// Exportable entity types.
const (
	EntityCustomer      EntityType = "CUSTOMER"
	EntityRuleChain     EntityType = "RULE_CHAIN"
	EntityDashboard     EntityType = "DASHBOARD"
	EntityDeviceProfile EntityType = "DEVICE_PROFILE"
	EntityAssetProfile  EntityType = "ASSET_PROFILE"
	EntityAsset         EntityType = "ASSET"
	EntityDevice        EntityType = "DEVICE"
	EntityEntityView    EntityType = "ENTITY_VIEW"
)

// ErrUnsupportedEntityType is returned for entity types outside the exportable set.
var ErrUnsupportedEntityType = errors.New("unsupported entity type")

// LoadOrder lists the exportable entity types so that every type appears
// after the types its entities may reference.
var LoadOrder = []EntityType{
	EntityCustomer,
	EntityRuleChain,
	EntityDashboard,
	EntityDeviceProfile,
	EntityAssetProfile,
	EntityAsset,
	EntityDevice,
	EntityEntityView,
}

// Exportable reports whether t belongs to the exportable set.
func (t EntityType) Exportable() bool {
	for _, candidate := range LoadOrder {
		if candidate == t {
			return true
		}
	}
	return false
}

// Rank returns the position of t in LoadOrder, or -1.
func (t EntityType) Rank() int {
	for i, candidate := range LoadOrder {
		if candidate == t {
			return i
		}
	}
	return -1
}

// Dir returns the repository directory name used for the type.
func (t EntityType) Dir() string {
	return strings.ToLower(string(t))
}

// ParseEntityType accepts the canonical upper-case form or the lower-case
// directory form of a type name.
func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Exportable() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEntityType, raw)
	}
	return t, nil
}

// SortEntityTypes orders types by LoadOrder.
func SortEntityTypes(types []EntityType) {
	for i := 1; i < len(types); i++ {
		for j := i; j > 0 && types[j].Rank() < types[j-1].Rank(); j-- {
			types[j], types[j-1] = types[j-1], types[j]
		}
	}
}

// EntityID is the typed identifier of an entity.
type EntityID struct {
	EntityType EntityType `json:"entityType"`
	ID         string     `json:"id"`
}

// NewEntityID builds an EntityID.
func NewEntityID(t EntityType, id string) EntityID {
	return EntityID{EntityType: t, ID: id}
}

// IsZero reports whether the id is unset.
func (id EntityID) IsZero() bool {
	return id.ID == ""
}

// String renders the id as TYPE:id.
func (id EntityID) String() string {
	return string(id.EntityType) + ":" + id.ID
}

// ParseEntityID parses the TYPE:id form produced by String.
func ParseEntityID(raw string) (EntityID, error) {
	typ, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return EntityID{}, fmt.Errorf("invalid entity id %q", raw)
	}
	t, err := ParseEntityType(typ)
	if err != nil {
		return EntityID{}, err
	}
	return EntityID{EntityType: t, ID: id}, nil
}
