package domain

import (
	"context"
	"errors"
)

// Store errors shared by every persistence implementation.
var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrEntityExists        = errors.New("entity already exists")
	ErrCredentialsConflict = errors.New("credentials already assigned to another device")
)

// Transaction exposes the mutations a persistence implementation must
// support within an atomic scope. Reads go through Snapshot, which observes
// the transaction's own writes.
type Transaction interface {
	Snapshot() TransactionView
	CreateEntity(Entity) (Entity, error)
	UpdateEntity(id EntityID, mutator func(Entity) (Entity, error)) (Entity, error)
	DeleteEntity(id EntityID) error
	SetRelations(from EntityID, relations []EntityRelation) error
	SetAttributes(id EntityID, scope AttributeScope, kvs []AttributeKV) error
	SetCredentials(DeviceCredentials) error
	SetRuleChainMetaData(RuleChainMetaData) error
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	FindEntity(id EntityID) (Entity, bool)
	FindEntityByExternalID(t EntityType, externalID string) (Entity, bool)
	FindEntityByName(t EntityType, name string) (Entity, bool)
	ListEntities(t EntityType) []Entity
	ListRelations(from EntityID) []EntityRelation
	ListAttributes(id EntityID, scope AttributeScope) []AttributeKV
	FindCredentials(deviceID string) (DeviceCredentials, bool)
	FindCredentialsByID(credentialsID string) (DeviceCredentials, bool)
	FindRuleChainMetaData(ruleChainID string) (RuleChainMetaData, bool)
}

// PersistentStore is the live entity store consumed by the version control
// engine.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
