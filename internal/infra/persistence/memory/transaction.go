package memory

import (
	"fmt"
	"time"

	"entityvc/pkg/domain"
)

// transaction represents a mutation set applied to a copy of the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state, including
// writes made so far.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) view() transactionView {
	return transactionView{state: &tx.state}
}

// CreateEntity stores a new entity. A missing id is generated and a zero
// creation time is stamped with the transaction clock.
func (tx *transaction) CreateEntity(entity domain.Entity) (domain.Entity, error) {
	meta := entity.Meta()
	t := meta.ID.EntityType
	if !t.Exportable() {
		return nil, fmt.Errorf("create: %w: %q", domain.ErrUnsupportedEntityType, t)
	}
	if meta.ID.ID == "" {
		meta.ID.ID = tx.store.newID()
	}
	if _, exists := tx.state.entities[t][meta.ID.ID]; exists {
		return nil, fmt.Errorf("%s: %w", meta.ID, domain.ErrEntityExists)
	}
	if meta.CreatedTime == 0 {
		meta.CreatedTime = tx.now.UnixMilli()
	}
	rec, err := encodeRecord(entity)
	if err != nil {
		return nil, err
	}
	tx.state.entities[t][meta.ID.ID] = rec
	after := decodeRecord(t, rec)
	tx.recordChange(Change{Entity: meta.ID, Target: domain.TargetEntity, Action: domain.ActionCreate, After: after})
	return decodeRecord(t, rec), nil
}

// UpdateEntity replaces an entity with the mutator's result. The id and
// creation time cannot be changed through the mutator.
func (tx *transaction) UpdateEntity(id domain.EntityID, mutator func(domain.Entity) (domain.Entity, error)) (domain.Entity, error) {
	current, ok := tx.view().FindEntity(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrEntityNotFound)
	}
	before := decodeRecord(id.EntityType, tx.state.entities[id.EntityType][id.ID])
	createdTime := current.Meta().CreatedTime
	updated, err := mutator(current)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("update %s: mutator returned no entity", id)
	}
	if domain.TypeOf(updated) != "" && domain.TypeOf(updated) != id.EntityType {
		return nil, fmt.Errorf("update %s: type changed to %s", id, domain.TypeOf(updated))
	}
	updated.Meta().ID = id
	updated.Meta().CreatedTime = createdTime
	rec, err := encodeRecord(updated)
	if err != nil {
		return nil, err
	}
	tx.state.entities[id.EntityType][id.ID] = rec
	tx.recordChange(Change{Entity: id, Target: domain.TargetEntity, Action: domain.ActionUpdate, Before: before, After: decodeRecord(id.EntityType, rec)})
	return decodeRecord(id.EntityType, rec), nil
}

// DeleteEntity removes an entity together with its relations (in both
// directions), attributes, credentials and rule chain metadata.
func (tx *transaction) DeleteEntity(id domain.EntityID) error {
	rec, ok := tx.state.entities[id.EntityType][id.ID]
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrEntityNotFound)
	}
	delete(tx.state.entities[id.EntityType], id.ID)

	key := id.String()
	delete(tx.state.relations, key)
	for from, rels := range tx.state.relations {
		kept := rels[:0:0]
		for _, rel := range rels {
			if rel.To != id {
				kept = append(kept, rel)
			}
		}
		switch {
		case len(kept) == 0:
			delete(tx.state.relations, from)
		case len(kept) != len(rels):
			tx.state.relations[from] = kept
		}
	}
	delete(tx.state.attributes, key)
	if id.EntityType == domain.EntityDevice {
		delete(tx.state.credentials, id.ID)
	}
	if id.EntityType == domain.EntityRuleChain {
		delete(tx.state.metadata, id.ID)
	}
	tx.recordChange(Change{Entity: id, Target: domain.TargetEntity, Action: domain.ActionDelete, Before: decodeRecord(id.EntityType, rec)})
	return nil
}

// SetRelations replaces every outbound relation of from.
func (tx *transaction) SetRelations(from domain.EntityID, relations []domain.EntityRelation) error {
	if _, ok := tx.state.entities[from.EntityType][from.ID]; !ok {
		return fmt.Errorf("%s: %w", from, domain.ErrEntityNotFound)
	}
	out := make([]domain.EntityRelation, 0, len(relations))
	seen := make(map[domain.RelationKey]int, len(relations))
	for _, rel := range relations {
		if rel.From != from {
			return fmt.Errorf("relation %s -> %s does not originate at %s", rel.From, rel.To, from)
		}
		if rel.TypeGroup == "" {
			rel.TypeGroup = domain.RelationGroupCommon
		}
		if pos, dup := seen[rel.Key()]; dup {
			out[pos] = rel
			continue
		}
		seen[rel.Key()] = len(out)
		out = append(out, rel)
	}
	domain.SortRelations(out)
	key := from.String()
	before := tx.state.relations[key]
	if len(out) == 0 {
		delete(tx.state.relations, key)
	} else {
		tx.state.relations[key] = out
	}
	tx.recordChange(Change{Entity: from, Target: domain.TargetRelations, Action: domain.ActionUpdate, Before: before, After: out})
	return nil
}

// SetAttributes replaces the attributes of one scope. An empty list clears
// the scope.
func (tx *transaction) SetAttributes(id domain.EntityID, scope domain.AttributeScope, kvs []domain.AttributeKV) error {
	if _, ok := tx.state.entities[id.EntityType][id.ID]; !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrEntityNotFound)
	}
	for _, kv := range kvs {
		if kv.Value == nil {
			return fmt.Errorf("attribute %q: %w", kv.Key, domain.ErrInvalidAttributeValue)
		}
	}
	key := id.String()
	scopes := tx.state.attributes[key]
	var before []domain.AttributeKV
	if scopes != nil {
		before = scopes[scope]
	}
	sorted := append([]domain.AttributeKV(nil), kvs...)
	domain.SortAttributes(sorted)
	switch {
	case len(sorted) == 0 && scopes != nil:
		delete(scopes, scope)
		if len(scopes) == 0 {
			delete(tx.state.attributes, key)
		}
	case len(sorted) > 0:
		if scopes == nil {
			scopes = make(map[domain.AttributeScope][]domain.AttributeKV)
			tx.state.attributes[key] = scopes
		}
		scopes[scope] = sorted
	}
	tx.recordChange(Change{Entity: id, Target: domain.TargetAttributes, Action: domain.ActionUpdate, Before: before, After: sorted})
	return nil
}

// SetCredentials stores the credentials of a device. CredentialsID must not
// belong to another device.
func (tx *transaction) SetCredentials(creds domain.DeviceCredentials) error {
	deviceID := domain.NewEntityID(domain.EntityDevice, creds.DeviceID)
	if _, ok := tx.state.entities[domain.EntityDevice][creds.DeviceID]; !ok {
		return fmt.Errorf("%s: %w", deviceID, domain.ErrEntityNotFound)
	}
	if owner, ok := tx.view().FindCredentialsByID(creds.CredentialsID); ok && owner.DeviceID != creds.DeviceID {
		return fmt.Errorf("credentials %q held by device %s: %w", creds.CredentialsID, owner.DeviceID, domain.ErrCredentialsConflict)
	}
	before, existed := tx.state.credentials[creds.DeviceID]
	tx.state.credentials[creds.DeviceID] = creds
	change := Change{Entity: deviceID, Target: domain.TargetCredentials, Action: domain.ActionCreate, After: creds}
	if existed {
		change.Action = domain.ActionUpdate
		change.Before = before
	}
	tx.recordChange(change)
	return nil
}

// SetRuleChainMetaData stores the flow graph of a rule chain.
func (tx *transaction) SetRuleChainMetaData(meta domain.RuleChainMetaData) error {
	chainID := domain.NewEntityID(domain.EntityRuleChain, meta.RuleChainID)
	if _, ok := tx.state.entities[domain.EntityRuleChain][meta.RuleChainID]; !ok {
		return fmt.Errorf("%s: %w", chainID, domain.ErrEntityNotFound)
	}
	before, existed := tx.state.metadata[meta.RuleChainID]
	stored := meta.Clone()
	tx.state.metadata[meta.RuleChainID] = stored
	change := Change{Entity: chainID, Target: domain.TargetMetadata, Action: domain.ActionCreate, After: stored.Clone()}
	if existed {
		change.Action = domain.ActionUpdate
		change.Before = before.Clone()
	}
	tx.recordChange(change)
	return nil
}
