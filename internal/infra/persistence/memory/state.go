package memory

import (
	"encoding/json"
	"fmt"

	"entityvc/pkg/domain"
)

// record is the stored form of an entity. Entities are kept as JSON so that
// every read hands out an independent copy.
type record struct {
	raw        json.RawMessage
	name       string
	externalID string
}

type memoryState struct {
	entities    map[domain.EntityType]map[string]record
	relations   map[string][]domain.EntityRelation
	attributes  map[string]map[domain.AttributeScope][]domain.AttributeKV
	credentials map[string]domain.DeviceCredentials
	metadata    map[string]domain.RuleChainMetaData
}

// Snapshot captures a point-in-time clone of the store state. Relations and
// attributes are keyed by EntityID.String(); credentials by device id and
// metadata by rule chain id.
type Snapshot struct {
	Entities    map[domain.EntityType]map[string]json.RawMessage          `json:"entities"`
	Relations   map[string][]domain.EntityRelation                        `json:"relations"`
	Attributes  map[string]map[domain.AttributeScope][]domain.AttributeKV `json:"attributes"`
	Credentials map[string]domain.DeviceCredentials                       `json:"credentials"`
	Metadata    map[string]domain.RuleChainMetaData                       `json:"metadata"`
}

func newMemoryState() memoryState {
	state := memoryState{
		entities:    make(map[domain.EntityType]map[string]record, len(domain.LoadOrder)),
		relations:   make(map[string][]domain.EntityRelation),
		attributes:  make(map[string]map[domain.AttributeScope][]domain.AttributeKV),
		credentials: make(map[string]domain.DeviceCredentials),
		metadata:    make(map[string]domain.RuleChainMetaData),
	}
	for _, t := range domain.LoadOrder {
		state.entities[t] = make(map[string]record)
	}
	return state
}

// clone copies every map level that transactions mutate in place. Records
// and slices are never mutated after being stored, so they are shared.
func (s memoryState) clone() memoryState {
	cp := memoryState{
		entities:    make(map[domain.EntityType]map[string]record, len(s.entities)),
		relations:   make(map[string][]domain.EntityRelation, len(s.relations)),
		attributes:  make(map[string]map[domain.AttributeScope][]domain.AttributeKV, len(s.attributes)),
		credentials: make(map[string]domain.DeviceCredentials, len(s.credentials)),
		metadata:    make(map[string]domain.RuleChainMetaData, len(s.metadata)),
	}
	for t, byID := range s.entities {
		inner := make(map[string]record, len(byID))
		for id, rec := range byID {
			inner[id] = rec
		}
		cp.entities[t] = inner
	}
	for k, v := range s.relations {
		cp.relations[k] = v
	}
	for k, scopes := range s.attributes {
		inner := make(map[domain.AttributeScope][]domain.AttributeKV, len(scopes))
		for scope, kvs := range scopes {
			inner[scope] = kvs
		}
		cp.attributes[k] = inner
	}
	for k, v := range s.credentials {
		cp.credentials[k] = v
	}
	for k, v := range s.metadata {
		cp.metadata[k] = v
	}
	return cp
}

func encodeRecord(entity domain.Entity) (record, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return record{}, fmt.Errorf("encode %s: %w", entity.Meta().ID, err)
	}
	rec := record{raw: raw, name: entity.Meta().Name}
	if ext := entity.Meta().ExternalID; ext != nil {
		rec.externalID = ext.ID
	}
	return rec, nil
}

func decodeRecord(t domain.EntityType, rec record) domain.Entity {
	entity, err := domain.DecodeEntity(t, rec.raw)
	mustApply("decode "+string(t), err)
	return entity
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Entities:    make(map[domain.EntityType]map[string]json.RawMessage, len(state.entities)),
		Relations:   make(map[string][]domain.EntityRelation, len(state.relations)),
		Attributes:  make(map[string]map[domain.AttributeScope][]domain.AttributeKV, len(state.attributes)),
		Credentials: make(map[string]domain.DeviceCredentials, len(state.credentials)),
		Metadata:    make(map[string]domain.RuleChainMetaData, len(state.metadata)),
	}
	for t, byID := range state.entities {
		inner := make(map[string]json.RawMessage, len(byID))
		for id, rec := range byID {
			inner[id] = append(json.RawMessage(nil), rec.raw...)
		}
		s.Entities[t] = inner
	}
	for k, v := range state.relations {
		s.Relations[k] = append([]domain.EntityRelation(nil), v...)
	}
	for k, scopes := range state.attributes {
		inner := make(map[domain.AttributeScope][]domain.AttributeKV, len(scopes))
		for scope, kvs := range scopes {
			inner[scope] = append([]domain.AttributeKV(nil), kvs...)
		}
		s.Attributes[k] = inner
	}
	for k, v := range state.credentials {
		s.Credentials[k] = v
	}
	for k, v := range state.metadata {
		s.Metadata[k] = v.Clone()
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for t, byID := range s.Entities {
		if !t.Exportable() {
			continue
		}
		for id, raw := range byID {
			entity, err := domain.DecodeEntity(t, raw)
			mustApply("import "+string(t)+" "+id, err)
			rec, err := encodeRecord(entity)
			mustApply("import "+string(t)+" "+id, err)
			state.entities[t][id] = rec
		}
	}
	for k, v := range s.Relations {
		if len(v) > 0 {
			state.relations[k] = append([]domain.EntityRelation(nil), v...)
		}
	}
	for k, scopes := range s.Attributes {
		inner := make(map[domain.AttributeScope][]domain.AttributeKV, len(scopes))
		for scope, kvs := range scopes {
			if len(kvs) > 0 {
				inner[scope] = append([]domain.AttributeKV(nil), kvs...)
			}
		}
		if len(inner) > 0 {
			state.attributes[k] = inner
		}
	}
	for k, v := range s.Credentials {
		state.credentials[k] = v
	}
	for k, v := range s.Metadata {
		state.metadata[k] = v.Clone()
	}
	return state
}
