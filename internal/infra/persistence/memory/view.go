package memory

import "entityvc/pkg/domain"

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) FindEntity(id domain.EntityID) (domain.Entity, bool) {
	rec, ok := v.state.entities[id.EntityType][id.ID]
	if !ok {
		return nil, false
	}
	return decodeRecord(id.EntityType, rec), true
}

// FindEntityByExternalID looks up the entity that was imported from the
// given source id.
func (v transactionView) FindEntityByExternalID(t domain.EntityType, externalID string) (domain.Entity, bool) {
	if externalID == "" {
		return nil, false
	}
	byID := v.state.entities[t]
	for _, id := range sortedIDs(byID) {
		if byID[id].externalID == externalID {
			return decodeRecord(t, byID[id]), true
		}
	}
	return nil, false
}

// FindEntityByName returns the entity with the lowest id among those
// carrying name.
func (v transactionView) FindEntityByName(t domain.EntityType, name string) (domain.Entity, bool) {
	byID := v.state.entities[t]
	for _, id := range sortedIDs(byID) {
		if byID[id].name == name {
			return decodeRecord(t, byID[id]), true
		}
	}
	return nil, false
}

// ListEntities returns the entities of a type ordered by id.
func (v transactionView) ListEntities(t domain.EntityType) []domain.Entity {
	byID := v.state.entities[t]
	out := make([]domain.Entity, 0, len(byID))
	for _, id := range sortedIDs(byID) {
		out = append(out, decodeRecord(t, byID[id]))
	}
	return out
}

func (v transactionView) ListRelations(from domain.EntityID) []domain.EntityRelation {
	return append([]domain.EntityRelation(nil), v.state.relations[from.String()]...)
}

func (v transactionView) ListAttributes(id domain.EntityID, scope domain.AttributeScope) []domain.AttributeKV {
	return append([]domain.AttributeKV(nil), v.state.attributes[id.String()][scope]...)
}

func (v transactionView) FindCredentials(deviceID string) (domain.DeviceCredentials, bool) {
	c, ok := v.state.credentials[deviceID]
	return c, ok
}

func (v transactionView) FindCredentialsByID(credentialsID string) (domain.DeviceCredentials, bool) {
	for _, c := range v.state.credentials {
		if c.CredentialsID == credentialsID {
			return c, true
		}
	}
	return domain.DeviceCredentials{}, false
}

func (v transactionView) FindRuleChainMetaData(ruleChainID string) (domain.RuleChainMetaData, bool) {
	m, ok := v.state.metadata[ruleChainID]
	if !ok {
		return domain.RuleChainMetaData{}, false
	}
	return m.Clone(), true
}
