// Package core wires the live entity store: driver selection and the
// validation rules every transaction is checked against.
package core

import "entityvc/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NameRequiredRule())
	engine.Register(UniqueNameRule())
	engine.Register(ReferenceIntegrityRule())
	return engine
}

// changedEntities returns the final state of every entity created or
// updated by a transaction, in first-touch order. Entities deleted later in
// the same transaction are skipped.
func changedEntities(view domain.RuleView, changes []domain.Change) []domain.Entity {
	var out []domain.Entity
	seen := make(map[domain.EntityID]struct{})
	for _, change := range changes {
		if change.Target != domain.TargetEntity || change.Action == domain.ActionDelete {
			continue
		}
		if _, dup := seen[change.Entity]; dup {
			continue
		}
		seen[change.Entity] = struct{}{}
		if entity, ok := view.FindEntity(change.Entity); ok {
			out = append(out, entity)
		}
	}
	return out
}

func blockViolation(rule string, entity domain.EntityID, message string) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   entity,
	}
}
