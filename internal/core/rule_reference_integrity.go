package core

import (
	"context"
	"fmt"

	"entityvc/pkg/domain"
)

// ReferenceIntegrityRule blocks writes that leave an entity reference,
// relation target or rule chain connection pointing at a missing entity.
// Deletions are not checked.
func ReferenceIntegrityRule() domain.Rule {
	return referenceIntegrityRule{}
}

type referenceIntegrityRule struct{}

func (referenceIntegrityRule) Name() string { return "reference_integrity" }

func (r referenceIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	missing := func(source, target domain.EntityID, what string) {
		res.Violations = append(res.Violations, blockViolation(r.Name(), source,
			fmt.Sprintf("%s %s references missing %s", source, what, target)))
	}
	exists := func(id domain.EntityID) bool {
		_, ok := view.FindEntity(id)
		return ok
	}

	for _, entity := range changedEntities(view, changes) {
		source := entity.Meta().ID
		for _, ref := range entity.References() {
			if !exists(ref) {
				missing(source, ref, "field")
			}
		}
	}
	type sideTable struct {
		entity domain.EntityID
		target domain.ChangeTarget
	}
	checked := make(map[sideTable]struct{})
	for _, change := range changes {
		if change.Action == domain.ActionDelete {
			continue
		}
		key := sideTable{change.Entity, change.Target}
		if _, dup := checked[key]; dup {
			continue
		}
		checked[key] = struct{}{}
		if _, ok := view.FindEntity(change.Entity); !ok {
			continue
		}
		switch change.Target {
		case domain.TargetRelations:
			for _, rel := range view.ListRelations(change.Entity) {
				if !exists(rel.To) {
					missing(change.Entity, rel.To, "relation")
				}
			}
		case domain.TargetMetadata:
			meta, ok := view.FindRuleChainMetaData(change.Entity.ID)
			if !ok {
				continue
			}
			for _, ref := range meta.References() {
				if !exists(ref) {
					missing(change.Entity, ref, "rule chain connection")
				}
			}
		}
	}
	return res, nil
}
