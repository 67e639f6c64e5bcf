package core

import (
	"context"
	"fmt"

	"entityvc/pkg/domain"
)

// uniqueNameTypes lists the entity types whose names identify them within a
// tenant. Dashboards and rule chains may share names.
var uniqueNameTypes = map[domain.EntityType]struct{}{
	domain.EntityCustomer:      {},
	domain.EntityDeviceProfile: {},
	domain.EntityAssetProfile:  {},
	domain.EntityAsset:         {},
	domain.EntityDevice:        {},
	domain.EntityEntityView:    {},
}

// UniqueNameRule blocks a created or renamed entity whose name is already
// used by another entity of the same type.
func UniqueNameRule() domain.Rule {
	return uniqueNameRule{}
}

type uniqueNameRule struct{}

func (uniqueNameRule) Name() string { return "unique_name" }

func (r uniqueNameRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	owners := make(map[domain.EntityType]map[string][]domain.EntityID)
	for _, entity := range changedEntities(view, changes) {
		id := entity.Meta().ID
		if _, ok := uniqueNameTypes[id.EntityType]; !ok {
			continue
		}
		byName, ok := owners[id.EntityType]
		if !ok {
			byName = make(map[string][]domain.EntityID)
			for _, existing := range view.ListEntities(id.EntityType) {
				name := existing.Meta().Name
				byName[name] = append(byName[name], existing.Meta().ID)
			}
			owners[id.EntityType] = byName
		}
		for _, other := range byName[entity.Meta().Name] {
			if other != id {
				res.Violations = append(res.Violations, blockViolation(r.Name(), id,
					fmt.Sprintf("%s name %q already used by %s", id, entity.Meta().Name, other)))
				break
			}
		}
	}
	return res, nil
}
