package core

import (
	"context"
	"fmt"
	"strings"

	"entityvc/pkg/domain"
)

// NameRequiredRule blocks entities stored without a name.
func NameRequiredRule() domain.Rule {
	return nameRequiredRule{}
}

type nameRequiredRule struct{}

func (nameRequiredRule) Name() string { return "name_required" }

func (r nameRequiredRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, entity := range changedEntities(view, changes) {
		if strings.TrimSpace(entity.Meta().Name) == "" {
			id := entity.Meta().ID
			res.Violations = append(res.Violations, blockViolation(r.Name(), id, fmt.Sprintf("%s has no name", id)))
		}
	}
	return res, nil
}
