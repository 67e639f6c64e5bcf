package domain

import (
	"encoding/json"
	"sort"
)

// Relation type groups.
const (
	RelationGroupCommon    = "COMMON"
	RelationGroupRuleChain = "RULE_CHAIN"
	RelationGroupRuleNode  = "RULE_NODE"
)

// EntityRelation is a typed, directed edge between two entities.
type EntityRelation struct {
	From           EntityID        `json:"from"`
	To             EntityID        `json:"to"`
	Type           string          `json:"type"`
	TypeGroup      string          `json:"typeGroup"`
	AdditionalInfo json.RawMessage `json:"additionalInfo,omitempty"`
}

// RelationKey identifies a relation irrespective of its payload.
type RelationKey struct {
	From      EntityID
	To        EntityID
	TypeGroup string
	Type      string
}

// Key returns the identity of the relation.
func (r EntityRelation) Key() RelationKey {
	group := r.TypeGroup
	if group == "" {
		group = RelationGroupCommon
	}
	return RelationKey{From: r.From, To: r.To, TypeGroup: group, Type: r.Type}
}

func (k RelationKey) less(other RelationKey) bool {
	if k.From != other.From {
		return k.From.String() < other.From.String()
	}
	if k.To != other.To {
		return k.To.String() < other.To.String()
	}
	if k.TypeGroup != other.TypeGroup {
		return k.TypeGroup < other.TypeGroup
	}
	return k.Type < other.Type
}

// SortRelations orders relations by identity key.
func SortRelations(relations []EntityRelation) {
	sort.SliceStable(relations, func(i, j int) bool {
		return relations[i].Key().less(relations[j].Key())
	})
}

// MergeRelations unions two relation sets by identity key. Entries from
// incoming replace entries of base with the same key.
func MergeRelations(base, incoming []EntityRelation) []EntityRelation {
	index := make(map[RelationKey]int, len(base)+len(incoming))
	out := make([]EntityRelation, 0, len(base)+len(incoming))
	for _, rel := range base {
		index[rel.Key()] = len(out)
		out = append(out, rel)
	}
	for _, rel := range incoming {
		if pos, ok := index[rel.Key()]; ok {
			out[pos] = rel
			continue
		}
		index[rel.Key()] = len(out)
		out = append(out, rel)
	}
	SortRelations(out)
	return out
}
