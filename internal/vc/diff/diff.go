// Package diff compares two export documents of the same entity.
package diff

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"

	"entityvc/internal/vc/codec"
)

// ErrEntityTypeMismatch is returned when the two sides are different entity types.
var ErrEntityTypeMismatch = errors.New("entity type mismatch")

// Header names of the two sides in RawDiff.
const (
	CurrentLabel = "current"
	OtherLabel   = "other"
)

// ContextLines is the number of unchanged lines around each hunk.
const ContextLines = 3

// EntityDataDiff pairs two versions of an entity with their textual diff.
type EntityDataDiff struct {
	CurrentVersion *codec.EntityExportData `json:"currentVersion"`
	OtherVersion   *codec.EntityExportData `json:"otherVersion"`
	RawDiff        string                  `json:"rawDiff"`
}

// Diff renders both sides in canonical form and returns a unified line diff
// from current to other. Equal documents produce an empty RawDiff.
func Diff(current, other *codec.EntityExportData) (EntityDataDiff, error) {
	if current == nil || other == nil {
		return EntityDataDiff{}, fmt.Errorf("diff: both sides are required")
	}
	if current.EntityType != other.EntityType {
		return EntityDataDiff{}, fmt.Errorf("%w: %s vs %s", ErrEntityTypeMismatch, current.EntityType, other.EntityType)
	}
	a, err := codec.Encode(current)
	if err != nil {
		return EntityDataDiff{}, err
	}
	b, err := codec.Encode(other)
	if err != nil {
		return EntityDataDiff{}, err
	}
	raw, err := Bytes(a, b)
	if err != nil {
		return EntityDataDiff{}, err
	}
	return EntityDataDiff{CurrentVersion: current, OtherVersion: other, RawDiff: raw}, nil
}

// Bytes diffs two canonical documents.
func Bytes(current, other []byte) (string, error) {
	if bytes.Equal(current, other) {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(current)),
		B:        difflib.SplitLines(string(other)),
		FromFile: CurrentLabel,
		ToFile:   OtherLabel,
		Context:  ContextLines,
	})
}
