package vc

import (
	"errors"
	"fmt"

	"entityvc/pkg/domain"
)

// LoadErrorType classifies why a load job stopped.
type LoadErrorType string

const (
	DeviceCredentialsConflict LoadErrorType = "DEVICE_CREDENTIALS_CONFLICT"
	MissingReferencedEntity   LoadErrorType = "MISSING_REFERENCED_ENTITY"
	RuntimeError              LoadErrorType = "RUNTIME"
)

// EntityLoadError ends a load job. For a credentials conflict Source is the
// incoming device and Target the device that owns the credentials; for a
// missing reference Source is the referencing entity and Target the id that
// could not be resolved. Ids are the ones used inside the version.
type EntityLoadError struct {
	Type    LoadErrorType    `json:"type"`
	Source  *domain.EntityID `json:"source,omitempty"`
	Target  *domain.EntityID `json:"target,omitempty"`
	Message string           `json:"message,omitempty"`
}

func (e *EntityLoadError) Error() string {
	switch e.Type {
	case DeviceCredentialsConflict:
		return fmt.Sprintf("device %s credentials already used by device %s", idString(e.Source), idString(e.Target))
	case MissingReferencedEntity:
		return fmt.Sprintf("%s references missing entity %s", idString(e.Source), idString(e.Target))
	default:
		return e.Message
	}
}

func idString(id *domain.EntityID) string {
	if id == nil {
		return "<none>"
	}
	return id.String()
}

func credentialsConflict(source, target domain.EntityID) *EntityLoadError {
	return &EntityLoadError{Type: DeviceCredentialsConflict, Source: &source, Target: &target}
}

func missingReference(source, target domain.EntityID) *EntityLoadError {
	return &EntityLoadError{Type: MissingReferencedEntity, Source: &source, Target: &target}
}

// asLoadError keeps typed conflicts and wraps anything else as RUNTIME.
func asLoadError(err error) *EntityLoadError {
	var loadErr *EntityLoadError
	if errors.As(err, &loadErr) {
		return loadErr
	}
	return &EntityLoadError{Type: RuntimeError, Message: err.Error()}
}
