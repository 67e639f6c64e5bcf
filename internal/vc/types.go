package vc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"entityvc/internal/vc/codec"
	"entityvc/internal/vc/diff"
	"entityvc/internal/vc/repository"
	"entityvc/pkg/domain"
)

type (
	EntityVersion    = repository.EntityVersion
	BranchInfo       = repository.BranchInfo
	EntityExportData = codec.EntityExportData
	EntityDataDiff   = diff.EntityDataDiff
)

// ErrInvalidRequest is returned synchronously for malformed create or load
// requests.
var ErrInvalidRequest = errors.New("invalid request")

// SyncStrategy controls how incoming state combines with existing state.
type SyncStrategy string

const (
	SyncMerge     SyncStrategy = "MERGE"
	SyncOverwrite SyncStrategy = "OVERWRITE"
)

func (s SyncStrategy) validate() error {
	switch s {
	case "", SyncMerge, SyncOverwrite:
		return nil
	}
	return fmt.Errorf("%w: unknown sync strategy %q", ErrInvalidRequest, s)
}

// or returns s, or fallback when s is unset.
func (s SyncStrategy) or(fallback SyncStrategy) SyncStrategy {
	if s == "" {
		return fallback
	}
	return s
}

// Request discriminators.
const (
	RequestSingleEntity = "SINGLE_ENTITY"
	RequestComplex      = "COMPLEX"
	RequestEntityType   = "ENTITY_TYPE"
)

// VersionCreateRequest is either a SingleEntityVersionCreateRequest or a
// ComplexVersionCreateRequest.
type VersionCreateRequest interface {
	createTarget() (branch, name, author string)
	Validate() error
}

// SingleEntityVersionCreateRequest commits one entity.
type SingleEntityVersionCreateRequest struct {
	VersionName string             `json:"versionName"`
	Branch      string             `json:"branch,omitempty"`
	Author      string             `json:"author,omitempty"`
	EntityID    domain.EntityID    `json:"entityId"`
	Config      codec.ExportConfig `json:"config"`
}

// ComplexVersionCreateRequest commits sets of entities per type.
type ComplexVersionCreateRequest struct {
	VersionName  string                                              `json:"versionName"`
	Branch       string                                              `json:"branch,omitempty"`
	Author       string                                              `json:"author,omitempty"`
	SyncStrategy SyncStrategy                                        `json:"syncStrategy,omitempty"`
	EntityTypes  map[domain.EntityType]EntityTypeVersionCreateConfig `json:"entityTypes"`
}

// EntityTypeVersionCreateConfig selects the entities of one type. Exactly
// one of AllEntities and EntityIDs must be set.
type EntityTypeVersionCreateConfig struct {
	SyncStrategy    SyncStrategy `json:"syncStrategy,omitempty"`
	SaveRelations   bool         `json:"saveRelations"`
	SaveAttributes  bool         `json:"saveAttributes"`
	SaveCredentials bool         `json:"saveCredentials"`
	AllEntities     bool         `json:"allEntities"`
	EntityIDs       []string     `json:"entityIds,omitempty"`
}

func (c EntityTypeVersionCreateConfig) exportConfig() codec.ExportConfig {
	return codec.ExportConfig{
		SaveRelations:   c.SaveRelations,
		SaveAttributes:  c.SaveAttributes,
		SaveCredentials: c.SaveCredentials,
	}
}

func (r *SingleEntityVersionCreateRequest) createTarget() (string, string, string) {
	return r.Branch, r.VersionName, r.Author
}

func (r *ComplexVersionCreateRequest) createTarget() (string, string, string) {
	return r.Branch, r.VersionName, r.Author
}

func (r *SingleEntityVersionCreateRequest) Validate() error {
	if r.VersionName == "" {
		return fmt.Errorf("%w: versionName is required", ErrInvalidRequest)
	}
	if r.EntityID.IsZero() {
		return fmt.Errorf("%w: entityId is required", ErrInvalidRequest)
	}
	if !r.EntityID.EntityType.Exportable() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidRequest, domain.ErrUnsupportedEntityType, r.EntityID.EntityType)
	}
	return nil
}

func (r *ComplexVersionCreateRequest) Validate() error {
	if r.VersionName == "" {
		return fmt.Errorf("%w: versionName is required", ErrInvalidRequest)
	}
	if err := r.SyncStrategy.validate(); err != nil {
		return err
	}
	if len(r.EntityTypes) == 0 {
		return fmt.Errorf("%w: no entity types selected", ErrInvalidRequest)
	}
	for t, cfg := range r.EntityTypes {
		if !t.Exportable() {
			return fmt.Errorf("%w: %w: %q", ErrInvalidRequest, domain.ErrUnsupportedEntityType, t)
		}
		if err := cfg.SyncStrategy.validate(); err != nil {
			return err
		}
		if cfg.AllEntities == (len(cfg.EntityIDs) > 0) {
			return fmt.Errorf("%w: %s: set exactly one of allEntities or entityIds", ErrInvalidRequest, t)
		}
	}
	return nil
}

// VersionLoadRequest is either a SingleEntityVersionLoadRequest or an
// EntityTypeVersionLoadRequest. An empty VersionID loads the branch head.
type VersionLoadRequest interface {
	loadTarget() (branch, versionID string)
	Validate() error
}

// SingleEntityVersionLoadRequest restores one entity, addressed by the id it
// has inside the version.
type SingleEntityVersionLoadRequest struct {
	Branch           string             `json:"branch,omitempty"`
	VersionID        string             `json:"versionId,omitempty"`
	SyncStrategy     SyncStrategy       `json:"syncStrategy,omitempty"`
	ExternalEntityID domain.EntityID    `json:"externalEntityId"`
	Config           codec.ImportConfig `json:"config"`
}

// EntityTypeVersionLoadRequest restores every entity of the selected types.
type EntityTypeVersionLoadRequest struct {
	Branch       string                                            `json:"branch,omitempty"`
	VersionID    string                                            `json:"versionId,omitempty"`
	SyncStrategy SyncStrategy                                      `json:"syncStrategy,omitempty"`
	EntityTypes  map[domain.EntityType]EntityTypeVersionLoadConfig `json:"entityTypes"`
}

// EntityTypeVersionLoadConfig configures the load of one entity type.
type EntityTypeVersionLoadConfig struct {
	LoadRelations            bool `json:"loadRelations"`
	LoadAttributes           bool `json:"loadAttributes"`
	LoadCredentials          bool `json:"loadCredentials"`
	RemoveOtherEntities      bool `json:"removeOtherEntities"`
	FindExistingEntityByName bool `json:"findExistingEntityByName"`
}

func (c EntityTypeVersionLoadConfig) importConfig() codec.ImportConfig {
	return codec.ImportConfig{
		LoadRelations:   c.LoadRelations,
		LoadAttributes:  c.LoadAttributes,
		LoadCredentials: c.LoadCredentials,
	}
}

func (r *SingleEntityVersionLoadRequest) loadTarget() (string, string) { return r.Branch, r.VersionID }

func (r *EntityTypeVersionLoadRequest) loadTarget() (string, string) { return r.Branch, r.VersionID }

func (r *SingleEntityVersionLoadRequest) Validate() error {
	if r.ExternalEntityID.IsZero() {
		return fmt.Errorf("%w: externalEntityId is required", ErrInvalidRequest)
	}
	if !r.ExternalEntityID.EntityType.Exportable() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidRequest, domain.ErrUnsupportedEntityType, r.ExternalEntityID.EntityType)
	}
	return r.SyncStrategy.validate()
}

func (r *EntityTypeVersionLoadRequest) Validate() error {
	if err := r.SyncStrategy.validate(); err != nil {
		return err
	}
	if len(r.EntityTypes) == 0 {
		return fmt.Errorf("%w: no entity types selected", ErrInvalidRequest)
	}
	for t := range r.EntityTypes {
		if !t.Exportable() {
			return fmt.Errorf("%w: %w: %q", ErrInvalidRequest, domain.ErrUnsupportedEntityType, t)
		}
	}
	return nil
}

type typed struct {
	Type string `json:"type"`
}

// MarshalJSON adds the SINGLE_ENTITY discriminator.
func (r *SingleEntityVersionCreateRequest) MarshalJSON() ([]byte, error) {
	type plain SingleEntityVersionCreateRequest
	return json.Marshal(struct {
		typed
		*plain
	}{typed{RequestSingleEntity}, (*plain)(r)})
}

// MarshalJSON adds the COMPLEX discriminator.
func (r *ComplexVersionCreateRequest) MarshalJSON() ([]byte, error) {
	type plain ComplexVersionCreateRequest
	return json.Marshal(struct {
		typed
		*plain
	}{typed{RequestComplex}, (*plain)(r)})
}

// MarshalJSON adds the SINGLE_ENTITY discriminator.
func (r *SingleEntityVersionLoadRequest) MarshalJSON() ([]byte, error) {
	type plain SingleEntityVersionLoadRequest
	return json.Marshal(struct {
		typed
		*plain
	}{typed{RequestSingleEntity}, (*plain)(r)})
}

// MarshalJSON adds the ENTITY_TYPE discriminator.
func (r *EntityTypeVersionLoadRequest) MarshalJSON() ([]byte, error) {
	type plain EntityTypeVersionLoadRequest
	return json.Marshal(struct {
		typed
		*plain
	}{typed{RequestEntityType}, (*plain)(r)})
}

// DecodeCreateRequest parses a create request by its type discriminator.
func DecodeCreateRequest(raw []byte) (VersionCreateRequest, error) {
	var head typed
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	var req VersionCreateRequest
	switch head.Type {
	case RequestSingleEntity:
		req = &SingleEntityVersionCreateRequest{}
	case RequestComplex:
		req = &ComplexVersionCreateRequest{}
	default:
		return nil, fmt.Errorf("%w: unknown create request type %q", ErrInvalidRequest, head.Type)
	}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return req, nil
}

// DecodeLoadRequest parses a load request by its type discriminator.
func DecodeLoadRequest(raw []byte) (VersionLoadRequest, error) {
	var head typed
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	var req VersionLoadRequest
	switch head.Type {
	case RequestSingleEntity:
		req = &SingleEntityVersionLoadRequest{}
	case RequestEntityType:
		req = &EntityTypeVersionLoadRequest{}
	default:
		return nil, fmt.Errorf("%w: unknown load request type %q", ErrInvalidRequest, head.Type)
	}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return req, nil
}

// VersionCreationResult is the progress of a create job. Counts only grow
// while Done is false; a non-empty Error marks a failed job.
type VersionCreationResult struct {
	Version  *EntityVersion `json:"version,omitempty"`
	Added    int            `json:"added"`
	Modified int            `json:"modified"`
	Removed  int            `json:"removed"`
	Error    string         `json:"error,omitempty"`
	Done     bool           `json:"done"`
}

// EntityTypeLoadResult counts the changes a load made to one entity type.
type EntityTypeLoadResult struct {
	EntityType domain.EntityType `json:"entityType"`
	Created    int               `json:"created"`
	Updated    int               `json:"updated"`
	Deleted    int               `json:"deleted"`
}

// VersionLoadResult is the progress of a load job.
type VersionLoadResult struct {
	Result []EntityTypeLoadResult `json:"result"`
	Error  *EntityLoadError       `json:"error,omitempty"`
	Done   bool                   `json:"done"`
}

// Counts returns the entry of t, or a zero entry.
func (r VersionLoadResult) Counts(t domain.EntityType) EntityTypeLoadResult {
	for _, res := range r.Result {
		if res.EntityType == t {
			return res
		}
	}
	return EntityTypeLoadResult{EntityType: t}
}

// VersionScope filters ListVersions. A zero scope lists the whole branch.
type VersionScope struct {
	EntityType domain.EntityType
	EntityID   string
}

func (s VersionScope) path() (string, error) {
	switch {
	case s.EntityType == "" && s.EntityID == "":
		return "", nil
	case s.EntityType == "":
		return "", fmt.Errorf("%w: entity id without entity type", ErrInvalidRequest)
	case !s.EntityType.Exportable():
		return "", fmt.Errorf("%w: %w: %q", ErrInvalidRequest, domain.ErrUnsupportedEntityType, s.EntityType)
	case s.EntityID == "":
		return codec.Dir(s.EntityType), nil
	default:
		return codec.Path(domain.NewEntityID(s.EntityType, s.EntityID)), nil
	}
}

// VersionedEntityInfo names one entity stored in a version.
type VersionedEntityInfo struct {
	ExternalID domain.EntityID `json:"externalId"`
	Name       string          `json:"name"`
}

// VersionComparison lists the entities that differ between two versions.
type VersionComparison struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Added    []domain.EntityID `json:"added"`
	Modified []domain.EntityID `json:"modified"`
	Removed  []domain.EntityID `json:"removed"`
}

func sortIDs(ids []domain.EntityID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].EntityType != ids[j].EntityType {
			return ids[i].EntityType.Rank() < ids[j].EntityType.Rank()
		}
		return ids[i].ID < ids[j].ID
	})
}
