// Package codec converts live entities and their side tables into portable
// export documents and back. Encode produces the canonical byte form stored
// in the version repository: identical logical content always yields
// identical bytes, which is what makes diffs and change detection stable.
package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"entityvc/pkg/domain"
)

// Errors reported by the codec.
var (
	ErrUnsupportedEntityType = domain.ErrUnsupportedEntityType
	ErrSerialization         = errors.New("serialization error")
)

// ExportConfig gates which side tables are exported with the entity.
type ExportConfig struct {
	SaveRelations   bool `json:"saveRelations"`
	SaveAttributes  bool `json:"saveAttributes"`
	SaveCredentials bool `json:"saveCredentials"`
}

// ImportConfig gates which side tables are taken from a document on load.
type ImportConfig struct {
	LoadRelations   bool `json:"loadRelations"`
	LoadAttributes  bool `json:"loadAttributes"`
	LoadCredentials bool `json:"loadCredentials"`
}

// EntityExportData is one versioned document. Relations and Attributes are
// nil when they were not requested and empty when requested but absent.
// Credentials only accompany devices and Metadata only rule chains.
// Fields lists the entity keys a decoded document carries; it is nil for
// data built in memory, which carries every field.
type EntityExportData struct {
	EntityType  domain.EntityType
	Entity      domain.Entity
	Relations   []domain.EntityRelation
	Attributes  map[domain.AttributeScope][]domain.AttributeKV
	Credentials *domain.DeviceCredentials
	Metadata    *domain.RuleChainMetaData
	Fields      []string
}

// ID returns the id of the exported entity.
func (d *EntityExportData) ID() domain.EntityID {
	return d.Entity.Meta().ID
}

// CarriedFields returns the entity keys the document sets, zero values
// included.
func (d *EntityExportData) CarriedFields() []string {
	if d.Fields != nil {
		return d.Fields
	}
	return FieldNames(d.EntityType)
}

type document struct {
	EntityType  domain.EntityType                               `json:"entityType"`
	Entity      json.RawMessage                                 `json:"entity"`
	Relations   *[]domain.EntityRelation                        `json:"relations,omitempty"`
	Attributes  *map[domain.AttributeScope][]domain.AttributeKV `json:"attributes,omitempty"`
	Credentials *domain.DeviceCredentials                       `json:"credentials,omitempty"`
	Metadata    *domain.RuleChainMetaData                       `json:"ruleChainMetaData,omitempty"`
}

// Export reads the entity identified by id and the side tables enabled by
// cfg from view. The exported entity carries no external id; that field
// only has meaning inside the store it was loaded into.
func Export(ctx context.Context, view domain.TransactionView, id domain.EntityID, cfg ExportConfig) (*EntityExportData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !id.EntityType.Exportable() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntityType, id.EntityType)
	}
	entity, ok := view.FindEntity(id)
	if !ok {
		return nil, fmt.Errorf("export %s: %w", id, domain.ErrEntityNotFound)
	}
	entity, err := domain.CloneEntity(entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	entity.Meta().ExternalID = nil
	data := &EntityExportData{EntityType: id.EntityType, Entity: entity}
	if cfg.SaveRelations {
		data.Relations = append([]domain.EntityRelation{}, view.ListRelations(id)...)
		domain.SortRelations(data.Relations)
	}
	if cfg.SaveAttributes {
		data.Attributes = make(map[domain.AttributeScope][]domain.AttributeKV)
		for _, scope := range domain.AttributeScopes {
			if kvs := view.ListAttributes(id, scope); len(kvs) > 0 {
				kvs = append([]domain.AttributeKV(nil), kvs...)
				domain.SortAttributes(kvs)
				data.Attributes[scope] = kvs
			}
		}
	}
	if cfg.SaveCredentials && id.EntityType == domain.EntityDevice {
		if creds, ok := view.FindCredentials(id.ID); ok {
			data.Credentials = &creds
		}
	}
	if id.EntityType == domain.EntityRuleChain {
		if md, ok := view.FindRuleChainMetaData(id.ID); ok {
			md = md.Clone()
			data.Metadata = &md
		}
	}
	return data, nil
}

// Encode renders data in canonical form. The entity object names every
// field of its type, zero values included.
func Encode(data *EntityExportData) ([]byte, error) {
	if data == nil || data.Entity == nil {
		return nil, fmt.Errorf("%w: missing entity", ErrSerialization)
	}
	if !data.EntityType.Exportable() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntityType, data.EntityType)
	}
	if t := domain.TypeOf(data.Entity); t != data.EntityType {
		return nil, fmt.Errorf("%w: entity type %s in %s document", ErrSerialization, t, data.EntityType)
	}
	raw, err := entityObject(data.Entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	doc := document{EntityType: data.EntityType, Entity: raw, Credentials: data.Credentials, Metadata: data.Metadata}
	if data.Relations != nil {
		relations := append([]domain.EntityRelation{}, data.Relations...)
		domain.SortRelations(relations)
		doc.Relations = &relations
	}
	if data.Attributes != nil {
		attrs := make(map[domain.AttributeScope][]domain.AttributeKV, len(data.Attributes))
		for scope, kvs := range data.Attributes {
			sorted := append([]domain.AttributeKV{}, kvs...)
			domain.SortAttributes(sorted)
			attrs[scope] = sorted
		}
		doc.Attributes = &attrs
	}
	raw, err = json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return Canonicalize(raw)
}

// Decode parses a document produced by Encode. Hand-written documents may
// leave entity fields out; Fields records which ones they set.
func Decode(raw []byte) (*EntityExportData, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if !doc.EntityType.Exportable() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntityType, doc.EntityType)
	}
	if len(doc.Entity) == 0 {
		return nil, fmt.Errorf("%w: document has no entity", ErrSerialization)
	}
	fields, raw, err := splitEntity(doc.Entity)
	if err != nil {
		return nil, err
	}
	entity, err := domain.DecodeEntity(doc.EntityType, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	data := &EntityExportData{EntityType: doc.EntityType, Entity: entity, Credentials: doc.Credentials, Metadata: doc.Metadata, Fields: fields}
	if doc.Relations != nil {
		data.Relations = append([]domain.EntityRelation{}, (*doc.Relations)...)
	}
	if doc.Attributes != nil {
		data.Attributes = make(map[domain.AttributeScope][]domain.AttributeKV, len(*doc.Attributes))
		for scope, kvs := range *doc.Attributes {
			data.Attributes[scope] = kvs
		}
	}
	if data.Credentials != nil && doc.EntityType != domain.EntityDevice {
		return nil, fmt.Errorf("%w: credentials on %s", ErrSerialization, doc.EntityType)
	}
	if data.Metadata != nil && doc.EntityType != domain.EntityRuleChain {
		return nil, fmt.Errorf("%w: rule chain metadata on %s", ErrSerialization, doc.EntityType)
	}
	return data, nil
}

// Imported is a document split into the entity and the side tables the
// import config selected. A nil side table means "leave the live value alone".
type Imported struct {
	Entity      domain.Entity
	Relations   []domain.EntityRelation
	Attributes  map[domain.AttributeScope][]domain.AttributeKV
	Credentials *domain.DeviceCredentials
	Metadata    *domain.RuleChainMetaData
}

// Import splits data according to cfg. Rule chain metadata always follows
// its chain.
func Import(data *EntityExportData, cfg ImportConfig) Imported {
	out := Imported{Entity: data.Entity}
	if cfg.LoadRelations && data.Relations != nil {
		out.Relations = append([]domain.EntityRelation{}, data.Relations...)
	}
	if cfg.LoadAttributes && data.Attributes != nil {
		out.Attributes = make(map[domain.AttributeScope][]domain.AttributeKV, len(data.Attributes))
		for scope, kvs := range data.Attributes {
			out.Attributes[scope] = append([]domain.AttributeKV{}, kvs...)
		}
	}
	if cfg.LoadCredentials && data.Credentials != nil {
		creds := *data.Credentials
		out.Credentials = &creds
	}
	if data.Metadata != nil {
		md := data.Metadata.Clone()
		out.Metadata = &md
	}
	return out
}

// Path returns the repository path of the document for id.
func Path(id domain.EntityID) string {
	return id.EntityType.Dir() + "/" + id.ID + ".json"
}

// Dir returns the repository directory holding documents of type t.
func Dir(t domain.EntityType) string {
	return t.Dir() + "/"
}

// ParsePath is the inverse of Path.
func ParsePath(path string) (domain.EntityID, bool) {
	dir, file, ok := strings.Cut(path, "/")
	if !ok || strings.Contains(file, "/") || !strings.HasSuffix(file, ".json") {
		return domain.EntityID{}, false
	}
	t := domain.EntityType(strings.ToUpper(dir))
	id := strings.TrimSuffix(file, ".json")
	if !t.Exportable() || id == "" || t.Dir() != dir {
		return domain.EntityID{}, false
	}
	return domain.NewEntityID(t, id), true
}

// MarshalJSON renders the canonical document.
func (d *EntityExportData) MarshalJSON() ([]byte, error) {
	return Encode(d)
}

// UnmarshalJSON accepts any document Decode accepts.
func (d *EntityExportData) UnmarshalJSON(raw []byte) error {
	decoded, err := Decode(raw)
	if err != nil {
		return err
	}
	*d = *decoded
	return nil
}
