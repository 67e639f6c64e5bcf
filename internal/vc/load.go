package vc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"entityvc/internal/vc/codec"
	"entityvc/internal/vc/repository"
	"entityvc/pkg/domain"
)

// Load actions reported to metrics.
const (
	actionCreated = "created"
	actionUpdated = "updated"
	actionDeleted = "deleted"
)

// loadItem is one incoming document and the live entity it lands on.
type loadItem struct {
	data   *codec.EntityExportData
	extID  domain.EntityID
	liveID domain.EntityID
	exists bool
}

// loadPlan is computed once per job before anything is written.
type loadPlan struct {
	strategy SyncStrategy
	configs  map[domain.EntityType]EntityTypeVersionLoadConfig
	items    map[domain.EntityType][]*loadItem
	idMap    map[domain.EntityID]domain.EntityID
}

func (p *loadPlan) remap(id domain.EntityID) domain.EntityID {
	if live, ok := p.idMap[id]; ok {
		return live
	}
	return id
}

func (p *loadPlan) types() []domain.EntityType {
	types := make([]domain.EntityType, 0, len(p.configs))
	for t := range p.configs {
		types = append(types, t)
	}
	domain.SortEntityTypes(types)
	return types
}

// loadProgress owns the counters of a load job. Only the job goroutine
// writes to it; every publish hands out a copy.
type loadProgress struct {
	publish func(VersionLoadResult)
	result  VersionLoadResult
}

func newLoadProgress(types []domain.EntityType, publish func(VersionLoadResult)) *loadProgress {
	p := &loadProgress{publish: publish, result: VersionLoadResult{Result: []EntityTypeLoadResult{}}}
	for _, t := range types {
		p.result.Result = append(p.result.Result, EntityTypeLoadResult{EntityType: t})
	}
	return p
}

func (p *loadProgress) add(t domain.EntityType, created, updated, deleted int) {
	for i := range p.result.Result {
		if p.result.Result[i].EntityType == t {
			p.result.Result[i].Created += created
			p.result.Result[i].Updated += updated
			p.result.Result[i].Deleted += deleted
		}
	}
	p.publish(p.snapshot())
}

func (p *loadProgress) snapshot() VersionLoadResult {
	out := p.result
	out.Result = append([]EntityTypeLoadResult{}, p.result.Result...)
	return out
}

func (s *Service) runLoad(ctx context.Context, branch string, req VersionLoadRequest, publish func(VersionLoadResult)) (VersionLoadResult, error) {
	progress := newLoadProgress(nil, publish)
	fail := func(err error) (VersionLoadResult, error) {
		res := progress.snapshot()
		res.Error = asLoadError(err)
		res.Done = true
		s.loadLog.Warn("version load failed", "branch", branch, "error", res.Error)
		return res, res.Error
	}

	_, versionID := req.loadTarget()
	if versionID == "" {
		head, err := s.head(ctx, branch)
		if err != nil {
			return fail(err)
		}
		if head == nil {
			return fail(fmt.Errorf("%s: %w", branch, repository.ErrBranchNotFound))
		}
		versionID = head.ID
	}
	changeset, err := s.repo.ReadVersion(ctx, branch, versionID)
	if err != nil {
		return fail(err)
	}
	plan, err := s.planLoad(ctx, req, changeset)
	if err != nil {
		return fail(err)
	}
	progress = newLoadProgress(plan.types(), publish)
	progress.publish(progress.snapshot())

	for _, t := range plan.types() {
		if err := s.applyType(ctx, plan, t, progress); err != nil {
			return fail(err)
		}
	}
	if err := s.applyRelations(ctx, plan); err != nil {
		return fail(err)
	}
	types := plan.types()
	for i := len(types) - 1; i >= 0; i-- {
		if err := s.removeOthers(ctx, plan, types[i], progress); err != nil {
			return fail(err)
		}
	}

	res := progress.snapshot()
	res.Done = true
	s.loadLog.Info("version loaded", "branch", branch, "version", versionID, "types", len(res.Result))
	return res, nil
}

// planLoad decodes the documents in scope and maps every incoming id to the
// live entity it will create or update.
func (s *Service) planLoad(ctx context.Context, req VersionLoadRequest, changeset repository.Changeset) (*loadPlan, error) {
	plan := &loadPlan{
		strategy: SyncMerge,
		configs:  make(map[domain.EntityType]EntityTypeVersionLoadConfig),
		items:    make(map[domain.EntityType][]*loadItem),
		idMap:    make(map[domain.EntityID]domain.EntityID),
	}
	add := func(path string, raw []byte) error {
		data, err := codec.Decode(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if id, ok := codec.ParsePath(path); !ok || id != data.ID() {
			return fmt.Errorf("%s: %w: document holds %s", path, codec.ErrSerialization, data.ID())
		}
		plan.items[data.EntityType] = append(plan.items[data.EntityType], &loadItem{data: data, extID: data.ID()})
		return nil
	}

	switch r := req.(type) {
	case *SingleEntityVersionLoadRequest:
		plan.strategy = r.SyncStrategy.or(SyncMerge)
		plan.configs[r.ExternalEntityID.EntityType] = EntityTypeVersionLoadConfig{
			LoadRelations:   r.Config.LoadRelations,
			LoadAttributes:  r.Config.LoadAttributes,
			LoadCredentials: r.Config.LoadCredentials,
		}
		path := codec.Path(r.ExternalEntityID)
		raw, ok := changeset[path]
		if !ok {
			return nil, fmt.Errorf("%s: %w", r.ExternalEntityID, repository.ErrFileNotFound)
		}
		if err := add(path, raw); err != nil {
			return nil, err
		}
	case *EntityTypeVersionLoadRequest:
		plan.strategy = r.SyncStrategy.or(SyncMerge)
		for t, cfg := range r.EntityTypes {
			plan.configs[t] = cfg
			for _, path := range changeset.Under(codec.Dir(t)) {
				if err := add(path, changeset[path]); err != nil {
					return nil, err
				}
			}
		}
	default:
		return nil, fmt.Errorf("%w: unsupported load request %T", ErrInvalidRequest, req)
	}

	err := s.store.View(ctx, func(view domain.TransactionView) error {
		claimed := make(map[domain.EntityID]struct{})
		for _, t := range plan.types() {
			cfg := plan.configs[t]
			for _, item := range plan.items[t] {
				live, ok := findCounterpart(view, item.extID, item.data.Entity.Meta().Name, cfg.FindExistingEntityByName)
				if ok {
					_, taken := claimed[live]
					ok = !taken
				}
				if ok {
					item.liveID, item.exists = live, true
				} else {
					item.liveID = item.extID
					_, used := view.FindEntity(item.extID)
					if _, taken := claimed[item.extID]; used || taken {
						item.liveID = domain.NewEntityID(t, s.newID())
					}
				}
				claimed[item.liveID] = struct{}{}
				plan.idMap[item.extID] = item.liveID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// findCounterpart looks an incoming entity up by id, then by external id,
// then by name when byName is set.
func findCounterpart(view domain.TransactionView, extID domain.EntityID, name string, byName bool) (domain.EntityID, bool) {
	if entity, ok := view.FindEntity(extID); ok {
		return entity.Meta().ID, true
	}
	if entity, ok := view.FindEntityByExternalID(extID.EntityType, extID.ID); ok {
		return entity.Meta().ID, true
	}
	if byName && name != "" {
		if entity, ok := view.FindEntityByName(extID.EntityType, name); ok {
			return entity.Meta().ID, true
		}
	}
	return domain.EntityID{}, false
}

// check runs the conflict checks of one entity type against the current
// live state. It must pass before the type is written.
func (p *loadPlan) check(view domain.TransactionView, t domain.EntityType) error {
	cfg := p.configs[t]
	if t == domain.EntityDevice && cfg.LoadCredentials {
		owners := make(map[string]domain.EntityID)
		for _, item := range p.items[t] {
			creds := item.data.Credentials
			if creds == nil {
				continue
			}
			if other, dup := owners[creds.CredentialsID]; dup {
				return credentialsConflict(item.extID, other)
			}
			owners[creds.CredentialsID] = item.extID
			if owner, ok := view.FindCredentialsByID(creds.CredentialsID); ok && owner.DeviceID != item.liveID.ID {
				return credentialsConflict(item.extID, domain.NewEntityID(domain.EntityDevice, owner.DeviceID))
			}
		}
	}
	for _, item := range p.items[t] {
		refs := item.data.Entity.References()
		if cfg.LoadRelations {
			for _, rel := range item.data.Relations {
				refs = append(refs, rel.To)
			}
		}
		if item.data.Metadata != nil {
			refs = append(refs, item.data.Metadata.References()...)
		}
		for _, ref := range refs {
			if !p.resolve(view, ref) {
				return missingReference(item.extID, ref)
			}
		}
	}
	return nil
}

// resolve reports whether ref points at an entity of the batch or the live
// store. A live entity found through its external id is recorded in the id
// map so the reference is rewritten to it.
func (p *loadPlan) resolve(view domain.TransactionView, ref domain.EntityID) bool {
	if _, ok := p.idMap[ref]; ok {
		return true
	}
	if _, ok := view.FindEntity(ref); ok {
		return true
	}
	if entity, ok := view.FindEntityByExternalID(ref.EntityType, ref.ID); ok {
		p.idMap[ref] = entity.Meta().ID
		return true
	}
	return false
}

// applyType writes every entity of type t with its attributes, credentials
// and metadata in one transaction. Relations are written afterwards so that
// they may point at types loaded later.
func (s *Service) applyType(ctx context.Context, plan *loadPlan, t domain.EntityType, progress *loadProgress) error {
	items := plan.items[t]
	if len(items) == 0 {
		return nil
	}
	if err := s.store.View(ctx, func(view domain.TransactionView) error {
		return plan.check(view, t)
	}); err != nil {
		return err
	}

	cfg := plan.configs[t].importConfig()
	var created, updated int
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		created, updated = 0, 0
		for _, item := range items {
			if err := plan.applyItem(tx, item, cfg); err != nil {
				return fmt.Errorf("load %s: %w", item.extID, err)
			}
			if item.exists {
				updated++
			} else {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	progress.add(t, created, updated, 0)
	s.metrics.entitiesLoaded(t, actionCreated, created)
	s.metrics.entitiesLoaded(t, actionUpdated, updated)
	s.loadLog.Debug("entity type loaded", "entity_type", t, "created", created, "updated", updated)
	return nil
}

func (p *loadPlan) applyItem(tx domain.Transaction, item *loadItem, cfg codec.ImportConfig) error {
	imported := codec.Import(item.data, cfg)
	entity, err := domain.CloneEntity(imported.Entity)
	if err != nil {
		return err
	}
	entity.RemapReferences(p.remap)
	meta := entity.Meta()
	meta.ID = item.liveID
	meta.ExternalID = nil
	if item.liveID != item.extID {
		ext := item.extID
		meta.ExternalID = &ext
	}

	if item.exists {
		_, err = tx.UpdateEntity(item.liveID, func(current domain.Entity) (domain.Entity, error) {
			if p.strategy == SyncOverwrite {
				return entity, nil
			}
			return mergeEntity(current, entity, item.data.CarriedFields())
		})
	} else {
		_, err = tx.CreateEntity(entity)
	}
	if err != nil {
		return err
	}

	if imported.Attributes != nil {
		view := tx.Snapshot()
		for _, scope := range domain.AttributeScopes {
			incoming := imported.Attributes[scope]
			existing := view.ListAttributes(item.liveID, scope)
			var kvs []domain.AttributeKV
			switch {
			case p.strategy == SyncOverwrite:
				if len(incoming) == 0 && len(existing) == 0 {
					continue
				}
				kvs = incoming
			case len(incoming) > 0:
				kvs = domain.MergeAttributes(existing, incoming)
			default:
				continue
			}
			if err := tx.SetAttributes(item.liveID, scope, kvs); err != nil {
				return err
			}
		}
	}
	if imported.Credentials != nil {
		creds := *imported.Credentials
		creds.DeviceID = item.liveID.ID
		if err := tx.SetCredentials(creds); err != nil {
			return err
		}
	}
	if imported.Metadata != nil {
		md := *imported.Metadata
		md.RemapReferences(p.remap)
		md.RuleChainID = item.liveID.ID
		if err := tx.SetRuleChainMetaData(md); err != nil {
			return err
		}
	}
	return nil
}

// mergeEntity overlays the carried fields of incoming onto current. A carried
// field that is zero in incoming clears the live value; fields the document
// does not carry keep it. Identity always comes from incoming.
func mergeEntity(current, incoming domain.Entity, carried []string) (domain.Entity, error) {
	base, err := entityFields(current)
	if err != nil {
		return nil, err
	}
	overlay, err := entityFields(incoming)
	if err != nil {
		return nil, err
	}
	for _, key := range carried {
		if value, ok := overlay[key]; ok {
			base[key] = value
		} else {
			delete(base, key)
		}
	}
	base["id"] = overlay["id"]
	if ext, ok := overlay["externalId"]; ok {
		base["externalId"] = ext
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	return domain.DecodeEntity(domain.TypeOf(current), raw)
}

func entityFields(entity domain.Entity) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (s *Service) applyRelations(ctx context.Context, plan *loadPlan) error {
	var pending []*loadItem
	for _, t := range plan.types() {
		if !plan.configs[t].LoadRelations {
			continue
		}
		for _, item := range plan.items[t] {
			if item.data.Relations != nil {
				pending = append(pending, item)
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, item := range pending {
			relations := make([]domain.EntityRelation, 0, len(item.data.Relations))
			for _, rel := range item.data.Relations {
				rel.From = item.liveID
				rel.To = plan.remap(rel.To)
				relations = append(relations, rel)
			}
			if plan.strategy == SyncMerge {
				relations = domain.MergeRelations(tx.Snapshot().ListRelations(item.liveID), relations)
			}
			if err := tx.SetRelations(item.liveID, relations); err != nil {
				return fmt.Errorf("load relations of %s: %w", item.extID, err)
			}
		}
		return nil
	})
	return err
}

// removeOthers deletes the live entities of t that the version does not hold.
func (s *Service) removeOthers(ctx context.Context, plan *loadPlan, t domain.EntityType, progress *loadProgress) error {
	if !plan.configs[t].RemoveOtherEntities {
		return nil
	}
	keep := make(map[domain.EntityID]struct{}, len(plan.items[t]))
	for _, item := range plan.items[t] {
		keep[item.liveID] = struct{}{}
	}
	var deleted int
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		deleted = 0
		for _, entity := range tx.Snapshot().ListEntities(t) {
			id := entity.Meta().ID
			if _, ok := keep[id]; ok {
				continue
			}
			if err := tx.DeleteEntity(id); err != nil && !errors.Is(err, domain.ErrEntityNotFound) {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return err
	}
	progress.add(t, 0, 0, deleted)
	s.metrics.entitiesLoaded(t, actionDeleted, deleted)
	return nil
}
