package vc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"entityvc/internal/vc/codec"
	"entityvc/internal/vc/repository"
	"entityvc/pkg/domain"
)

// Change kinds reported by commits.
const (
	changeAdded    = "added"
	changeModified = "modified"
	changeRemoved  = "removed"
)

// typeBatch is the outcome of exporting one entity type.
type typeBatch struct {
	entityType domain.EntityType
	put        map[string][]byte
	remove     []string
	added      int
	modified   int
	removed    int
}

func (s *Service) runCreate(ctx context.Context, branch string, req VersionCreateRequest, publish func(VersionCreationResult)) (VersionCreationResult, error) {
	var (
		res VersionCreationResult
		err error
	)
	switch r := req.(type) {
	case *SingleEntityVersionCreateRequest:
		res, err = s.commitSingle(ctx, branch, r)
	case *ComplexVersionCreateRequest:
		res, err = s.commitComplex(ctx, branch, r, publish)
	default:
		err = fmt.Errorf("%w: unsupported create request %T", ErrInvalidRequest, req)
	}
	res.Done = true
	if err != nil {
		res.Error = err.Error()
		s.commitLog.Warn("version creation failed", "branch", branch, "error", err)
		return res, err
	}
	s.commitLog.Info("version created", "branch", branch, "version", versionID(res.Version),
		"added", res.Added, "modified", res.Modified, "removed", res.Removed)
	return res, nil
}

func versionID(v *EntityVersion) string {
	if v == nil {
		return ""
	}
	return v.ID
}

func (s *Service) head(ctx context.Context, branch string) (*EntityVersion, error) {
	head, ok, err := s.repo.Head(ctx, branch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &head, nil
}

func (s *Service) commitSingle(ctx context.Context, branch string, req *SingleEntityVersionCreateRequest) (VersionCreationResult, error) {
	var res VersionCreationResult
	head, err := s.head(ctx, branch)
	if err != nil {
		return res, err
	}
	var doc []byte
	err = s.store.View(ctx, func(view domain.TransactionView) error {
		data, err := codec.Export(ctx, view, req.EntityID, req.Config)
		if err != nil {
			return err
		}
		doc, err = codec.Encode(data)
		return err
	})
	if err != nil {
		return res, err
	}

	path := codec.Path(req.EntityID)
	commit := repository.Commit{Put: map[string][]byte{path: doc}}
	res.Added = 1
	if head != nil {
		commit.ExpectedHead = head.ID
		_, err := s.repo.ReadFile(ctx, branch, head.ID, path)
		switch {
		case err == nil:
			res.Added, res.Modified = 0, 1
		case !errors.Is(err, repository.ErrFileNotFound):
			return res, err
		}
	}
	version, err := s.write(ctx, branch, req, commit)
	if err != nil {
		return VersionCreationResult{}, err
	}
	res.Version = &version
	change := changeAdded
	if res.Modified > 0 {
		change = changeModified
	}
	s.metrics.entitiesCommitted(req.EntityID.EntityType, change, 1)
	return res, nil
}

func (s *Service) commitComplex(ctx context.Context, branch string, req *ComplexVersionCreateRequest, publish func(VersionCreationResult)) (VersionCreationResult, error) {
	var (
		mu       sync.Mutex
		progress VersionCreationResult
	)
	head, err := s.head(ctx, branch)
	if err != nil {
		return progress, err
	}
	current := repository.Changeset{}
	if head != nil {
		if current, err = s.repo.ReadVersion(ctx, branch, head.ID); err != nil {
			return progress, err
		}
	}

	types := make([]domain.EntityType, 0, len(req.EntityTypes))
	for t := range req.EntityTypes {
		types = append(types, t)
	}
	domain.SortEntityTypes(types)

	batches := make([]*typeBatch, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range types {
		cfg := req.EntityTypes[t]
		strategy := cfg.SyncStrategy.or(req.SyncStrategy.or(SyncMerge))
		g.Go(func() error {
			batch, err := s.exportType(gctx, t, cfg, strategy, current)
			if err != nil {
				return fmt.Errorf("export %s: %w", t, err)
			}
			batches[i] = batch
			mu.Lock()
			progress.Added += batch.added
			progress.Modified += batch.modified
			progress.Removed += batch.removed
			snapshot := progress
			mu.Unlock()
			publish(snapshot)
			s.commitLog.Debug("entity type exported", "entity_type", t,
				"added", batch.added, "modified", batch.modified, "removed", batch.removed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		return progress, err
	}

	commit := repository.Commit{Put: make(map[string][]byte)}
	if head != nil {
		commit.ExpectedHead = head.ID
	}
	for _, batch := range batches {
		for path, doc := range batch.put {
			commit.Put[path] = doc
		}
		commit.Delete = append(commit.Delete, batch.remove...)
	}
	if len(commit.Put) == 0 && len(commit.Delete) == 0 {
		s.commitLog.Info("nothing changed, no version written", "branch", branch)
		progress.Version = head
		return progress, nil
	}
	version, err := s.write(ctx, branch, req, commit)
	if err != nil {
		return progress, err
	}
	progress.Version = &version
	for _, batch := range batches {
		s.metrics.entitiesCommitted(batch.entityType, changeAdded, batch.added)
		s.metrics.entitiesCommitted(batch.entityType, changeModified, batch.modified)
		s.metrics.entitiesCommitted(batch.entityType, changeRemoved, batch.removed)
	}
	return progress, nil
}

// exportType exports the scope of one entity type and classifies every
// document against the branch head. Unchanged documents are left out of put.
func (s *Service) exportType(ctx context.Context, t domain.EntityType, cfg EntityTypeVersionCreateConfig, strategy SyncStrategy, current repository.Changeset) (*typeBatch, error) {
	batch := &typeBatch{entityType: t, put: make(map[string][]byte)}
	live := make(map[string]struct{})
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		for _, entity := range view.ListEntities(t) {
			live[codec.Path(entity.Meta().ID)] = struct{}{}
		}
		var ids []domain.EntityID
		if cfg.AllEntities {
			for _, entity := range view.ListEntities(t) {
				ids = append(ids, entity.Meta().ID)
			}
		} else {
			for _, id := range cfg.EntityIDs {
				ids = append(ids, domain.NewEntityID(t, id))
			}
		}
		for _, id := range ids {
			data, err := codec.Export(ctx, view, id, cfg.exportConfig())
			if err != nil {
				return err
			}
			doc, err := codec.Encode(data)
			if err != nil {
				return err
			}
			path := codec.Path(id)
			prev, existed := current[path]
			switch {
			case !existed:
				batch.added++
			case !bytes.Equal(prev, doc):
				batch.modified++
			default:
				continue
			}
			batch.put[path] = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	scope := make(map[string]struct{}, len(cfg.EntityIDs))
	for _, id := range cfg.EntityIDs {
		scope[codec.Path(domain.NewEntityID(t, id))] = struct{}{}
	}
	for _, path := range current.Under(codec.Dir(t)) {
		var gone bool
		switch {
		case cfg.AllEntities:
			_, alive := live[path]
			gone = !alive
		case strategy == SyncOverwrite:
			_, kept := scope[path]
			gone = !kept
		}
		if gone {
			batch.remove = append(batch.remove, path)
			batch.removed++
		}
	}
	return batch, nil
}

func (s *Service) write(ctx context.Context, branch string, req VersionCreateRequest, commit repository.Commit) (EntityVersion, error) {
	_, name, author := req.createTarget()
	if author == "" {
		author = s.author
	}
	commit.Name, commit.Author = name, author
	return s.repo.WriteVersion(ctx, branch, commit)
}
