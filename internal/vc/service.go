// Package vc is the version synchronization engine. It commits live
// entities to a branch as immutable versions, loads versions back into the
// live store under a Merge or Overwrite strategy, and diffs versions.
//
// Create and load requests run as background jobs. Submission returns a job
// id at once; progress and the final outcome are read by polling. Work a job
// already wrote is never rolled back when a later step fails.
package vc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"entityvc/internal/logger"
	"entityvc/internal/vc/codec"
	"entityvc/internal/vc/diff"
	"entityvc/internal/vc/jobs"
	"entityvc/internal/vc/repository"
	"entityvc/pkg/domain"
)

// Job kinds.
const (
	KindCreate = "create"
	KindLoad   = "load"
)

// ErrJobNotFound is returned for unknown or evicted job ids.
var ErrJobNotFound = jobs.ErrNotFound

// Service is the engine facade. It owns the job trackers and must be closed.
type Service struct {
	store   domain.PersistentStore
	repo    repository.Repository
	branch  string
	author  string
	metrics *Metrics
	newID   func() string

	creates *jobs.Tracker[VersionCreationResult]
	loads   *jobs.Tracker[VersionLoadResult]

	commitLog *slog.Logger
	loadLog   *slog.Logger
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	branch    string
	author    string
	workers   int
	queueSize int
	audit     jobs.AuditLogger
	metrics   *Metrics
	now       func() time.Time
	newID     func() string
}

// WithDefaultBranch sets the branch used when a request names none.
func WithDefaultBranch(name string) Option {
	return func(o *serviceOptions) {
		if name != "" {
			o.branch = name
		}
	}
}

// WithAuthor sets the author recorded when a create request names none.
func WithAuthor(name string) Option {
	return func(o *serviceOptions) {
		if name != "" {
			o.author = name
		}
	}
}

// WithJobLimits sizes the worker pool and queue of each tracker.
func WithJobLimits(workers, queueSize int) Option {
	return func(o *serviceOptions) {
		o.workers, o.queueSize = workers, queueSize
	}
}

// WithAuditLogger records job transitions.
func WithAuditLogger(a jobs.AuditLogger) Option {
	return func(o *serviceOptions) { o.audit = a }
}

// WithMetrics registers the engine collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *serviceOptions) {
		if reg != nil {
			o.metrics = NewMetrics(reg)
		}
	}
}

// WithClock overrides the job clock.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithIDGenerator overrides how ids of newly created entities are minted.
func WithIDGenerator(fn func() string) Option {
	return func(o *serviceOptions) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// NewService starts a service over the live store and repository.
func NewService(store domain.PersistentStore, repo repository.Repository, opts ...Option) *Service {
	o := serviceOptions{branch: "main", author: "entityvc", workers: 4, queueSize: 64, newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	jobOpts := []jobs.Option{
		jobs.WithWorkers(o.workers),
		jobs.WithQueueSize(o.queueSize),
		jobs.WithLogger(logger.Get(logger.Jobs)),
		jobs.WithClock(o.now),
	}
	if o.audit != nil {
		jobOpts = append(jobOpts, jobs.WithAudit(o.audit))
	}
	if o.metrics != nil {
		jobOpts = append(jobOpts, jobs.WithObserver(o.metrics))
	}
	return &Service{
		store:     store,
		repo:      repo,
		branch:    o.branch,
		author:    o.author,
		metrics:   o.metrics,
		newID:     o.newID,
		creates:   jobs.New[VersionCreationResult](KindCreate, jobOpts...),
		loads:     jobs.New[VersionLoadResult](KindLoad, jobOpts...),
		commitLog: logger.Get(logger.Commit),
		loadLog:   logger.Get(logger.Load),
	}
}

// DefaultBranch returns the branch used when none is given.
func (s *Service) DefaultBranch() string { return s.branch }

func (s *Service) resolveBranch(branch string) (string, error) {
	if branch == "" {
		branch = s.branch
	}
	if err := repository.ValidateBranch(branch); err != nil {
		return "", err
	}
	return branch, nil
}

// CreateVersion validates req and queues a create job.
func (s *Service) CreateVersion(ctx context.Context, req VersionCreateRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("%w: empty create request", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	target, _, _ := req.createTarget()
	branch, err := s.resolveBranch(target)
	if err != nil {
		return "", err
	}
	return s.creates.Submit(ctx, VersionCreationResult{}, func(ctx context.Context, publish func(VersionCreationResult)) (VersionCreationResult, error) {
		return s.runCreate(ctx, branch, req, publish)
	})
}

// LoadVersion validates req and queues a load job.
func (s *Service) LoadVersion(ctx context.Context, req VersionLoadRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("%w: empty load request", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	target, _ := req.loadTarget()
	branch, err := s.resolveBranch(target)
	if err != nil {
		return "", err
	}
	return s.loads.Submit(ctx, VersionLoadResult{Result: []EntityTypeLoadResult{}}, func(ctx context.Context, publish func(VersionLoadResult)) (VersionLoadResult, error) {
		return s.runLoad(ctx, branch, req, publish)
	})
}

func createResult(rec jobs.Record[VersionCreationResult]) VersionCreationResult {
	res := rec.Result
	if rec.Status.Terminal() {
		res.Done = true
		if rec.Status == jobs.StatusFailed && res.Error == "" {
			res.Error = rec.Error
		}
	}
	return res
}

func loadResult(rec jobs.Record[VersionLoadResult]) VersionLoadResult {
	res := rec.Result
	if rec.Status.Terminal() {
		res.Done = true
		if rec.Status == jobs.StatusFailed && res.Error == nil {
			res.Error = &EntityLoadError{Type: RuntimeError, Message: rec.Error}
		}
	}
	return res
}

// PollCreate returns the current progress of a create job.
func (s *Service) PollCreate(jobID string) (VersionCreationResult, bool) {
	rec, ok := s.creates.Get(jobID)
	if !ok {
		return VersionCreationResult{}, false
	}
	return createResult(rec), true
}

// PollLoad returns the current progress of a load job.
func (s *Service) PollLoad(jobID string) (VersionLoadResult, bool) {
	rec, ok := s.loads.Get(jobID)
	if !ok {
		return VersionLoadResult{}, false
	}
	return loadResult(rec), true
}

// EvictCreate drops a finished create job.
func (s *Service) EvictCreate(jobID string) error { return s.creates.Evict(jobID) }

// EvictLoad drops a finished load job.
func (s *Service) EvictLoad(jobID string) error { return s.loads.Evict(jobID) }

// WatchCreate streams the progress of a create job until it is done.
func (s *Service) WatchCreate(ctx context.Context, jobID string) (<-chan VersionCreationResult, error) {
	return watch(ctx, s.creates, jobID, createResult)
}

// WatchLoad streams the progress of a load job until it is done.
func (s *Service) WatchLoad(ctx context.Context, jobID string) (<-chan VersionLoadResult, error) {
	return watch(ctx, s.loads, jobID, loadResult)
}

func watch[R any](ctx context.Context, t *jobs.Tracker[R], jobID string, conv func(jobs.Record[R]) R) (<-chan R, error) {
	records, err := t.Watch(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make(chan R)
	go func() {
		defer close(out)
		for rec := range records {
			select {
			case out <- conv(rec):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListBranches lists the repository branches.
func (s *Service) ListBranches(ctx context.Context) ([]BranchInfo, error) {
	return s.repo.ListBranches(ctx)
}

// ListVersions lists the versions of branch newest first, optionally only
// those touching an entity type or a single entity.
func (s *Service) ListVersions(ctx context.Context, branch string, scope VersionScope) ([]EntityVersion, error) {
	branch, err := s.resolveBranch(branch)
	if err != nil {
		return nil, err
	}
	path, err := scope.path()
	if err != nil {
		return nil, err
	}
	return s.repo.ListVersions(ctx, branch, path)
}

// ListEntitiesAtVersion names the entities stored in a version, all types
// when t is empty.
func (s *Service) ListEntitiesAtVersion(ctx context.Context, branch, versionID string, t domain.EntityType) ([]VersionedEntityInfo, error) {
	branch, err := s.resolveBranch(branch)
	if err != nil {
		return nil, err
	}
	types := domain.LoadOrder
	if t != "" {
		if !t.Exportable() {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidRequest, domain.ErrUnsupportedEntityType, t)
		}
		types = []domain.EntityType{t}
	}
	changeset, err := s.repo.ReadVersion(ctx, branch, versionID)
	if err != nil {
		return nil, err
	}
	out := []VersionedEntityInfo{}
	for _, typ := range types {
		for _, path := range changeset.Under(codec.Dir(typ)) {
			data, err := codec.Decode(changeset[path])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			out = append(out, VersionedEntityInfo{ExternalID: data.ID(), Name: data.Entity.Meta().Name})
		}
	}
	return out, nil
}

// DiffEntity compares the live state of an entity with its document in a
// version. entityID is the id the entity has inside the version; the live
// counterpart is found by id, then by external id. The live side is exported
// with the side tables the stored document carries. An empty versionID
// compares against the branch head.
func (s *Service) DiffEntity(ctx context.Context, branch, versionID string, entityID domain.EntityID) (EntityDataDiff, error) {
	branch, err := s.resolveBranch(branch)
	if err != nil {
		return EntityDataDiff{}, err
	}
	if versionID == "" {
		head, err := s.head(ctx, branch)
		if err != nil {
			return EntityDataDiff{}, err
		}
		if head == nil {
			return EntityDataDiff{}, fmt.Errorf("%s: %w", branch, repository.ErrBranchNotFound)
		}
		versionID = head.ID
	}
	raw, err := s.repo.ReadFile(ctx, branch, versionID, codec.Path(entityID))
	if err != nil {
		return EntityDataDiff{}, err
	}
	stored, err := codec.Decode(raw)
	if err != nil {
		return EntityDataDiff{}, err
	}
	cfg := codec.ExportConfig{
		SaveRelations:   stored.Relations != nil,
		SaveAttributes:  stored.Attributes != nil,
		SaveCredentials: stored.Credentials != nil,
	}
	var current *codec.EntityExportData
	err = s.store.View(ctx, func(view domain.TransactionView) error {
		liveID, ok := findCounterpart(view, entityID, "", false)
		if !ok {
			return fmt.Errorf("%s: %w", entityID, domain.ErrEntityNotFound)
		}
		current, err = codec.Export(ctx, view, liveID, cfg)
		return err
	})
	if err != nil {
		return EntityDataDiff{}, err
	}
	return diff.Diff(current, stored)
}

// CompareVersions lists the entities added, modified and removed going from
// one version of branch to another.
func (s *Service) CompareVersions(ctx context.Context, branch, from, to string) (VersionComparison, error) {
	branch, err := s.resolveBranch(branch)
	if err != nil {
		return VersionComparison{}, err
	}
	before, err := s.repo.ReadVersion(ctx, branch, from)
	if err != nil {
		return VersionComparison{}, err
	}
	after, err := s.repo.ReadVersion(ctx, branch, to)
	if err != nil {
		return VersionComparison{}, err
	}
	cmp := VersionComparison{From: from, To: to, Added: []domain.EntityID{}, Modified: []domain.EntityID{}, Removed: []domain.EntityID{}}
	for path, doc := range after {
		id, ok := codec.ParsePath(path)
		if !ok {
			continue
		}
		prev, existed := before[path]
		switch {
		case !existed:
			cmp.Added = append(cmp.Added, id)
		case !bytes.Equal(prev, doc):
			cmp.Modified = append(cmp.Modified, id)
		}
	}
	for path := range before {
		if _, kept := after[path]; kept {
			continue
		}
		if id, ok := codec.ParsePath(path); ok {
			cmp.Removed = append(cmp.Removed, id)
		}
	}
	sortIDs(cmp.Added)
	sortIDs(cmp.Modified)
	sortIDs(cmp.Removed)
	return cmp, nil
}

// Close stops both trackers, cancelling running jobs.
func (s *Service) Close(ctx context.Context) error {
	return errors.Join(s.creates.Close(ctx), s.loads.Close(ctx))
}
