// Package blobrepo stores versions in a blob store (filesystem, S3 or
// memory).
//
// Layout:
//
//	versions/<id>.json              manifest: name, author, parent, path to object key
//	objects/<id>/<path>             documents first written by version <id>
//	branches/<branch>/<seq>         head markers; the highest seq is the head
//
// Head markers are created with the store's create-only Put, so two writers
// racing for the same sequence number cannot both win.
package blobrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"entityvc/internal/blob/core"
	"entityvc/internal/vc/repository"
)

const (
	versionsPrefix = "versions/"
	objectsPrefix  = "objects/"
	branchesPrefix = "branches/"
	seqWidth       = 20
)

type manifest struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Author    string            `json:"author"`
	Timestamp int64             `json:"timestamp"`
	Branch    string            `json:"branch"`
	Parent    string            `json:"parent,omitempty"`
	Files     map[string]string `json:"files"`
	Changed   []string          `json:"changed"`
}

func (m manifest) version() repository.EntityVersion {
	return repository.EntityVersion{ID: m.ID, Name: m.Name, Timestamp: m.Timestamp, Author: m.Author}
}

// Repository implements repository.Repository over a core.Store.
type Repository struct {
	store         core.Store
	defaultBranch string
	locks         *repository.BranchLocks
	now           func() time.Time
	newID         func() string
}

// Option customises a Repository.
type Option func(*Repository)

// WithDefaultBranch names the branch reported as default.
func WithDefaultBranch(name string) Option {
	return func(r *Repository) { r.defaultBranch = name }
}

// WithClock overrides the version timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// New wraps store.
func New(store core.Store, opts ...Option) *Repository {
	r := &Repository{
		store:         store,
		defaultBranch: "main",
		locks:         repository.NewBranchLocks(),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ repository.Repository = (*Repository)(nil)

func (r *Repository) ListBranches(ctx context.Context) ([]repository.BranchInfo, error) {
	infos, err := r.store.List(ctx, branchesPrefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []repository.BranchInfo
	for _, info := range infos {
		escaped, _, ok := strings.Cut(strings.TrimPrefix(info.Key, branchesPrefix), "/")
		if !ok {
			continue
		}
		name, err := url.PathUnescape(escaped)
		if err != nil {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, repository.BranchInfo{Name: name, IsDefault: name == r.defaultBranch})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Repository) Head(ctx context.Context, branch string) (repository.EntityVersion, bool, error) {
	m, _, err := r.head(ctx, branch)
	if errors.Is(err, repository.ErrBranchNotFound) {
		return repository.EntityVersion{}, false, nil
	}
	if err != nil {
		return repository.EntityVersion{}, false, err
	}
	return m.version(), true, nil
}

func (r *Repository) ListVersions(ctx context.Context, branch, path string) ([]repository.EntityVersion, error) {
	var out []repository.EntityVersion
	err := r.walk(ctx, branch, func(m manifest) (bool, error) {
		if repository.MatchesPath(m.Changed, path) {
			out = append(out, m.version())
		}
		return true, nil
	})
	return out, err
}

func (r *Repository) ReadVersion(ctx context.Context, branch, versionID string) (repository.Changeset, error) {
	m, err := r.resolve(ctx, branch, versionID)
	if err != nil {
		return nil, err
	}
	out := make(repository.Changeset, len(m.Files))
	for path, key := range m.Files {
		data, err := core.ReadAll(ctx, r.store, key)
		if err != nil {
			return nil, fmt.Errorf("read %s of %s: %w", path, versionID, err)
		}
		out[path] = data
	}
	return out, nil
}

func (r *Repository) ReadFile(ctx context.Context, branch, versionID, path string) ([]byte, error) {
	m, err := r.resolve(ctx, branch, versionID)
	if err != nil {
		return nil, err
	}
	key, ok := m.Files[path]
	if !ok {
		return nil, fmt.Errorf("%s@%s: %w", path, versionID, repository.ErrFileNotFound)
	}
	return core.ReadAll(ctx, r.store, key)
}

// WriteVersion stores the changed documents and the manifest, then claims
// the next head sequence number. Objects of a writer that loses the claim
// stay unreferenced.
func (r *Repository) WriteVersion(ctx context.Context, branch string, commit repository.Commit) (repository.EntityVersion, error) {
	if err := repository.ValidateBranch(branch); err != nil {
		return repository.EntityVersion{}, err
	}
	if err := repository.ValidateCommit(commit); err != nil {
		return repository.EntityVersion{}, err
	}
	release, err := r.locks.TryLock(branch)
	if err != nil {
		return repository.EntityVersion{}, err
	}
	defer release()

	head, seq, err := r.head(ctx, branch)
	if err != nil && !errors.Is(err, repository.ErrBranchNotFound) {
		return repository.EntityVersion{}, err
	}
	if err := repository.CheckHead(branch, head.ID, commit); err != nil {
		return repository.EntityVersion{}, err
	}

	id := r.newID()
	m := manifest{
		ID:        id,
		Name:      commit.Name,
		Author:    commit.Author,
		Timestamp: r.now().UnixMilli(),
		Branch:    branch,
		Parent:    head.ID,
		Files:     make(map[string]string, len(head.Files)+len(commit.Put)),
	}
	for path, key := range head.Files {
		m.Files[path] = key
	}
	changed := make(map[string]struct{})
	for _, path := range commit.Delete {
		if _, ok := m.Files[path]; ok {
			delete(m.Files, path)
			changed[path] = struct{}{}
		}
	}
	for path, data := range commit.Put {
		key := objectsPrefix + id + "/" + path
		if _, err := r.store.Put(ctx, key, bytes.NewReader(data), core.PutOptions{ContentType: "application/json"}); err != nil {
			return repository.EntityVersion{}, fmt.Errorf("store %s: %w", path, err)
		}
		m.Files[path] = key
		changed[path] = struct{}{}
	}
	for path := range changed {
		m.Changed = append(m.Changed, path)
	}
	sort.Strings(m.Changed)

	raw, err := json.Marshal(m)
	if err != nil {
		return repository.EntityVersion{}, err
	}
	if _, err := r.store.Put(ctx, versionsPrefix+id+".json", bytes.NewReader(raw), core.PutOptions{ContentType: "application/json"}); err != nil {
		return repository.EntityVersion{}, fmt.Errorf("store manifest: %w", err)
	}
	marker := branchPrefix(branch) + fmt.Sprintf("%0*d", seqWidth, seq+1)
	if _, err := r.store.Put(ctx, marker, strings.NewReader(id), core.PutOptions{Metadata: map[string]string{"version": id}}); err != nil {
		if errors.Is(err, core.ErrExists) {
			return repository.EntityVersion{}, fmt.Errorf("%w: %s advanced during write", repository.ErrConcurrentModification, branch)
		}
		return repository.EntityVersion{}, fmt.Errorf("advance %s: %w", branch, err)
	}
	return m.version(), nil
}

// Close is a no-op; the blob store is owned by the caller.
func (r *Repository) Close() error { return nil }

func branchPrefix(branch string) string {
	return branchesPrefix + url.PathEscape(branch) + "/"
}

// head returns the newest manifest of branch and its sequence number.
func (r *Repository) head(ctx context.Context, branch string) (manifest, uint64, error) {
	if err := repository.ValidateBranch(branch); err != nil {
		return manifest{}, 0, err
	}
	prefix := branchPrefix(branch)
	infos, err := r.store.List(ctx, prefix)
	if err != nil {
		return manifest{}, 0, err
	}
	var (
		bestSeq uint64
		bestKey string
	)
	for _, info := range infos {
		seq, err := strconv.ParseUint(strings.TrimPrefix(info.Key, prefix), 10, 64)
		if err != nil {
			continue
		}
		if bestKey == "" || seq > bestSeq {
			bestSeq, bestKey = seq, info.Key
		}
	}
	if bestKey == "" {
		return manifest{}, 0, fmt.Errorf("%s: %w", branch, repository.ErrBranchNotFound)
	}
	id, err := core.ReadAll(ctx, r.store, bestKey)
	if err != nil {
		return manifest{}, 0, err
	}
	m, err := r.manifest(ctx, string(id))
	if err != nil {
		return manifest{}, 0, err
	}
	return m, bestSeq, nil
}

func (r *Repository) manifest(ctx context.Context, id string) (manifest, error) {
	raw, err := core.ReadAll(ctx, r.store, versionsPrefix+id+".json")
	if errors.Is(err, core.ErrNotFound) {
		return manifest{}, fmt.Errorf("%s: %w", id, repository.ErrVersionNotFound)
	}
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return manifest{}, fmt.Errorf("decode manifest %s: %w", id, err)
	}
	return m, nil
}

// walk visits the branch history newest first until fn returns false.
func (r *Repository) walk(ctx context.Context, branch string, fn func(manifest) (bool, error)) error {
	m, _, err := r.head(ctx, branch)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := fn(m)
		if err != nil || !more || m.Parent == "" {
			return err
		}
		if m, err = r.manifest(ctx, m.Parent); err != nil {
			return err
		}
	}
}

func (r *Repository) resolve(ctx context.Context, branch, versionID string) (manifest, error) {
	var found *manifest
	err := r.walk(ctx, branch, func(m manifest) (bool, error) {
		if m.ID == versionID {
			found = &m
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return manifest{}, err
	}
	if found == nil {
		return manifest{}, fmt.Errorf("%s on %s: %w", versionID, branch, repository.ErrVersionNotFound)
	}
	return *found, nil
}
