// Package gitrepo stores versions as git commits through go-git plumbing.
// Each version is a commit whose tree holds every document of the branch;
// branch refs are advanced with compare-and-swap.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"

	"entityvc/internal/vc/repository"
)

// Repository implements repository.Repository on a bare git repository.
type Repository struct {
	repo          *git.Repository
	defaultBranch string
	locks         *repository.BranchLocks
	now           func() time.Time
}

// Option customises a Repository.
type Option func(*Repository)

// WithDefaultBranch names the branch reported as default.
func WithDefaultBranch(name string) Option {
	return func(r *Repository) { r.defaultBranch = name }
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// Open returns a repository stored under path, creating it when needed. An
// empty path keeps the history in memory.
func Open(path string, opts ...Option) (*Repository, error) {
	var st storage.Storer
	if path == "" {
		st = memory.NewStorage()
	} else {
		st = filesystem.NewStorage(osfs.New(path), cache.NewObjectLRUDefault())
	}
	repo, err := git.Init(st, nil)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.Open(st, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open git repository %q: %w", path, err)
	}
	r := &Repository{repo: repo, defaultBranch: "main", locks: repository.NewBranchLocks(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

var _ repository.Repository = (*Repository)(nil)

func (r *Repository) ListBranches(ctx context.Context) ([]repository.BranchInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, err
	}
	var out []repository.BranchInfo
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		out = append(out, repository.BranchInfo{Name: name, IsDefault: name == r.defaultBranch})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Repository) Head(ctx context.Context, branch string) (repository.EntityVersion, bool, error) {
	if err := ctx.Err(); err != nil {
		return repository.EntityVersion{}, false, err
	}
	ref, err := r.branchRef(branch)
	if errors.Is(err, repository.ErrBranchNotFound) {
		return repository.EntityVersion{}, false, nil
	}
	if err != nil {
		return repository.EntityVersion{}, false, err
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return repository.EntityVersion{}, false, err
	}
	return versionOf(commit), true, nil
}

func (r *Repository) ListVersions(ctx context.Context, branch, path string) ([]repository.EntityVersion, error) {
	ref, err := r.branchRef(branch)
	if err != nil {
		return nil, err
	}
	iter, err := r.repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []repository.EntityVersion
	err = iter.ForEach(func(commit *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != "" {
			changed, err := changedPaths(commit)
			if err != nil {
				return err
			}
			if !repository.MatchesPath(changed, path) {
				return nil
			}
		}
		out = append(out, versionOf(commit))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) ReadVersion(ctx context.Context, branch, versionID string) (repository.Changeset, error) {
	commit, err := r.resolve(ctx, branch, versionID)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	out := make(repository.Changeset)
	err = tree.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return err
		}
		out[f.Name] = []byte(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) ReadFile(ctx context.Context, branch, versionID, path string) ([]byte, error) {
	commit, err := r.resolve(ctx, branch, versionID)
	if err != nil {
		return nil, err
	}
	f, err := commit.File(path)
	if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
		return nil, fmt.Errorf("%s@%s: %w", path, versionID, repository.ErrFileNotFound)
	}
	if err != nil {
		return nil, err
	}
	content, err := f.Contents()
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

// WriteVersion builds the new tree from the head tree plus the commit and
// advances the branch ref only if it still points at the head it started from.
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
	if err := ctx.Err(); err != nil {
		return repository.EntityVersion{}, err
	}

	oldRef, err := r.branchRef(branch)
	if err != nil && !errors.Is(err, repository.ErrBranchNotFound) {
		return repository.EntityVersion{}, err
	}
	observed := ""
	if oldRef != nil {
		observed = oldRef.Hash().String()
	}
	if err := repository.CheckHead(branch, observed, commit); err != nil {
		return repository.EntityVersion{}, err
	}

	entries := make(map[string]plumbing.Hash)
	var parents []plumbing.Hash
	if oldRef != nil {
		head, err := r.repo.CommitObject(oldRef.Hash())
		if err != nil {
			return repository.EntityVersion{}, err
		}
		if entries, err = flatten(head); err != nil {
			return repository.EntityVersion{}, err
		}
		parents = []plumbing.Hash{head.Hash}
	}
	for _, path := range commit.Delete {
		delete(entries, path)
	}
	for path, data := range commit.Put {
		hash, err := r.writeBlob(data)
		if err != nil {
			return repository.EntityVersion{}, err
		}
		entries[path] = hash
	}
	treeHash, err := r.writeTree(entries)
	if err != nil {
		return repository.EntityVersion{}, err
	}

	when := r.now().UTC().Truncate(time.Second)
	sig := object.Signature{Name: commit.Author, When: when}
	obj := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      commit.Name,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	hash, err := r.storeObject(obj)
	if err != nil {
		return repository.EntityVersion{}, fmt.Errorf("store commit: %w", err)
	}

	newRef := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)
	if oldRef != nil {
		err = r.repo.Storer.CheckAndSetReference(newRef, oldRef)
	} else {
		err = r.repo.Storer.SetReference(newRef)
	}
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return repository.EntityVersion{}, fmt.Errorf("%w: %s moved during write", repository.ErrConcurrentModification, branch)
	}
	if err != nil {
		return repository.EntityVersion{}, fmt.Errorf("update %s: %w", branch, err)
	}
	return repository.EntityVersion{ID: hash.String(), Name: commit.Name, Timestamp: when.UnixMilli(), Author: commit.Author}, nil
}

func (r *Repository) Close() error {
	if closer, ok := r.repo.Storer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (r *Repository) branchRef(branch string) (*plumbing.Reference, error) {
	if err := repository.ValidateBranch(branch); err != nil {
		return nil, err
	}
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("%s: %w", branch, repository.ErrBranchNotFound)
	}
	return ref, err
}

// resolve returns the commit for versionID after checking that it is part
// of the branch history.
func (r *Repository) resolve(ctx context.Context, branch, versionID string) (*object.Commit, error) {
	ref, err := r.branchRef(branch)
	if err != nil {
		return nil, err
	}
	if !plumbing.IsHash(versionID) {
		return nil, fmt.Errorf("%s: %w", versionID, repository.ErrVersionNotFound)
	}
	target := plumbing.NewHash(versionID)
	iter, err := r.repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var found *object.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Hash == target {
			found = c
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%s on %s: %w", versionID, branch, repository.ErrVersionNotFound)
	}
	return found, nil
}

func (r *Repository) writeBlob(data []byte) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

type encodable interface {
	Encode(plumbing.EncodedObject) error
}

func (r *Repository) storeObject(v encodable) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	if err := v.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

// writeTree stores the nested trees for a flat path to blob map and
// returns the root tree hash.
func (r *Repository) writeTree(entries map[string]plumbing.Hash) (plumbing.Hash, error) {
	files := make(map[string]plumbing.Hash)
	dirs := make(map[string]map[string]plumbing.Hash)
	for path, hash := range entries {
		dir, rest, nested := strings.Cut(path, "/")
		if !nested {
			files[path] = hash
			continue
		}
		if dirs[dir] == nil {
			dirs[dir] = make(map[string]plumbing.Hash)
		}
		dirs[dir][rest] = hash
	}
	tree := &object.Tree{}
	for name, hash := range files {
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash})
	}
	for name, sub := range dirs {
		hash, err := r.writeTree(sub)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}
	// git orders directories as if their name ended with "/".
	sortKey := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(tree.Entries, func(i, j int) bool { return sortKey(tree.Entries[i]) < sortKey(tree.Entries[j]) })
	return r.storeObject(tree)
}

func flatten(commit *object.Commit) (map[string]plumbing.Hash, error) {
	out := make(map[string]plumbing.Hash)
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	err = tree.Files().ForEach(func(f *object.File) error {
		out[f.Name] = f.Hash
		return nil
	})
	return out, err
}

// changedPaths lists the paths whose blob differs from the first parent.
func changedPaths(commit *object.Commit) ([]string, error) {
	current, err := flatten(commit)
	if err != nil {
		return nil, err
	}
	previous := map[string]plumbing.Hash{}
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, err
		}
		if previous, err = flatten(parent); err != nil {
			return nil, err
		}
	}
	var changed []string
	for path, hash := range current {
		if previous[path] != hash {
			changed = append(changed, path)
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func versionOf(commit *object.Commit) repository.EntityVersion {
	return repository.EntityVersion{
		ID:        commit.Hash.String(),
		Name:      commit.Message,
		Timestamp: commit.Author.When.UnixMilli(),
		Author:    commit.Author.Name,
	}
}
