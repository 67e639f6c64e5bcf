// Package repository defines the branch and version store the engine commits
// snapshots to. A version is an immutable full tree of documents keyed by
// path; history on a branch is append-only.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Errors shared by every backend.
var (
	ErrBranchNotFound         = errors.New("branch not found")
	ErrVersionNotFound        = errors.New("version not found")
	ErrFileNotFound           = errors.New("file not found in version")
	ErrConcurrentModification = errors.New("concurrent modification of branch")
	ErrInvalidBranch          = errors.New("invalid branch name")
	ErrInvalidPath            = errors.New("invalid document path")
)

// BranchInfo describes one branch.
type BranchInfo struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// EntityVersion identifies one commit on a branch. Timestamp is unix millis.
type EntityVersion struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
	Author    string `json:"author"`
}

// Commit is a set of changes applied on top of the branch head. ExpectedHead
// is the version id the changes were computed against, empty when the
// branch did not exist yet; a mismatch fails with ErrConcurrentModification.
type Commit struct {
	Name         string
	Author       string
	ExpectedHead string
	Put          map[string][]byte
	Delete       []string
}

// Changeset is the full content of a version: path to document bytes.
type Changeset map[string][]byte

// Paths returns the paths in lexical order.
func (c Changeset) Paths() []string {
	paths := make([]string, 0, len(c))
	for p := range c {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Under returns the sorted paths below dir (which ends with "/").
func (c Changeset) Under(dir string) []string {
	var paths []string
	for p := range c {
		if strings.HasPrefix(p, dir) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Repository is the Branch & Version store contract.
type Repository interface {
	ListBranches(ctx context.Context) ([]BranchInfo, error)
	// ListVersions returns the branch history newest first. A non-empty path
	// keeps only versions that changed that file, or any file below it when
	// path ends with "/".
	ListVersions(ctx context.Context, branch, path string) ([]EntityVersion, error)
	WriteVersion(ctx context.Context, branch string, commit Commit) (EntityVersion, error)
	ReadVersion(ctx context.Context, branch, versionID string) (Changeset, error)
	ReadFile(ctx context.Context, branch, versionID, path string) ([]byte, error)
	// Head returns the newest version of branch; false when the branch does not exist.
	Head(ctx context.Context, branch string) (EntityVersion, bool, error)
	Close() error
}

// ValidateBranch rejects names that cannot serve as a ref or a key segment.
func ValidateBranch(name string) error {
	switch {
	case strings.TrimSpace(name) == "",
		strings.HasPrefix(name, "/"), strings.HasSuffix(name, "/"),
		strings.HasPrefix(name, "-"),
		strings.Contains(name, ".."), strings.Contains(name, "//"),
		strings.ContainsAny(name, " ~^:?*[\\\x7f"),
		strings.HasSuffix(name, ".lock"):
		return fmt.Errorf("%w: %q", ErrInvalidBranch, name)
	}
	for _, r := range name {
		if r < 0x20 {
			return fmt.Errorf("%w: %q", ErrInvalidBranch, name)
		}
	}
	return nil
}

// ValidatePath accepts relative slash separated paths without empty, "." or
// ".." segments.
func ValidatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// ValidateCommit checks every path a commit touches.
func ValidateCommit(commit Commit) error {
	for path := range commit.Put {
		if err := ValidatePath(path); err != nil {
			return err
		}
	}
	for _, path := range commit.Delete {
		if err := ValidatePath(path); err != nil {
			return err
		}
	}
	return nil
}

// MatchesPath reports whether any changed path satisfies the ListVersions filter.
func MatchesPath(changed []string, filter string) bool {
	if filter == "" {
		return true
	}
	for _, p := range changed {
		if p == filter || (strings.HasSuffix(filter, "/") && strings.HasPrefix(p, filter)) {
			return true
		}
	}
	return false
}

// CheckHead compares the observed head with the one the commit expects.
func CheckHead(branch, observed string, commit Commit) error {
	if observed != commit.ExpectedHead {
		return fmt.Errorf("%w: %s head is %q, commit expects %q", ErrConcurrentModification, branch, observed, commit.ExpectedHead)
	}
	return nil
}

// BranchLocks serialises writers per branch without blocking: a second
// writer on a branch that is being written fails immediately.
type BranchLocks struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewBranchLocks returns an empty lock set.
func NewBranchLocks() *BranchLocks {
	return &BranchLocks{active: make(map[string]struct{})}
}

// TryLock acquires branch or returns ErrConcurrentModification. The returned
// func releases it.
func (l *BranchLocks) TryLock(branch string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[branch]; busy {
		return nil, fmt.Errorf("%w: %s is being written", ErrConcurrentModification, branch)
	}
	l.active[branch] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.active, branch)
		l.mu.Unlock()
	}, nil
}
