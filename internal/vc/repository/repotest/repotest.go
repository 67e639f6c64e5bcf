// Package repotest holds the behaviour every repository backend must show.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityvc/internal/vc/repository"
)

// Factory returns a fresh, empty repository whose default branch is "main".
type Factory func(t *testing.T) repository.Repository

// Run executes the contract suite against backends produced by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("EmptyRepository", func(t *testing.T) { testEmpty(t, newRepo(t)) })
	t.Run("WriteAndRead", func(t *testing.T) { testWriteAndRead(t, newRepo(t)) })
	t.Run("HistoryAndPathFilter", func(t *testing.T) { testHistory(t, newRepo(t)) })
	t.Run("StaleHead", func(t *testing.T) { testStaleHead(t, newRepo(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, newRepo(t)) })
	t.Run("Branches", func(t *testing.T) { testBranches(t, newRepo(t)) })
	t.Run("LookupErrors", func(t *testing.T) { testLookupErrors(t, newRepo(t)) })
}

func testEmpty(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	branches, err := repo.ListBranches(ctx)
	require.NoError(t, err)
	assert.Empty(t, branches)

	_, ok, err := repo.Head(ctx, "main")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.ListVersions(ctx, "main", "")
	assert.ErrorIs(t, err, repository.ErrBranchNotFound)
	_, err = repo.ReadVersion(ctx, "main", "anything")
	assert.ErrorIs(t, err, repository.ErrBranchNotFound)
}

func testWriteAndRead(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	v1, err := repo.WriteVersion(ctx, "main", repository.Commit{
		Name:   "first",
		Author: "alice",
		Put: map[string][]byte{
			"device/d-1.json": []byte("{\"a\":1}\n"),
			"asset/a-1.json":  []byte("{\"b\":2}\n"),
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, v1.ID)
	assert.Equal(t, "first", v1.Name)
	assert.Equal(t, "alice", v1.Author)
	assert.NotZero(t, v1.Timestamp)

	head, ok, err := repo.Head(ctx, "main")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v1, head)

	cs, err := repo.ReadVersion(ctx, "main", v1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"asset/a-1.json", "device/d-1.json"}, cs.Paths())
	assert.Equal(t, "{\"a\":1}\n", string(cs["device/d-1.json"]))

	data, err := repo.ReadFile(ctx, "main", v1.ID, "asset/a-1.json")
	require.NoError(t, err)
	assert.Equal(t, "{\"b\":2}\n", string(data))

	v2, err := repo.WriteVersion(ctx, "main", repository.Commit{
		Name:         "second",
		Author:       "bob",
		ExpectedHead: v1.ID,
		Put:          map[string][]byte{"device/d-1.json": []byte("{\"a\":9}\n"), "device/d-2.json": []byte("{}\n")},
		Delete:       []string{"asset/a-1.json"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, v1.ID, v2.ID)

	cs2, err := repo.ReadVersion(ctx, "main", v2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"device/d-1.json", "device/d-2.json"}, cs2.Paths())
	assert.Equal(t, "{\"a\":9}\n", string(cs2["device/d-1.json"]))

	// Earlier versions are immutable.
	again, err := repo.ReadVersion(ctx, "main", v1.ID)
	require.NoError(t, err)
	assert.Equal(t, cs, again)

	_, err = repo.ReadFile(ctx, "main", v2.ID, "asset/a-1.json")
	assert.ErrorIs(t, err, repository.ErrFileNotFound)
}

func testHistory(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	v1 := mustWrite(t, repo, "main", "", map[string][]byte{"device/d-1.json": []byte("1"), "asset/a-1.json": []byte("1")}, nil)
	v2 := mustWrite(t, repo, "main", v1.ID, map[string][]byte{"device/d-1.json": []byte("2")}, nil)
	v3 := mustWrite(t, repo, "main", v2.ID, nil, []string{"asset/a-1.json"})

	all, err := repo.ListVersions(ctx, "main", "")
	require.NoError(t, err)
	assert.Equal(t, []string{v3.ID, v2.ID, v1.ID}, ids(all))

	device, err := repo.ListVersions(ctx, "main", "device/d-1.json")
	require.NoError(t, err)
	assert.Equal(t, []string{v2.ID, v1.ID}, ids(device))

	assets, err := repo.ListVersions(ctx, "main", "asset/")
	require.NoError(t, err)
	assert.Equal(t, []string{v3.ID, v1.ID}, ids(assets))

	none, err := repo.ListVersions(ctx, "main", "customer/")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testStaleHead(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	v1 := mustWrite(t, repo, "main", "", map[string][]byte{"device/d-1.json": []byte("1")}, nil)
	v2 := mustWrite(t, repo, "main", v1.ID, map[string][]byte{"device/d-1.json": []byte("2")}, nil)

	_, err := repo.WriteVersion(ctx, "main", repository.Commit{Name: "stale", ExpectedHead: v1.ID, Put: map[string][]byte{"device/d-1.json": []byte("3")}})
	assert.ErrorIs(t, err, repository.ErrConcurrentModification)
	_, err = repo.WriteVersion(ctx, "main", repository.Commit{Name: "blind", Put: map[string][]byte{"device/d-1.json": []byte("3")}})
	assert.ErrorIs(t, err, repository.ErrConcurrentModification)

	head, _, err := repo.Head(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, head.ID)
}

func testConcurrentWriters(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	base := mustWrite(t, repo, "main", "", map[string][]byte{"device/d-1.json": []byte("0")}, nil)

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.WriteVersion(ctx, "main", repository.Commit{
				Name:         fmt.Sprintf("writer-%d", i),
				ExpectedHead: base.ID,
				Put:          map[string][]byte{"device/d-1.json": []byte(fmt.Sprint(i + 1))},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, repository.ErrConcurrentModification):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflict)

	history, err := repo.ListVersions(ctx, "main", "")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func testBranches(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	mustWrite(t, repo, "main", "", map[string][]byte{"device/d-1.json": []byte("main")}, nil)
	dev := mustWrite(t, repo, "release/1.0", "", map[string][]byte{"device/d-1.json": []byte("release")}, nil)

	branches, err := repo.ListBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []repository.BranchInfo{{Name: "main", IsDefault: true}, {Name: "release/1.0"}}, branches)

	data, err := repo.ReadFile(ctx, "release/1.0", dev.ID, "device/d-1.json")
	require.NoError(t, err)
	assert.Equal(t, "release", string(data))

	_, err = repo.WriteVersion(ctx, "bad name", repository.Commit{Name: "x"})
	assert.ErrorIs(t, err, repository.ErrInvalidBranch)
	_, err = repo.WriteVersion(ctx, "main", repository.Commit{Name: "x", Put: map[string][]byte{"../escape": nil}})
	assert.ErrorIs(t, err, repository.ErrInvalidPath)
}

func testLookupErrors(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	v1 := mustWrite(t, repo, "main", "", map[string][]byte{"device/d-1.json": []byte("1")}, nil)
	other := mustWrite(t, repo, "other", "", map[string][]byte{"device/d-1.json": []byte("o")}, nil)

	_, err := repo.ReadVersion(ctx, "main", other.ID)
	assert.ErrorIs(t, err, repository.ErrVersionNotFound)
	_, err = repo.ReadVersion(ctx, "main", "0000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, repository.ErrVersionNotFound)
	_, err = repo.ReadFile(ctx, "main", v1.ID, "device/missing.json")
	assert.ErrorIs(t, err, repository.ErrFileNotFound)
	_, err = repo.ReadFile(ctx, "nope", v1.ID, "device/d-1.json")
	assert.ErrorIs(t, err, repository.ErrBranchNotFound)
}

func mustWrite(t *testing.T, repo repository.Repository, branch, expected string, put map[string][]byte, del []string) repository.EntityVersion {
	t.Helper()
	v, err := repo.WriteVersion(context.Background(), branch, repository.Commit{
		Name:         "commit",
		Author:       "tester",
		ExpectedHead: expected,
		Put:          put,
		Delete:       del,
	})
	require.NoError(t, err)
	return v
}

func ids(versions []repository.EntityVersion) []string {
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.ID
	}
	return out
}
