package blobrepo

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityvc/internal/blob/core"
	"entityvc/internal/infra/blob/fs"
	"entityvc/internal/infra/blob/memory"
	"entityvc/internal/infra/blob/s3"
	"entityvc/internal/vc/repository"
	"entityvc/internal/vc/repository/repotest"
)

func TestContract_Memory(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Repository {
		return New(memory.New(), WithDefaultBranch("main"))
	})
}

func TestContract_Filesystem(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Repository {
		store, err := fs.New(t.TempDir())
		require.NoError(t, err)
		return New(store)
	})
}

func TestContract_S3(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Repository {
		return New(s3.NewMockForTests())
	})
}

func TestUnchangedDocumentsShareObjects(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	repo := New(store)
	v1, err := repo.WriteVersion(ctx, "main", repository.Commit{Name: "a", Put: map[string][]byte{"device/d.json": []byte("1"), "asset/a.json": []byte("1")}})
	require.NoError(t, err)
	_, err = repo.WriteVersion(ctx, "main", repository.Commit{Name: "b", ExpectedHead: v1.ID, Put: map[string][]byte{"device/d.json": []byte("2")}})
	require.NoError(t, err)

	objects, err := store.List(ctx, objectsPrefix)
	require.NoError(t, err)
	assert.Len(t, objects, 3)
	markers, err := store.List(ctx, branchPrefix("main"))
	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, "branches/main/00000000000000000002", markers[1].Key)
}

// racingStore claims the next head marker on behalf of another process right
// before the manifest of the local write is stored.
type racingStore struct {
	core.Store
	marker  string
	claimed bool
}

func (s *racingStore) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if !s.claimed && strings.HasPrefix(key, versionsPrefix) && s.marker != "" {
		s.claimed = true
		if _, err := s.Store.Put(ctx, s.marker, strings.NewReader("elsewhere"), core.PutOptions{}); err != nil {
			return core.Info{}, err
		}
	}
	return s.Store.Put(ctx, key, r, opts)
}

func TestWriteLosesMarkerRace(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: memory.New()}
	repo := New(store)
	v1, err := repo.WriteVersion(ctx, "main", repository.Commit{Name: "a", Put: map[string][]byte{"device/d.json": []byte("1")}})
	require.NoError(t, err)

	store.marker = branchPrefix("main") + "00000000000000000002"
	_, err = repo.WriteVersion(ctx, "main", repository.Commit{Name: "b", ExpectedHead: v1.ID, Put: map[string][]byte{"device/d.json": []byte("2")}})
	assert.ErrorIs(t, err, repository.ErrConcurrentModification)
	assert.True(t, store.claimed)
}

func TestBranchNamesAreEscaped(t *testing.T) {
	assert.Equal(t, "branches/feature%2Fx/", branchPrefix("feature/x"))
}
