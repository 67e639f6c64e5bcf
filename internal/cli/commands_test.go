package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityvc/internal/core"
	"entityvc/internal/infra/persistence/sqlite"
	"entityvc/internal/logger"
	"entityvc/internal/vc"
	"entityvc/pkg/domain"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type workspace struct {
	dir    string
	config string
	db     string
}

// newWorkspace writes a config using a sqlite live store and an on-disk git
// history, both in a temp dir.
func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{dir: dir, db: filepath.Join(dir, "live.db")}
	ws.config = ws.file(t, "entityvc.yaml", "storage:\n  driver: sqlite\n  sqlite_path: "+ws.db+
		"\nrepository:\n  driver: git\n  git:\n    path: "+filepath.Join(dir, "history")+"\n")
	return ws
}

func (ws *workspace) store(t *testing.T, fn func(tx domain.Transaction) error) {
	t.Helper()
	store, err := sqlite.NewStore(ws.db, core.NewDefaultRulesEngine())
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()
	_, err = store.RunInTransaction(context.Background(), fn)
	require.NoError(t, err)
}

func (ws *workspace) file(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(ws.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (ws *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", ws.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decode[T any](t *testing.T, output string) (T, Response) {
	t.Helper()
	var envelope struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &envelope), output)
	var data T
	if len(envelope.Data) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Data, &data))
	}
	return data, envelope.Response
}

func seedDevices(tx domain.Transaction) error {
	for _, id := range []string{"a", "b"} {
		device := &domain.Device{Base: domain.Base{ID: domain.NewEntityID(domain.EntityDevice, id), Name: "device " + id}}
		if _, err := tx.CreateEntity(device); err != nil {
			return err
		}
	}
	return nil
}

const commitAllDevices = `
type: COMPLEX
versionName: nightly
entityTypes:
  DEVICE: {allEntities: true, saveAttributes: true}
`

func TestCommitAndLoadRoundTrip(t *testing.T) {
	ws := newWorkspace(t)
	ws.store(t, seedDevices)

	out, err := ws.run(t, "commit", "--request", ws.file(t, "commit.yaml", commitAllDevices), "--format", "json")
	require.NoError(t, err)
	created, resp := decode[vc.VersionCreationResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, created.Version)
	assert.Equal(t, 2, created.Added)
	versionID := created.Version.ID

	out, err = ws.run(t, "versions", "--format", "json", "--entity-type", "device")
	require.NoError(t, err)
	versions, _ := decode[[]vc.EntityVersion](t, out)
	require.Len(t, versions, 1)
	assert.Equal(t, versionID, versions[0].ID)
	assert.Equal(t, "nightly", versions[0].Name)
	assert.Equal(t, "entityvc", versions[0].Author)

	out, err = ws.run(t, "branches")
	require.NoError(t, err)
	assert.Contains(t, out, "*  main")

	out, err = ws.run(t, "entities", "--version", versionID)
	require.NoError(t, err)
	assert.Contains(t, out, "device a")
	assert.Contains(t, out, "device b")

	ws.store(t, func(tx domain.Transaction) error {
		return tx.DeleteEntity(domain.NewEntityID(domain.EntityDevice, "b"))
	})
	out, err = ws.run(t, "load", "-r", ws.file(t, "load.json", `{"type":"ENTITY_TYPE","entityTypes":{"DEVICE":{"loadAttributes":true}}}`), "--format", "json")
	require.NoError(t, err)
	loaded, _ := decode[vc.VersionLoadResult](t, out)
	assert.Equal(t, vc.EntityTypeLoadResult{EntityType: domain.EntityDevice, Created: 1, Updated: 1}, loaded.Counts(domain.EntityDevice))

	out, err = ws.run(t, "diff", "--version", versionID, "--entity-type", "DEVICE", "--entity-id", "b")
	require.NoError(t, err)
	assert.Equal(t, "DEVICE:b is unchanged\n", out)

	out, err = ws.run(t, "diff", "--entity-type", "DEVICE", "--entity-id", "b")
	require.NoError(t, err, "diff without --version compares against the head")
	assert.Equal(t, "DEVICE:b is unchanged\n", out)

	out, err = ws.run(t, "compare", "--from", versionID, "--to", versionID)
	require.NoError(t, err)
	assert.Contains(t, out, "0 entities changed")
}

func TestCommitToBlobRepository(t *testing.T) {
	ws := newWorkspace(t)
	ws.config = ws.file(t, "entityvc.toml", `
[storage]
driver = "sqlite"
sqlite_path = "`+filepath.ToSlash(ws.db)+`"

[repository]
driver = "blob"
default_branch = "release"
author = "ci"

[blob]
driver = "fs"
fs_root = "`+filepath.ToSlash(filepath.Join(ws.dir, "blobs"))+`"
`)
	ws.store(t, seedDevices)

	out, err := ws.run(t, "commit", "-r", ws.file(t, "commit.yaml", commitAllDevices))
	require.NoError(t, err)
	assert.Contains(t, out, "2 added, 0 modified, 0 removed")

	out, err = ws.run(t, "versions", "--format", "json", "--branch", "release")
	require.NoError(t, err)
	versions, _ := decode[[]vc.EntityVersion](t, out)
	require.Len(t, versions, 1)
	assert.Equal(t, "ci", versions[0].Author)
}

func TestFailedJobExitsWithFailure(t *testing.T) {
	ws := newWorkspace(t)
	ws.store(t, seedDevices)
	_, err := ws.run(t, "commit", "-r", ws.file(t, "commit.yaml", commitAllDevices))
	require.NoError(t, err)

	req := ws.file(t, "load.yaml", "type: ENTITY_TYPE\nversionId: \"0000000000000000000000000000000000000000\"\nentityTypes:\n  DEVICE: {}\n")
	out, err := ws.run(t, "load", "-r", req, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	result, resp := decode[vc.VersionLoadResult](t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, vc.RuntimeError, result.Error.Type)
	assert.Contains(t, resp.Error, "version not found")
}

func TestCommandErrors(t *testing.T) {
	ws := newWorkspace(t)
	cases := map[string][]string{
		"bad format":       {"branches", "--format", "xml"},
		"missing request":  {"commit", "-r", filepath.Join(ws.dir, "absent.yaml")},
		"unknown type":     {"commit", "-r", ws.file(t, "bad.yaml", "type: BULK\n")},
		"invalid request":  {"load", "-r", ws.file(t, "empty.yaml", "type: ENTITY_TYPE\nentityTypes: {}\n")},
		"unsupported type": {"versions", "--entity-type", "TENANT"},
		"missing config":   {"--config", filepath.Join(ws.dir, "nope.yaml"), "branches"},
		"invalid config":   {"--config", ws.file(t, "broken.yaml", "storage:\n  driver: mysql\n"), "branches"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ws.run(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err), err.Error())
		})
	}
}
