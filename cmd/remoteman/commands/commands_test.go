package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/stores"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "now")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func writeSpec(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

type jsonResult struct {
	Errors  []string `json:"errors"`
	Results map[string]struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	} `json:"results"`
	Host   string `json:"host"`
	Commit bool   `json:"commit"`
}

func TestRootConvergesOnce(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "motd")
	specPath := writeSpec(t, dir, fmt.Sprintf(`
jobs:
  motd:
    component: file
    path: %s
    content: "welcome\n"
`, target))

	out, err := run(t, "-n", "-f", "json", "--override-host", "h1", specPath)
	require.NoError(t, err)

	var res jsonResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Empty(t, res.Errors)
	assert.Equal(t, "h1", res.Host)
	assert.False(t, res.Commit)
	assert.Equal(t, "would-change", res.Results["motd"].Status)
	assert.NoFileExists(t, target)

	out, err = run(t, "-f", "json", "--override-host", "h1", specPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "changed", res.Results["motd"].Status)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "welcome\n", string(data))

	out, err = run(t, "--override-host", "h1", specPath)
	require.NoError(t, err)
	assert.Contains(t, out, "host: h1")
	assert.Contains(t, out, "1 unchanged")
}

func TestRootJobFailuresAreNotFatal(t *testing.T) {
	dir := t.TempDir()
	specPath := writeSpec(t, dir, `
jobs:
  missing: does-not-exist.yaml
  odd:
    component: nope
`)

	out, err := run(t, "-f", "json", specPath)
	require.NoError(t, err)

	var res jsonResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "missing")
	assert.Equal(t, "error", res.Results["odd"].Status)
	assert.Contains(t, res.Results["odd"].Detail, "unknown component: nope")
}

func TestRootUsageErrors(t *testing.T) {
	_, err := run(t)
	require.Error(t, err)
	assert.True(t, engine.IsUsage(err))

	_, err = run(t, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	dir := t.TempDir()
	specPath := writeSpec(t, dir, "jobs:\n  a:\n    component: file\n")

	_, err = run(t, "-f", "xml", specPath)
	require.Error(t, err)
	assert.True(t, engine.IsUsage(err))

	_, err = run(t, "--handler-directory", filepath.Join(dir, "nowhere"), specPath)
	require.Error(t, err)
	assert.True(t, engine.IsUsage(err))

	cfgPath := filepath.Join(dir, "agent.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[agent]\nbogus = 1\n"), 0o644))
	_, err = run(t, "-c", cfgPath, specPath)
	require.Error(t, err)
	assert.True(t, engine.IsUsage(err))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeSpec(t, dir, fmt.Sprintf(`
server:
  url: http://config.invalid/jobs/%%(hostname)s
jobs:
  motd:
    component: file
    path: %s
    content: hi
  remote: http://config.invalid/jobs/extra.yaml
`, filepath.Join(dir, "motd")))

	out, err := run(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 jobs checked, 1 remote jobs skipped, server http://config.invalid/jobs/%(hostname)s)")

	badDir := t.TempDir()
	bad := writeSpec(t, badDir, `
jobs:
  kernel:
    component: file
    path: /proc/sys/kernel/hostname
    content: x
  ghost:
    component: nope
  broken: missing.yaml
`)

	out, err = run(t, "validate", bad)
	require.Error(t, err)
	assert.True(t, engine.IsUsage(err))
	assert.Contains(t, out, "job broken:")
	assert.Contains(t, out, "job ghost: unknown component: nope")
	assert.Contains(t, out, "job kernel: policy:")
}

func TestHandlersList(t *testing.T) {
	out, err := run(t, "handlers")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Regexp(t, `directory\s+builtin\s+go`, out)
	assert.Regexp(t, `file\s+builtin\s+go`, out)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.star"), []byte(`
def apply(params, commit):
    return {"status": "unchanged", "detail": "stub"}
`), 0o644))

	out, err = run(t, "handlers", "-f", "json", "--handler-directory", dir)
	require.NoError(t, err)

	var infos []struct {
		Name    string `json:"name"`
		Origin  string `json:"origin"`
		Kind    string `json:"kind"`
		Shadows bool   `json:"shadows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "directory", infos[0].Name)
	assert.Equal(t, "file", infos[1].Name)
	assert.Equal(t, "override", infos[1].Origin)
	assert.Equal(t, "starlark", infos[1].Kind)
	assert.True(t, infos[1].Shadows)
}

func TestHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	store, err := stores.Open(t.Context(), stores.Config{Path: dbPath})
	require.NoError(t, err)

	result := engine.NewResult("run-42", engine.HostIdentity{Hostname: "web-1", Platform: "linux"}, true)
	result.Results["motd"] = engine.ExecutionResult{Status: engine.StatusChanged, Actions: []string{"create"}}
	result.FinishedAt = result.StartedAt.Add(1500 * time.Millisecond)
	require.NoError(t, store.Consume(t.Context(), result))
	require.NoError(t, store.Close())

	out, err := run(t, "history", "--history-db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "run-42")
	assert.Contains(t, out, "web-1")
	assert.Contains(t, out, "1.5s")

	out, err = run(t, "history", "--history-db", dbPath, "--host", "other")
	require.NoError(t, err)
	assert.NotContains(t, out, "run-42")

	out, err = run(t, "history", "--history-db", dbPath, "run-42")
	require.NoError(t, err)
	assert.Regexp(t, `motd\s+changed`, out)
	assert.Contains(t, out, "create")

	out, err = run(t, "history", "-f", "json", "--history-db", dbPath, "run-42")
	require.NoError(t, err)
	assert.Contains(t, out, `"job": "motd"`)

	_, err = run(t, "history", "--history-db", dbPath, "run-404")
	require.ErrorIs(t, err, stores.ErrNotFound)
}
