package hosts

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalHost(t *testing.T) (*LocalSourceHost, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "app.ts"), []byte("export {};\n"), 0o644))

	host, err := NewLocalSourceHost(dir, "main")
	require.NoError(t, err)
	return host, dir
}

func TestLocalSourceHostBranches(t *testing.T) {
	host, _ := newLocalHost(t)
	ctx := context.Background()

	ok, err := host.BranchExists(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok, "base branch always exists")

	ok, err = host.BranchExists(ctx, "geenius/feature-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, host.CreateBranch(ctx, "geenius/feature-1", "main"))
	err = host.CreateBranch(ctx, "geenius/feature-1", "main")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	err = host.CreateBranch(ctx, "other", "missing-base")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch not found")
}

func TestLocalSourceHostCommitAndRead(t *testing.T) {
	host, _ := newLocalHost(t)
	ctx := context.Background()

	require.NoError(t, host.CreateBranch(ctx, "work", "main"))

	// Uncommitted files fall through to the workspace.
	content, ok, err := host.GetFile(ctx, "work", "src/app.ts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "export {};\n", content)

	id, err := host.CommitFiles(ctx, "work", map[string]string{
		"src/app.ts": "export const x = 1;\n",
	}, "update app")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	content, ok, err = host.GetFile(ctx, "work", "src/app.ts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "export const x = 1;\n", content)

	// The base branch is untouched by branch commits.
	content, ok, err = host.GetFile(ctx, "main", "src/app.ts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "export {};\n", content)

	_, ok, err = host.GetFile(ctx, "main", "src/missing.ts")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = host.CommitFiles(ctx, "missing", map[string]string{"a": "b"}, "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch not found")
}

func TestLocalSourceHostPullRequests(t *testing.T) {
	host, dir := newLocalHost(t)
	ctx := context.Background()

	require.NoError(t, host.CreateBranch(ctx, "work", "main"))
	_, err := host.CommitFiles(ctx, "work", map[string]string{
		"src/app.ts": "export const merged = true;\n",
	}, "change")
	require.NoError(t, err)

	id, err := host.CreatePullRequest(ctx, "Change", "body", "work", "main")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = host.CreatePullRequest(ctx, "Change again", "body", "work", "main")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, host.MergePullRequest(ctx, id))
	data, err := os.ReadFile(filepath.Join(dir, "src", "app.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export const merged = true;\n", string(data))

	err = host.MergePullRequest(ctx, "missing")
	require.Error(t, err)
}

func TestNewLocalSourceHostRejectsMissingDir(t *testing.T) {
	_, err := NewLocalSourceHost(filepath.Join(t.TempDir(), "nope"), "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository not found")
}

func TestCommandTransformer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	// The script echoes a fixed successful transformation.
	transformer := &CommandTransformer{
		Command: []string{"sh", "-c", `cat >/dev/null; printf '{"success":true,"new_content":"done","explanation":"ok"}'`},
	}
	result, err := transformer.Transform(context.Background(), "a.ts", "x", []string{"change"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "done", result.NewContent)

	transformer = &CommandTransformer{Command: []string{"sh", "-c", "echo boom >&2; exit 3"}}
	_, err = transformer.Transform(context.Background(), "a.ts", "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	transformer = &CommandTransformer{Command: []string{"sh", "-c", "echo not-json"}}
	_, err = transformer.Transform(context.Background(), "a.ts", "x", nil)
	require.Error(t, err)

	transformer = &CommandTransformer{}
	_, err = transformer.Transform(context.Background(), "a.ts", "x", nil)
	require.Error(t, err)
}

func TestStaticDeployHost(t *testing.T) {
	host := &StaticDeployHost{URLTemplate: "https://%s.preview.localhost"}
	d, err := host.Deployment(context.Background(), "geenius/app-123")
	require.NoError(t, err)
	assert.Equal(t, DeployReady, d.State)
	assert.Equal(t, "https://geenius-app-123.preview.localhost", d.URL)
}

func TestFakeSourceHostOutage(t *testing.T) {
	host := NewFakeSourceHost("main", nil)
	host.Err = errors.New("connection refused")

	_, err := host.BranchExists(context.Background(), "main")
	require.Error(t, err)
}
