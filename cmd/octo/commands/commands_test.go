package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quadnix/octo-sub002/pkg/engine"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/serialize"
	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// localState writes a config file selecting a local backend and returns its path and
// the provider behind it.
func localState(t *testing.T, extra string) (string, *stores.LocalStateProvider) {
	t.Helper()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	cfgPath := filepath.Join(dir, "octo.yaml")
	content := fmt.Sprintf("state:\n  backend: local\n  path: %s\n%s", stateDir, extra)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	provider, err := stores.NewLocalStateProvider(stateDir)
	require.NoError(t, err)
	return cfgPath, provider
}

func saveResources(t *testing.T, provider stores.StateProvider, name string, state serialize.ResourceState) {
	t.Helper()
	data, err := serialize.Encode(serialize.Document[serialize.ResourceState]{Version: 1, Data: state})
	require.NoError(t, err)
	require.NoError(t, provider.SaveState(context.Background(), name, data))
}

func bucketState(ids ...string) serialize.ResourceState {
	state := serialize.ResourceState{Resources: map[string]serialize.ResourceEntry{}}
	for _, id := range ids {
		state.Resources[id] = serialize.ResourceEntry{
			ClassName: "bucket",
			Resource:  map[string]any{"properties": map[string]any{"name": id}},
		}
	}
	return state
}

func TestValidateCommand(t *testing.T) {
	cfgPath, _ := localState(t, "engine:\n  maxParallel: 2\n")

	out, err := runCommand(t, "validate", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid (backend local)")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("engine:\n  maxParallel: 0\n"), 0o600))
	_, err = runCommand(t, "validate", "--config", bad)
	assert.True(t, errs.IsValidation(err))
}

func TestStateShowAndList(t *testing.T) {
	cfgPath, provider := localState(t, "")
	saveResources(t, provider, engine.ActualResourcesDocument, bucketState("b1", "b2"))

	out, err := runCommand(t, "state", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, engine.ActualResourcesDocument+"\n", out)

	out, err = runCommand(t, "state", "show", engine.ActualResourcesDocument, "--config", cfgPath, "--json")
	require.NoError(t, err)
	var summary documentSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1, summary.Version)
	assert.Equal(t, 2, summary.Resources)
	assert.Equal(t, []string{"bucket=b1", "bucket=b2"}, summary.Contexts)

	out, err = runCommand(t, "state", "show", engine.ModelsDocument, "--config", cfgPath)
	require.NoError(t, err, "a missing document reads as empty")
	assert.Contains(t, out, "models")

	_, err = runCommand(t, "state", "show", "nope", "--config", cfgPath)
	assert.Error(t, err)
}

func TestStateDirty(t *testing.T) {
	cfgPath, provider := localState(t, "")
	old := bucketState("b1", "b2", "b3")
	actual := bucketState("b1", "b2")
	actual.Resources["b2"].Resource["properties"] = map[string]any{"name": "changed"}
	saveResources(t, provider, engine.OldResourcesDocument, old)
	saveResources(t, provider, engine.ActualResourcesDocument, actual)

	out, err := runCommand(t, "state", "dirty", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "b2\nb3\n", out)

	saveResources(t, provider, engine.ActualResourcesDocument, old)
	out, err = runCommand(t, "state", "dirty", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "no dirty resources\n", out)
}

func TestStateDot(t *testing.T) {
	cfgPath, provider := localState(t, "")
	state := bucketState("b1", "b2")
	state.Dependencies = []graph.Dependency{
		{From: "bucket=b1", To: "bucket=b2", Relationship: graph.RelationshipChild, OnField: "resourceId", ToField: "resourceId"},
		{From: "bucket=b2", To: "bucket=b1", Relationship: graph.RelationshipParent, OnField: "resourceId", ToField: "resourceId"},
	}
	saveResources(t, provider, engine.OldResourcesDocument, state)

	out, err := runCommand(t, "state", "dot", engine.OldResourcesDocument, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "digraph Dependencies {")
	assert.Contains(t, out, `"bucket=b1" -> "bucket=b2"`)
	assert.NotContains(t, out, `"bucket=b2" -> "bucket=b1"`)
}

func TestPolicyCheck(t *testing.T) {
	policyDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "buckets.rego"), []byte(`package octo.policies.buckets

import rego.v1

deny contains "b3 is reserved" if input.diff.value == "b3"
`), 0o600))

	cfgPath, provider := localState(t, fmt.Sprintf("policy:\n  paths: [%s]\n", policyDir))
	saveResources(t, provider, engine.OldResourcesDocument, bucketState("b1", "b2"))

	out, err := runCommand(t, "policy", "check", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 resources checked")

	saveResources(t, provider, engine.OldResourcesDocument, bucketState("b1", "b3"))
	out, err = runCommand(t, "policy", "check", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodePolicyDenied, errs.CodeOf(err))
	assert.Contains(t, out, "DENY")
	assert.Contains(t, out, "b3 is reserved")

	_, err = runCommand(t, "policy", "check", "--document", engine.ModelsDocument, "--config", cfgPath)
	assert.Error(t, err)
}

func TestPolicyList(t *testing.T) {
	cfgPath, _ := localState(t, "policy:\n  guards:\n    - name: keep-buckets\n      expr: diff.action != \"delete\"\n")

	out, err := runCommand(t, "policy", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "shared-resource-delete")
	assert.Contains(t, out, "keep-buckets")
}

func TestRuns(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	cfgPath := filepath.Join(dir, "octo.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("state:\n  backend: sqlite\n  path: "+dbPath+"\n"), 0o600))

	ctx := context.Background()
	opened, err := stores.Open(ctx, stores.Config{Backend: stores.BackendSQLite, Path: dbPath})
	require.NoError(t, err)
	recorder, ok := opened.Recorder()
	require.True(t, ok)
	now := time.Now().UTC()
	require.NoError(t, recorder.SaveRun(ctx, &stores.Run{
		ID: "run-1", Stage: "commit", Status: stores.RunStatusCommitted,
		ModelDiffs: 2, ResourceOps: 3, StartedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, recorder.AppendRunEvent(ctx, &stores.RunEvent{
		ID: "ev-1", RunID: "run-1", Type: "transaction.committed", Level: "info", Message: "done", Timestamp: now,
	}))
	require.NoError(t, opened.Close())

	out, err := runCommand(t, "runs", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "committed")

	out, err = runCommand(t, "runs", "show", "run-1", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "transaction.committed")

	localCfg, _ := localState(t, "")
	_, err = runCommand(t, "runs", "list", "--config", localCfg)
	assert.ErrorContains(t, err, "does not record runs")
}
