package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrane-io/terrane/internal/ir"
	"github.com/terrane-io/terrane/internal/state"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		input    any
		expected string
	}{
		{nil, "null"},
		{"text", `"text"`},
		{42, "42"},
		{true, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatValue(tt.input))
		})
	}
}

func TestOpenStore_DefaultsToLocal(t *testing.T) {
	dir := t.TempDir()

	store, err := openStore(dir)
	require.NoError(t, err)
	assert.IsType(t, &state.DirStore{}, store)
}

func TestOpenStore_ReadsBackendFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, workDirName), 0755))

	backend := `{"type": "local", "config": {}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, workDirName, backendFileName), []byte(backend), 0644))

	store, err := openStore(dir)
	require.NoError(t, err)
	assert.IsType(t, &state.DirStore{}, store)
}

func TestOpenStore_RejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, workDirName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, workDirName, backendFileName), []byte(`{"type": "ftp"}`), 0644))

	_, err := openStore(dir)
	assert.Error(t, err)
}

func TestReadPlanFile(t *testing.T) {
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{Timestamp: "2026-01-01T00:00:00Z", StateDigest: "abc"},
		Changes: []*ir.ResourceChange{
			{Address: "null_resource.a", Action: "CREATE", Desired: &ir.Resource{Type: "null_resource", Name: "a", Provider: "null"}},
		},
		Summary: &ir.PlanSummary{Create: 1},
	}

	path := filepath.Join(t.TempDir(), "plan.json")
	data, err := json.Marshal(plan)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	loaded, err := readPlanFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", loaded.Metadata.StateDigest)
	require.Len(t, loaded.Changes, 1)
	assert.Equal(t, "null_resource.a", loaded.Changes[0].Address)
}

func TestReadPlanFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	_, err := readPlanFile(path)
	assert.Error(t, err)
}

func TestLoadPlanProviders(t *testing.T) {
	ws, err := newWorkspace(nil)
	require.NoError(t, err)

	plan := &ir.Plan{Changes: []*ir.ResourceChange{
		{Address: "null_resource.a", Action: "CREATE", Desired: &ir.Resource{Type: "null_resource", Name: "a", Provider: "null"}},
		{Address: "null_resource.b", Action: "DELETE", Prior: &ir.Resource{Type: "null_resource", Name: "b", Provider: "null"}},
	}}

	require.NoError(t, loadPlanProviders(ws, plan))
	_, err = ws.registry.Get("null")
	assert.NoError(t, err)
}
