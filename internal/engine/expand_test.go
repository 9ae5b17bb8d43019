package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrane-io/terrane/internal/ir"
)

func TestExpandForEach_NoIteration(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null_resource", Name: "a", Provider: "null", Properties: map[string]any{"key": "val"}},
	}

	expanded, err := ExpandForEach(resources, "")
	require.NoError(t, err)
	assert.Len(t, expanded, 1)
	assert.Equal(t, "a", expanded[0].Name)
}

func TestExpandForEach_Count(t *testing.T) {
	resources := []*ir.Resource{
		{
			Type:     "null_resource",
			Name:     "server",
			Provider: "null",
			Count:    3,
			Properties: map[string]any{
				"index": "${count.index}",
			},
		},
	}

	expanded, err := ExpandForEach(resources, "")
	require.NoError(t, err)
	require.Len(t, expanded, 3)

	assert.Equal(t, "server[0]", expanded[0].Name)
	assert.Equal(t, "0", expanded[0].Properties["index"])
	assert.Equal(t, "server[2]", expanded[2].Name)
	assert.Equal(t, "2", expanded[2].Properties["index"])
}

func TestExpandForEach_InlineMap(t *testing.T) {
	resources := []*ir.Resource{
		{
			Type:     "aws:S3.Bucket",
			Name:     "bucket",
			Provider: "aws",
			ForEach: map[string]any{
				"logs": "logs-bucket",
				"data": "data-bucket",
			},
			Properties: map[string]any{
				"bucket": "${each.value}",
				"tag":    "${each.key}",
			},
		},
	}

	expanded, err := ExpandForEach(resources, "")
	require.NoError(t, err)
	require.Len(t, expanded, 2)

	// Keys are iterated in sorted order for determinism.
	assert.Equal(t, `bucket["data"]`, expanded[0].Name)
	assert.Equal(t, "data-bucket", expanded[0].Properties["bucket"])
	assert.Equal(t, `bucket["logs"]`, expanded[1].Name)
	assert.Equal(t, "logs", expanded[1].Properties["tag"])
}

func TestExpandForEach_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redirects.json")
	content := `{"old-path": "/new-path", "another": "https://example.com/x", "root": ""}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	resources := []*ir.Resource{
		{
			Type:        "aws:S3.RedirectObject",
			Name:        "redirect",
			Provider:    "aws",
			ForEachFile: "redirects.json",
			Properties: map[string]any{
				"key":    "${each.key}",
				"target": "${each.value}",
			},
		},
	}

	expanded, err := ExpandForEach(resources, dir)
	require.NoError(t, err)
	require.Len(t, expanded, 3)

	byName := make(map[string]*ir.Resource)
	for _, r := range expanded {
		byName[r.Name] = r
	}

	old := byName[`redirect["old-path"]`]
	require.NotNil(t, old)
	assert.Equal(t, "old-path", old.Properties["key"])
	assert.Equal(t, "/new-path", old.Properties["target"])

	// Empty values default to the domain-root policy.
	root := byName[`redirect["root"]`]
	require.NotNil(t, root)
	assert.Equal(t, "/", root.Properties["target"])
}

func TestExpandForEach_EmptyTargetLiteral(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redirects.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"root": ""}`), 0644))

	resources := []*ir.Resource{
		{
			Type:        "aws:S3.RedirectObject",
			Name:        "redirect",
			Provider:    "aws",
			ForEachFile: "redirects.json",
			EmptyTarget: EmptyTargetLiteral,
			Properties: map[string]any{
				"target": "${each.value}",
			},
		},
	}

	expanded, err := ExpandForEach(resources, dir)
	require.NoError(t, err)
	require.Len(t, expanded, 1)
	assert.Equal(t, "", expanded[0].Properties["target"])
}

func TestExpandForEach_UnknownEmptyTargetPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redirects.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"root": ""}`), 0644))

	resources := []*ir.Resource{
		{
			Type:        "aws:S3.RedirectObject",
			Name:        "redirect",
			Provider:    "aws",
			ForEachFile: "redirects.json",
			EmptyTarget: "whatever",
			Properties:  map[string]any{},
		},
	}

	_, err := ExpandForEach(resources, dir)
	var mapErr *ir.InvalidMappingError
	require.ErrorAs(t, err, &mapErr)
}

func TestExpandForEach_MissingFile(t *testing.T) {
	resources := []*ir.Resource{
		{
			Type:        "aws:S3.RedirectObject",
			Name:        "redirect",
			Provider:    "aws",
			ForEachFile: "nope.json",
			Properties:  map[string]any{},
		},
	}

	_, err := ExpandForEach(resources, t.TempDir())
	assert.Error(t, err)
}

func TestExpandForEach_PreservesLifecycle(t *testing.T) {
	resources := []*ir.Resource{
		{
			Type:     "null_resource",
			Name:     "server",
			Provider: "null",
			Count:    2,
			Lifecycle: &ir.Lifecycle{
				PreventDestroy: true,
				IgnoreChanges:  []string{"tags"},
			},
			Properties: map[string]any{},
		},
	}

	expanded, err := ExpandForEach(resources, "")
	require.NoError(t, err)
	require.Len(t, expanded, 2)

	for _, r := range expanded {
		require.NotNil(t, r.Lifecycle)
		assert.True(t, r.Lifecycle.PreventDestroy)
		assert.Equal(t, []string{"tags"}, r.Lifecycle.IgnoreChanges)
	}
}

func TestExpandForEach_ClonesProperties(t *testing.T) {
	shared := map[string]any{"nested": map[string]any{"v": "${count.index}"}}
	resources := []*ir.Resource{
		{Type: "null_resource", Name: "a", Provider: "null", Count: 2, Properties: shared},
	}

	expanded, err := ExpandForEach(resources, "")
	require.NoError(t, err)
	require.Len(t, expanded, 2)

	n0 := expanded[0].Properties["nested"].(map[string]any)
	n1 := expanded[1].Properties["nested"].(map[string]any)
	assert.Equal(t, "0", n0["v"])
	assert.Equal(t, "1", n1["v"])
	// The source map must not be mutated by substitution.
	assert.Equal(t, "${count.index}", shared["nested"].(map[string]any)["v"])
}
