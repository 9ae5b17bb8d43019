package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrane-io/terrane/internal/ir"
)

func writeMapping(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapping.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeMapping(t, `{"old": "/new", "root": "", "ext": "https://example.com/page"}`)

	entries, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"old":  "/new",
		"root": "",
		"ext":  "https://example.com/page",
	}, entries)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	var mapErr *ir.InvalidMappingError
	require.ErrorAs(t, err, &mapErr)
}

func TestLoad_DuplicateKey(t *testing.T) {
	path := writeMapping(t, `{"a": "/x", "a": "/y"}`)

	_, err := Load(path)
	var mapErr *ir.InvalidMappingError
	require.ErrorAs(t, err, &mapErr)
	assert.Contains(t, mapErr.Reason, "duplicate key")
}

func TestLoad_EmptyKey(t *testing.T) {
	path := writeMapping(t, `{"": "/x"}`)

	_, err := Load(path)
	var mapErr *ir.InvalidMappingError
	require.ErrorAs(t, err, &mapErr)
	assert.Contains(t, mapErr.Reason, "empty key")
}

func TestLoad_NonStringValue(t *testing.T) {
	path := writeMapping(t, `{"a": 42}`)

	_, err := Load(path)
	var mapErr *ir.InvalidMappingError
	require.ErrorAs(t, err, &mapErr)
	assert.Contains(t, mapErr.Reason, "not a string")
}

func TestLoad_NotAnObject(t *testing.T) {
	path := writeMapping(t, `["a", "b"]`)

	_, err := Load(path)
	var mapErr *ir.InvalidMappingError
	require.ErrorAs(t, err, &mapErr)
	assert.Contains(t, mapErr.Reason, "object")
}

func TestLoad_TrailingContent(t *testing.T) {
	path := writeMapping(t, `{"a": "/x"} {"b": "/y"}`)

	_, err := Load(path)
	var mapErr *ir.InvalidMappingError
	require.ErrorAs(t, err, &mapErr)
	assert.Contains(t, mapErr.Reason, "trailing content")
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeMapping(t, `{not json`)

	_, err := Load(path)
	var mapErr *ir.InvalidMappingError
	require.ErrorAs(t, err, &mapErr)
}
