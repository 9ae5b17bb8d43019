// Package mapping loads the external keyed data source used by for_each
// templates: a flat JSON object from string key to string value.
package mapping

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/terrane-io/terrane/internal/ir"
)

// Load reads and validates a mapping file. Keys must be unique and every
// value must be a string; anything else fails with InvalidMappingError
// before any provider call is made.
func Load(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ir.InvalidMappingError{Path: path, Reason: err.Error()}
	}
	defer f.Close()

	return decode(path, f)
}

// decode walks the JSON token stream rather than unmarshalling directly so
// that duplicate keys, which encoding/json would silently collapse, are
// detected.
func decode(path string, r io.Reader) (map[string]string, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, &ir.InvalidMappingError{Path: path, Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, &ir.InvalidMappingError{Path: path, Reason: "top-level value must be an object"}
	}

	entries := make(map[string]string)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, &ir.InvalidMappingError{Path: path, Reason: fmt.Sprintf("malformed entry: %v", err)}
		}
		key := keyTok.(string)
		if key == "" {
			return nil, &ir.InvalidMappingError{Path: path, Reason: "empty key"}
		}
		if _, exists := entries[key]; exists {
			return nil, &ir.InvalidMappingError{Path: path, Reason: fmt.Sprintf("duplicate key %q", key)}
		}

		valTok, err := dec.Token()
		if err != nil {
			return nil, &ir.InvalidMappingError{Path: path, Reason: fmt.Sprintf("malformed value for key %q: %v", key, err)}
		}
		val, ok := valTok.(string)
		if !ok {
			return nil, &ir.InvalidMappingError{Path: path, Reason: fmt.Sprintf("value for key %q is not a string", key)}
		}
		entries[key] = val
	}

	if _, err := dec.Token(); err != nil {
		return nil, &ir.InvalidMappingError{Path: path, Reason: fmt.Sprintf("malformed object: %v", err)}
	}
	if tok, err := dec.Token(); err != io.EOF {
		return nil, &ir.InvalidMappingError{Path: path, Reason: fmt.Sprintf("trailing content after object: %v", tok)}
	}

	return entries, nil
}
