package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/terrane-io/terrane/internal/ir"
	"github.com/terrane-io/terrane/internal/mapping"
)

// Empty-target policies for forEachFile templates. The declaration decides
// what an empty mapping value means; it is never inferred.
const (
	EmptyTargetDomainRoot = "domain-root" // rewrite "" to "/"
	EmptyTargetLiteral    = "literal"     // keep the empty string
)

// ExpandForEach expands resources with Count, ForEach or ForEachFile into
// individual resources. This must be called before graph building so that
// each instance becomes its own node. External mapping files are resolved
// relative to baseDir and loaded once per run; a malformed mapping fails the
// whole run before any provider call.
func ExpandForEach(resources []*ir.Resource, baseDir string) ([]*ir.Resource, error) {
	var expanded []*ir.Resource

	for _, res := range resources {
		switch {
		case res.Count > 0:
			for i := 0; i < res.Count; i++ {
				clone := cloneResource(res)
				clone.Name = fmt.Sprintf("%s[%d]", res.Name, i)
				clone.Properties = substituteIndex(clone.Properties, i)
				expanded = append(expanded, clone)
			}

		case len(res.ForEach) > 0:
			for _, key := range sortedKeys(res.ForEach) {
				expanded = append(expanded, instantiate(res, key, res.ForEach[key]))
			}

		case res.ForEachFile != "":
			entries, err := mapping.Load(filepath.Join(baseDir, res.ForEachFile))
			if err != nil {
				return nil, err
			}
			for key, val := range entries {
				target, err := resolveEmptyTarget(res, val)
				if err != nil {
					return nil, err
				}
				entries[key] = target
			}
			keys := make([]string, 0, len(entries))
			for key := range entries {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				expanded = append(expanded, instantiate(res, key, entries[key]))
			}

		default:
			expanded = append(expanded, res)
		}
	}

	return expanded, nil
}

// resolveEmptyTarget applies the template's empty-target policy to one
// mapping value.
func resolveEmptyTarget(res *ir.Resource, val string) (string, error) {
	if val != "" {
		return val, nil
	}
	switch res.EmptyTarget {
	case "", EmptyTargetDomainRoot:
		return "/", nil
	case EmptyTargetLiteral:
		return "", nil
	default:
		return "", &ir.InvalidMappingError{
			Path:   res.ForEachFile,
			Reason: fmt.Sprintf("resource %s declares unrecognized emptyTarget %q", res.Addr(), res.EmptyTarget),
		}
	}
}

func instantiate(res *ir.Resource, key string, val any) *ir.Resource {
	clone := cloneResource(res)
	clone.Name = fmt.Sprintf("%s[%q]", res.Name, key)
	clone.Properties = substituteEach(clone.Properties, key, val)
	return clone
}

func cloneResource(res *ir.Resource) *ir.Resource {
	clone := &ir.Resource{
		Type:     res.Type,
		Name:     res.Name,
		Provider: res.Provider,
		Timeout:  res.Timeout,
	}
	if res.Lifecycle != nil {
		clone.Lifecycle = &ir.Lifecycle{
			CreateBeforeDestroy: res.Lifecycle.CreateBeforeDestroy,
			PreventDestroy:      res.Lifecycle.PreventDestroy,
			IgnoreChanges:       append([]string{}, res.Lifecycle.IgnoreChanges...),
		}
	}
	clone.DependsOn = append([]string{}, res.DependsOn...)
	clone.Properties = deepCopyMap(res.Properties)
	return clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any)
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		clone := make([]any, len(val))
		for i, item := range val {
			clone[i] = deepCopyValue(item)
		}
		return clone
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func substituteIndex(props map[string]any, index int) map[string]any {
	return substituteAll(props, map[string]string{
		"${count.index}": fmt.Sprintf("%d", index),
	})
}

func substituteEach(props map[string]any, key string, value any) map[string]any {
	return substituteAll(props, map[string]string{
		"${each.key}":   key,
		"${each.value}": fmt.Sprintf("%v", value),
	})
}

func substituteAll(props map[string]any, replacements map[string]string) map[string]any {
	result := make(map[string]any)
	for k, v := range props {
		result[k] = substituteValue(v, replacements)
	}
	return result
}

func substituteValue(v any, replacements map[string]string) any {
	switch val := v.(type) {
	case string:
		result := val
		for old, newVal := range replacements {
			result = strings.ReplaceAll(result, old, newVal)
		}
		return result
	case map[string]any:
		return substituteAll(val, replacements)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = substituteValue(item, replacements)
		}
		return result
	default:
		return v
	}
}
