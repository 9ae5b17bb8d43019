package ir

import "fmt"

// StateRecord is the persisted record for one resource identity. Records are
// the sole source of truth for diffing across runs; they are written only
// after a confirmed provider response.
type StateRecord struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Inputs       map[string]any `json:"inputs"`  // last-applied attribute snapshot
	Outputs      map[string]any `json:"outputs"` // provider returned, includes "id"
	Dependencies []string       `json:"dependencies,omitempty"`

	// Pending marks a resource that was created but whose readiness has not
	// yet been externally confirmed (e.g. a certificate awaiting DNS
	// validation). A later run re-drives the readiness check.
	Pending bool `json:"pending,omitempty"`
}

// Addr returns the record's resource address (type.name).
func (r *StateRecord) Addr() string {
	return fmt.Sprintf("%s.%s", r.Type, r.Name)
}

// ID returns the provider-assigned identifier, if any.
func (r *StateRecord) ID() string {
	if v, ok := r.Outputs["id"]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
