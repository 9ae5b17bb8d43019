package ir

import (
	"fmt"
	"strings"
	"time"
)

// CycleError reports a reference cycle in the declared resource graph.
type CycleError struct {
	Addrs []string // members of the cycle, sorted
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected in resource graph: %s", strings.Join(e.Addrs, ", "))
}

// UndefinedReferenceError reports an attribute or dependsOn entry that points
// at a resource not present in the declaration.
type UndefinedReferenceError struct {
	Address   string // resource holding the reference
	Reference string // the unresolvable target
}

func (e *UndefinedReferenceError) Error() string {
	return fmt.Sprintf("%s references undefined resource %q", e.Address, e.Reference)
}

// PlanConflictError reports a reference that cannot be satisfied because the
// target has neither a pending change nor prior state.
type PlanConflictError struct {
	Address   string
	Reference string
}

func (e *PlanConflictError) Error() string {
	return fmt.Sprintf("%s depends on %s, which has no pending change and no prior state", e.Address, e.Reference)
}

// StalePlanError reports an apply attempted against a plan computed from a
// different state snapshot.
type StalePlanError struct {
	PlanDigest  string
	StateDigest string
}

func (e *StalePlanError) Error() string {
	return fmt.Sprintf("saved plan is stale: computed from state %s but current state is %s; run plan again",
		shortDigest(e.PlanDigest), shortDigest(e.StateDigest))
}

// ValidationTimeoutError reports that an externally-verified readiness signal
// did not arrive before the configured deadline. Re-running apply later is
// safe: the resource record is already committed as pending.
type ValidationTimeoutError struct {
	Address  string
	Deadline time.Duration
}

func (e *ValidationTimeoutError) Error() string {
	return fmt.Sprintf("%s was not validated within %s; re-run apply once validation completes", e.Address, e.Deadline)
}

// ProviderError wraps a provider-side failure with the identity and action
// that failed.
type ProviderError struct {
	Address string
	Action  string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", strings.ToLower(e.Action), e.Address, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// InvalidMappingError reports a malformed external mapping file. It is raised
// before any provider call is made.
type InvalidMappingError struct {
	Path   string
	Reason string
}

func (e *InvalidMappingError) Error() string {
	return fmt.Sprintf("invalid mapping file %s: %s", e.Path, e.Reason)
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	if d == "" {
		return "<empty>"
	}
	return d
}
