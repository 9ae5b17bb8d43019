// Package provider defines the boundary between the reconciliation core and
// the concrete cloud APIs. The core treats a provider as an opaque capability
// set exchanging JSON payloads; it never inspects provider wire protocols.
package provider

import (
	"context"
	"encoding/json"
)

// Action is the change a provider proposes for one resource.
type Action string

const (
	ActionNoOp    Action = "NOOP"
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionReplace Action = "REPLACE"
	ActionDelete  Action = "DELETE"
)

// PlanRequest asks the provider to propose an action for one resource.
// Desired is nil when the resource left the declaration; Prior is nil when
// the resource has no state record.
type PlanRequest struct {
	Type    string
	Name    string
	Desired json.RawMessage // desired attribute snapshot
	Prior   json.RawMessage // last-applied attribute snapshot
}

type PlanResponse struct {
	Action            Action
	ChangedAttributes []string
}

// ApplyRequest carries the resolved desired attributes for a create, update
// or replace. Prior carries the prior record's outputs when present.
type ApplyRequest struct {
	Type    string
	Name    string
	Desired json.RawMessage
	Prior   json.RawMessage
}

// ApplyResponse returns the provider-assigned outputs. Pending signals that
// the resource exists but its readiness is confirmed asynchronously; the
// executor polls Check until it reports ready.
type ApplyResponse struct {
	Outputs json.RawMessage
	Pending bool
}

// CheckRequest polls the readiness of a previously applied resource.
type CheckRequest struct {
	Type    string
	Name    string
	Outputs json.RawMessage // committed outputs of the pending resource
}

type CheckResponse struct {
	Ready  bool
	Reason string // human-readable status while not ready
}

// DeleteRequest destroys the remote object identified by the committed
// outputs.
type DeleteRequest struct {
	Type    string
	Name    string
	ID      string
	Outputs json.RawMessage
}

// Interface is implemented by every provider.
type Interface interface {
	// Configure prepares the provider with its settings (region, endpoints).
	// It must be idempotent.
	Configure(ctx context.Context, settings map[string]string) error

	// Plan proposes an action without mutating anything.
	Plan(ctx context.Context, req *PlanRequest) (*PlanResponse, error)

	// Apply creates or updates the remote object and returns its outputs.
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)

	// Check reports whether a pending resource has become ready. It must not
	// block waiting for readiness; the core owns the polling loop.
	Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error)

	// Delete destroys the remote object.
	Delete(ctx context.Context, req *DeleteRequest) error
}
