package ir

// Plan represents a calculated change-set. A plan is immutable once produced:
// the executor consumes it exactly once.
type Plan struct {
	Metadata *PlanMetadata     `json:"metadata"`
	Changes  []*ResourceChange `json:"changes"`
	Summary  *PlanSummary      `json:"summary"`
	Outputs  map[string]any    `json:"outputs,omitempty"`
}

type PlanMetadata struct {
	Timestamp string `json:"timestamp"`
	// ConfigDigest fingerprints the expanded declaration the plan was
	// computed from.
	ConfigDigest string `json:"configDigest,omitempty"`
	// StateDigest is the digest of the state snapshot this plan was computed
	// from. Apply refuses a saved plan whose digest no longer matches.
	StateDigest string `json:"stateDigest"`
}

type ResourceChange struct {
	Address string                   `json:"address"`
	Action  string                   `json:"action"` // "CREATE", "UPDATE", "REPLACE", "DELETE"
	Desired *Resource                `json:"resource,omitempty"`
	Prior   *Resource                `json:"prior,omitempty"`
	Diff    map[string]*PropertyDiff `json:"diff,omitempty"`

	// Prereqs lists the addresses of changes that must commit before this one
	// may start. Wired by the planner so the plan is self-contained.
	Prereqs []string `json:"prereqs,omitempty"`

	// Deposed marks the delete half of a create-before-destroy replacement.
	// The executor destroys the old remote object using PriorOutputs and does
	// not touch the state record, which the paired create already rewrote.
	Deposed      bool           `json:"deposed,omitempty"`
	PriorOutputs map[string]any `json:"priorOutputs,omitempty"`
}

type PropertyDiff struct {
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
	Action string `json:"action"` // "create", "update", "delete"
}

type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}
