package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/terrane-io/terrane/internal/ir"
	"github.com/terrane-io/terrane/internal/logging"
	"github.com/terrane-io/terrane/internal/provider"
	"github.com/terrane-io/terrane/internal/state"
)

// deposedSuffix marks the delete half of a create-before-destroy replacement.
const deposedSuffix = " (deposed)"

// Engine orchestrates planning and applying of resource change-sets.
type Engine struct {
	registry *provider.Registry

	// BaseDir resolves relative forEachFile mapping paths.
	BaseDir string

	// Parallelism bounds the apply worker pool.
	Parallelism int

	// ContinueOnError lets apply continue past failures instead of stopping.
	ContinueOnError bool

	// CheckPolicy paces readiness polling; ReadinessDeadline bounds it.
	CheckPolicy       *RetryPolicy
	ReadinessDeadline time.Duration
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry:          registry,
		Parallelism:       defaultParallelism,
		CheckPolicy:       DefaultCheckPolicy(),
		ReadinessDeadline: DefaultReadinessDeadline,
	}
}

// CreatePlan generates a change-set by diffing the declared resources
// against the state snapshot. Planning performs no mutation.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, snap *state.Snapshot) (*ir.Plan, error) {
	return e.CreatePlanWithTargets(ctx, cfg, snap, nil)
}

// CreatePlanWithTargets generates a plan filtered to specific resource
// addresses. If targets is empty, all resources are planned.
func (e *Engine) CreatePlanWithTargets(ctx context.Context, cfg *ir.Config, snap *state.Snapshot, targets []string) (*ir.Plan, error) {
	logging.Debug("creating plan", "resources", len(cfg.Resources), "state_records", len(snap.Records), "targets", len(targets))

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			StateDigest: snap.Digest(),
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: cfg.Outputs,
	}

	// Expand for_each/count templates before anything else so every instance
	// is its own graph node.
	resources, err := ExpandForEach(cfg.Resources, e.BaseDir)
	if err != nil {
		return nil, err
	}
	plan.Metadata.ConfigDigest = configDigest(resources)

	if err := e.loadProviders(resources, snap.Records); err != nil {
		return nil, err
	}

	dag, err := BuildDAG(resources)
	if err != nil {
		return nil, err
	}

	stateIdx := snap.Index()

	configByAddr := make(map[string]*ir.Resource, len(resources))
	for _, res := range resources {
		configByAddr[res.Addr()] = res
	}

	// If targets are given, include their transitive dependencies.
	var targetSet map[string]bool
	if len(targets) > 0 {
		targetSet = make(map[string]bool)
		for _, t := range targets {
			targetSet[t] = true
			for _, dep := range dag.TransitiveDeps(t) {
				targetSet[dep] = true
			}
		}
	}

	// Changes emitted so far, keyed by address, for prerequisite wiring.
	changed := make(map[string]*ir.ResourceChange)

	for _, addr := range dag.CreationOrder() {
		res, ok := configByAddr[addr]
		if !ok {
			continue
		}

		if targetSet != nil && !targetSet[addr] {
			plan.Summary.NoOp++
			continue
		}

		prov, err := e.registry.Get(res.Provider)
		if err != nil {
			return nil, err
		}

		// Resolve references against committed outputs so an unchanged
		// declaration diffs clean. A reference into a resource that changes
		// this run stays symbolic, which makes the dependent diff dirty and
		// re-drives it once the new outputs exist.
		props := resolveForPlan(normalizeValue(res.Properties), stateIdx, changed)
		desiredJSON, err := json.Marshal(props)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
		}

		var priorJSON []byte
		prior := stateIdx[addr]
		if prior != nil {
			priorJSON, _ = json.Marshal(prior.Inputs)
		}

		resp, err := prov.Plan(ctx, &provider.PlanRequest{
			Type:    res.Type,
			Name:    res.Name,
			Desired: desiredJSON,
			Prior:   priorJSON,
		})
		if err != nil {
			return nil, &ir.ProviderError{Address: addr, Action: "PLAN", Err: err}
		}

		action := resp.Action
		if action != provider.ActionNoOp {
			if err := enforceLifecycle(res, action, addr); err != nil {
				return nil, err
			}
			if res.Lifecycle != nil && len(res.Lifecycle.IgnoreChanges) > 0 && action == provider.ActionUpdate {
				action = filterIgnoredChanges(res, resp)
			}
		}

		// A committed-but-pending resource must be re-driven even when its
		// attributes are unchanged, so the readiness check runs again.
		if action == provider.ActionNoOp && prior != nil && prior.Pending {
			action = provider.ActionUpdate
		}

		// Wire prerequisites and verify every dependency is satisfiable.
		var prereqs []string
		for _, dep := range dag.Dependencies(addr) {
			if _, pending := changed[dep]; pending {
				prereqs = appendUnique(prereqs, dep)
				continue
			}
			if stateIdx[dep] == nil {
				return nil, &ir.PlanConflictError{Address: addr, Reference: dep}
			}
		}

		if action == provider.ActionNoOp {
			plan.Summary.NoOp++
			continue
		}

		if action == provider.ActionReplace && res.Lifecycle != nil && res.Lifecycle.CreateBeforeDestroy {
			// Split the replacement so the new object exists before the old
			// one is destroyed: there is never a window with zero live
			// resources.
			create := &ir.ResourceChange{
				Address: addr,
				Action:  string(provider.ActionCreate),
				Desired: res,
				Diff:    buildCreateDiff(res.Properties),
				Prereqs: prereqs,
			}
			deposed := &ir.ResourceChange{
				Address: addr + deposedSuffix,
				Action:  string(provider.ActionDelete),
				Deposed: true,
				Prior:   priorResource(prior),
				Prereqs: []string{addr},
			}
			if prior != nil {
				deposed.PriorOutputs = prior.Outputs
			}
			plan.Changes = append(plan.Changes, create, deposed)
			changed[addr] = create
			plan.Summary.Replace++
			continue
		}

		change := &ir.ResourceChange{
			Address: addr,
			Action:  string(action),
			Desired: res,
			Prereqs: prereqs,
		}
		if prior != nil {
			change.Prior = priorResource(prior)
			change.Diff = buildPropertyDiff(prior.Inputs, res.Properties)
		} else {
			change.Diff = buildCreateDiff(res.Properties)
		}

		plan.Changes = append(plan.Changes, change)
		changed[addr] = change

		switch action {
		case provider.ActionCreate:
			plan.Summary.Create++
		case provider.ActionUpdate:
			plan.Summary.Update++
		case provider.ActionReplace:
			plan.Summary.Replace++
		}
	}

	// Resources present in state but absent from the declaration are
	// deleted, dependents first.
	if err := e.planDeletions(plan, snap.Records, configByAddr, targetSet); err != nil {
		return nil, err
	}

	return plan, nil
}

// planDeletions appends delete changes for state-only records in reverse
// dependency order, wiring each delete's prerequisites to the deletes of its
// dependents.
func (e *Engine) planDeletions(plan *ir.Plan, records []*ir.StateRecord, configByAddr map[string]*ir.Resource, targetSet map[string]bool) error {
	var doomed []*ir.StateRecord
	for _, rec := range records {
		addr := rec.Addr()
		if _, kept := configByAddr[addr]; kept {
			continue
		}
		if targetSet != nil && !targetSet[addr] {
			continue
		}
		doomed = append(doomed, rec)
	}
	if len(doomed) == 0 {
		return nil
	}

	doomedByAddr := make(map[string]*ir.StateRecord, len(doomed))
	for _, rec := range doomed {
		doomedByAddr[rec.Addr()] = rec
	}

	dag, err := BuildDAGFromState(doomed)
	if err != nil {
		return err
	}

	for _, addr := range dag.DestructionOrder() {
		rec, ok := doomedByAddr[addr]
		if !ok {
			continue
		}

		var prereqs []string
		for _, dependent := range dag.Dependents(addr) {
			if _, alsoDoomed := doomedByAddr[dependent]; alsoDoomed {
				prereqs = appendUnique(prereqs, dependent)
			}
		}

		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Action:  string(provider.ActionDelete),
			Prior: &ir.Resource{
				Type:       rec.Type,
				Name:       rec.Name,
				Provider:   rec.Provider,
				Properties: rec.Inputs,
			},
			Diff:    buildDeleteDiff(rec.Inputs),
			Prereqs: prereqs,
		})
		plan.Summary.Delete++
	}
	return nil
}

// loadProviders ensures every provider referenced by the declaration or by
// state records (needed for deletes) is loaded.
func (e *Engine) loadProviders(resources []*ir.Resource, records []*ir.StateRecord) error {
	seen := make(map[string]bool)
	load := func(name string) error {
		if name == "" || seen[name] {
			return nil
		}
		seen[name] = true
		if err := e.registry.LoadProvider(name); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", name, err)
		}
		return nil
	}

	for _, res := range resources {
		if err := load(res.Provider); err != nil {
			return err
		}
	}
	for _, rec := range records {
		if err := load(rec.Provider); err != nil {
			return err
		}
	}
	return nil
}

func priorResource(rec *ir.StateRecord) *ir.Resource {
	if rec == nil {
		return nil
	}
	return &ir.Resource{
		Type:       rec.Type,
		Name:       rec.Name,
		Provider:   rec.Provider,
		Properties: rec.Inputs,
	}
}

// enforceLifecycle checks lifecycle rules and returns an error if violated.
func enforceLifecycle(res *ir.Resource, action provider.Action, addr string) error {
	if res.Lifecycle == nil {
		return nil
	}

	if res.Lifecycle.PreventDestroy && (action == provider.ActionDelete || action == provider.ActionReplace) {
		return fmt.Errorf("resource %s has prevent_destroy set but plan requires destruction", addr)
	}

	return nil
}

// filterIgnoredChanges downgrades an update to a no-op when every changed
// attribute is listed in ignoreChanges.
func filterIgnoredChanges(res *ir.Resource, resp *provider.PlanResponse) provider.Action {
	if len(resp.ChangedAttributes) == 0 {
		return resp.Action
	}

	ignoreSet := make(map[string]bool)
	for _, attr := range res.Lifecycle.IgnoreChanges {
		ignoreSet[attr] = true
	}

	for _, attr := range resp.ChangedAttributes {
		if !ignoreSet[attr] {
			return resp.Action
		}
	}
	return provider.ActionNoOp
}

// buildPropertyDiff compares prior and desired properties and returns a diff map.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		if !inPrior {
			diff[k] = &ir.PropertyDiff{After: desiredVal, Action: "create"}
		} else if !inDesired {
			diff[k] = &ir.PropertyDiff{Before: priorVal, Action: "delete"}
		} else if fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal) {
			diff[k] = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update"}
		}
	}

	return diff
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{Before: v, Action: "delete"}
	}
	return diff
}

// configDigest fingerprints the expanded declaration.
func configDigest(resources []*ir.Resource) string {
	data, err := json.Marshal(resources)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func appendUnique(slice []string, v string) []string {
	for _, s := range slice {
		if s == v {
			return slice
		}
	}
	return append(slice, v)
}

// resolveForPlan substitutes ptr:// references with the outputs already in
// state. References whose target has a pending change this run, or no
// committed record, are left as-is.
func resolveForPlan(v any, stateIdx map[string]*ir.StateRecord, changed map[string]*ir.ResourceChange) any {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, "ptr://") {
			return val
		}
		addr := refToAddr(val)
		if addr == "" {
			return val
		}
		if _, pending := changed[addr]; pending {
			return val
		}
		rec := stateIdx[addr]
		if rec == nil {
			return val
		}
		parts := strings.SplitN(strings.TrimPrefix(val, "ptr://"), "/", 3)
		if len(parts) < 3 {
			return val
		}
		if out, ok := lookupOutput(rec.Outputs, parts[2]); ok {
			return out
		}
		return val
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[k] = resolveForPlan(item, stateIdx, changed)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = resolveForPlan(item, stateIdx, changed)
		}
		return result
	default:
		return val
	}
}

// normalizeValue flattens pkl map types into plain JSON-friendly values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		newMap := make(map[string]any)
		for k, v := range val {
			newMap[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return newMap
	case map[string]any:
		newMap := make(map[string]any)
		for k, v := range val {
			newMap[k] = normalizeValue(v)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = normalizeValue(v)
		}
		return newSlice
	default:
		return val
	}
}
