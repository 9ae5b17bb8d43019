package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/terrane-io/terrane/internal/ir"
	"github.com/terrane-io/terrane/internal/logging"
	"github.com/terrane-io/terrane/internal/provider"
	"github.com/terrane-io/terrane/internal/state"
)

// defaultParallelism bounds concurrent provider operations during apply.
const defaultParallelism = 10

// ApplyEvent reports progress for a single change.
type ApplyEvent struct {
	Address string
	Action  string
	Status  string // "started", "pending", "succeeded", "failed", "skipped"
	Err     error
}

// ApplyCallback receives progress events during apply. May be nil.
type ApplyCallback func(ApplyEvent)

// ApplyPlan executes a change-set. Changes run concurrently up to the
// parallelism limit; a change starts only after every prerequisite change has
// committed. Each confirmed change is committed to the store immediately, so
// an interrupted run leaves a consistent partial state behind.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, store state.Store, snap *state.Snapshot, callback ApplyCallback) error {
	if plan.Metadata != nil && plan.Metadata.StateDigest != snap.Digest() {
		return &ir.StalePlanError{
			PlanDigest:  plan.Metadata.StateDigest,
			StateDigest: snap.Digest(),
		}
	}

	if len(plan.Changes) == 0 {
		logging.Info("no changes to apply")
		return nil
	}

	run := &applyRun{
		engine:   e,
		store:    store,
		callback: callback,
		live:     snap.Index(),
		done:     make(map[string]bool, len(plan.Changes)),
		failed:   make(map[string]bool),
		sem:      make(chan struct{}, e.parallelism()),
	}
	run.cond = sync.NewCond(&run.mu)

	var wg sync.WaitGroup
	for _, change := range plan.Changes {
		wg.Add(1)
		go func(change *ir.ResourceChange) {
			defer wg.Done()
			run.execute(ctx, change)
		}(change)
	}
	wg.Wait()

	return errors.Join(run.errs...)
}

func (e *Engine) parallelism() int {
	if e.Parallelism > 0 {
		return e.Parallelism
	}
	return defaultParallelism
}

// applyRun holds the shared mutable state of one apply pass.
type applyRun struct {
	engine   *Engine
	store    state.Store
	callback ApplyCallback

	mu      sync.Mutex
	cond    *sync.Cond
	live    map[string]*ir.StateRecord // committed records, by address
	done    map[string]bool            // change addresses that committed
	failed  map[string]bool            // change addresses that failed or were skipped
	aborted bool
	errs    []error

	sem chan struct{}

	// cbMu serializes callback invocations so events never interleave.
	cbMu sync.Mutex
}

func (r *applyRun) emit(ev ApplyEvent) {
	if r.callback == nil {
		return
	}
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callback(ev)
}

// execute runs one change once its prerequisites have committed. If any
// prerequisite failed, the change is skipped and counted as failed so its own
// dependents skip too.
func (r *applyRun) execute(ctx context.Context, change *ir.ResourceChange) {
	r.mu.Lock()
	for {
		if r.aborted {
			r.markFailed(change.Address, nil)
			r.cond.Broadcast()
			r.mu.Unlock()
			r.emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "skipped"})
			return
		}
		blocked := false
		for _, prereq := range change.Prereqs {
			if r.failed[prereq] {
				r.markFailed(change.Address, nil)
				r.cond.Broadcast()
				r.mu.Unlock()
				r.emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "skipped"})
				return
			}
			if !r.done[prereq] {
				blocked = true
			}
		}
		if !blocked {
			break
		}
		r.cond.Wait()
	}
	r.mu.Unlock()

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	r.emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "started"})
	logging.Info("applying change", "address", change.Address, "action", change.Action)

	err := r.applyChange(ctx, change)

	r.mu.Lock()
	if err != nil {
		r.markFailed(change.Address, err)
		if !r.engine.ContinueOnError {
			r.aborted = true
		}
	} else {
		r.done[change.Address] = true
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	if err != nil {
		r.emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "failed", Err: err})
		logging.Error("change failed", "address", change.Address, "action", change.Action, "error", err)
	} else {
		r.emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "succeeded"})
	}
}

// markFailed records a failure; callers must hold r.mu. A nil err marks a
// skipped change without adding to the error list.
func (r *applyRun) markFailed(addr string, err error) {
	r.failed[addr] = true
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *applyRun) applyChange(ctx context.Context, change *ir.ResourceChange) error {
	timeout := resourceTimeout(change)
	opCtx, cancel := WithTimeout(ctx, timeout)
	defer cancel()

	if change.Action == string(provider.ActionDelete) {
		return r.deleteResource(opCtx, change)
	}
	return r.upsertResource(opCtx, change, timeout)
}

// upsertResource handles CREATE, UPDATE and REPLACE.
func (r *applyRun) upsertResource(ctx context.Context, change *ir.ResourceChange, timeout time.Duration) error {
	res := change.Desired
	if res == nil {
		return fmt.Errorf("change for %s has no desired resource", change.Address)
	}

	prov, err := r.engine.registry.Get(res.Provider)
	if err != nil {
		return err
	}

	resolved, err := r.resolveReferences(res.Properties)
	if err != nil {
		return &ir.ProviderError{Address: change.Address, Action: change.Action, Err: err}
	}

	desiredJSON, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to marshal properties for %s: %w", change.Address, err)
	}

	var priorJSON []byte
	r.mu.Lock()
	if prior := r.live[change.Address]; prior != nil {
		priorJSON, _ = json.Marshal(prior.Outputs)
	}
	r.mu.Unlock()

	var resp *provider.ApplyResponse
	err = RetryWithBackoff(ctx, DefaultRetryPolicy(), func() error {
		var applyErr error
		resp, applyErr = prov.Apply(ctx, &provider.ApplyRequest{
			Type:    res.Type,
			Name:    res.Name,
			Desired: desiredJSON,
			Prior:   priorJSON,
		})
		return applyErr
	}, IsTransientError)
	if err != nil {
		return &ir.ProviderError{Address: change.Address, Action: change.Action, Err: err}
	}

	outputs := make(map[string]any)
	if len(resp.Outputs) > 0 {
		if err := json.Unmarshal(resp.Outputs, &outputs); err != nil {
			return fmt.Errorf("provider returned malformed outputs for %s: %w", change.Address, err)
		}
	}

	rec := &ir.StateRecord{
		Type:         res.Type,
		Name:         res.Name,
		Provider:     res.Provider,
		Inputs:       resolved,
		Outputs:      outputs,
		Dependencies: recordDependencies(res),
		Pending:      resp.Pending,
	}

	// Commit before any readiness wait: a timeout later must not lose the
	// fact that the remote object exists.
	if err := r.store.Commit(ctx, rec); err != nil {
		return fmt.Errorf("failed to commit state for %s: %w", change.Address, err)
	}
	r.mu.Lock()
	r.live[rec.Addr()] = rec
	r.mu.Unlock()

	if !resp.Pending {
		return nil
	}

	r.emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "pending"})
	if err := r.awaitReady(ctx, prov, rec, timeout); err != nil {
		return err
	}

	rec.Pending = false
	if err := r.store.Commit(ctx, rec); err != nil {
		return fmt.Errorf("failed to commit state for %s: %w", change.Address, err)
	}
	return nil
}

// awaitReady polls the provider's readiness check with backoff until it
// reports ready or the deadline passes.
func (r *applyRun) awaitReady(ctx context.Context, prov provider.Interface, rec *ir.StateRecord, deadline time.Duration) error {
	if deadline <= 0 || deadline > r.engine.ReadinessDeadline {
		deadline = r.engine.ReadinessDeadline
	}
	outputsJSON, _ := json.Marshal(rec.Outputs)

	policy := r.engine.CheckPolicy
	if policy == nil {
		policy = DefaultCheckPolicy()
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		resp, err := prov.Check(ctx, &provider.CheckRequest{
			Type:    rec.Type,
			Name:    rec.Name,
			Outputs: outputsJSON,
		})
		if err != nil && !IsTransientError(err) {
			return &ir.ProviderError{Address: rec.Addr(), Action: "CHECK", Err: err}
		}
		if err == nil && resp.Ready {
			return nil
		}
		if err == nil {
			logging.Debug("resource not ready", "address", rec.Addr(), "reason", resp.Reason)
		}

		delay := backoffDelay(attempt, policy.BaseDelay, policy.MaxDelay)
		if time.Since(start)+delay > deadline {
			return &ir.ValidationTimeoutError{Address: rec.Addr(), Deadline: deadline}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness wait for %s interrupted: %w", rec.Addr(), ctx.Err())
		case <-time.After(delay):
		}
	}
}

// deleteResource handles DELETE, including the deposed half of a
// create-before-destroy replacement. A deposed delete destroys the old remote
// object from the outputs carried in the plan and leaves the state record
// alone, since the paired create already rewrote it.
func (r *applyRun) deleteResource(ctx context.Context, change *ir.ResourceChange) error {
	prior := change.Prior
	if prior == nil {
		return fmt.Errorf("delete change for %s has no prior resource", change.Address)
	}

	prov, err := r.engine.registry.Get(prior.Provider)
	if err != nil {
		return err
	}

	addr := strings.TrimSuffix(change.Address, deposedSuffix)

	var outputs map[string]any
	if change.Deposed {
		outputs = change.PriorOutputs
	} else {
		r.mu.Lock()
		if rec := r.live[addr]; rec != nil {
			outputs = rec.Outputs
		}
		r.mu.Unlock()
	}

	outputsJSON, _ := json.Marshal(outputs)
	id := ""
	if v, ok := outputs["id"]; ok {
		id = fmt.Sprintf("%v", v)
	}

	err = RetryWithBackoff(ctx, DefaultRetryPolicy(), func() error {
		return prov.Delete(ctx, &provider.DeleteRequest{
			Type:    prior.Type,
			Name:    prior.Name,
			ID:      id,
			Outputs: outputsJSON,
		})
	}, IsTransientError)
	if err != nil {
		return &ir.ProviderError{Address: change.Address, Action: change.Action, Err: err}
	}

	if change.Deposed {
		return nil
	}

	if err := r.store.Remove(ctx, addr); err != nil {
		return fmt.Errorf("failed to remove state for %s: %w", addr, err)
	}
	r.mu.Lock()
	delete(r.live, addr)
	r.mu.Unlock()
	return nil
}

// resolveReferences replaces ptr:// attribute references with the outputs of
// the committed records they point at.
func (r *applyRun) resolveReferences(props map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resolved, err := resolveValue(props, r.live)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(v any, live map[string]*ir.StateRecord) (any, error) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "ptr://") {
			return resolveRef(val, live)
		}
		return val, nil
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolveValue(item, live)
			if err != nil {
				return nil, err
			}
			result[k] = resolved
		}
		return result, nil
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, live)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil
	default:
		return v, nil
	}
}

func resolveRef(ref string, live map[string]*ir.StateRecord) (any, error) {
	addr := refToAddr(ref)
	if addr == "" {
		return nil, fmt.Errorf("malformed reference %q", ref)
	}
	rec, ok := live[addr]
	if !ok {
		return nil, fmt.Errorf("reference %q points at %s, which has no committed state", ref, addr)
	}

	parts := strings.SplitN(strings.TrimPrefix(ref, "ptr://"), "/", 3)
	if len(parts) < 3 || parts[2] == "" {
		return nil, fmt.Errorf("reference %q names no attribute", ref)
	}
	attr := parts[2]

	out, ok := lookupOutput(rec.Outputs, attr)
	if !ok {
		return nil, fmt.Errorf("reference %q: %s has no output %q", ref, addr, attr)
	}
	return out, nil
}

// lookupOutput walks an attribute path through nested outputs. Path segments
// index into maps by key and into lists by position, so a reference can reach
// an element of a list output, e.g. validation_records/0/name.
func lookupOutput(outputs map[string]any, path string) (any, bool) {
	var cur any = outputs
	for _, seg := range strings.Split(path, "/") {
		switch v := cur.(type) {
		case map[string]any:
			out, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = out
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// recordDependencies derives the addresses a record depends on, for destroy
// ordering on later runs.
func recordDependencies(res *ir.Resource) []string {
	var deps []string
	for _, dep := range res.DependsOn {
		deps = appendUnique(deps, dep)
	}
	for _, ref := range extractRefs(res.Properties) {
		if addr := refToAddr(ref); addr != "" {
			deps = appendUnique(deps, addr)
		}
	}
	return deps
}

func resourceTimeout(change *ir.ResourceChange) time.Duration {
	res := change.Desired
	if res == nil {
		res = change.Prior
	}
	if res == nil || res.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(res.Timeout)
	if err != nil {
		logging.Warn("invalid timeout, using default", "address", change.Address, "timeout", res.Timeout)
		return 0
	}
	return d
}
