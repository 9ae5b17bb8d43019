package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrane-io/terrane/internal/ir"
	"github.com/terrane-io/terrane/internal/provider"
	"github.com/terrane-io/terrane/internal/state"
)

func fastCheckEngine(fake *fakeProvider) *Engine {
	eng := newTestEngine(fake)
	eng.CheckPolicy = &RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	eng.ReadinessDeadline = time.Second
	return eng
}

func planAndApply(t *testing.T, eng *Engine, cfg *ir.Config, store state.Store, snap *state.Snapshot) error {
	t.Helper()
	plan, err := eng.CreatePlan(context.Background(), cfg, snap)
	require.NoError(t, err)
	return eng.ApplyPlan(context.Background(), plan, store, snap, nil)
}

func loadRecords(t *testing.T, store state.Store) map[string]*ir.StateRecord {
	t.Helper()
	records, err := store.Load(context.Background())
	require.NoError(t, err)
	idx := make(map[string]*ir.StateRecord)
	for _, rec := range records {
		idx[rec.Addr()] = rec
	}
	return idx
}

func TestApplyPlan_CreatesAndCommits(t *testing.T) {
	fake := newFakeProvider()
	eng := newTestEngine(fake)
	store := state.NewDirStore(t.TempDir())

	cfg := &ir.Config{Resources: []*ir.Resource{
		nullResource("a", map[string]any{"k": "v"}),
		{Type: "null_resource", Name: "b", Provider: "null", DependsOn: []string{"null_resource.a"}, Properties: map[string]any{}},
	}}

	require.NoError(t, planAndApply(t, eng, cfg, store, state.NewSnapshot(nil)))

	idx := loadRecords(t, store)
	require.Len(t, idx, 2)
	assert.Equal(t, "id-a", idx["null_resource.a"].ID())
	assert.False(t, idx["null_resource.a"].Pending)
	assert.Equal(t, []string{"null_resource.a"}, idx["null_resource.b"].Dependencies)

	// Dependency order is respected.
	assert.Equal(t, []string{"a", "b"}, fake.applyOrder)
}

func TestApplyPlan_ResolvesReferences(t *testing.T) {
	fake := newFakeProvider()
	eng := newTestEngine(fake)
	store := state.NewDirStore(t.TempDir())

	cfg := &ir.Config{Resources: []*ir.Resource{
		nullResource("a", map[string]any{}),
		nullResource("b", map[string]any{"upstream": "ptr://null_resource/a/value"}),
	}}

	require.NoError(t, planAndApply(t, eng, cfg, store, state.NewSnapshot(nil)))

	req := fake.applyReqs["b"]
	require.NotNil(t, req)
	var props map[string]any
	require.NoError(t, json.Unmarshal(req.Desired, &props))
	assert.Equal(t, "val-a", props["upstream"], "reference must be resolved against committed outputs")

	// The committed record stores resolved inputs, so re-planning sees the
	// resolved value as prior state.
	idx := loadRecords(t, store)
	assert.Equal(t, "val-a", idx["null_resource.b"].Inputs["upstream"])
}

func TestApplyPlan_ResolvesIndexedReference(t *testing.T) {
	fake := newFakeProvider()
	fake.applyOutputs["cert"] = map[string]any{
		"id": "id-cert",
		"validation_records": []any{
			map[string]any{"name": "_abc.example.com", "type": "CNAME", "value": "_xyz.acm-validations.aws"},
		},
	}
	eng := newTestEngine(fake)
	store := state.NewDirStore(t.TempDir())

	// The canonical certificate wiring: the child record reaches into the
	// certificate's list output by index.
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullResource("cert", map[string]any{"domain": "example.com"}),
		nullResource("validation", map[string]any{
			"name":  "ptr://null_resource/cert/validation_records/0/name",
			"value": "ptr://null_resource/cert/validation_records/0/value",
		}),
	}}

	require.NoError(t, planAndApply(t, eng, cfg, store, state.NewSnapshot(nil)))

	req := fake.applyReqs["validation"]
	require.NotNil(t, req)
	var props map[string]any
	require.NoError(t, json.Unmarshal(req.Desired, &props))
	assert.Equal(t, "_abc.example.com", props["name"])
	assert.Equal(t, "_xyz.acm-validations.aws", props["value"])

	// Re-planning against the converged state resolves the same path and
	// diffs clean.
	records, err := store.Load(context.Background())
	require.NoError(t, err)
	plan, err := eng.CreatePlan(context.Background(), cfg, state.NewSnapshot(records))
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
	assert.Equal(t, 2, plan.Summary.NoOp)
}

func TestApplyPlan_CancellationIsNotValidationTimeout(t *testing.T) {
	fake := newFakeProvider()
	fake.pending["a"] = -1 // never ready
	eng := fastCheckEngine(fake)
	store := state.NewDirStore(t.TempDir())

	cfg := &ir.Config{Resources: []*ir.Resource{nullResource("a", map[string]any{})}}
	plan, err := eng.CreatePlan(context.Background(), cfg, state.NewSnapshot(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	err = eng.ApplyPlan(ctx, plan, store, state.NewSnapshot(nil), nil)
	require.Error(t, err)

	// An abort during the readiness wait surfaces as cancellation; the
	// timeout error is reserved for the validation deadline lapsing.
	assert.ErrorIs(t, err, context.Canceled)
	var timeoutErr *ir.ValidationTimeoutError
	assert.False(t, errors.As(err, &timeoutErr))
}

func TestApplyPlan_FailureSkipsDependents(t *testing.T) {
	fake := newFakeProvider()
	fake.applyErr["a"] = errors.New("boom")
	eng := newTestEngine(fake)
	store := state.NewDirStore(t.TempDir())

	cfg := &ir.Config{Resources: []*ir.Resource{
		nullResource("a", map[string]any{}),
		{Type: "null_resource", Name: "b", Provider: "null", DependsOn: []string{"null_resource.a"}, Properties: map[string]any{}},
	}}

	var events []ApplyEvent
	plan, err := eng.CreatePlan(context.Background(), cfg, state.NewSnapshot(nil))
	require.NoError(t, err)
	err = eng.ApplyPlan(context.Background(), plan, store, state.NewSnapshot(nil), func(ev ApplyEvent) {
		events = append(events, ev)
	})
	require.Error(t, err)

	var provErr *ir.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "null_resource.a", provErr.Address)

	// b never ran.
	assert.NotContains(t, fake.applyOrder, "b")
	skipped := false
	for _, ev := range events {
		if ev.Address == "null_resource.b" && ev.Status == "skipped" {
			skipped = true
		}
	}
	assert.True(t, skipped, "dependent should report as skipped")

	assert.Empty(t, loadRecords(t, store))
}

func TestApplyPlan_ContinueOnError(t *testing.T) {
	fake := newFakeProvider()
	fake.applyErr["a"] = errors.New("boom")
	eng := newTestEngine(fake)
	eng.ContinueOnError = true
	store := state.NewDirStore(t.TempDir())

	cfg := &ir.Config{Resources: []*ir.Resource{
		nullResource("a", map[string]any{}),
		nullResource("c", map[string]any{}),
	}}

	err := planAndApply(t, eng, cfg, store, state.NewSnapshot(nil))
	require.Error(t, err)

	// The independent change still committed.
	idx := loadRecords(t, store)
	require.Contains(t, idx, "null_resource.c")
	assert.NotContains(t, idx, "null_resource.a")
}

func TestApplyPlan_PendingReadiness(t *testing.T) {
	fake := newFakeProvider()
	fake.pending["a"] = 2
	eng := fastCheckEngine(fake)
	store := state.NewDirStore(t.TempDir())

	cfg := &ir.Config{Resources: []*ir.Resource{nullResource("a", map[string]any{})}}

	require.NoError(t, planAndApply(t, eng, cfg, store, state.NewSnapshot(nil)))

	idx := loadRecords(t, store)
	require.Contains(t, idx, "null_resource.a")
	assert.False(t, idx["null_resource.a"].Pending)
	assert.GreaterOrEqual(t, fake.checkCalls["a"], 2)
}

func TestApplyPlan_ValidationTimeout(t *testing.T) {
	fake := newFakeProvider()
	fake.pending["a"] = -1 // never ready
	eng := fastCheckEngine(fake)
	eng.ReadinessDeadline = 20 * time.Millisecond
	store := state.NewDirStore(t.TempDir())

	cfg := &ir.Config{Resources: []*ir.Resource{nullResource("a", map[string]any{})}}

	err := planAndApply(t, eng, cfg, store, state.NewSnapshot(nil))
	var timeoutErr *ir.ValidationTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "null_resource.a", timeoutErr.Address)

	// The record was committed as pending before polling, so a later run
	// resumes instead of recreating.
	idx := loadRecords(t, store)
	require.Contains(t, idx, "null_resource.a")
	assert.True(t, idx["null_resource.a"].Pending)
}

func TestApplyPlan_ResumesPendingWithoutDuplicate(t *testing.T) {
	fake := newFakeProvider()
	fake.pending["a"] = 1
	eng := fastCheckEngine(fake)
	store := state.NewDirStore(t.TempDir())

	props := map[string]any{"k": "v"}
	cfg := &ir.Config{Resources: []*ir.Resource{nullResource("a", props)}}

	rec := nullRecord("a", props)
	rec.Pending = true
	require.NoError(t, store.Commit(context.Background(), rec))
	snap := state.NewSnapshot([]*ir.StateRecord{rec})

	require.NoError(t, planAndApply(t, eng, cfg, store, snap))

	// Exactly one apply call: the rerun re-drives readiness, it does not
	// create a second object.
	assert.Equal(t, []string{"a"}, fake.applyOrder)
	idx := loadRecords(t, store)
	assert.False(t, idx["null_resource.a"].Pending)
}

func TestApplyPlan_DeleteRemovesRecord(t *testing.T) {
	fake := newFakeProvider()
	eng := newTestEngine(fake)
	store := state.NewDirStore(t.TempDir())

	rec := nullRecord("a", map[string]any{"k": "v"})
	require.NoError(t, store.Commit(context.Background(), rec))
	snap := state.NewSnapshot([]*ir.StateRecord{rec})

	require.NoError(t, planAndApply(t, eng, &ir.Config{}, store, snap))

	assert.Equal(t, []string{"id-a"}, fake.deletedIDs())
	assert.Empty(t, loadRecords(t, store))
}

func TestApplyPlan_DeposedDeleteDestroysOldObject(t *testing.T) {
	fake := newFakeProvider()
	fake.planFn = func(req *provider.PlanRequest) (*provider.PlanResponse, error) {
		if req.Prior == nil {
			return &provider.PlanResponse{Action: provider.ActionCreate}, nil
		}
		return &provider.PlanResponse{Action: provider.ActionReplace}, nil
	}
	eng := newTestEngine(fake)
	store := state.NewDirStore(t.TempDir())

	res := nullResource("cert", map[string]any{"domain": "new.example.com"})
	res.Lifecycle = &ir.Lifecycle{CreateBeforeDestroy: true}
	cfg := &ir.Config{Resources: []*ir.Resource{res}}

	rec := nullRecord("cert", map[string]any{"domain": "old.example.com"})
	rec.Outputs = map[string]any{"id": "old-id"}
	require.NoError(t, store.Commit(context.Background(), rec))
	snap := state.NewSnapshot([]*ir.StateRecord{rec})

	require.NoError(t, planAndApply(t, eng, cfg, store, snap))

	// The old object was destroyed by its deposed identity while the state
	// record keeps the new outputs.
	assert.Equal(t, []string{"old-id"}, fake.deletedIDs())
	idx := loadRecords(t, store)
	require.Contains(t, idx, "null_resource.cert")
	assert.Equal(t, "id-cert", idx["null_resource.cert"].ID())
}

func TestApplyPlan_RedirectMappingConverges(t *testing.T) {
	fake := newFakeProvider()
	eng := newTestEngine(fake)
	eng.BaseDir = t.TempDir()
	store := state.NewDirStore(t.TempDir())

	writeFile(t, eng.BaseDir+"/redirects.json", `{"/old-page": "https://example.com/new-page"}`)

	cfg := &ir.Config{Resources: []*ir.Resource{
		{
			Type:        "null_resource",
			Name:        "redirect",
			Provider:    "null",
			ForEachFile: "redirects.json",
			Properties:  map[string]any{"key": "${each.key}", "target": "${each.value}"},
		},
	}}

	require.NoError(t, planAndApply(t, eng, cfg, store, state.NewSnapshot(nil)))

	idx := loadRecords(t, store)
	require.Len(t, idx, 1)
	rec := idx[`null_resource.redirect["/old-page"]`]
	require.NotNil(t, rec)
	assert.Equal(t, "/old-page", rec.Inputs["key"])
	assert.Equal(t, "https://example.com/new-page", rec.Inputs["target"])

	// Re-planning against the converged state with the same mapping is a
	// no-op.
	records, err := store.Load(context.Background())
	require.NoError(t, err)
	plan, err := eng.CreatePlan(context.Background(), cfg, state.NewSnapshot(records))
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestApplyPlan_StalePlan(t *testing.T) {
	fake := newFakeProvider()
	eng := newTestEngine(fake)
	store := state.NewDirStore(t.TempDir())

	cfg := &ir.Config{Resources: []*ir.Resource{nullResource("a", map[string]any{})}}
	plan, err := eng.CreatePlan(context.Background(), cfg, state.NewSnapshot(nil))
	require.NoError(t, err)

	// State moved on since the plan was computed.
	drifted := state.NewSnapshot([]*ir.StateRecord{nullRecord("x", nil)})

	err = eng.ApplyPlan(context.Background(), plan, store, drifted, nil)
	var staleErr *ir.StalePlanError
	require.ErrorAs(t, err, &staleErr)
	assert.Empty(t, fake.applyOrder)
}

func TestApplyPlan_EmptyPlan(t *testing.T) {
	fake := newFakeProvider()
	eng := newTestEngine(fake)
	store := state.NewDirStore(t.TempDir())

	snap := state.NewSnapshot(nil)
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{StateDigest: snap.Digest()},
		Summary:  &ir.PlanSummary{},
	}
	require.NoError(t, eng.ApplyPlan(context.Background(), plan, store, snap, nil))
}
