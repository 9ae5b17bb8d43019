// Package null implements a no-op provider for testing the reconciliation
// core without touching any cloud API. Resources are plain trigger maps: any
// trigger change forces a replacement, and ChecksUntilReady simulates a
// resource whose readiness arrives asynchronously.
package null

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/terrane-io/terrane/internal/provider"
)

type properties struct {
	Triggers         map[string]any `json:"triggers,omitempty"`
	ChecksUntilReady int            `json:"checks_until_ready,omitempty"`
}

// Provider is the null provider.
type Provider struct {
	mu     sync.Mutex
	checks map[string]int // readiness polls seen, per resource name
}

func New() *Provider {
	return &Provider{checks: make(map[string]int)}
}

func (p *Provider) Configure(ctx context.Context, settings map[string]string) error {
	return nil
}

func (p *Provider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResponse, error) {
	if req.Prior == nil {
		return &provider.PlanResponse{Action: provider.ActionCreate}, nil
	}

	var desired, prior properties
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("invalid desired properties: %w", err)
	}
	if err := json.Unmarshal(req.Prior, &prior); err != nil {
		return nil, fmt.Errorf("invalid prior properties: %w", err)
	}

	if reflect.DeepEqual(desired.Triggers, prior.Triggers) {
		return &provider.PlanResponse{Action: provider.ActionNoOp}, nil
	}

	var changed []string
	for k, v := range desired.Triggers {
		if pv, ok := prior.Triggers[k]; !ok || !reflect.DeepEqual(v, pv) {
			changed = append(changed, "triggers."+k)
		}
	}
	for k := range prior.Triggers {
		if _, ok := desired.Triggers[k]; !ok {
			changed = append(changed, "triggers."+k)
		}
	}

	return &provider.PlanResponse{Action: provider.ActionReplace, ChangedAttributes: changed}, nil
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var props properties
	if err := json.Unmarshal(req.Desired, &props); err != nil {
		return nil, fmt.Errorf("invalid desired properties: %w", err)
	}

	outputs := map[string]any{
		"id":       "null-" + req.Name,
		"triggers": props.Triggers,
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}

	pending := props.ChecksUntilReady > 0
	if pending {
		p.mu.Lock()
		p.checks[req.Name] = props.ChecksUntilReady
		p.mu.Unlock()
	}

	return &provider.ApplyResponse{Outputs: data, Pending: pending}, nil
}

func (p *Provider) Check(ctx context.Context, req *provider.CheckRequest) (*provider.CheckResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.checks[req.Name]
	if remaining <= 0 {
		return &provider.CheckResponse{Ready: true}, nil
	}
	p.checks[req.Name] = remaining - 1
	return &provider.CheckResponse{
		Ready:  remaining-1 <= 0,
		Reason: fmt.Sprintf("waiting for %d more checks", remaining-1),
	}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	p.mu.Lock()
	delete(p.checks, req.Name)
	p.mu.Unlock()
	return nil
}
