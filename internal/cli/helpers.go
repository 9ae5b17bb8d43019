package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/terrane-io/terrane/internal/engine"
	"github.com/terrane-io/terrane/internal/eval"
	"github.com/terrane-io/terrane/internal/ir"
	"github.com/terrane-io/terrane/internal/provider"
	"github.com/terrane-io/terrane/internal/state"
)

const (
	workDirName     = ".terrane"
	backendFileName = "backend.json"
)

// workspace bundles the components every command needs.
type workspace struct {
	dir        string
	entryPoint string
	evaluator  *eval.Evaluator
	store      state.Store
	registry   *provider.Registry
	engine     *engine.Engine
}

// newWorkspace resolves the project directory and entry point from an
// optional path argument and wires up the evaluator, store, registry and
// engine. A .terrane/backend.json switches the store away from the local
// directory backend.
func newWorkspace(args []string) (*workspace, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint := "main.pkl"

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}

	store, err := openStore(wd)
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry()
	registerBuiltins(registry)

	eng := engine.NewEngine(registry)
	eng.BaseDir = wd

	return &workspace{
		dir:        wd,
		entryPoint: entryPoint,
		evaluator:  eval.NewEvaluator(wd),
		store:      store,
		registry:   registry,
		engine:     eng,
	}, nil
}

func openStore(dir string) (state.Store, error) {
	backendPath := filepath.Join(dir, workDirName, backendFileName)
	raw, err := os.ReadFile(backendPath)
	if os.IsNotExist(err) {
		return state.NewDirStore(filepath.Join(dir, workDirName, "state")), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backend configuration: %w", err)
	}

	var cfg state.BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse backend configuration: %w", err)
	}
	if cfg.Type == "local" || cfg.Type == "" {
		if cfg.Config == nil {
			cfg.Config = map[string]string{}
		}
		if cfg.Config["dir"] == "" {
			cfg.Config["dir"] = filepath.Join(dir, workDirName, "state")
		}
	}
	return state.NewStore(&cfg)
}

// loadSnapshot reads all state records into an immutable snapshot.
func (w *workspace) loadSnapshot(ctx context.Context) (*state.Snapshot, error) {
	records, err := w.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return state.NewSnapshot(records), nil
}

// configureProviders applies declaration-level provider settings.
func (w *workspace) configureProviders(ctx context.Context, cfg *ir.Config) error {
	for name, settings := range cfg.Providers {
		if err := w.registry.LoadProvider(name); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", name, err)
		}
		prov, err := w.registry.Get(name)
		if err != nil {
			return err
		}
		if err := prov.Configure(ctx, settings); err != nil {
			return fmt.Errorf("failed to configure provider %s: %w", name, err)
		}
	}
	return nil
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		symbol := "~"
		switch change.Action {
		case "CREATE":
			symbol = "+"
		case "DELETE":
			symbol = "-"
		case "REPLACE":
			symbol = "-/+"
		}

		color := "\033[0m"
		switch change.Action {
		case "CREATE":
			color = "\033[32m"
		case "DELETE":
			color = "\033[31m"
		case "UPDATE", "REPLACE":
			color = "\033[33m"
		}

		var resourceType, resourceName string
		if change.Desired != nil {
			resourceType = change.Desired.Type
			resourceName = change.Desired.Name
		} else if change.Prior != nil {
			resourceType = change.Prior.Type
			resourceName = change.Prior.Name
		}

		fmt.Printf("\n%s  # %s will be %s%s\n", color, change.Address, change.Action, "\033[0m")
		fmt.Printf("%s  %s resource \"%s\" \"%s\" {\n", color, symbol, resourceType, resourceName)

		if len(change.Diff) > 0 {
			renderPropertyDiff(change)
		} else {
			fmt.Printf("%s      ...\n", color)
		}
		fmt.Printf("%s    }%s\n", color, "\033[0m")
	}
}

// renderPropertyDiff prints structured property diffs.
func renderPropertyDiff(change *ir.ResourceChange) {
	for key, diff := range change.Diff {
		switch diff.Action {
		case "create":
			fmt.Printf("\033[32m      + %s = %v\033[0m\n", key, formatValue(diff.After))
		case "delete":
			fmt.Printf("\033[31m      - %s = %v\033[0m\n", key, formatValue(diff.Before))
		case "update":
			fmt.Printf("\033[33m      ~ %s = %v -> %v\033[0m\n", key, formatValue(diff.Before), formatValue(diff.After))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create:  %d\n", plan.Summary.Create)
	fmt.Printf("  Update:  %d\n", plan.Summary.Update)
	fmt.Printf("  Delete:  %d\n", plan.Summary.Delete)
	fmt.Printf("  Replace: %d\n", plan.Summary.Replace)
	fmt.Printf("  NoOp:    %d\n", plan.Summary.NoOp)
}

// confirm asks for interactive approval.
func confirm(prompt string) bool {
	fmt.Printf("\n%s (y/n): ", prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "yes"
}

// applyEventPrinter renders executor progress events.
func applyEventPrinter(ev engine.ApplyEvent) {
	switch ev.Status {
	case "started":
		fmt.Printf("%s: %s...\n", ev.Address, ev.Action)
	case "pending":
		fmt.Printf("%s: waiting for readiness...\n", ev.Address)
	case "succeeded":
		fmt.Printf("%s: done\n", ev.Address)
	case "skipped":
		fmt.Printf("%s: skipped (prerequisite failed)\n", ev.Address)
	case "failed":
		fmt.Printf("%s: FAILED: %v\n", ev.Address, ev.Err)
	}
}
