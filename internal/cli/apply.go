package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/internal/ir"
)

var (
	applyAutoApprove     bool
	applyContinueOnError bool
	applyProperties      map[string]string
)

var applyCmd = &cobra.Command{
	Use:   "apply [path | planfile]",
	Short: "Apply a declaration or a saved plan",
	Long: `Builds or changes infrastructure according to the declaration.

With a saved plan file (produced by 'plan -out'), applies exactly that
change-set. The apply is refused if state changed since the plan was
computed.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().BoolVar(&applyContinueOnError, "continue-on-error", false, "Keep applying independent changes after a failure")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var planFile string
	var wsArgs []string
	if len(args) > 0 && strings.HasSuffix(args[0], ".json") {
		planFile = args[0]
	} else {
		wsArgs = args
	}

	ws, err := newWorkspace(wsArgs)
	if err != nil {
		return err
	}
	ws.engine.ContinueOnError = applyContinueOnError

	if err := ws.store.Lock(); err != nil {
		return err
	}
	defer ws.store.Unlock()

	snap, err := ws.loadSnapshot(ctx)
	if err != nil {
		return err
	}

	var plan *ir.Plan
	if planFile != "" {
		plan, err = readPlanFile(planFile)
		if err != nil {
			return err
		}
		// Providers referenced by the saved plan still need loading and
		// configuring; the declaration carries their settings.
		cfg, err := ws.evaluator.LoadConfig(ctx, ws.entryPoint, applyProperties)
		if err != nil {
			return fmt.Errorf("failed to load declaration: %w", err)
		}
		if err := ws.configureProviders(ctx, cfg); err != nil {
			return err
		}
		if err := loadPlanProviders(ws, plan); err != nil {
			return err
		}
	} else {
		fmt.Print("Loading declaration... ")
		cfg, err := ws.evaluator.LoadConfig(ctx, ws.entryPoint, applyProperties)
		if err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("failed to load declaration: %w", err)
		}
		fmt.Println("OK")

		if err := ws.configureProviders(ctx, cfg); err != nil {
			return err
		}

		fmt.Print("Calculating plan... ")
		plan, err = ws.engine.CreatePlan(ctx, cfg, snap)
		if err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("plan generation failed: %w", err)
		}
		fmt.Println("OK")
	}

	if len(plan.Changes) == 0 {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nTerrane will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !applyAutoApprove {
		if !confirm("Do you want to perform these actions?") {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Printf("\nApplying %d changes...\n\n", len(plan.Changes))

	if err := ws.engine.ApplyPlan(ctx, plan, ws.store, snap, applyEventPrinter); err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		plan.Summary.Create, plan.Summary.Update+plan.Summary.Replace, plan.Summary.Delete)

	if len(plan.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		for k, v := range plan.Outputs {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}

	return nil
}

func readPlanFile(path string) (*ir.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan ir.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	return &plan, nil
}

// loadPlanProviders loads every provider a saved plan's changes reference.
func loadPlanProviders(ws *workspace, plan *ir.Plan) error {
	seen := make(map[string]bool)
	for _, change := range plan.Changes {
		name := ""
		if change.Desired != nil {
			name = change.Desired.Provider
		} else if change.Prior != nil {
			name = change.Prior.Provider
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if err := ws.registry.LoadProvider(name); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", name, err)
		}
	}
	return nil
}
