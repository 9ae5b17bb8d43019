package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/internal/ir"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy all managed resources",
	Long: `Destroys every resource tracked in state, dependents before their
dependencies.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := newWorkspace(args)
	if err != nil {
		return err
	}

	if err := ws.store.Lock(); err != nil {
		return err
	}
	defer ws.store.Unlock()

	snap, err := ws.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	if len(snap.Records) == 0 {
		fmt.Println("Nothing to destroy. State is empty.")
		return nil
	}

	// Provider settings still come from the declaration when it is present;
	// destroy must work without one, falling back to provider defaults.
	if cfg, err := ws.evaluator.LoadConfig(ctx, ws.entryPoint, nil); err == nil {
		if err := ws.configureProviders(ctx, cfg); err != nil {
			return err
		}
	}

	// Planning against an empty declaration turns every record into a delete.
	empty := &ir.Config{}
	fmt.Print("Calculating destroy plan... ")
	plan, err := ws.engine.CreatePlan(ctx, empty, snap)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	fmt.Println("\nTerrane will destroy the following resources:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !destroyAutoApprove {
		if !confirm("Do you really want to destroy all resources?") {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	fmt.Printf("\nDestroying %d resources...\n\n", len(plan.Changes))

	if err := ws.engine.ApplyPlan(ctx, plan, ws.store, snap, applyEventPrinter); err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}

	fmt.Printf("\nDestroy complete! Resources: %d destroyed.\n", plan.Summary.Delete)
	return nil
}
