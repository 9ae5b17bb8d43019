package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	planOutFile    string
	planTargets    []string
	planProperties map[string]string
)

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Generate an execution plan",
	Long: `Generates an execution plan showing what actions terrane will take
to reach the declared state.

The plan shows:
  • Resources to be created
  • Resources to be updated (with diff)
  • Resources to be replaced or deleted`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write plan to file")
	planCmd.Flags().StringSliceVar(&planTargets, "target", nil, "Limit planning to the given resource addresses")
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := newWorkspace(args)
	if err != nil {
		return err
	}

	fmt.Print("Loading declaration... ")
	cfg, err := ws.evaluator.LoadConfig(ctx, ws.entryPoint, planProperties)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load declaration: %w", err)
	}
	fmt.Println("OK")

	if err := ws.configureProviders(ctx, cfg); err != nil {
		return err
	}

	snap, err := ws.loadSnapshot(ctx)
	if err != nil {
		return err
	}

	fmt.Print("Calculating plan... ")
	plan, err := ws.engine.CreatePlanWithTargets(ctx, cfg, snap, planTargets)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	renderPlanSummary(plan)

	if len(plan.Changes) > 0 {
		fmt.Println("\nTerrane will perform the following actions:")
		renderPlanChanges(plan)
	} else {
		fmt.Println("\nNo changes. Infrastructure is up-to-date.")
	}

	if planOutFile != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write plan file: %w", err)
		}
		fmt.Printf("\nPlan saved to %s\n", planOutFile)
	}

	return nil
}
