package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate the declaration",
	Long: `Evaluates the declaration, expands templates and builds the
dependency graph, reporting reference and cycle errors without contacting any
provider.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := newWorkspace(args)
	if err != nil {
		return err
	}

	cfg, err := ws.evaluator.LoadConfig(ctx, ws.entryPoint, nil)
	if err != nil {
		return fmt.Errorf("declaration is invalid: %w", err)
	}

	resources, err := engine.ExpandForEach(cfg.Resources, ws.dir)
	if err != nil {
		return fmt.Errorf("declaration is invalid: %w", err)
	}

	if _, err := engine.BuildDAG(resources); err != nil {
		return fmt.Errorf("declaration is invalid: %w", err)
	}

	fmt.Printf("Declaration is valid. %d resources (%d after expansion).\n",
		len(cfg.Resources), len(resources))
	return nil
}
