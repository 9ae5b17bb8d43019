package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/internal/engine"
)

var graphCmd = &cobra.Command{
	Use:   "graph [path]",
	Short: "Emit the dependency graph in DOT format",
	RunE:  runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := newWorkspace(args)
	if err != nil {
		return err
	}

	cfg, err := ws.evaluator.LoadConfig(ctx, ws.entryPoint, nil)
	if err != nil {
		return fmt.Errorf("failed to load declaration: %w", err)
	}

	resources, err := engine.ExpandForEach(cfg.Resources, ws.dir)
	if err != nil {
		return err
	}
	dag, err := engine.BuildDAG(resources)
	if err != nil {
		return err
	}

	fmt.Println("digraph resources {")
	fmt.Println("  rankdir = \"BT\";")
	for _, addr := range dag.CreationOrder() {
		fmt.Printf("  %q;\n", addr)
		for _, dep := range dag.Dependencies(addr) {
			fmt.Printf("  %q -> %q;\n", addr, dep)
		}
	}
	fmt.Println("}")
	return nil
}
