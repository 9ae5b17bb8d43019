package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show [planfile]",
	Short: "Show the current state or a saved plan",
	Long: `Without arguments, prints every state record. With a saved plan
file, prints the plan.`,
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(args) > 0 && strings.HasSuffix(args[0], ".json") {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read plan file: %w", err)
		}
		var pretty json.RawMessage = raw
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return fmt.Errorf("plan file is not valid JSON: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	ws, err := newWorkspace(args)
	if err != nil {
		return err
	}

	snap, err := ws.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	if len(snap.Records) == 0 {
		fmt.Println("State is empty.")
		return nil
	}

	out, err := json.MarshalIndent(snap.Records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
