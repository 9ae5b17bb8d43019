package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new terrane project",
	Long:  `Creates the working directory and a starter declaration.`,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(filepath.Join(workDirName, "state"), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", workDirName, err)
	}

	mainPkl := "main.pkl"
	if _, err := os.Stat(mainPkl); os.IsNotExist(err) {
		content := `// Terrane declaration

providers {
  ["aws"] {
    ["region"] = "us-east-1"
  }
}

resources {
  // Add your resources here
}

outputs {
  // Add your outputs here
}
`
		if err := os.WriteFile(mainPkl, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", mainPkl, err)
		}
		fmt.Printf("Created %s\n", mainPkl)
	}

	fmt.Println("\nTerrane initialized successfully!")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit main.pkl to declare your infrastructure")
	fmt.Println("  2. Run 'terrane plan' to see what will change")
	fmt.Println("  3. Run 'terrane apply' to reconcile")

	return nil
}
