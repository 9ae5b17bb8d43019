package main

import (
	"os"

	"github.com/terrane-io/terrane/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
