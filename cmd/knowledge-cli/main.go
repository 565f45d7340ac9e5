// Package main provides the knowledge engine command-line client.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/archonlabs/knowledge-engine/cmd/knowledge-cli/commands"
)

func main() {
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
