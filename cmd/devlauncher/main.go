package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netra-systems/devlauncher/internal/cmd"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "devlauncher",
		Short: "Local development environment orchestrator",
		Long: `Devlauncher starts a local development environment: it brings up the shared
infrastructure containers in dependency order, tracks which service owns which
port and keeps a registry other tools can query.`,
		Version: version,
	}

	// Add subcommands
	rootCmd.AddCommand(cmd.NewUpCmd())
	rootCmd.AddCommand(cmd.NewDownCmd())
	rootCmd.AddCommand(cmd.NewStatusCmd())
	rootCmd.AddCommand(cmd.NewServicesCmd())
	rootCmd.AddCommand(cmd.NewPortsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
