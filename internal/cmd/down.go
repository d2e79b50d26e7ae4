package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netra-systems/devlauncher/internal/config"
	"github.com/netra-systems/devlauncher/internal/launcher"
)

// NewDownCmd creates the down command
func NewDownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the development environment",
		Long:  `Stops the infrastructure containers, clears the service registry and releases reserved ports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			l, err := launcher.New(cfg, launcher.Options{})
			if err != nil {
				return err
			}
			defer l.Close()

			if err := l.Down(cmd.Context()); err != nil {
				return err
			}

			fmt.Println("✅ Environment stopped")
			return nil
		},
	}

	return cmd
}
