package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netra-systems/devlauncher/internal/config"
	"github.com/netra-systems/devlauncher/internal/registry"
)

// NewServicesCmd creates the services command
func NewServicesCmd() *cobra.Command {
	var (
		tag     string
		status  string
		wait    time.Duration
		retries int
	)

	cmd := &cobra.Command{
		Use:   "services [name]",
		Short: "Query the service registry",
		Long: `Queries the shared service registry. With a name argument it looks up one
service, retrying until it appears or the wait budget runs out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			reg, err := registry.New(registry.Options{
				Dir:        cfg.RegistryDir,
				Persist:    cfg.PersistRegistry,
				StaleAfter: cfg.RegistryStaleAfter,
			})
			if err != nil {
				return fmt.Errorf("failed to open registry: %w", err)
			}

			q := registry.Query{
				Status:  registry.Status(status),
				Retries: retries,
				Timeout: wait,
			}
			if tag != "" {
				q.Tags = []string{tag}
			}
			if len(args) == 1 {
				q.Name = args[0]
			}

			if q.Name != "" {
				match := reg.Discover(cmd.Context(), q)
				if match == nil {
					return fmt.Errorf("service %q not found", q.Name)
				}
				printRegistry([]*registry.Registration{match})
				return nil
			}

			printRegistry(reg.DiscoverAll(cmd.Context(), q))
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "Only services carrying this tag")
	cmd.Flags().StringVar(&status, "status", "", "Only services with this status")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Keep retrying until the deadline")
	cmd.Flags().IntVar(&retries, "retries", 0, "Additional discovery attempts")

	return cmd
}
