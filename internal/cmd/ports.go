package cmd

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/netra-systems/devlauncher/internal/config"
	"github.com/netra-systems/devlauncher/internal/docker"
	"github.com/netra-systems/devlauncher/internal/ports"
)

// NewPortsCmd creates the ports command group
func NewPortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect port usage",
	}

	cmd.AddCommand(newPortsCheckCmd())
	cmd.AddCommand(newPortsJournalCmd())

	return cmd
}

func newPortsCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the well-known development ports",
		Long:  `Probes the infrastructure and development port ranges and reports what is listening.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			green := color.New(color.FgGreen).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()

			probe := ports.NewProbe()

			fmt.Println("Infrastructure ports")
			for _, svc := range docker.Services() {
				port := docker.HostPort(svc)
				if probe.InUse(port) {
					fmt.Printf("  %5d  %-12s %s\n", port, svc, green("listening"))
				} else {
					fmt.Printf("  %5d  %-12s %s\n", port, svc, yellow("free"))
				}
			}

			fmt.Println()
			fmt.Println("Service port ranges")
			for _, rng := range []struct {
				name string
				r    ports.Range
			}{
				{"frontend", ports.FrontendRange},
				{"backend", ports.BackendRange},
				{"auth", ports.AuthRange},
				{"dev", ports.DevRange},
			} {
				busy := 0
				for p := rng.r.Lo; p <= rng.r.Hi; p++ {
					if probe.InUse(p) {
						busy++
					}
				}
				fmt.Printf("  %-8s %d-%d: %d in use\n", rng.name, rng.r.Lo, rng.r.Hi, busy)
			}

			return nil
		},
	}
}

func newPortsJournalCmd() *cobra.Command {
	var (
		limit int
		port  int
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent port allocation events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.JournalPath == "" {
				fmt.Println("Port journal disabled (set JOURNAL_PATH in .devlauncher.config)")
				return nil
			}

			journal, err := ports.OpenJournal(cfg.JournalPath)
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer journal.Close()

			var entries []ports.JournalEntry
			if port != 0 {
				entries, err = journal.History(port)
			} else {
				entries, err = journal.Recent(limit)
			}
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}

			if len(entries) == 0 {
				fmt.Println("No allocation events recorded")
				return nil
			}

			sort.Slice(entries, func(i, j int) bool { return entries[i].At.After(entries[j].At) })
			for _, e := range entries {
				fmt.Printf("%s  %-8s port %-5d %s",
					e.At.Format("2006-01-02 15:04:05"), e.Event, e.Port, e.Service)
				if e.PID != 0 {
					fmt.Printf(" (pid %d)", e.PID)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events to show")
	cmd.Flags().IntVar(&port, "port", 0, "Show full history for one port")

	return cmd
}
