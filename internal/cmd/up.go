package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/netra-systems/devlauncher/internal/config"
	"github.com/netra-systems/devlauncher/internal/launcher"
)

// NewUpCmd creates the up command
func NewUpCmd() *cobra.Command {
	var (
		timeout  time.Duration
		parallel int
		strict   bool
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the development environment",
		Long: `Starts the bundled infrastructure services (postgres, redis, clickhouse)
in dependency order, waits for each to become ready and reports which
optional services were skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if parallel > 0 {
				cfg.MaxParallelStarts = parallel
			}
			if strict {
				cfg.GracefulDegradation = false
			}

			l, err := launcher.New(cfg, launcher.Options{})
			if err != nil {
				return err
			}
			defer l.Close()
			l.Start()

			if err := l.RegisterInfraServices(); err != nil {
				return fmt.Errorf("failed to register services: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			fmt.Println("🚀 Starting development environment...")
			fmt.Println()

			ok, err := l.Up(ctx)
			if err != nil {
				return err
			}

			printStartupReport(l)

			if !ok {
				return fmt.Errorf("required services failed to start")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall startup deadline")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "Max services starting at once (0 uses config)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat optional service failures as fatal")

	return cmd
}

func printStartupReport(l *launcher.Launcher) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	status := l.Coord.StartupStatus()
	names := make([]string, 0, len(status.Results))
	for name := range status.Results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		res := status.Results[name]
		if res.OK {
			line := fmt.Sprintf("  %s %s", green("✓"), name)
			if res.Port != 0 {
				line += fmt.Sprintf(" (port %d)", res.Port)
			}
			line += fmt.Sprintf(" [%s]", res.Duration().Round(time.Millisecond))
			fmt.Println(line)
			continue
		}
		fmt.Printf("  %s %s: %s\n", red("✗"), name, res.Error)
	}

	if degraded := l.Degraded(); len(degraded) > 0 {
		fmt.Println()
		fmt.Printf("%s Running degraded without: %s\n", yellow("⚠️"), strings.Join(degraded, ", "))
	}

	for _, anomaly := range l.Ports.Validate() {
		fmt.Printf("%s Port %d (%s): %s\n", yellow("⚠️"), anomaly.Port, anomaly.Service, anomaly.Detail)
	}

	fmt.Println()
	if l.Healthy() {
		fmt.Println("✅ Environment ready!")
	} else {
		fmt.Println("❌ Environment failed to start")
	}
}
