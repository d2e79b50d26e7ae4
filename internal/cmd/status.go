package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/netra-systems/devlauncher/internal/config"
	"github.com/netra-systems/devlauncher/internal/docker"
	"github.com/netra-systems/devlauncher/internal/launcher"
	"github.com/netra-systems/devlauncher/internal/registry"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show environment status",
		Long:  `Shows the registered services, their last reported status and which containers are actually running.`,
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

			printRegistry(l.Registry.All())
			printContainers(cmd, l)
			return nil
		},
	}

	return cmd
}

func printRegistry(regs []*registry.Registration) {
	if len(regs) == 0 {
		fmt.Println("No services registered")
		return
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	sort.Slice(regs, func(i, j int) bool { return regs[i].ServiceName < regs[j].ServiceName })

	fmt.Println("Registered Services")
	fmt.Println("===================")
	fmt.Println()

	for _, reg := range regs {
		statusStr := string(reg.Status)
		switch reg.Status {
		case registry.StatusReady:
			statusStr = green(statusStr)
		case registry.StatusStarting, registry.StatusRegistering:
			statusStr = yellow(statusStr)
		case registry.StatusUnhealthy:
			statusStr = red(statusStr)
		}

		fmt.Printf("%s (%s)\n", reg.ServiceName, statusStr)
		for _, ep := range reg.Endpoints {
			if ep.URL != "" {
				fmt.Printf("  Endpoint: %s\n", ep.URL)
			} else if ep.Port != 0 {
				fmt.Printf("  Endpoint: localhost:%d (%s)\n", ep.Port, ep.Protocol)
			}
		}
		if len(reg.Dependencies) > 0 {
			fmt.Printf("  Depends:  %s\n", strings.Join(reg.Dependencies, ", "))
		}
		fmt.Printf("  Seen:     %s\n", reg.LastSeen.Format("2006-01-02 15:04:05"))
		fmt.Println()
	}
}

func printContainers(cmd *cobra.Command, l *launcher.Launcher) {
	ctx := cmd.Context()
	if !l.Discovery.Available(ctx) {
		fmt.Println("Docker daemon not reachable")
		return
	}

	running := l.Discovery.RunningServiceContainers(ctx)
	fmt.Println("Infrastructure Containers")
	fmt.Println("=========================")
	fmt.Println()

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	for _, svc := range docker.Services() {
		if info, ok := running[svc]; ok {
			fmt.Printf("  %s %-12s %s (%s)\n", green("✓"), svc, info.Name, info.Status)
		} else {
			fmt.Printf("  %s %-12s not running\n", red("✗"), svc)
		}
	}
}
