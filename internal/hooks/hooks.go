package hooks

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// HookType names one of the launcher lifecycle hook points.
type HookType string

const (
	PreUp   HookType = "pre-up"
	PostUp  HookType = "post-up"
	PreDown HookType = "pre-down"
)

// Execute runs the hook for the given lifecycle point, if one is defined.
// A script file under .devlauncher/hooks/ takes precedence over an inline
// script from config; with neither present this is a no-op.
func Execute(hookType HookType, scriptFromConfig string, env map[string]string) error {
	path := filepath.Join(".devlauncher", "hooks", string(hookType)+".sh")
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("🪝 Running %s hook...\n", hookType)
		return run(exec.Command("bash", path), env)
	}

	if scriptFromConfig != "" {
		fmt.Printf("🪝 Running %s script (from config)...\n", hookType)
		return run(exec.Command("bash", "-c", scriptFromConfig), env)
	}

	return nil
}

func run(cmd *exec.Cmd, env map[string]string) error {
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("hook failed: %w", err)
	}
	return nil
}
