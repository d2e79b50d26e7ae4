// Package docker finds and manages the Docker-backed dependency services
// (Redis, ClickHouse, Postgres) behind the dev environment. It talks to the
// docker CLI, never the daemon API, and converts every failure into a
// (false, message) shape so callers can degrade gracefully.
package docker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultCommandTimeout = 30 * time.Second

// Runner executes an external command and returns its stdout. Injectable so
// tests never need a Docker daemon.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error)
}

// execRunner shells out via os/exec with a per-call timeout.
type execRunner struct{}

// NewRunner returns the real command runner.
func NewRunner() Runner { return execRunner{} }

func (execRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%s timed out after %s", name, timeout)
		}
		return strings.TrimSpace(string(out)), fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
