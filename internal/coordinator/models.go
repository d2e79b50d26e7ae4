package coordinator

import (
	"context"
	"time"

	"github.com/netra-systems/devlauncher/internal/deps"
)

// Outcome is what a startup callback reports back: the port it bound and the
// process it spawned, either of which may be absent. Every callback returns
// this one shape; the coordinator never inspects callback results dynamically.
type Outcome struct {
	Port int
	PID  int
}

// StartFunc launches a service. Returning an error (or panicking) marks the
// startup attempt failed without crashing the coordinator.
type StartFunc func(ctx context.Context) (*Outcome, error)

// ReadyFunc reports whether the service can serve traffic yet.
type ReadyFunc func(ctx context.Context) (bool, error)

// Service is one logical service registered with the coordinator.
type Service struct {
	Name         string
	Start        StartFunc
	Ready        ReadyFunc
	Dependencies []deps.Declaration
}

// Config is the coordination run's static configuration.
type Config struct {
	MaxParallelStarts   int
	DependencyTimeout   time.Duration
	ReadinessTimeout    time.Duration
	RetryCount          int // extra passes of the final readiness verification
	GracefulDegradation bool
	Required            []string
	Optional            []string
}

// DefaultConfig returns the configuration used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		MaxParallelStarts:   1,
		DependencyTimeout:   60 * time.Second,
		ReadinessTimeout:    90 * time.Second,
		RetryCount:          1,
		GracefulDegradation: true,
	}
}

// Phase is the coordination run's lifecycle state.
type Phase string

const (
	PhaseInitializing          Phase = "initializing"
	PhaseDependencyResolution  Phase = "dependency_resolution"
	PhaseSequentialStartup     Phase = "sequential_startup"
	PhaseReadinessVerification Phase = "readiness_verification"
	PhaseCompleted             Phase = "completed"
	PhaseFailed                Phase = "failed"
)

// StartupResult records one service's startup attempt.
type StartupResult struct {
	Name       string
	OK         bool
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	Port       int
	PID        int
}

// Duration is how long the startup attempt took.
func (r StartupResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status is the full diagnostic dump of a coordination run.
type Status struct {
	Phase     Phase
	Results   map[string]StartupResult
	States    map[string]deps.ServiceStatus
	Succeeded int
	Failed    int
	Degraded  []string
}
