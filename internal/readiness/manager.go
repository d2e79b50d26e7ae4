// Package readiness distinguishes "the process started" from "the service can
// actually serve traffic". Health checks performed too early produce false
// positives, so each service carries an explicit state machine:
//
//	unknown → initializing → starting → ready
//	                                  ↘ failed
//
// failed is re-enterable: a previously ready service is demoted when its
// checker stops passing.
package readiness

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is a service's position in the readiness lifecycle.
type State string

const (
	StateUnknown      State = "unknown"
	StateInitializing State = "initializing"
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateFailed       State = "failed"
)

// Status is the per-service readiness record.
type Status struct {
	State     State
	LastCheck time.Time
	LastError string
}

// Ready reports whether the service is fully ready.
func (s Status) Ready() bool { return s.State == StateReady }

// Checker probes whether a service can serve traffic.
type Checker interface {
	Check(ctx context.Context) (bool, error)
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc func(ctx context.Context) (bool, error)

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context) (bool, error) { return f(ctx) }

// Manager tracks readiness state per service and polls the registered
// checkers.
type Manager struct {
	mu       sync.Mutex
	checkers map[string]Checker
	status   map[string]*Status
	log      logrus.FieldLogger
}

// NewManager creates an empty readiness manager.
func NewManager(log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		status:   make(map[string]*Status),
		log:      log.WithField("component", "readiness"),
	}
}

// Register associates a checker with a service and initializes its status to
// unknown.
func (m *Manager) Register(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
	if _, ok := m.status[name]; !ok {
		m.status[name] = &Status{State: StateUnknown}
	}
}

// Status returns the current record for the service; unknown when the service
// was never registered.
func (m *Manager) Status(name string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.status[name]; ok {
		return *s
	}
	return Status{State: StateUnknown}
}

// MarkInitializing moves the service to initializing.
func (m *Manager) MarkInitializing(name string) { m.mark(name, StateInitializing, "") }

// MarkStarting moves the service to starting.
func (m *Manager) MarkStarting(name string) { m.mark(name, StateStarting, "") }

// MarkReady moves the service to ready.
func (m *Manager) MarkReady(name string) { m.mark(name, StateReady, "") }

// MarkFailed moves the service to failed with an explanatory message.
func (m *Manager) MarkFailed(name, reason string) { m.mark(name, StateFailed, reason) }

func (m *Manager) mark(name string, state State, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[name]
	if !ok {
		s = &Status{}
		m.status[name] = s
	}
	s.State = state
	s.LastCheck = time.Now()
	s.LastError = errMsg
}

// Update invokes the service's checker once. A passing check marks the
// service ready. A failing check demotes a previously ready service to failed
// (the regression is the signal); a service that was never ready keeps its
// current state, since being transiently unready is not an error.
func (m *Manager) Update(ctx context.Context, name string) {
	m.mu.Lock()
	c, ok := m.checkers[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	ready, err := m.safeCheck(ctx, name, c)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[name]
	if !ok {
		s = &Status{State: StateUnknown}
		m.status[name] = s
	}
	s.LastCheck = time.Now()

	switch {
	case ready:
		s.State = StateReady
		s.LastError = ""
	case s.State == StateReady:
		s.State = StateFailed
		s.LastError = "service was ready but stopped passing its readiness check"
		if err != nil {
			s.LastError = err.Error()
		}
		m.log.WithField("service", name).Warn("ready service regressed to failed")
	}
}

// CheckAll fans the checkers out concurrently and returns per-service results.
// Checker errors are logged and counted as not ready rather than propagated.
func (m *Manager) CheckAll(ctx context.Context) map[string]bool {
	m.mu.Lock()
	names := make([]string, 0, len(m.checkers))
	checkers := make([]Checker, 0, len(m.checkers))
	for name, c := range m.checkers {
		names = append(names, name)
		checkers = append(checkers, c)
	}
	m.mu.Unlock()

	results := make([]bool, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = m.safeCheck(ctx, names[i], checkers[i])
		}(i)
	}
	wg.Wait()

	out := make(map[string]bool, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

// WaitAll polls CheckAll until every registered checker passes or the timeout
// elapses.
func (m *Manager) WaitAll(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		results := m.CheckAll(ctx)
		allReady := len(results) > 0
		for _, ok := range results {
			if !ok {
				allReady = false
				break
			}
		}
		if allReady {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

// OverallReady reports whether every tracked service is in the ready state.
func (m *Manager) OverallReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.status) == 0 {
		return false
	}
	for _, s := range m.status {
		if s.State != StateReady {
			return false
		}
	}
	return true
}

func (m *Manager) safeCheck(ctx context.Context, name string, c Checker) (ready bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("service", name).Errorf("readiness checker panicked: %v", r)
			ready = false
		}
	}()
	ready, err = c.Check(ctx)
	if err != nil {
		m.log.WithField("service", name).WithError(err).Debug("readiness check errored")
		return false, err
	}
	return ready, nil
}
