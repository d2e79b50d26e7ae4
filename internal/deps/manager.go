// Package deps resolves service startup order from a dependency graph and
// tracks per-service startup states for dependency gating.
package deps

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind says how hard a dependency edge is.
type Kind string

const (
	// Required dependencies must reach ready before the dependent may start.
	Required Kind = "required"
	// Optional dependencies only need to settle (ready or failed); a failed
	// optional dependency never blocks the dependent.
	Optional Kind = "optional"
)

// Declaration is one dependency edge.
type Declaration struct {
	Service   string
	DependsOn string
	Kind      Kind
	Timeout   time.Duration
}

// ServiceState is a service's place in the startup lifecycle.
type ServiceState string

const (
	StatePending  ServiceState = "pending"
	StateStarting ServiceState = "starting"
	StateReady    ServiceState = "ready"
	StateFailed   ServiceState = "failed"
)

// ErrCycle is returned by StartupOrder when the graph has a dependency cycle.
var ErrCycle = errors.New("dependency cycle detected")

// Manager owns the dependency graph and the startup-state table.
type Manager struct {
	mu     sync.Mutex
	deps   map[string][]Declaration // service → its outgoing edges
	states map[string]ServiceState
	errs   map[string]string
	log    logrus.FieldLogger

	pollInterval time.Duration
}

// NewManager creates an empty dependency manager.
func NewManager(log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		deps:         make(map[string][]Declaration),
		states:       make(map[string]ServiceState),
		errs:         make(map[string]string),
		log:          log.WithField("component", "deps"),
		pollInterval: 100 * time.Millisecond,
	}
}

// AddService registers a service and its dependency declarations. Dependencies
// named but never added themselves become implicit pending services.
func (m *Manager) AddService(name string, decls ...Declaration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[name]; !ok {
		m.states[name] = StatePending
	}
	for _, d := range decls {
		d.Service = name
		m.deps[name] = append(m.deps[name], d)
		if _, ok := m.states[d.DependsOn]; !ok {
			m.states[d.DependsOn] = StatePending
		}
	}
}

// StartupOrder returns a full topological order: every dependency before its
// dependents, ties broken alphabetically so the order is deterministic.
// Returns ErrCycle when the graph cannot be ordered.
func (m *Manager) StartupOrder() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Kahn's algorithm over the dependency edges.
	indegree := make(map[string]int, len(m.states))
	dependents := make(map[string][]string)
	for name := range m.states {
		indegree[name] = 0
	}
	for service, decls := range m.deps {
		for _, d := range decls {
			indegree[service]++
			dependents[d.DependsOn] = append(dependents[d.DependsOn], service)
		}
	}

	var frontier []string
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)

	var order []string
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		order = append(order, name)

		var released []string
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		sort.Strings(released)
		frontier = append(frontier, released...)
	}

	if len(order) != len(m.states) {
		return nil, ErrCycle
	}
	return order, nil
}

// MarkStarting records that the service's startup callback is being invoked.
func (m *Manager) MarkStarting(name string) { m.setState(name, StateStarting, "") }

// MarkReady records that the service passed its readiness wait.
func (m *Manager) MarkReady(name string) { m.setState(name, StateReady, "") }

// MarkFailed records a startup failure with its reason.
func (m *Manager) MarkFailed(name, reason string) { m.setState(name, StateFailed, reason) }

func (m *Manager) setState(name string, s ServiceState, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[name] = s
	if reason != "" {
		m.errs[name] = reason
	}
}

// ServiceState returns the current state of the service, pending if unknown.
func (m *Manager) ServiceState(name string) ServiceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[name]; ok {
		return s
	}
	return StatePending
}

// WaitForDependencies blocks until every required dependency of the service is
// ready and every optional one has settled (ready or failed), or the context
// expires. Returns false when a required dependency failed or the wait timed
// out.
func (m *Manager) WaitForDependencies(ctx context.Context, name string) bool {
	for {
		settled, ok := m.dependenciesSettled(name)
		if settled {
			return ok
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.pollInterval):
		}
	}
}

// dependenciesSettled reports (all settled, all required ready).
func (m *Manager) dependenciesSettled(name string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.deps[name] {
		state := m.states[d.DependsOn]
		switch d.Kind {
		case Optional:
			if state != StateReady && state != StateFailed {
				return false, false
			}
		default:
			if state == StateFailed {
				return true, false
			}
			if state != StateReady {
				return false, false
			}
		}
	}
	return true, true
}

// DependencyStatus returns a snapshot of every service's state, dependencies,
// and last failure reason.
func (m *Manager) DependencyStatus() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ServiceStatus, len(m.states))
	for name, state := range m.states {
		st := ServiceStatus{State: state, Error: m.errs[name]}
		for _, d := range m.deps[name] {
			st.DependsOn = append(st.DependsOn, d.DependsOn)
		}
		sort.Strings(st.DependsOn)
		out[name] = st
	}
	return out
}

// ServiceStatus is one entry of DependencyStatus.
type ServiceStatus struct {
	State     ServiceState
	DependsOn []string
	Error     string
}

// ResetAll returns every service to pending and clears failure reasons.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.states {
		m.states[name] = StatePending
	}
	m.errs = make(map[string]string)
}
