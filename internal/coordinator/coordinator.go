// Package coordinator orchestrates the startup of a set of named services:
// dependency-ordered, readiness-gated, with a required-vs-optional failure
// policy so a broken optional service degrades the environment instead of
// killing it.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netra-systems/devlauncher/internal/deps"
	"github.com/netra-systems/devlauncher/internal/ports"
)

const (
	readyPollStart  = time.Second
	readyPollFactor = 1.1
	readyPollCap    = 3 * time.Second
)

// PortFreeFunc answers whether a port is currently free at the OS level. The
// default delegates to a ports.Probe so the coordinator and the allocator
// share one notion of "free".
type PortFreeFunc func(port int) bool

// Coordinator runs coordinated startups. Expected failures never escape as
// errors from its public methods; they land in per-service StartupResults and
// the run verdict.
type Coordinator struct {
	mu       sync.Mutex
	cfg      Config
	services map[string]*Service
	results  map[string]StartupResult
	reserved map[string]int // service → pre-reserved port, pre-flight check only
	phase    Phase
	cancel   context.CancelFunc

	deps     *deps.Manager
	portFree PortFreeFunc
	log      logrus.FieldLogger
}

// New creates a coordinator over the given dependency manager.
func New(cfg Config, dm *deps.Manager, log logrus.FieldLogger) *Coordinator {
	if cfg.MaxParallelStarts <= 0 {
		cfg.MaxParallelStarts = 1
	}
	if cfg.DependencyTimeout <= 0 {
		cfg.DependencyTimeout = DefaultConfig().DependencyTimeout
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = DefaultConfig().ReadinessTimeout
	}
	if dm == nil {
		dm = deps.NewManager(log)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	probe := ports.NewProbe()
	return &Coordinator{
		cfg:      cfg,
		services: make(map[string]*Service),
		results:  make(map[string]StartupResult),
		reserved: make(map[string]int),
		phase:    PhaseInitializing,
		deps:     dm,
		portFree: probe.Available,
		log:      log.WithField("component", "coordinator"),
	}
}

// SetPortFreeFunc overrides the OS-level port check, mainly for tests.
func (c *Coordinator) SetPortFreeFunc(f PortFreeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portFree = f
}

// Register adds a logical service to the coordinator and its dependency
// declarations to the dependency manager. Registering the same name again
// replaces the earlier entry.
func (c *Coordinator) Register(svc Service) {
	c.mu.Lock()
	c.services[svc.Name] = &svc
	c.mu.Unlock()
	c.deps.AddService(svc.Name, svc.Dependencies...)
}

// ReservePort notes that a port was pre-reserved for the service. The only
// consumer is the pre-flight check before the service's startup callback runs;
// real allocation bookkeeping belongs to the ports.Allocator the callback
// itself uses.
func (c *Coordinator) ReservePort(service string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved[service] = port
}

// CoordinateStartup starts the named services (all registered services when
// none are named) honoring dependency order and the failure policy. Returns
// true only when every required service started and passed final
// verification.
func (c *Coordinator) CoordinateStartup(ctx context.Context, names ...string) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.results = make(map[string]StartupResult)
	if len(names) == 0 {
		for name := range c.services {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	c.phase = PhaseDependencyResolution
	c.mu.Unlock()

	order := c.resolveOrder(names)
	c.log.WithField("order", order).Info("resolved startup order")

	c.setPhase(PhaseSequentialStartup)
	c.runStartups(ctx, order)

	requiredOK := true
	c.mu.Lock()
	for _, name := range order {
		res := c.results[name]
		if res.OK {
			continue
		}
		if c.isRequiredLocked(name) {
			c.log.WithField("service", name).WithField("error", res.Error).
				Error("required service failed to start")
			requiredOK = false
		} else {
			c.log.WithField("service", name).WithField("error", res.Error).
				Warn("optional service degraded")
			if !c.cfg.GracefulDegradation {
				requiredOK = false
			}
		}
	}
	c.mu.Unlock()

	c.setPhase(PhaseReadinessVerification)
	verified := c.verifyRequired(ctx, order)

	ok := requiredOK && verified
	if ok {
		c.setPhase(PhaseCompleted)
	} else {
		c.setPhase(PhaseFailed)
	}
	return ok
}

// resolveOrder asks the dependency manager for a full topological order and
// filters it to the requested subset, preserving relative order. Requested
// services the graph does not know are appended sorted. A cycle degrades to a
// plain alphabetical order instead of aborting.
func (c *Coordinator) resolveOrder(names []string) []string {
	requested := make(map[string]bool, len(names))
	for _, n := range names {
		requested[n] = true
	}

	full, err := c.deps.StartupOrder()
	if err != nil {
		c.log.WithError(err).Warn("falling back to alphabetical startup order")
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		return sorted
	}

	var order []string
	inOrder := make(map[string]bool)
	for _, n := range full {
		if requested[n] {
			order = append(order, n)
			inOrder[n] = true
		}
	}

	var extra []string
	for _, n := range names {
		if !inOrder[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

// runStartups launches the services in order with at most MaxParallelStarts
// in flight. Slots are acquired in topological order, so a service never
// enters the pool before everything it depends on has.
func (c *Coordinator) runStartups(ctx context.Context, order []string) {
	sem := make(chan struct{}, c.cfg.MaxParallelStarts)
	var wg sync.WaitGroup

	for _, name := range order {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			c.recordResult(StartupResult{
				Name: name, Error: "coordination cancelled",
				StartedAt: time.Now(), FinishedAt: time.Now(),
			})
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()
			c.startService(ctx, name)
		}(name)
	}

	wg.Wait()
}

// startService runs one service's full startup sequence: dependency wait,
// port pre-flight, startup callback, readiness poll.
func (c *Coordinator) startService(ctx context.Context, name string) {
	c.mu.Lock()
	svc := c.services[name]
	reservedPort, hasPort := c.reserved[name]
	c.mu.Unlock()

	result := StartupResult{Name: name, StartedAt: time.Now()}
	fail := func(msg string) {
		result.Error = msg
		result.FinishedAt = time.Now()
		c.recordResult(result)
		c.deps.MarkFailed(name, msg)
	}

	if svc == nil {
		fail("service not registered")
		return
	}

	c.deps.MarkStarting(name)

	depCtx, cancel := context.WithTimeout(ctx, c.cfg.DependencyTimeout)
	depsReady := c.deps.WaitForDependencies(depCtx, name)
	cancel()
	if !depsReady {
		fail("dependencies not ready")
		return
	}

	if hasPort && !c.portFree(reservedPort) {
		fail(fmt.Sprintf("reserved port %d is already in use", reservedPort))
		return
	}

	outcome, err := c.invokeStart(ctx, svc)
	if err != nil {
		fail(fmt.Sprintf("startup callback failed: %v", err))
		return
	}
	if outcome != nil {
		result.Port = outcome.Port
		result.PID = outcome.PID
	}

	if !c.waitReady(ctx, svc) {
		fail(fmt.Sprintf("service not ready after %s", c.cfg.ReadinessTimeout))
		return
	}

	result.OK = true
	result.FinishedAt = time.Now()
	c.recordResult(result)
	c.deps.MarkReady(name)
	c.log.WithField("service", name).WithField("duration", result.Duration()).
		Info("service started")
}

// invokeStart runs the startup callback, converting panics into errors so a
// broken callback cannot take the coordinator down.
func (c *Coordinator) invokeStart(ctx context.Context, svc *Service) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = nil, fmt.Errorf("startup callback panicked: %v", r)
		}
	}()
	if svc.Start == nil {
		return nil, nil
	}
	return svc.Start(ctx)
}

// waitReady polls the readiness callback at a growing interval (1s, ×1.1,
// capped at 3s) until it passes or the readiness timeout elapses. A nil
// callback counts as immediately ready.
func (c *Coordinator) waitReady(ctx context.Context, svc *Service) bool {
	if svc.Ready == nil {
		return true
	}

	deadline := time.Now().Add(c.cfg.ReadinessTimeout)
	interval := readyPollStart
	for {
		if ok := c.checkReady(ctx, svc); ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * readyPollFactor)
		if interval > readyPollCap {
			interval = readyPollCap
		}
	}
}

func (c *Coordinator) checkReady(ctx context.Context, svc *Service) (ready bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("service", svc.Name).Errorf("readiness callback panicked: %v", r)
			ready = false
		}
	}()
	ok, err := svc.Ready(ctx)
	if err != nil {
		return false
	}
	return ok
}

// verifyRequired re-checks only the required services' readiness callbacks,
// retrying the whole pass per RetryCount. All of them must report ready.
func (c *Coordinator) verifyRequired(ctx context.Context, order []string) bool {
	c.mu.Lock()
	var required []*Service
	for _, name := range order {
		if c.isRequiredLocked(name) {
			if svc, ok := c.services[name]; ok {
				required = append(required, svc)
			}
		}
	}
	retries := c.cfg.RetryCount
	c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		allReady := true
		for _, svc := range required {
			if !c.checkReady(ctx, svc) {
				c.log.WithField("service", svc.Name).Warn("final readiness verification failed")
				allReady = false
			}
		}
		if allReady {
			return true
		}
		if attempt >= retries {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

// isRequiredLocked applies the failure policy: explicitly optional services
// are optional, everything else is required.
func (c *Coordinator) isRequiredLocked(name string) bool {
	for _, n := range c.cfg.Optional {
		if n == name {
			return false
		}
	}
	for _, n := range c.cfg.Required {
		if n == name {
			return true
		}
	}
	return len(c.cfg.Required) == 0
}

func (c *Coordinator) recordResult(r StartupResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[r.Name] = r
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = p
}

// Phase returns the current run phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// StartupStatus returns the full diagnostic dump of the last (or current)
// coordination run.
func (c *Coordinator) StartupStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Phase:   c.phase,
		Results: make(map[string]StartupResult, len(c.results)),
		States:  c.deps.DependencyStatus(),
	}
	for name, res := range c.results {
		s.Results[name] = res
		if res.OK {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	s.Degraded = c.degradedLocked()
	return s
}

// Healthy reports whether the run completed and every required service both
// started successfully and is still marked ready by the dependency manager.
func (c *Coordinator) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseCompleted {
		return false
	}
	for name := range c.services {
		if !c.isRequiredLocked(name) {
			continue
		}
		res, attempted := c.results[name]
		if !attempted || !res.OK {
			return false
		}
		if c.deps.ServiceState(name) != deps.StateReady {
			return false
		}
	}
	return true
}

// DegradedServices lists the optional services that failed or were never
// attempted in the last run.
func (c *Coordinator) DegradedServices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degradedLocked()
}

func (c *Coordinator) degradedLocked() []string {
	var degraded []string
	for name := range c.services {
		if c.isRequiredLocked(name) {
			continue
		}
		res, attempted := c.results[name]
		if !attempted || !res.OK {
			degraded = append(degraded, name)
		}
	}
	sort.Strings(degraded)
	return degraded
}

// Reset clears all run state, cancelling any still-running startup tasks, so
// the coordinator can run again from scratch.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.results = make(map[string]StartupResult)
	c.reserved = make(map[string]int)
	c.phase = PhaseInitializing
	c.mu.Unlock()

	c.deps.ResetAll()
}
