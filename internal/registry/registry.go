// Package registry is a directory of running local services. Other processes
// can register into it and query against it; discovery deliberately absorbs
// registration/query timing races with retry-and-backoff instead of failing
// fast, because the usual caller is racing another process's startup.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultDir is the registry directory used when none is configured.
	DefaultDir = ".service_registry"

	defaultStaleAfter    = 5 * time.Minute
	defaultSweepInterval = time.Minute
	defaultRetryDelay    = 500 * time.Millisecond
	defaultWaitInterval  = time.Second
	maxRetryDelay        = 30 * time.Second
)

// Options configures a Registry.
type Options struct {
	Dir           string        // persistence directory; used only when Persist
	Persist       bool          // write one JSON file per registration
	StaleAfter    time.Duration // registrations unseen this long get swept
	SweepInterval time.Duration
	Logger        logrus.FieldLogger
}

// Registry holds the registration table. Read-modify-write sequences
// serialize on one mutex.
type Registry struct {
	mu       sync.Mutex
	services map[string]*Registration

	dir        string
	persist    bool
	staleAfter time.Duration
	log        logrus.FieldLogger

	sweepEvery time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a registry. When persistence is enabled, registrations already
// on disk are loaded eagerly so a restarted launcher sees services registered
// by an earlier run or another process.
func New(opts Options) (*Registry, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	r := &Registry{
		services:   make(map[string]*Registration),
		dir:        opts.Dir,
		persist:    opts.Persist,
		staleAfter: opts.StaleAfter,
		log:        opts.Logger.WithField("component", "registry"),
		sweepEvery: opts.SweepInterval,
	}

	if r.persist {
		if err := os.MkdirAll(r.dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
		r.mu.Lock()
		r.refreshAllLocked()
		r.mu.Unlock()
	}

	return r, nil
}

// Start launches the staleness sweep.
func (r *Registry) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.wg.Wait()
		r.cancel = nil
	}
}

// RegisterOptions carries the optional parts of a registration.
type RegisterOptions struct {
	Metadata            map[string]any
	Tags                []string
	Dependencies        []string
	HealthCheckInterval time.Duration
}

// Register records the service with status "registering", overwriting any
// prior registration of the same name. Always succeeds.
func (r *Registry) Register(name string, endpoints []Endpoint, opts RegisterOptions) bool {
	now := time.Now()
	reg := &Registration{
		ServiceName:         name,
		Status:              StatusRegistering,
		Endpoints:           endpoints,
		RegisteredAt:        now,
		LastSeen:            now,
		Metadata:            opts.Metadata,
		Tags:                opts.Tags,
		Dependencies:        opts.Dependencies,
		HealthCheckInterval: opts.HealthCheckInterval,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = reg
	r.persistLocked(reg)
	r.log.WithField("service", name).Debug("service registered")
	return true
}

// UpdateStatus moves the service to the given status and refreshes last-seen.
// Fails when the service is not registered.
func (r *Registry) UpdateStatus(name string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.services[name]
	if !ok {
		r.log.WithField("service", name).Error("status update for unknown service")
		return false
	}
	reg.Status = status
	reg.LastSeen = time.Now()
	r.persistLocked(reg)
	return true
}

// Unregister removes the in-memory entry and its persisted file.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[name]; !ok {
		return false
	}
	delete(r.services, name)
	if r.persist {
		_ = os.Remove(r.filePath(name))
	}
	return true
}

// Get returns the current registration, refreshed from disk, or nil.
func (r *Registry) Get(name string) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLocked(name)
	if reg, ok := r.services[name]; ok {
		return reg.clone()
	}
	return nil
}

// Discover finds the first registration matching the query, retrying with
// backoff per the query's retry budget. Returns nil on a miss, never an error:
// absence means "not ready yet".
func (r *Registry) Discover(ctx context.Context, q Query) *Registration {
	matches := r.discoverLoop(ctx, q, true)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// DiscoverAll is Discover for every matching registration.
func (r *Registry) DiscoverAll(ctx context.Context, q Query) []*Registration {
	return r.discoverLoop(ctx, q, false)
}

func (r *Registry) discoverLoop(ctx context.Context, q Query, first bool) []*Registration {
	delay := q.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	deadline := time.Time{}
	if q.Timeout > 0 {
		deadline = time.Now().Add(q.Timeout)
	}

	for attempt := 0; ; attempt++ {
		if matches := r.matchOnce(q, first); len(matches) > 0 {
			return matches
		}
		if attempt >= q.Retries {
			return nil
		}

		sleep := delay
		if q.ExponentialBackoff {
			sleep = backoffSleep(delay, attempt)
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			if sleep > remaining {
				sleep = remaining
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// backoffSleep doubles the delay per attempt, capped so large attempt counts
// can't overflow the shift into a negative (and therefore zero) sleep.
func backoffSleep(delay time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return maxRetryDelay
	}
	sleep := delay * (1 << attempt)
	if sleep <= 0 || sleep > maxRetryDelay {
		return maxRetryDelay
	}
	return sleep
}

func (r *Registry) matchOnce(q Query, first bool) []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q.Name != "" {
		r.refreshLocked(q.Name)
	} else {
		r.refreshAllLocked()
	}

	var matches []*Registration
	for _, reg := range r.services {
		if q.Matches(reg) {
			matches = append(matches, reg.clone())
			if first {
				return matches
			}
		}
	}
	return matches
}

// WaitFor polls discovery until the service reaches the wanted status or the
// timeout elapses. Returns nil on timeout.
func (r *Registry) WaitFor(ctx context.Context, name string, status Status, timeout, interval time.Duration) *Registration {
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		if reg := r.Discover(ctx, Query{Name: name, Status: status}); reg != nil {
			return reg
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// WaitForDependencies waits for every dependency declared by the named service
// to reach ready. The timeout is one shared ceiling across all dependencies,
// not a per-dependency budget. Returns whether all became ready plus the names
// that did not.
func (r *Registry) WaitForDependencies(ctx context.Context, name string, timeout time.Duration) (bool, []string) {
	reg := r.Get(name)
	if reg == nil {
		return false, []string{name}
	}

	deadline := time.Now().Add(timeout)
	var failed []string
	for _, dep := range reg.Dependencies {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			failed = append(failed, dep)
			continue
		}
		if r.WaitFor(ctx, dep, StatusReady, remaining, 0) == nil {
			failed = append(failed, dep)
		}
	}
	return len(failed) == 0, failed
}

// Sweep drops registrations unseen for longer than the staleness threshold,
// unless they are ready or still starting.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.staleAfter)
	var swept int
	for name, reg := range r.services {
		if reg.Status == StatusReady || reg.Status == StatusStarting {
			continue
		}
		if reg.LastSeen.Before(cutoff) {
			delete(r.services, name)
			if r.persist {
				_ = os.Remove(r.filePath(name))
			}
			swept++
		}
	}
	if swept > 0 {
		r.log.WithField("count", swept).Debug("swept stale registrations")
	}
	return swept
}

// All returns a snapshot of every registration.
func (r *Registry) All() []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshAllLocked()

	out := make([]*Registration, 0, len(r.services))
	for _, reg := range r.services {
		out = append(out, reg.clone())
	}
	return out
}

// --- persistence ---

func (r *Registry) filePath(name string) string {
	return filepath.Join(r.dir, name+".json")
}

// persistLocked writes the registration whole-file, via temp-then-rename so a
// crashed write never leaves a truncated file behind.
func (r *Registry) persistLocked(reg *Registration) {
	if !r.persist {
		return
	}

	data, err := json.MarshalIndent(toFile(reg), "", "  ")
	if err != nil {
		r.log.WithField("service", reg.ServiceName).WithError(err).Warn("failed to encode registration")
		return
	}

	path := r.filePath(reg.ServiceName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		r.log.WithField("service", reg.ServiceName).WithError(err).Warn("failed to persist registration")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		r.log.WithField("service", reg.ServiceName).WithError(err).Warn("failed to persist registration")
	}
}

// refreshLocked merges the persisted file for one service into memory when the
// on-disk copy is newer than what we hold (or we hold nothing).
func (r *Registry) refreshLocked(name string) {
	if !r.persist {
		return
	}

	data, err := os.ReadFile(r.filePath(name))
	if err != nil {
		return
	}
	var f registrationFile
	if err := json.Unmarshal(data, &f); err != nil {
		r.log.WithField("service", name).WithError(err).Warn("corrupt registration file")
		return
	}

	loaded := fromFile(f)
	if current, ok := r.services[name]; ok && !current.LastSeen.Before(loaded.LastSeen) {
		return
	}
	r.services[name] = loaded
}

func (r *Registry) refreshAllLocked() {
	if !r.persist {
		return
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		r.refreshLocked(strings.TrimSuffix(e.Name(), ".json"))
	}
}
