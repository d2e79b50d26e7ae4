package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Options{})
	require.NoError(t, err)
	return r
}

func backendEndpoints() []Endpoint {
	return []Endpoint{{
		Name:       "api",
		URL:        "http://localhost:8000",
		Port:       8000,
		HealthPath: "/health",
		ReadyPath:  "/ready",
		Protocol:   "http",
	}}
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)

	require.True(t, r.Register("backend", backendEndpoints(), RegisterOptions{
		Tags:         []string{"core"},
		Dependencies: []string{"database"},
	}))

	reg := r.Get("backend")
	require.NotNil(t, reg)
	assert.Equal(t, StatusRegistering, reg.Status)
	assert.Equal(t, []string{"core"}, reg.Tags)
	assert.Equal(t, []string{"database"}, reg.Dependencies)
	assert.False(t, reg.RegisteredAt.IsZero())
}

func TestRegisterOverwrites(t *testing.T) {
	r := newTestRegistry(t)

	require.True(t, r.Register("backend", nil, RegisterOptions{Tags: []string{"old"}}))
	require.True(t, r.Register("backend", backendEndpoints(), RegisterOptions{Tags: []string{"new"}}))

	reg := r.Get("backend")
	require.NotNil(t, reg)
	assert.Equal(t, []string{"new"}, reg.Tags)
	assert.Len(t, reg.Endpoints, 1)
}

func TestUpdateStatus(t *testing.T) {
	r := newTestRegistry(t)

	assert.False(t, r.UpdateStatus("ghost", StatusReady), "unknown service should fail")

	require.True(t, r.Register("backend", nil, RegisterOptions{}))
	require.True(t, r.UpdateStatus("backend", StatusReady))
	assert.Equal(t, StatusReady, r.Get("backend").Status)
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)

	require.True(t, r.Register("backend", nil, RegisterOptions{}))
	assert.True(t, r.Unregister("backend"))
	assert.False(t, r.Unregister("backend"))
	assert.Nil(t, r.Get("backend"))
}

func TestDiscoverFilters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.Register("backend", nil, RegisterOptions{Tags: []string{"core", "http"}, Dependencies: []string{"database"}})
	r.Register("auth", nil, RegisterOptions{Tags: []string{"core"}})
	r.UpdateStatus("backend", StatusReady)

	assert.NotNil(t, r.Discover(ctx, Query{Name: "backend"}))
	assert.Nil(t, r.Discover(ctx, Query{Name: "ghost"}))
	assert.Nil(t, r.Discover(ctx, Query{Name: "auth", Status: StatusReady}))
	assert.NotNil(t, r.Discover(ctx, Query{Name: "backend", Status: StatusReady}))
	assert.NotNil(t, r.Discover(ctx, Query{Tags: []string{"core", "http"}}))
	assert.Nil(t, r.Discover(ctx, Query{Tags: []string{"core", "grpc"}}))
	assert.NotNil(t, r.Discover(ctx, Query{Dependencies: []string{"database"}}))
	assert.Nil(t, r.Discover(ctx, Query{Name: "auth", Dependencies: []string{"database"}}))

	all := r.DiscoverAll(ctx, Query{Tags: []string{"core"}})
	assert.Len(t, all, 2)
}

func TestDiscoverRetryConvergence(t *testing.T) {
	r := newTestRegistry(t)

	type outcome struct{ reg *Registration }
	done := make(chan outcome, 1)
	go func() {
		reg := r.Discover(context.Background(), Query{
			Name:       "backend",
			Status:     StatusReady,
			Retries:    20,
			RetryDelay: 50 * time.Millisecond,
		})
		done <- outcome{reg}
	}()

	// Register after discovery has already started polling.
	time.Sleep(150 * time.Millisecond)
	r.Register("backend", backendEndpoints(), RegisterOptions{})
	r.UpdateStatus("backend", StatusReady)

	select {
	case o := <-done:
		require.NotNil(t, o.reg, "discovery should converge once the service registers")
		assert.Equal(t, "backend", o.reg.ServiceName)
	case <-time.After(3 * time.Second):
		t.Fatal("discovery did not return")
	}
}

func TestDiscoverExponentialBackoffGivesUp(t *testing.T) {
	r := newTestRegistry(t)

	start := time.Now()
	reg := r.Discover(context.Background(), Query{
		Name:               "ghost",
		Retries:            3,
		RetryDelay:         10 * time.Millisecond,
		ExponentialBackoff: true,
	})
	elapsed := time.Since(start)

	assert.Nil(t, reg)
	// 10 + 20 + 40 ms of backoff sleeps.
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
}

func TestBackoffSleepNeverOverflows(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoffSleep(500*time.Millisecond, 0))
	assert.Equal(t, 2*time.Second, backoffSleep(500*time.Millisecond, 2))
	assert.Equal(t, maxRetryDelay, backoffSleep(500*time.Millisecond, 10))

	// Attempt counts large enough to overflow the shift still sleep, rather
	// than spinning hot on a zero or negative duration.
	for _, attempt := range []int{31, 63, 64, 200} {
		assert.Equal(t, maxRetryDelay, backoffSleep(500*time.Millisecond, attempt), "attempt %d", attempt)
	}
}

func TestDiscoverHonorsContextCancel(t *testing.T) {
	r := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	reg := r.Discover(ctx, Query{Name: "ghost", Retries: 100, RetryDelay: 100 * time.Millisecond})
	assert.Nil(t, reg)
}

func TestWaitForService(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.Nil(t, r.WaitFor(ctx, "backend", StatusReady, 100*time.Millisecond, 20*time.Millisecond))

	r.Register("backend", nil, RegisterOptions{})
	go func() {
		time.Sleep(80 * time.Millisecond)
		r.UpdateStatus("backend", StatusReady)
	}()

	reg := r.WaitFor(ctx, "backend", StatusReady, 2*time.Second, 20*time.Millisecond)
	require.NotNil(t, reg)
	assert.Equal(t, StatusReady, reg.Status)
}

func TestWaitForDependencies(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.Register("backend", nil, RegisterOptions{Dependencies: []string{"database", "auth"}})
	r.Register("database", nil, RegisterOptions{})
	r.Register("auth", nil, RegisterOptions{})

	r.UpdateStatus("database", StatusReady)

	ok, failed := r.WaitForDependencies(ctx, "backend", 200*time.Millisecond)
	assert.False(t, ok, "auth is not ready yet")
	assert.Equal(t, []string{"auth"}, failed)

	r.UpdateStatus("auth", StatusReady)
	ok, failed = r.WaitForDependencies(ctx, "backend", time.Second)
	assert.True(t, ok)
	assert.Empty(t, failed)
}

func TestRoundTripPersistence(t *testing.T) {
	dir := t.TempDir()

	r1, err := New(Options{Dir: dir, Persist: true})
	require.NoError(t, err)

	r1.Register("backend", backendEndpoints(), RegisterOptions{
		Metadata:            map[string]any{"test": "data"},
		Tags:                []string{"core"},
		Dependencies:        []string{"database"},
		HealthCheckInterval: 30 * time.Second,
	})
	r1.UpdateStatus("backend", StatusReady)
	r1.Stop()

	r2, err := New(Options{Dir: dir, Persist: true})
	require.NoError(t, err)

	reg := r2.Discover(context.Background(), Query{Name: "backend"})
	require.NotNil(t, reg)
	assert.Equal(t, StatusReady, reg.Status)
	assert.Equal(t, map[string]any{"test": "data"}, reg.Metadata)
	assert.Equal(t, []string{"core"}, reg.Tags)
	assert.Equal(t, []string{"database"}, reg.Dependencies)
	assert.Equal(t, 30*time.Second, reg.HealthCheckInterval)
	require.Len(t, reg.Endpoints, 1)
	assert.Equal(t, "/health", reg.Endpoints[0].HealthPath)
}

func TestUnregisterRemovesPersistedFile(t *testing.T) {
	dir := t.TempDir()

	r1, err := New(Options{Dir: dir, Persist: true})
	require.NoError(t, err)
	r1.Register("backend", nil, RegisterOptions{})
	require.True(t, r1.Unregister("backend"))

	r2, err := New(Options{Dir: dir, Persist: true})
	require.NoError(t, err)
	assert.Nil(t, r2.Get("backend"))
}

func TestCrossProcessRefresh(t *testing.T) {
	dir := t.TempDir()

	// Two registry instances over the same directory stand in for two processes.
	r1, err := New(Options{Dir: dir, Persist: true})
	require.NoError(t, err)
	r2, err := New(Options{Dir: dir, Persist: true})
	require.NoError(t, err)

	r1.Register("auth", nil, RegisterOptions{})
	r1.UpdateStatus("auth", StatusReady)

	reg := r2.Discover(context.Background(), Query{Name: "auth", Status: StatusReady})
	require.NotNil(t, reg, "second instance should pick up the persisted registration")
}

func TestStalenessSweep(t *testing.T) {
	r, err := New(Options{StaleAfter: 50 * time.Millisecond})
	require.NoError(t, err)

	r.Register("stale", nil, RegisterOptions{})
	r.Register("ready", nil, RegisterOptions{})
	r.Register("starting", nil, RegisterOptions{})
	r.UpdateStatus("ready", StatusReady)
	r.UpdateStatus("starting", StatusStarting)

	time.Sleep(80 * time.Millisecond)
	swept := r.Sweep()

	assert.Equal(t, 1, swept)
	assert.Nil(t, r.Get("stale"))
	assert.NotNil(t, r.Get("ready"), "ready services are never swept")
	assert.NotNil(t, r.Get("starting"), "starting services are never swept")
}
