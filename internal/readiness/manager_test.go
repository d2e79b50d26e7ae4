package readiness

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(ready bool) CheckerFunc {
	return func(context.Context) (bool, error) { return ready, nil }
}

func TestRegisterInitializesUnknown(t *testing.T) {
	m := NewManager(nil)
	m.Register("backend", staticChecker(true))

	s := m.Status("backend")
	assert.Equal(t, StateUnknown, s.State)
	assert.False(t, s.Ready())
}

func TestMarkTransitions(t *testing.T) {
	m := NewManager(nil)
	m.Register("backend", staticChecker(true))

	m.MarkInitializing("backend")
	assert.Equal(t, StateInitializing, m.Status("backend").State)

	m.MarkStarting("backend")
	assert.Equal(t, StateStarting, m.Status("backend").State)

	m.MarkReady("backend")
	assert.True(t, m.Status("backend").Ready())

	m.MarkFailed("backend", "crashed")
	s := m.Status("backend")
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, "crashed", s.LastError)
}

func TestUpdateMarksReadyOnPass(t *testing.T) {
	m := NewManager(nil)
	m.Register("backend", staticChecker(true))

	m.Update(context.Background(), "backend")
	assert.True(t, m.Status("backend").Ready())
}

func TestUpdateDemotesReadyOnRegression(t *testing.T) {
	m := NewManager(nil)

	var healthy atomic.Bool
	healthy.Store(true)
	m.Register("backend", CheckerFunc(func(context.Context) (bool, error) {
		return healthy.Load(), nil
	}))

	m.Update(context.Background(), "backend")
	require.True(t, m.Status("backend").Ready())

	healthy.Store(false)
	m.Update(context.Background(), "backend")

	s := m.Status("backend")
	assert.Equal(t, StateFailed, s.State, "ready service must be demoted, not stay ready")
	assert.NotEmpty(t, s.LastError)
}

func TestUpdateLeavesNeverReadyStateAlone(t *testing.T) {
	m := NewManager(nil)
	m.Register("backend", staticChecker(false))

	m.MarkStarting("backend")
	m.Update(context.Background(), "backend")

	// Transiently unready is not an error; starting must not become failed.
	assert.Equal(t, StateStarting, m.Status("backend").State)
}

func TestUpdateTreatsCheckerErrorAsNotReady(t *testing.T) {
	m := NewManager(nil)
	m.Register("backend", CheckerFunc(func(context.Context) (bool, error) {
		return false, errors.New("connection refused")
	}))

	m.MarkReady("backend")
	m.Update(context.Background(), "backend")

	s := m.Status("backend")
	assert.Equal(t, StateFailed, s.State)
	assert.Contains(t, s.LastError, "connection refused")
}

func TestCheckAllFansOut(t *testing.T) {
	m := NewManager(nil)
	m.Register("backend", staticChecker(true))
	m.Register("frontend", staticChecker(false))
	m.Register("auth", CheckerFunc(func(context.Context) (bool, error) {
		return false, errors.New("boom")
	}))

	results := m.CheckAll(context.Background())
	assert.Equal(t, map[string]bool{
		"backend":  true,
		"frontend": false,
		"auth":     false,
	}, results)
}

func TestCheckAllSurvivesPanickingChecker(t *testing.T) {
	m := NewManager(nil)
	m.Register("backend", staticChecker(true))
	m.Register("broken", CheckerFunc(func(context.Context) (bool, error) {
		panic("checker bug")
	}))

	results := m.CheckAll(context.Background())
	assert.True(t, results["backend"])
	assert.False(t, results["broken"])
}

func TestWaitAll(t *testing.T) {
	m := NewManager(nil)

	var ready atomic.Bool
	m.Register("backend", CheckerFunc(func(context.Context) (bool, error) {
		return ready.Load(), nil
	}))

	go func() {
		time.Sleep(100 * time.Millisecond)
		ready.Store(true)
	}()

	assert.True(t, m.WaitAll(context.Background(), 5*time.Second))
}

func TestWaitAllTimeout(t *testing.T) {
	m := NewManager(nil)
	m.Register("backend", staticChecker(false))

	assert.False(t, m.WaitAll(context.Background(), 50*time.Millisecond))
}

func TestOverallReady(t *testing.T) {
	m := NewManager(nil)
	assert.False(t, m.OverallReady(), "empty manager is not ready")

	m.Register("backend", staticChecker(true))
	m.Register("auth", staticChecker(true))

	m.MarkReady("backend")
	assert.False(t, m.OverallReady())

	m.MarkReady("auth")
	assert.True(t, m.OverallReady())
}

func TestHTTPChecker(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	ctx := context.Background()

	ok, err := NewHTTPChecker(healthy.URL).Check(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewHTTPChecker(broken.URL).Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A connection failure is "not ready yet", not an error.
	ok, err = NewHTTPChecker("http://127.0.0.1:1/health").Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPCheckerWait(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPChecker(srv.URL)
	assert.False(t, c.Wait(context.Background(), 100*time.Millisecond))

	ready.Store(true)
	assert.True(t, c.Wait(context.Background(), 2*time.Second))
}
