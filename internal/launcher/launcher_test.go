package launcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netra-systems/devlauncher/internal/config"
	"github.com/netra-systems/devlauncher/internal/coordinator"
	"github.com/netra-systems/devlauncher/internal/deps"
	"github.com/netra-systems/devlauncher/internal/docker"
	"github.com/netra-systems/devlauncher/internal/readiness"
	"github.com/netra-systems/devlauncher/internal/registry"
)

// okRunner answers every docker invocation with success and empty output.
type okRunner struct{}

func (okRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	return "", nil
}

func testConfig(t *testing.T, required ...string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.RegistryDir = t.TempDir()
	cfg.PersistRegistry = false
	cfg.JournalPath = ""
	cfg.RequiredServices = required
	cfg.OptionalServices = nil
	cfg.DependencyTimeout = 5 * time.Second
	cfg.ReadinessTimeout = 5 * time.Second
	return cfg
}

func newTestLauncher(t *testing.T, cfg *config.Config) *Launcher {
	t.Helper()
	l, err := New(cfg, Options{Runner: okRunner{}})
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func alwaysReady() readiness.Checker {
	return readiness.CheckerFunc(func(ctx context.Context) (bool, error) { return true, nil })
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "db")
	cfg.OptionalServices = []string{"db"}

	_, err := New(cfg, Options{Runner: okRunner{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestRegisterServiceReservesPort(t *testing.T) {
	l := newTestLauncher(t, testConfig(t))

	err := l.RegisterService(ServiceSpec{
		Name:          "auth",
		PreferredPort: 18090,
		Start: func(ctx context.Context) (*coordinator.Outcome, error) {
			return &coordinator.Outcome{Port: 18090}, nil
		},
		Checker: alwaysReady(),
	})
	require.NoError(t, err)

	summary := l.Ports.Summary()
	assert.Equal(t, []int{18090}, summary.Reserved)
	require.NotNil(t, l.Registry.Get("auth"))

	// A second service asking for the same port gets pushed onto a free one.
	require.NoError(t, l.RegisterService(ServiceSpec{
		Name:          "auth-shadow",
		PreferredPort: 18090,
		Start: func(ctx context.Context) (*coordinator.Outcome, error) {
			return nil, nil
		},
	}))
	shadow := l.Ports.Summary().ByService["auth-shadow"]
	require.Len(t, shadow, 1)
	assert.NotEqual(t, 18090, shadow[0])
}

func TestUpCoordinatesRegisteredServices(t *testing.T) {
	l := newTestLauncher(t, testConfig(t, "db"))

	require.NoError(t, l.RegisterService(ServiceSpec{
		Name: "db",
		Start: func(ctx context.Context) (*coordinator.Outcome, error) {
			return &coordinator.Outcome{Port: 15433, PID: 101}, nil
		},
		Checker: alwaysReady(),
	}))
	require.NoError(t, l.RegisterService(ServiceSpec{
		Name: "api",
		Dependencies: []deps.Declaration{
			{Service: "api", DependsOn: "db", Kind: deps.Required},
		},
		Start: func(ctx context.Context) (*coordinator.Outcome, error) {
			return &coordinator.Outcome{Port: 18000, PID: 102}, nil
		},
		Checker: alwaysReady(),
	}))

	ok, err := l.Up(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, l.Healthy())

	db := l.Registry.Get("db")
	require.NotNil(t, db)
	assert.Equal(t, registry.StatusReady, db.Status)
	assert.True(t, l.Readiness.Status("api").Ready())
	assert.Empty(t, l.Degraded())
}

func TestUpConfirmsOnlyAllocatorReservedPorts(t *testing.T) {
	cfg := testConfig(t, "db")
	logger, hook := logtest.NewNullLogger()
	l, err := New(cfg, Options{Runner: okRunner{}, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(l.Close)

	var dbPort int
	require.NoError(t, l.RegisterService(ServiceSpec{
		Name:          "db",
		PreferredPort: 18760,
		Start: func(ctx context.Context) (*coordinator.Outcome, error) {
			return &coordinator.Outcome{Port: dbPort, PID: 201}, nil
		},
		Checker: alwaysReady(),
	}))
	reserved := l.Ports.Summary().ByService["db"]
	require.Len(t, reserved, 1)
	dbPort = reserved[0]

	// A service on a fixed published port the allocator never handed out.
	require.NoError(t, l.RegisterService(ServiceSpec{
		Name: "cache",
		Start: func(ctx context.Context) (*coordinator.Outcome, error) {
			return &coordinator.Outcome{Port: 16379}, nil
		},
		Checker: alwaysReady(),
	}))

	ok, err := l.Up(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Contains(t, l.Ports.Summary().Allocated, dbPort)
	for _, entry := range hook.AllEntries() {
		assert.Less(t, logrus.ErrorLevel, entry.Level,
			"unexpected error log: %s", entry.Message)
	}
}

func TestUpReportsRequiredFailure(t *testing.T) {
	l := newTestLauncher(t, testConfig(t, "db"))

	require.NoError(t, l.RegisterService(ServiceSpec{
		Name: "db",
		Start: func(ctx context.Context) (*coordinator.Outcome, error) {
			return nil, errors.New("disk full")
		},
	}))

	ok, err := l.Up(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, l.Healthy())

	db := l.Registry.Get("db")
	require.NotNil(t, db)
	assert.Equal(t, registry.StatusUnhealthy, db.Status)
}

func TestRegisterInfraServices(t *testing.T) {
	l := newTestLauncher(t, testConfig(t))

	require.NoError(t, l.RegisterInfraServices())

	for _, svc := range docker.Services() {
		reg := l.Registry.Get(svc)
		require.NotNil(t, reg, svc)
		assert.True(t, reg.HasTag("infra"), svc)
		require.NotEmpty(t, reg.Endpoints)
		assert.Equal(t, docker.HostPort(svc), reg.Endpoints[0].Port)
	}
}

func TestDownClearsState(t *testing.T) {
	l := newTestLauncher(t, testConfig(t, "db"))

	require.NoError(t, l.RegisterService(ServiceSpec{
		Name: "db",
		Start: func(ctx context.Context) (*coordinator.Outcome, error) {
			return &coordinator.Outcome{Port: 15433}, nil
		},
		Checker: alwaysReady(),
	}))
	ok, err := l.Up(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Down(context.Background()))
	assert.Nil(t, l.Registry.Get("db"))
	assert.Empty(t, l.Ports.Summary().Allocated)
}
