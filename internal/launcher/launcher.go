package launcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netra-systems/devlauncher/internal/config"
	"github.com/netra-systems/devlauncher/internal/coordinator"
	"github.com/netra-systems/devlauncher/internal/deps"
	"github.com/netra-systems/devlauncher/internal/docker"
	"github.com/netra-systems/devlauncher/internal/hooks"
	"github.com/netra-systems/devlauncher/internal/ports"
	"github.com/netra-systems/devlauncher/internal/readiness"
	"github.com/netra-systems/devlauncher/internal/registry"
)

// Launcher bundles the port allocator, service registry, readiness manager,
// dependency manager, startup coordinator and Docker service manager behind
// one object. Commands construct a Launcher from config and pass it around
// instead of reaching for package-level state.
type Launcher struct {
	Config    *config.Config
	Ports     *ports.Allocator
	Registry  *registry.Registry
	Readiness *readiness.Manager
	Deps      *deps.Manager
	Coord     *coordinator.Coordinator
	Docker    *docker.ServiceManager
	Discovery *docker.Discovery

	log *logrus.Logger
}

// Options tweaks construction, mostly for tests.
type Options struct {
	Runner docker.Runner // nil uses the real docker CLI
	Logger *logrus.Logger
}

// New builds a launcher from the given config. Background sweepers are not
// started; call Start for long-running use.
func New(cfg *config.Config, opts Options) (*Launcher, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logrus.New()
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(level)
		}
	}

	alloc, err := ports.NewAllocator(ports.Options{
		TTL:           cfg.ReservationTTL,
		SweepInterval: cfg.SweepInterval,
		JournalPath:   cfg.JournalPath,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create port allocator: %w", err)
	}

	reg, err := registry.New(registry.Options{
		Dir:        cfg.RegistryDir,
		Persist:    cfg.PersistRegistry,
		StaleAfter: cfg.RegistryStaleAfter,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open service registry: %w", err)
	}

	dm := deps.NewManager(log)
	coord := coordinator.New(coordinator.Config{
		MaxParallelStarts:   cfg.MaxParallelStarts,
		DependencyTimeout:   cfg.DependencyTimeout,
		ReadinessTimeout:    cfg.ReadinessTimeout,
		RetryCount:          cfg.RetryCount,
		GracefulDegradation: cfg.GracefulDegradation,
		Required:            cfg.RequiredServices,
		Optional:            cfg.OptionalServices,
	}, dm, log)

	disc := docker.NewDiscovery(opts.Runner, log)

	l := &Launcher{
		Config:    cfg,
		Ports:     alloc,
		Registry:  reg,
		Readiness: readiness.NewManager(log),
		Deps:      dm,
		Coord:     coord,
		Docker:    docker.NewServiceManager(disc, log),
		Discovery: disc,
		log:       log,
	}
	return l, nil
}

// Start launches the background sweepers.
func (l *Launcher) Start() {
	l.Ports.Start()
	l.Registry.Start()
}

// Close stops sweepers and flushes the journal.
func (l *Launcher) Close() {
	l.Ports.Stop()
	l.Registry.Stop()
	if j := l.Ports.Journal(); j != nil {
		j.Close()
	}
}

// ServiceSpec describes one logical service the launcher should coordinate.
type ServiceSpec struct {
	Name          string
	Start         coordinator.StartFunc
	Checker       readiness.Checker // nil means ready as soon as Start returns
	Dependencies  []deps.Declaration
	PreferredPort int // 0 skips port reservation
	Endpoints     []registry.Endpoint
	Tags          []string
}

// RegisterService wires one service through every subsystem: reserves its
// port, records it in the registry, attaches its readiness checker and hands
// it to the coordinator. Ports that cannot be reserved fail registration so
// the conflict surfaces before any process starts.
func (l *Launcher) RegisterService(spec ServiceSpec) error {
	if spec.Name == "" {
		return errors.New("service name is required")
	}

	if spec.PreferredPort != 0 {
		res := l.Ports.Reserve(spec.Name, ports.ReserveOptions{Preferred: spec.PreferredPort})
		if !res.OK {
			return fmt.Errorf("failed to reserve port for %s: %v", spec.Name, res.Error)
		}
		l.Coord.ReservePort(spec.Name, res.Port)
	}

	depNames := make([]string, 0, len(spec.Dependencies))
	for _, d := range spec.Dependencies {
		depNames = append(depNames, d.DependsOn)
	}
	l.Registry.Register(spec.Name, spec.Endpoints, registry.RegisterOptions{
		Tags:         spec.Tags,
		Dependencies: depNames,
	})

	if spec.Checker != nil {
		l.Readiness.Register(spec.Name, spec.Checker)
	}
	l.Readiness.MarkInitializing(spec.Name)

	ready := coordinator.ReadyFunc(nil)
	if spec.Checker != nil {
		checker := spec.Checker
		ready = func(ctx context.Context) (bool, error) { return checker.Check(ctx) }
	}
	l.Coord.Register(coordinator.Service{
		Name:         spec.Name,
		Start:        spec.Start,
		Ready:        ready,
		Dependencies: spec.Dependencies,
	})
	return nil
}

// RegisterInfraServices registers the bundled Docker-backed services
// (postgres, redis, clickhouse) with the coordinator. Their start functions
// shell out to docker, their readiness checks probe the running container.
func (l *Launcher) RegisterInfraServices() error {
	for _, name := range docker.Services() {
		svc := name
		spec := ServiceSpec{
			Name: svc,
			Tags: []string{"infra", "docker"},
			Endpoints: []registry.Endpoint{{
				Name:     "main",
				Port:     docker.HostPort(svc),
				Protocol: "tcp",
			}},
			Start: func(ctx context.Context) (*coordinator.Outcome, error) {
				l.Registry.UpdateStatus(svc, registry.StatusStarting)
				ok, msg := l.Docker.Start(ctx, svc)
				if !ok {
					return nil, errors.New(msg)
				}
				return &coordinator.Outcome{Port: docker.HostPort(svc)}, nil
			},
			Checker: readiness.CheckerFunc(func(ctx context.Context) (bool, error) {
				running := l.Discovery.RunningServiceContainers(ctx)
				_, ok := running[svc]
				return ok, nil
			}),
		}
		if err := l.RegisterService(spec); err != nil {
			return err
		}
	}
	return nil
}

// Up orchestrates a full environment bring-up: pre-up hook, coordinated
// startup, registry/readiness bookkeeping, post-up hook. Returns false when a
// required service could not be brought up.
func (l *Launcher) Up(ctx context.Context) (bool, error) {
	if err := hooks.Execute(hooks.PreUp, l.Config.PreUpScript, l.hookEnv()); err != nil {
		return false, fmt.Errorf("pre-up hook failed: %w", err)
	}

	if !l.Discovery.Available(ctx) {
		l.log.Warn("docker daemon not reachable, container services will fail")
	}

	ok := l.Coord.CoordinateStartup(ctx)
	l.recordOutcomes()

	if ok {
		if err := hooks.Execute(hooks.PostUp, l.Config.PostUpScript, l.hookEnv()); err != nil {
			l.log.WithError(err).Warn("post-up hook failed")
		}
	}
	return ok, nil
}

// recordOutcomes copies the coordinator's per-service results into the
// registry, readiness manager and port allocator.
func (l *Launcher) recordOutcomes() {
	status := l.Coord.StartupStatus()
	for name, res := range status.Results {
		if res.OK {
			l.Registry.UpdateStatus(name, registry.StatusReady)
			l.Readiness.MarkReady(name)
			// Only ports that went through the allocator get confirmed;
			// container services publish fixed ports it never handed out.
			if holder, ok := l.Ports.Holder(res.Port); ok && holder == name {
				l.Ports.Confirm(res.Port, name, res.PID)
			}
			continue
		}
		l.Registry.UpdateStatus(name, registry.StatusUnhealthy)
		l.Readiness.MarkFailed(name, res.Error)
	}
}

// Down stops the Docker services, unregisters everything and releases ports.
func (l *Launcher) Down(ctx context.Context) error {
	if err := hooks.Execute(hooks.PreDown, "", l.hookEnv()); err != nil {
		return fmt.Errorf("pre-down hook failed: %w", err)
	}

	var failed []string
	for _, svc := range docker.Services() {
		if ok, msg := l.Docker.Stop(ctx, svc); !ok {
			l.log.WithField("service", svc).Warn(msg)
			failed = append(failed, svc)
		}
	}

	for _, reg := range l.Registry.All() {
		l.Registry.Unregister(reg.ServiceName)
		l.Ports.ReleaseService(reg.ServiceName)
	}
	l.Coord.Reset()

	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("failed to stop: %v", failed)
	}
	return nil
}

// Healthy reports whether the last startup left every required service ready.
func (l *Launcher) Healthy() bool { return l.Coord.Healthy() }

// Degraded lists optional services that did not come up.
func (l *Launcher) Degraded() []string { return l.Coord.DegradedServices() }

// WaitReady blocks until every service with a checker reports ready.
func (l *Launcher) WaitReady(ctx context.Context, timeout time.Duration) bool {
	return l.Readiness.WaitAll(ctx, timeout)
}

func (l *Launcher) hookEnv() map[string]string {
	return map[string]string{
		"DEVLAUNCHER_REGISTRY_DIR": l.Config.RegistryDir,
	}
}
