package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// serviceSpec fixes one bundled service's container configuration.
type serviceSpec struct {
	name      string
	image     string
	ports     []string // host:container publish mappings
	env       []string // K=V pairs
	cmd       []string // container command override
	volume    string   // name:path named volume, empty for none
	waitCap   time.Duration
	probeCmd  []string
	probeWant string
}

var serviceSpecs = map[string]serviceSpec{
	"redis": {
		name:      "redis",
		image:     "redis:latest",
		ports:     []string{"6379:6379"},
		cmd:       []string{"redis-server", "--appendonly", "yes"},
		waitCap:   30 * time.Second,
		probeCmd:  []string{"redis-cli", "ping"},
		probeWant: "PONG",
	},
	"clickhouse": {
		name:  "clickhouse",
		image: "clickhouse/clickhouse-server:latest",
		ports: []string{"9000:9000", "8123:8123"},
		env: []string{
			"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT=1",
			"CLICKHOUSE_PASSWORD=netra_dev",
		},
		waitCap:   60 * time.Second,
		probeCmd:  []string{"clickhouse-client", "--query", "SELECT 1"},
		probeWant: "1",
	},
	"postgres": {
		name:  "postgres",
		image: "postgres:15-alpine",
		ports: []string{"5433:5432"},
		env: []string{
			"POSTGRES_DB=netra_dev",
			"POSTGRES_USER=netra",
			"POSTGRES_PASSWORD=netra_dev",
		},
		volume:    "netra_dev_postgres_data:/var/lib/postgresql/data",
		waitCap:   60 * time.Second,
		probeCmd:  []string{"pg_isready"},
		probeWant: "accepting connections",
	},
}

// HostPort returns the published host port clients connect to, or 0 for
// unknown services.
func HostPort(service string) int {
	spec, ok := serviceSpecs[service]
	if !ok || len(spec.ports) == 0 {
		return 0
	}
	host, _, _ := strings.Cut(spec.ports[0], ":")
	n, _ := strconv.Atoi(host)
	return n
}

// containerNames returns the primary and legacy alternate names checked for
// reuse, primary first.
func containerNames(service string) []string {
	return []string{
		fmt.Sprintf("netra-dev-%s", service),
		fmt.Sprintf("netra-%s-dev", service),
	}
}

// ServiceManager starts the Docker-backed dependency services, reusing
// healthy existing containers when it can.
type ServiceManager struct {
	disc *Discovery
	run  Runner
	log  logrus.FieldLogger
}

// NewServiceManager creates a service manager sharing the discovery's runner.
func NewServiceManager(disc *Discovery, log logrus.FieldLogger) *ServiceManager {
	if disc == nil {
		disc = NewDiscovery(nil, log)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ServiceManager{disc: disc, run: disc.run, log: log.WithField("component", "docker")}
}

// StartRedis brings up the Redis container.
func (m *ServiceManager) StartRedis(ctx context.Context) (bool, string) {
	return m.startService(ctx, "redis")
}

// StartClickHouse brings up the ClickHouse container.
func (m *ServiceManager) StartClickHouse(ctx context.Context) (bool, string) {
	return m.startService(ctx, "clickhouse")
}

// StartPostgres brings up the Postgres container.
func (m *ServiceManager) StartPostgres(ctx context.Context) (bool, string) {
	return m.startService(ctx, "postgres")
}

// Start brings up the named service; unknown names fail cleanly.
func (m *ServiceManager) Start(ctx context.Context, service string) (bool, string) {
	if _, ok := serviceSpecs[service]; !ok {
		return false, fmt.Sprintf("unknown service %q", service)
	}
	return m.startService(ctx, service)
}

// startService reuses a healthy existing container under either known name,
// or removes the stale one and runs a fresh container, then blocks on the
// connectivity probe until the service answers or the per-service cap lapses.
func (m *ServiceManager) startService(ctx context.Context, service string) (bool, string) {
	spec := serviceSpecs[service]

	for _, name := range containerNames(service) {
		if m.reusable(ctx, name, service) {
			m.log.WithField("container", name).Info("reusing healthy container")
			return true, fmt.Sprintf("reusing existing %s container %s", service, name)
		}
	}

	primary := containerNames(service)[0]

	// A stale container under the primary name blocks docker run.
	if _, err := m.run.Run(ctx, 0, "docker", "rm", "-f", primary); err == nil {
		m.log.WithField("container", primary).Debug("removed stale container")
	}

	args := []string{"run", "-d", "--name", primary, "--restart", "unless-stopped"}
	for _, p := range spec.ports {
		args = append(args, "-p", p)
	}
	for _, e := range spec.env {
		args = append(args, "-e", e)
	}
	if spec.volume != "" {
		args = append(args, "-v", spec.volume)
	}
	args = append(args, spec.image)
	args = append(args, spec.cmd...)

	if _, err := m.run.Run(ctx, 0, "docker", args...); err != nil {
		return false, fmt.Sprintf("failed to start %s: %v", service, err)
	}

	if !m.waitHealthy(ctx, primary, service, spec.waitCap) {
		return false, fmt.Sprintf("%s container started but never answered its probe within %s", service, spec.waitCap)
	}
	return true, fmt.Sprintf("started %s container %s", service, primary)
}

// reusable reports whether the named container exists and passes its probe.
func (m *ServiceManager) reusable(ctx context.Context, name, service string) bool {
	out, err := m.run.Run(ctx, 0, "docker", "inspect", "--format", "{{.State.Status}}", name)
	if err != nil || out != "running" {
		return false
	}
	return m.disc.ProbeService(ctx, name, service)
}

func (m *ServiceManager) waitHealthy(ctx context.Context, name, service string, cap time.Duration) bool {
	deadline := time.Now().Add(cap)
	for {
		if m.disc.ProbeService(ctx, name, service) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(2 * time.Second):
		}
	}
}

// Stop force-removes the named service's containers under both known names.
func (m *ServiceManager) Stop(ctx context.Context, service string) (bool, string) {
	if _, ok := serviceSpecs[service]; !ok {
		return false, fmt.Sprintf("unknown service %q", service)
	}
	var removed []string
	for _, name := range containerNames(service) {
		if _, err := m.run.Run(ctx, 0, "docker", "rm", "-f", name); err == nil {
			removed = append(removed, name)
		}
	}
	if len(removed) == 0 {
		return false, fmt.Sprintf("no %s container to remove", service)
	}
	return true, fmt.Sprintf("removed %v", removed)
}

// Services lists the bundled service names.
func Services() []string {
	return []string{"clickhouse", "postgres", "redis"}
}
