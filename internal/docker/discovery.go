package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const probeTimeout = 5 * time.Second

// ContainerInfo is a read-only snapshot of one container from `docker ps`.
// Recomputed on every discovery call, never persisted.
type ContainerInfo struct {
	Name    string
	Status  string
	Ports   string
	Image   string
	ID      string
	Healthy bool
}

// Discovery inspects the Docker daemon for existing dev containers so the
// launcher can reuse healthy ones instead of churning them.
type Discovery struct {
	run Runner
	log logrus.FieldLogger
}

// NewDiscovery creates a discovery over the given runner.
func NewDiscovery(run Runner, log logrus.FieldLogger) *Discovery {
	if run == nil {
		run = NewRunner()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Discovery{run: run, log: log.WithField("component", "docker")}
}

// Available reports whether the Docker daemon answers at all.
func (d *Discovery) Available(ctx context.Context) bool {
	_, err := d.run.Run(ctx, 10*time.Second, "docker", "info")
	return err == nil
}

// DiscoverAll lists every container (running or not) with a computed health
// flag.
func (d *Discovery) DiscoverAll(ctx context.Context) ([]ContainerInfo, error) {
	out, err := d.run.Run(ctx, 0, "docker", "ps", "-a",
		"--format", "{{.Names}}\t{{.Status}}\t{{.Ports}}\t{{.Image}}\t{{.ID}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var containers []ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		info := ContainerInfo{
			Name:   fields[0],
			Status: fields[1],
			Ports:  fields[2],
			Image:  fields[3],
			ID:     fields[4],
		}
		info.Healthy = d.containerHealthy(ctx, info)
		containers = append(containers, info)
	}
	return containers, nil
}

// containerHealthy requires a running status string, and for recognized
// service containers a live connectivity probe on top.
func (d *Discovery) containerHealthy(ctx context.Context, info ContainerInfo) bool {
	status := strings.ToLower(info.Status)
	if !strings.Contains(status, "up") ||
		strings.Contains(status, "exited") || strings.Contains(status, "dead") {
		return false
	}
	service := ServiceNameFor(info.Name)
	if service == "" {
		return true
	}
	return d.ProbeService(ctx, info.Name, service)
}

// ProbeService runs the service's connectivity check inside the container:
// redis-cli ping, clickhouse-client SELECT 1, or pg_isready. When the probe
// tool itself cannot run, the container is treated as healthy (fail-open) so
// a missing CLI tool never blocks development.
func (d *Discovery) ProbeService(ctx context.Context, container, service string) bool {
	spec, ok := serviceSpecs[service]
	if !ok {
		return true
	}

	args := append([]string{"exec", container}, spec.probeCmd...)
	out, err := d.run.Run(ctx, probeTimeout, "docker", args...)
	if err != nil {
		if toolingFailure(err) {
			d.log.WithField("container", container).WithError(err).
				Debug("connectivity probe could not run, assuming healthy")
			return true
		}
		// The probe ran and the service refused it.
		return false
	}
	return strings.Contains(out, spec.probeWant)
}

// RunningServiceContainers maps canonical service names (redis, clickhouse,
// postgres) to the healthy containers currently backing them.
func (d *Discovery) RunningServiceContainers(ctx context.Context) map[string]ContainerInfo {
	containers, err := d.DiscoverAll(ctx)
	if err != nil {
		d.log.WithError(err).Warn("container discovery failed")
		return nil
	}

	found := make(map[string]ContainerInfo)
	for _, info := range containers {
		service := ServiceNameFor(info.Name)
		if service == "" || !info.Healthy {
			continue
		}
		if _, taken := found[service]; !taken {
			found[service] = info
		}
	}
	return found
}

// toolingFailure distinguishes "the probe tool could not run at all" (missing
// binary, docker unreachable, timeout) from "the probe ran and the service
// refused". Only the former is treated optimistically.
func toolingFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "command not found") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "Cannot connect to the Docker daemon")
}

// ServiceNameFor extracts the canonical service name from a container name by
// substring match, empty when the container is not one of ours.
func ServiceNameFor(container string) string {
	name := strings.ToLower(container)
	for service := range serviceSpecs {
		if strings.Contains(name, service) {
			return service
		}
	}
	return ""
}
