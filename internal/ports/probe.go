package ports

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// FailurePolicy decides what a probe reports when the probing mechanism itself
// fails (e.g. netstat/lsof missing). The default leans toward not blocking local
// development on tooling gaps.
type FailurePolicy int

const (
	// AssumeAvailable treats probe failures as "port is free".
	AssumeAvailable FailurePolicy = iota
	// AssumeBusy treats probe failures as "port is taken".
	AssumeBusy
)

// Probe answers OS-level questions about ports.
type Probe struct {
	Policy      FailurePolicy
	DialTimeout time.Duration
}

// NewProbe returns a probe with the default fail-open policy.
func NewProbe() *Probe {
	return &Probe{Policy: AssumeAvailable, DialTimeout: time.Second}
}

// Available reports whether the port can be bound right now. The primary check
// is a real bind-and-release; if binding fails for a reason other than the
// address being in use, a platform-specific netstat/lsof listing breaks the tie.
func (p *Probe) Available(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err == nil {
		_ = ln.Close()
		return true
	}
	if strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "Only one usage of each socket address") {
		return false
	}
	// Bind failed for some other reason (permissions, exotic network config).
	// Fall back to asking the system's socket tables.
	busy, probeErr := p.listedAsBusy(port)
	if probeErr != nil {
		return p.Policy == AssumeAvailable
	}
	return !busy
}

// InUse reports whether something is actively listening on the port.
func (p *Probe) InUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), p.DialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// listedAsBusy consults netstat (or lsof on darwin) for the port.
func (p *Probe) listedAsBusy(port int) (bool, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.Command("lsof", "-i", fmt.Sprintf(":%d", port), "-sTCP:LISTEN")
	} else {
		cmd = exec.Command("netstat", "-tln")
	}

	out, err := cmd.Output()
	if err != nil {
		// lsof exits non-zero when nothing matches; that is a clean "not busy".
		if runtime.GOOS == "darwin" {
			if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
				return false, nil
			}
		}
		return false, fmt.Errorf("port probe failed: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return len(strings.TrimSpace(string(out))) > 0, nil
	}
	needle := fmt.Sprintf(":%d ", port)
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "LISTEN") && strings.Contains(line, needle) {
			return true, nil
		}
	}
	return false, nil
}
