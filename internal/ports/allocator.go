// Package ports hands out TCP ports to local development services using a
// reservation-with-timeout model: a service claims a port, and if it never
// confirms that it actually bound it, the claim lapses and the port becomes
// reservable again.
package ports

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	maxAlternatives      = 5
	systemPortCeiling    = 1023
)

// Options configures an Allocator.
type Options struct {
	TTL           time.Duration // reservation lifetime before confirmation
	SweepInterval time.Duration // how often expired reservations are collected
	JournalPath   string        // sqlite journal location; empty disables it
	Probe         *Probe
	Logger        logrus.FieldLogger
}

// ReserveOptions tunes a single reservation attempt.
type ReserveOptions struct {
	Preferred int           // try this port first if non-zero
	Range     *Range        // scan range; nil derives one from the service name
	TTL       time.Duration // per-reservation override of the allocator TTL
}

// Allocator owns the reservation table. All mutating operations serialize on
// one mutex held across the whole check-then-act sequence so two concurrent
// reservers cannot race for the same port.
type Allocator struct {
	mu           sync.Mutex
	reservations map[int]*Reservation
	byService    map[string]map[int]struct{}
	blocked      map[int]struct{}

	ttl     time.Duration
	probe   *Probe
	journal *Journal
	log     logrus.FieldLogger

	sweepEvery time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewAllocator creates an allocator. The background sweep does not run until
// Start is called.
func NewAllocator(opts Options) (*Allocator, error) {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Probe == nil {
		opts.Probe = NewProbe()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	a := &Allocator{
		reservations: make(map[int]*Reservation),
		byService:    make(map[string]map[int]struct{}),
		blocked:      make(map[int]struct{}),
		ttl:          opts.TTL,
		probe:        opts.Probe,
		log:          opts.Logger.WithField("component", "ports"),
		sweepEvery:   opts.SweepInterval,
	}

	if opts.JournalPath != "" {
		j, err := OpenJournal(opts.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open port journal: %w", err)
		}
		a.journal = j
	}

	return a, nil
}

// Start launches the background expiry sweep.
func (a *Allocator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the sweep loop, waits for it to exit, and closes the journal.
func (a *Allocator) Stop() {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
		a.cancel = nil
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
}

// RangeFor picks the default scan range for a service by name.
func RangeFor(service string) Range {
	name := strings.ToLower(service)
	switch {
	case strings.Contains(name, "auth"):
		return AuthRange
	case strings.Contains(name, "backend"), strings.Contains(name, "api"):
		return BackendRange
	case strings.Contains(name, "frontend"), strings.Contains(name, "web"):
		return FrontendRange
	default:
		return DevRange
	}
}

// Reserve claims a port for the service. A preferred port is tried first; when
// it is taken by someone else the scan continues through the range and the
// result names the conflicting service. Re-reserving a port already held by
// the same service is idempotent and refreshes the expiry.
func (a *Allocator) Reserve(service string, opts ReserveOptions) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.sweepLocked(now)

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = a.ttl
	}

	var conflict string
	if opts.Preferred > 0 {
		switch avail, holder := a.availableLocked(opts.Preferred, service, now); {
		case avail:
			return a.insertLocked(opts.Preferred, service, now, ttl)
		default:
			conflict = holder
		}
	}

	scan := RangeFor(service)
	if opts.Range != nil {
		scan = *opts.Range
	}

	for port := scan.Lo; port <= scan.Hi; port++ {
		if port == opts.Preferred {
			continue
		}
		if avail, _ := a.availableLocked(port, service, now); avail {
			res := a.insertLocked(port, service, now, ttl)
			res.ConflictsWith = conflict
			return res
		}
	}

	// Nothing claimed; sample a few free ports for the error report.
	var alternatives []int
	for port := scan.Lo; port <= scan.Hi && len(alternatives) < maxAlternatives; port++ {
		if avail, _ := a.availableLocked(port, service, now); avail {
			alternatives = append(alternatives, port)
		}
	}

	return Result{
		OK:            false,
		Service:       service,
		ConflictsWith: conflict,
		Alternatives:  alternatives,
		Error:         fmt.Sprintf("no free port for %s in range %d-%d", service, scan.Lo, scan.Hi),
	}
}

// availableLocked applies the registry checks first and only falls through to
// the OS probe when the port has no reservation at all. Returns the holder's
// name when the port is taken by another service.
func (a *Allocator) availableLocked(port int, service string, now time.Time) (bool, string) {
	if port <= systemPortCeiling {
		return false, ""
	}
	if _, blocked := a.blocked[port]; blocked {
		return false, ""
	}
	if r, ok := a.reservations[port]; ok {
		if r.Service == service {
			return true, ""
		}
		if r.Expired(now) {
			return true, ""
		}
		return false, r.Service
	}
	return a.probe.Available(port), ""
}

// insertLocked records the reservation, replacing any expired claim on the
// port. Re-reserving a port the service already holds is idempotent: an
// unconfirmed claim gets a fresh lease, a confirmed one is returned untouched
// so it keeps its state and pid and never starts expiring again.
func (a *Allocator) insertLocked(port int, service string, now time.Time, ttl time.Duration) Result {
	if old, ok := a.reservations[port]; ok {
		if old.Service == service {
			if old.State == StateReserved {
				old.ExpiresAt = now.Add(ttl)
			}
			return Result{OK: true, Port: port, Service: service}
		}
		a.dropLocked(old)
	}

	r := &Reservation{
		Port:       port,
		Service:    service,
		State:      StateReserved,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	a.reservations[port] = r
	if a.byService[service] == nil {
		a.byService[service] = make(map[int]struct{})
	}
	a.byService[service][port] = struct{}{}

	a.journalRecord(r, "reserve")
	a.log.WithField("service", service).WithField("port", port).Debug("port reserved")

	return Result{OK: true, Port: port, Service: service}
}

// Confirm transitions reserved → allocated: the owner bound the port, so the
// claim stops expiring and the owning pid is recorded. Returns false when the
// port was never reserved or belongs to a different service.
func (a *Allocator) Confirm(port int, service string, pid int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.reservations[port]
	if !ok {
		a.log.WithField("port", port).Error("confirm for port with no reservation")
		return false
	}
	if r.Service != service {
		a.log.WithField("port", port).WithField("service", service).
			WithField("owner", r.Service).Error("confirm by non-owning service")
		return false
	}

	r.State = StateAllocated
	r.AllocatedAt = time.Now()
	r.ExpiresAt = time.Time{}
	r.PID = pid

	a.journalRecord(r, "confirm")
	return true
}

// Release removes the reservation if the caller owns it. Idempotent: releasing
// an unreserved port returns false rather than failing loudly.
func (a *Allocator) Release(port int, service string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.reservations[port]
	if !ok || r.Service != service {
		return false
	}
	a.dropLocked(r)
	a.journalRecord(r, "release")
	return true
}

// Holder reports which service currently holds the port's reservation.
func (a *Allocator) Holder(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.reservations[port]
	if !ok {
		return "", false
	}
	return r.Service, true
}

// ReleaseService removes every reservation held by the service and returns the
// released ports in ascending order.
func (a *Allocator) ReleaseService(service string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var released []int
	for port := range a.byService[service] {
		if r, ok := a.reservations[port]; ok && r.Service == service {
			a.dropLocked(r)
			a.journalRecord(r, "release")
			released = append(released, port)
		}
	}
	sort.Ints(released)
	return released
}

// Block marks a port as never allocatable (e.g. something outside the
// launcher's control owns it).
func (a *Allocator) Block(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked[port] = struct{}{}
}

// Sweep removes expired reservations and their service-index entries.
func (a *Allocator) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked(time.Now())
}

func (a *Allocator) sweepLocked(now time.Time) int {
	var swept int
	for _, r := range a.reservations {
		if r.Expired(now) {
			a.dropLocked(r)
			a.journalRecord(r, "expire")
			swept++
		}
	}
	if swept > 0 {
		a.log.WithField("count", swept).Debug("swept expired port reservations")
	}
	return swept
}

func (a *Allocator) dropLocked(r *Reservation) {
	delete(a.reservations, r.Port)
	if set, ok := a.byService[r.Service]; ok {
		delete(set, r.Port)
		if len(set) == 0 {
			delete(a.byService, r.Service)
		}
	}
}

// Summary returns a diagnostic snapshot of the reservation tables.
func (a *Allocator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	s := Summary{ByService: make(map[string][]int)}
	for port, r := range a.reservations {
		s.Total++
		switch {
		case r.Expired(now):
			s.Expired = append(s.Expired, port)
		case r.State == StateAllocated:
			s.Allocated = append(s.Allocated, port)
		default:
			s.Reserved = append(s.Reserved, port)
		}
	}
	for service, set := range a.byService {
		for port := range set {
			s.ByService[service] = append(s.ByService[service], port)
		}
		sort.Ints(s.ByService[service])
	}
	sort.Ints(s.Reserved)
	sort.Ints(s.Allocated)
	sort.Ints(s.Expired)
	return s
}

// Validate cross-checks every reservation against a live in-use probe and
// reports the mismatches.
func (a *Allocator) Validate() []Anomaly {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	var anomalies []Anomaly
	for port, r := range a.reservations {
		inUse := a.probe.InUse(port)
		switch {
		case r.State == StateAllocated && !inUse:
			anomalies = append(anomalies, Anomaly{
				Port: port, Service: r.Service, Kind: AnomalyOrphaned,
				Detail: "confirmed allocation but nothing is listening",
			})
		case r.Expired(now) && inUse:
			anomalies = append(anomalies, Anomaly{
				Port: port, Service: r.Service, Kind: AnomalyExpiredInUse,
				Detail: "reservation lapsed but the port is still busy",
			})
		case r.State == StateReserved && inUse:
			anomalies = append(anomalies, Anomaly{
				Port: port, Service: r.Service, Kind: AnomalyConflict,
				Detail: "port busy before the owner confirmed allocation",
			})
		}
	}
	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].Port < anomalies[j].Port })
	return anomalies
}

// Journal exposes the allocation journal, nil when journaling is disabled.
func (a *Allocator) Journal() *Journal { return a.journal }

func (a *Allocator) journalRecord(r *Reservation, event string) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Record(r, event); err != nil {
		a.log.WithField("port", r.Port).WithField("event", event).
			WithError(err).Warn("failed to journal port event")
	}
}
