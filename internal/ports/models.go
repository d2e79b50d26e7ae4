package ports

import "time"

// State is the lifecycle state of a port reservation.
type State string

const (
	// StateReserved means the port is claimed but the owner has not yet bound it.
	// Reserved ports expire if never confirmed.
	StateReserved State = "reserved"
	// StateAllocated means the owner confirmed it bound the port. Allocated
	// reservations never expire.
	StateAllocated State = "allocated"
	// StateInUse is reported by validation when the OS shows traffic on the port.
	StateInUse State = "in_use"
	// StateBlocked marks ports the allocator must never hand out.
	StateBlocked State = "blocked"
)

// Reservation is a time-bounded claim on a port prior to actual binding.
type Reservation struct {
	Port        int
	Service     string
	State       State
	ReservedAt  time.Time
	AllocatedAt time.Time // zero until confirmed
	ExpiresAt   time.Time // zero once confirmed
	PID         int       // owning process, recorded on confirm
}

// Expired reports whether the reservation's claim has lapsed at the given time.
// Confirmed (allocated) reservations never expire.
func (r *Reservation) Expired(now time.Time) bool {
	if r.State == StateAllocated {
		return false
	}
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Result is the outcome of a single reservation attempt.
type Result struct {
	OK            bool
	Port          int
	Service       string
	Error         string
	ConflictsWith string // service holding the preferred port, if any
	Alternatives  []int  // up to maxAlternatives free ports found while scanning
}

// Range is an inclusive port range to scan, lowest first.
type Range struct {
	Lo int
	Hi int
}

// Contains reports whether p falls inside the range.
func (r Range) Contains(p int) bool { return p >= r.Lo && p <= r.Hi }

// Default ranges per service family. The family is picked by substring match on
// the service name; anything unrecognized scans the general development range.
var (
	AuthRange     = Range{Lo: 8080, Hi: 8099}
	BackendRange  = Range{Lo: 8000, Hi: 8079}
	FrontendRange = Range{Lo: 3000, Hi: 3099}
	DevRange      = Range{Lo: 9000, Hi: 9499}
)

// Summary is a diagnostic snapshot of the allocator's tables.
type Summary struct {
	Total     int
	Reserved  []int
	Allocated []int
	Expired   []int
	ByService map[string][]int
}

// Anomaly flags a reservation whose declared state disagrees with the OS.
type Anomaly struct {
	Port    int
	Service string
	Kind    AnomalyKind
	Detail  string
}

// AnomalyKind classifies validation findings.
type AnomalyKind string

const (
	// AnomalyOrphaned: confirmed as allocated but nothing is listening.
	AnomalyOrphaned AnomalyKind = "orphaned"
	// AnomalyExpiredInUse: reservation lapsed but the port is still busy.
	AnomalyExpiredInUse AnomalyKind = "expired_in_use"
	// AnomalyConflict: port busy at the OS level but reserved, not yet confirmed.
	AnomalyConflict AnomalyKind = "conflict"
)
