package registry

import (
	"time"
)

// Status is the lifecycle status of a registered service.
type Status string

const (
	StatusRegistering  Status = "registering"
	StatusRegistered   Status = "registered"
	StatusStarting     Status = "starting"
	StatusReady        Status = "ready"
	StatusUnhealthy    Status = "unhealthy"
	StatusUnregistered Status = "unregistered"
)

// Endpoint describes one reachable network surface of a service. Immutable
// once created.
type Endpoint struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	Port       int    `json:"port"`
	HealthPath string `json:"health_endpoint"`
	ReadyPath  string `json:"ready_endpoint"`
	Protocol   string `json:"protocol"`
}

// Registration is the registry's record for one logical service. The service
// name is the primary key.
type Registration struct {
	ServiceName         string
	Status              Status
	Endpoints           []Endpoint
	RegisteredAt        time.Time
	LastSeen            time.Time
	Metadata            map[string]any
	Tags                []string
	Dependencies        []string
	HealthCheckInterval time.Duration
}

// HasTag reports whether the registration carries the tag.
func (r *Registration) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasDependency reports whether the registration declares the dependency.
func (r *Registration) HasDependency(dep string) bool {
	for _, d := range r.Dependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// clone returns a copy so callers cannot mutate registry state.
func (r *Registration) clone() *Registration {
	cp := *r
	cp.Endpoints = append([]Endpoint(nil), r.Endpoints...)
	cp.Tags = append([]string(nil), r.Tags...)
	cp.Dependencies = append([]string(nil), r.Dependencies...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Query filters registrations during discovery. Retry fields bound how long a
// miss is retried before giving up.
type Query struct {
	Name               string   // exact service name, empty matches any
	Status             Status   // empty matches any status
	Tags               []string // required tag subset
	Dependencies       []string // every listed dependency must be declared
	Retries            int      // additional attempts after the first miss
	RetryDelay         time.Duration
	ExponentialBackoff bool
	Timeout            time.Duration // hard ceiling across all attempts; 0 = none
}

// Matches applies the query's filters to a registration.
func (q Query) Matches(r *Registration) bool {
	if q.Name != "" && q.Name != r.ServiceName {
		return false
	}
	if q.Status != "" && q.Status != r.Status {
		return false
	}
	for _, tag := range q.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	for _, dep := range q.Dependencies {
		if !r.HasDependency(dep) {
			return false
		}
	}
	return true
}

// registrationFile is the on-disk shape: one JSON file per service with unix
// timestamps and seconds for the health-check interval.
type registrationFile struct {
	ServiceName         string         `json:"service_name"`
	Status              string         `json:"status"`
	Endpoints           []Endpoint     `json:"endpoints"`
	RegisteredAt        float64        `json:"registered_at"`
	LastSeen            float64        `json:"last_seen"`
	Metadata            map[string]any `json:"metadata"`
	Tags                []string       `json:"tags"`
	Dependencies        []string       `json:"dependencies"`
	HealthCheckInterval float64        `json:"health_check_interval"`
}

func toFile(r *Registration) registrationFile {
	return registrationFile{
		ServiceName:         r.ServiceName,
		Status:              string(r.Status),
		Endpoints:           r.Endpoints,
		RegisteredAt:        float64(r.RegisteredAt.UnixNano()) / 1e9,
		LastSeen:            float64(r.LastSeen.UnixNano()) / 1e9,
		Metadata:            r.Metadata,
		Tags:                r.Tags,
		Dependencies:        r.Dependencies,
		HealthCheckInterval: r.HealthCheckInterval.Seconds(),
	}
}

func fromFile(f registrationFile) *Registration {
	return &Registration{
		ServiceName:         f.ServiceName,
		Status:              Status(f.Status),
		Endpoints:           f.Endpoints,
		RegisteredAt:        unixToTime(f.RegisteredAt),
		LastSeen:            unixToTime(f.LastSeen),
		Metadata:            f.Metadata,
		Tags:                f.Tags,
		Dependencies:        f.Dependencies,
		HealthCheckInterval: time.Duration(f.HealthCheckInterval * float64(time.Second)),
	}
}

func unixToTime(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(sec*1e9))
}
