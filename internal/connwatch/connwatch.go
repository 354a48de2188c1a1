// Package connwatch tracks the health of the node's network links
// (radio association, time source, broker session) across polling
// ticks.
//
// Nothing here runs in the background. The orchestrator loop polls
// each link once per tick and feeds the result in:
//   - [Track] turns a live up/down reading into an edge, so a link
//     going down is acted on exactly once however many ticks it stays down.
//   - [Backoff] optionally spaces out retries of a failing operation,
//     counted in ticks (2, 4, 8, ... capped).
//   - [Registry] keeps the last observed status of each link for the
//     health endpoint.
package connwatch

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Transition is the edge observed by [Track].
type Transition int

const (
	// Steady means the link state did not change.
	Steady Transition = iota
	// Up means the link went from not-ready to ready.
	Up
	// Down means the link went from ready to not-ready.
	Down
)

// String returns the transition name for logging.
func (t Transition) String() string {
	switch t {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "steady"
	}
}

// Track compares the live reading against the caller-owned wasReady
// flag, updates the flag, and reports the edge. Repeated calls with the
// same reading return [Steady].
func Track(wasReady *bool, ready bool) Transition {
	switch {
	case *wasReady && !ready:
		*wasReady = false
		return Down
	case !*wasReady && ready:
		*wasReady = true
		return Up
	default:
		return Steady
	}
}

// BackoffConfig controls exponential retry spacing in ticks.
type BackoffConfig struct {
	// InitialTicks is the wait after the first failure (default: 2).
	InitialTicks int

	// MaxTicks is the ceiling for backoff growth (default: 60).
	MaxTicks int

	// Multiplier scales the wait after each failure (default: 2.0).
	Multiplier float64
}

// DefaultBackoffConfig returns the 2, 4, 8, 16, 32, 60 (capped) tick
// schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialTicks: 2,
		MaxTicks:     60,
		Multiplier:   2.0,
	}
}

// Backoff gates retries of a single operation. A nil *Backoff allows
// every attempt, which is the default retry policy: once per tick,
// forever.
type Backoff struct {
	cfg   BackoffConfig
	delay int
	next  uint64
}

// NewBackoff creates a Backoff. Zero-value config fields are replaced
// with defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	defaults := DefaultBackoffConfig()
	if cfg.InitialTicks <= 0 {
		cfg.InitialTicks = defaults.InitialTicks
	}
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = defaults.MaxTicks
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaults.Multiplier
	}
	return &Backoff{cfg: cfg}
}

// Allow reports whether an attempt may be made at tick.
func (b *Backoff) Allow(tick uint64) bool {
	if b == nil {
		return true
	}
	return tick >= b.next
}

// Failure records a failed attempt at tick and schedules the next one.
func (b *Backoff) Failure(tick uint64) {
	if b == nil {
		return
	}
	if b.delay == 0 {
		b.delay = b.cfg.InitialTicks
	} else {
		b.delay = int(float64(b.delay) * b.cfg.Multiplier)
		if b.delay > b.cfg.MaxTicks {
			b.delay = b.cfg.MaxTicks
		}
	}
	b.next = tick + uint64(b.delay)
}

// Success clears the backoff so the next failure starts from
// InitialTicks again.
func (b *Backoff) Success() {
	if b == nil {
		return
	}
	b.delay = 0
	b.next = 0
}

// Delay returns the current wait in ticks, 0 when not backing off.
func (b *Backoff) Delay() int {
	if b == nil {
		return 0
	}
	return b.delay
}

// ServiceStatus is the health status of a watched link, suitable for
// JSON serialization in health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Detail    string    `json:"detail,omitempty"`
	LastCheck time.Time `json:"last_check"`
	Since     time.Time `json:"since"`
}

// Registry holds the latest status of every link. The orchestrator
// writes it once per tick; the metrics listener reads it from its own
// goroutine.
type Registry struct {
	mu       sync.RWMutex
	services map[string]ServiceStatus
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		services: make(map[string]ServiceStatus),
		now:      time.Now,
		logger:   logger,
	}
}

// Record stores the status of name. A change in readiness is logged
// and restarts the Since timestamp.
func (r *Registry) Record(name string, ready bool, detail string) {
	now := r.now()

	r.mu.Lock()
	prev, seen := r.services[name]
	s := ServiceStatus{
		Name:      name,
		Ready:     ready,
		Detail:    detail,
		LastCheck: now,
		Since:     prev.Since,
	}
	if !seen || prev.Ready != ready {
		s.Since = now
	}
	r.services[name] = s
	r.mu.Unlock()

	if seen && prev.Ready != ready {
		r.logger.Debug("link status changed",
			"service", name,
			"ready", ready,
			"detail", detail,
		)
	}
}

// Status returns the health status of all recorded links.
func (r *Registry) Status() map[string]ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(r.services))
	for name, s := range r.services {
		status[name] = s
	}
	return status
}

// Names returns the recorded link names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
