package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/envnode/internal/connwatch"
)

// Options tune the pool's retry and fault handling. The zero value
// keeps the plain behavior: probe every tick forever, never demote.
type Options struct {
	// DemoteAfter moves a Ready slot to Faulted after this many
	// consecutive read failures. 0 disables demotion.
	DemoteAfter int

	// InitBackoff, when non-nil, spaces out probes of a slot that keeps
	// failing Init.
	InitBackoff *connwatch.BackoffConfig
}

type slot struct {
	Slot
	driver       Driver
	backoff      *connwatch.Backoff
	initFailures int
}

// Pool owns the sensor slots. It is not safe for concurrent use; the
// orchestrator loop is its only caller.
type Pool struct {
	slots  []*slot
	byKind map[Kind]*slot
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewPool creates an empty pool.
func NewPool(opts Options, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		byKind: make(map[Kind]*slot),
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Register adds a sensor kind in the Uninitialized state. Slots are
// reported in registration order.
//
// Panics if kind is empty, already registered, or d is nil. These are
// wiring mistakes, not runtime conditions.
func (p *Pool) Register(kind Kind, d Driver) {
	if kind == "" {
		panic("sensors: Register with empty kind")
	}
	if d == nil {
		panic(fmt.Sprintf("sensors: Register %q with nil driver", kind))
	}
	if _, dup := p.byKind[kind]; dup {
		panic(fmt.Sprintf("sensors: kind %q registered twice", kind))
	}

	s := &slot{
		Slot:   Slot{Kind: kind, State: Uninitialized},
		driver: d,
	}
	if p.opts.InitBackoff != nil {
		s.backoff = connwatch.NewBackoff(*p.opts.InitBackoff)
	}
	p.slots = append(p.slots, s)
	p.byKind[kind] = s
}

// TryInitialize runs one probe of kind. It returns true if the slot is
// Ready afterwards. A failure leaves the slot as it was for a later
// retry.
func (p *Pool) TryInitialize(ctx context.Context, kind Kind) bool {
	s, ok := p.byKind[kind]
	if !ok {
		return false
	}
	if s.State == Ready {
		return true
	}

	if err := s.driver.Init(ctx); err != nil {
		s.initFailures++
		s.LastErr = err
		if s.initFailures == 1 {
			p.logger.Warn("sensor not found, will keep probing",
				"sensor", kind, "error", err)
		} else {
			p.logger.Debug("sensor probe failed",
				"sensor", kind, "attempts", s.initFailures, "error", err)
		}
		return false
	}

	p.logger.Info("sensor initialized",
		"sensor", kind, "after_attempts", s.initFailures+1)
	s.State = Ready
	s.initFailures = 0
	s.Failures = 0
	s.LastErr = nil
	return true
}

// Refresh reads a Ready sensor. It returns the new reading and true on
// success. On [ErrNoData] it returns the previous reading, if any.
func (p *Pool) Refresh(ctx context.Context, kind Kind) (Reading, bool) {
	s, ok := p.byKind[kind]
	if !ok || s.State != Ready {
		return Reading{}, false
	}

	r, err := s.driver.Read(ctx)
	switch {
	case err == nil:
		if r.At.IsZero() {
			r.At = p.now()
		}
		s.Last = r
		s.HasReading = true
		s.Failures = 0
		s.LastErr = nil
		return r, true

	case errors.Is(err, ErrNoData):
		return s.Last, s.HasReading
	}

	s.Failures++
	s.LastErr = err
	p.logger.Warn("sensor read failed",
		"sensor", kind, "consecutive_failures", s.Failures, "error", err)

	if p.opts.DemoteAfter > 0 && s.Failures >= p.opts.DemoteAfter {
		s.State = Faulted
		s.HasReading = false
		p.logger.Warn("sensor faulted, returning to probe",
			"sensor", kind, "failures", s.Failures)
	}
	return Reading{}, false
}

// Tick advances every slot by one step: a probe for slots that are not
// Ready (subject to backoff), a read for slots that are.
func (p *Pool) Tick(ctx context.Context, tick uint64) {
	for _, s := range p.slots {
		if s.State == Ready {
			p.Refresh(ctx, s.Kind)
			continue
		}

		if !s.backoff.Allow(tick) {
			continue
		}
		if p.TryInitialize(ctx, s.Kind) {
			s.backoff.Success()
			// Read right away so a freshly found sensor shows up this tick.
			p.Refresh(ctx, s.Kind)
		} else {
			s.backoff.Failure(tick)
		}
	}
}

// Slots returns a snapshot of every slot in registration order.
func (p *Pool) Slots() []Slot {
	out := make([]Slot, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.Slot
	}
	return out
}

// Ready returns the slots that are Ready.
func (p *Pool) Ready() []Slot {
	var out []Slot
	for _, s := range p.slots {
		if s.State == Ready {
			out = append(out, s.Slot)
		}
	}
	return out
}

// AnyReady reports whether at least one slot is Ready.
func (p *Pool) AnyReady() bool {
	for _, s := range p.slots {
		if s.State == Ready {
			return true
		}
	}
	return false
}

// Counts returns the number of slots in each state.
func (p *Pool) Counts() map[State]int {
	counts := map[State]int{Uninitialized: 0, Ready: 0, Faulted: 0}
	for _, s := range p.slots {
		counts[s.State]++
	}
	return counts
}

// Describe returns the quantities each kind reports, for drivers that
// implement [Describer].
func (p *Pool) Describe() map[Kind][]Quantity {
	out := make(map[Kind][]Quantity)
	for _, s := range p.slots {
		if d, ok := s.driver.(Describer); ok {
			out[s.Kind] = d.Describe()
		}
	}
	return out
}

// Kinds returns the registered kinds in registration order.
func (p *Pool) Kinds() []Kind {
	out := make([]Kind, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.Kind
	}
	return out
}
