// Package timesync drives the wall clock to network time exactly once.
//
// The [Machine] moves NotStarted → InProgress → Completed and never
// back. It only starts while the network is up, never waits on the
// network, and after the first successful commit the clock is trusted
// for the rest of the process lifetime.
package timesync

import (
	"context"
	"log/slog"
	"time"
)

// Phase is the synchronization phase.
type Phase int

const (
	NotStarted Phase = iota
	InProgress
	Completed
)

// String returns the phase name for logging and display.
func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not-started"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Progress is what a [Syncer] reports about its current request.
type Progress int

const (
	Idle Progress = iota
	Pending
	Done
	Failed
)

// Syncer is the network time boundary.
type Syncer interface {
	// Start issues one time request and returns immediately.
	Start(ctx context.Context)
	// Poll reports the request's progress. When Done, offset is the
	// correction to add to the system clock.
	Poll() (p Progress, offset time.Duration, err error)
}

// Clock is where synchronized time is committed and read back.
type Clock interface {
	Now() time.Time
	Set(t time.Time) error
}

// Options tune the machine.
type Options struct {
	// RetryFailed re-issues the request when the syncer reports Failed.
	// Without it a failed request leaves the machine InProgress for good.
	RetryFailed bool
}

// Machine is the time sync state machine. The phase itself lives in
// the caller's state and is passed to every Step.
type Machine struct {
	syncer Syncer
	clock  Clock
	opts   Options
	logger *slog.Logger

	// now reads the system clock that the syncer's offset is relative to.
	now   func() time.Time
	sleep func(time.Duration)

	failures int
}

// New creates a Machine.
func New(syncer Syncer, clock Clock, opts Options, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		syncer: syncer,
		clock:  clock,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Step advances the machine by at most one transition and returns the
// resulting phase. linkUp gates only the NotStarted → InProgress
// transition; a request already in flight keeps being polled.
func (m *Machine) Step(ctx context.Context, phase *Phase, linkUp bool) Phase {
	switch *phase {
	case NotStarted:
		if !linkUp {
			return *phase
		}
		m.syncer.Start(ctx)
		*phase = InProgress
		m.logger.Info("time sync started")

	case InProgress:
		progress, offset, err := m.syncer.Poll()
		switch progress {
		case Done:
			if err := m.commit(offset); err != nil {
				m.logger.Warn("clock commit failed, will retry", "error", err)
				return *phase
			}
			*phase = Completed

		case Failed:
			m.failures++
			if m.opts.RetryFailed && linkUp {
				m.logger.Warn("time sync failed, retrying", "attempt", m.failures, "error", err)
				m.syncer.Start(ctx)
			} else if m.failures == 1 {
				m.logger.Warn("time sync failed", "error", err)
			}
		}
	}
	return *phase
}

// commit aligns the commit to the next whole second of corrected time,
// waits for it (always under one second), and sets the clock to it. The
// committed value therefore never lies behind the time source.
func (m *Machine) commit(offset time.Duration) error {
	now := m.now().Add(offset)
	target := now.Truncate(time.Second).Add(time.Second)
	m.sleep(target.Sub(now))

	if err := m.clock.Set(target); err != nil {
		return err
	}
	m.logger.Info("clock synchronized",
		"time", target.UTC().Format(time.RFC3339),
		"offset", offset.String(),
	)
	return nil
}
