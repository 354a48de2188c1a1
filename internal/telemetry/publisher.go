package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/envnode/internal/sensors"
)

// Sender delivers one payload to the broker.
type Sender interface {
	Publish(ctx context.Context, payload []byte) error
}

// Outcome is what a publish window did.
type Outcome int

const (
	// Skipped means nothing was sent; Result.Reason says why.
	Skipped Outcome = iota
	Published
	Failed
)

// String returns the outcome name for logging and metrics labels.
func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

// Skip reasons.
const (
	ReasonOffWindow    = "off-window"
	ReasonNoSession    = "no-session"
	ReasonClockNotSync = "clock-not-synced"
	ReasonNoSensors    = "no-ready-sensors"
)

// Preconditions is the state a publish depends on, gathered by the
// orchestrator each tick.
type Preconditions struct {
	SessionConnected bool
	ClockSynced      bool
	Slots            []sensors.Slot
}

// Result reports one call to [Publisher.MaybePublish].
type Result struct {
	Outcome Outcome
	Reason  string
	Payload []byte
	Err     error
}

// Publisher sends a snapshot every Period ticks when the preconditions
// hold. A missed or failed window is not retried; the next window is.
type Publisher struct {
	sender Sender
	period uint64
	device string
	now    func() time.Time
	logger *slog.Logger
}

// NewPublisher creates a Publisher. now supplies the payload timestamp
// and should read the synchronized clock.
func NewPublisher(sender Sender, period int, device string, now func() time.Time, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if period <= 0 {
		period = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Publisher{
		sender: sender,
		period: uint64(period),
		device: device,
		now:    now,
		logger: logger,
	}
}

// Due reports whether tick opens a publish window.
func (p *Publisher) Due(tick uint64) bool {
	return tick%p.period == 0
}

// MaybePublish sends one snapshot if tick opens a window and every
// precondition holds.
func (p *Publisher) MaybePublish(ctx context.Context, tick uint64, pre Preconditions) Result {
	if !p.Due(tick) {
		return Result{Outcome: Skipped, Reason: ReasonOffWindow}
	}

	reason := ""
	switch {
	case !pre.SessionConnected:
		reason = ReasonNoSession
	case !pre.ClockSynced:
		reason = ReasonClockNotSync
	}

	// A Ready sensor without its first sample contributes no group.
	snap := NewSnapshot(p.now(), p.device, pre.Slots)
	if reason == "" && len(snap.Groups) == 0 {
		reason = ReasonNoSensors
	}
	if reason != "" {
		p.logger.Debug("telemetry window skipped", "tick", tick, "reason", reason)
		return Result{Outcome: Skipped, Reason: reason}
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("encode snapshot: %w", err)}
	}

	if err := p.sender.Publish(ctx, payload); err != nil {
		p.logger.Warn("telemetry publish failed", "tick", tick, "error", err)
		return Result{Outcome: Failed, Payload: payload, Err: err}
	}

	p.logger.Info("telemetry published",
		"tick", tick,
		"sensors", len(snap.Groups),
		"bytes", len(payload),
	)
	return Result{Outcome: Published, Payload: payload}
}
