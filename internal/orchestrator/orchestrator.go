// Package orchestrator runs the node's single control loop.
//
// Every tick evaluates each subsystem once, in a fixed order: power
// button, sensors, connectivity, time sync, broker session, telemetry,
// display, then health and metrics. No step waits for the network.
// Each one observes "already up", "now up" or "still down" and the
// loop moves on. All state lives in one [State] value owned by the loop
// and passed by reference to each step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/envnode/internal/config"
	"github.com/nugget/envnode/internal/connwatch"
	"github.com/nugget/envnode/internal/display"
	"github.com/nugget/envnode/internal/metrics"
	"github.com/nugget/envnode/internal/mqtt"
	"github.com/nugget/envnode/internal/power"
	"github.com/nugget/envnode/internal/sensors"
	"github.com/nugget/envnode/internal/telemetry"
	"github.com/nugget/envnode/internal/timesync"
	"github.com/nugget/envnode/internal/wireless"
)

// ErrPoweredOff is returned by [Loop.Run] after the power button
// halted the node.
var ErrPoweredOff = errors.New("powered off by button")

// State is everything the loop carries from one tick to the next.
type State struct {
	Tick      uint64
	Link      wireless.State
	Clock     timesync.Phase
	Messaging mqtt.Status

	// LastPublish is the outcome of the most recent publish window.
	LastPublish    *telemetry.Result
	Published      int
	PublishFailed  int
	PublishSkipped int
}

// SensorPool is the sensor side of the loop.
type SensorPool interface {
	Tick(ctx context.Context, tick uint64)
	Slots() []sensors.Slot
}

// Connectivity is the network link side of the loop.
type Connectivity interface {
	Poll(ctx context.Context, st *wireless.State) (wireless.Status, bool)
}

// TimeSync drives the clock to network time.
type TimeSync interface {
	Step(ctx context.Context, phase *timesync.Phase, linkUp bool) timesync.Phase
}

// Messaging is the broker session.
type Messaging interface {
	Step(ctx context.Context, st *mqtt.Status, tick uint64, linkUp, clockTrusted bool)
	Reset(st *mqtt.Status)
}

// Publisher sends telemetry on its windows.
type Publisher interface {
	MaybePublish(ctx context.Context, tick uint64, pre telemetry.Preconditions) telemetry.Result
}

// Config wires the loop. Sensors, Link, Time, Messaging and Publisher
// are required; the rest default to inert implementations.
type Config struct {
	Sensors   SensorPool
	Link      Connectivity
	Time      TimeSync
	Messaging Messaging
	Publisher Publisher

	Button  power.Button
	Halter  power.Halter
	Battery power.Battery
	Screen  display.Screen

	// Clock supplies the time shown on the display.
	Clock func() time.Time

	Metrics *metrics.Metrics
	Health  *connwatch.Registry

	// Interval is the pause after each tick (default 1s).
	Interval time.Duration
	// HaltPause is the pause between the button press and the halt
	// (default 500ms).
	HaltPause time.Duration
}

// Loop is the orchestrator.
type Loop struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Loop.
func New(cfg Config, logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Sensors == nil || cfg.Link == nil || cfg.Time == nil || cfg.Messaging == nil || cfg.Publisher == nil {
		return nil, errors.New("orchestrator: sensors, link, time, messaging and publisher are required")
	}
	if cfg.Button == nil {
		cfg.Button = power.NoButton{}
	}
	if cfg.Halter == nil {
		cfg.Halter = power.ProcessHalter{}
	}
	if cfg.Battery == nil {
		cfg.Battery = power.NoBattery{}
	}
	if cfg.Screen == nil {
		cfg.Screen = display.Discard{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.HaltPause <= 0 {
		cfg.HaltPause = 500 * time.Millisecond
	}
	return &Loop{cfg: cfg, logger: logger, sleep: sleepCtx}, nil
}

// Run ticks until ctx is cancelled or the power button is pressed. A
// cancelled context returns nil; a button press halts the node and
// returns [ErrPoweredOff].
func (l *Loop) Run(ctx context.Context) error {
	var st State
	l.logger.Info("control loop started", "interval", l.cfg.Interval)

	for {
		if err := l.Tick(ctx, &st); err != nil {
			if errors.Is(err, ErrPoweredOff) {
				return l.powerOff(ctx)
			}
			return err
		}
		if err := l.sleep(ctx, l.cfg.Interval); err != nil {
			l.logger.Info("control loop stopped", "ticks", st.Tick)
			return nil
		}
	}
}

// Tick runs one iteration. It returns [ErrPoweredOff] when the power
// button is held; nothing else in a tick is an error.
func (l *Loop) Tick(ctx context.Context, st *State) error {
	st.Tick++

	if l.cfg.Button.Pressed() {
		l.logger.Info("power button pressed", "tick", st.Tick)
		return ErrPoweredOff
	}

	l.cfg.Sensors.Tick(ctx, st.Tick)
	slots := l.cfg.Sensors.Slots()

	link, lost := l.cfg.Link.Poll(ctx, &st.Link)
	if lost {
		l.cfg.Messaging.Reset(&st.Messaging)
	}
	linkUp := link == wireless.Connected

	l.cfg.Time.Step(ctx, &st.Clock, linkUp)
	synced := st.Clock == timesync.Completed

	l.cfg.Messaging.Step(ctx, &st.Messaging, st.Tick, linkUp, synced)

	var window *telemetry.Result
	res := l.cfg.Publisher.MaybePublish(ctx, st.Tick, telemetry.Preconditions{
		SessionConnected: st.Messaging.SessionConnected,
		ClockSynced:      synced,
		Slots:            slots,
	})
	if res.Outcome != telemetry.Skipped || res.Reason != telemetry.ReasonOffWindow {
		window = &res
		st.LastPublish = window
		switch res.Outcome {
		case telemetry.Published:
			st.Published++
		case telemetry.Failed:
			st.PublishFailed++
		default:
			st.PublishSkipped++
		}
	}

	battery, err := l.cfg.Battery.Level()
	if err != nil {
		battery = -1
	}

	if err := display.Render(l.cfg.Screen, display.Frame{
		Battery:     battery,
		Link:        link,
		Address:     st.Link.Address,
		RSSI:        st.Link.RSSI,
		Now:         l.cfg.Clock(),
		ClockSynced: synced,
		SessionUp:   st.Messaging.SessionConnected,
		Session:     st.Messaging.LastState,
		Slots:       slots,
	}); err != nil {
		l.logger.Debug("display refresh failed", "error", err)
	}

	l.report(st, slots, window, battery)
	return nil
}

func (l *Loop) report(st *State, slots []sensors.Slot, window *telemetry.Result, battery int) {
	if h := l.cfg.Health; h != nil {
		h.Record("wifi", st.Link.Status == wireless.Connected, linkDetail(st.Link))
		h.Record("ntp", st.Clock == timesync.Completed, st.Clock.String())
		h.Record("mqtt", st.Messaging.SessionConnected, st.Messaging.LastState.String())
	}

	if m := l.cfg.Metrics; m != nil {
		m.Observe(metrics.Sample{
			Tick:              st.Tick,
			Link:              st.Link.Status,
			RSSI:              st.Link.RSSI,
			Associations:      int(st.Link.Attempts),
			Phase:             st.Clock,
			TransportUp:       st.Messaging.TransportConnected,
			SessionUp:         st.Messaging.SessionConnected,
			SessionState:      st.Messaging.LastState,
			TransportAttempts: st.Messaging.TransportAttempts,
			SessionAttempts:   st.Messaging.SessionAttempts,
			Publish:           window,
			Slots:             slots,
			Battery:           battery,
		})
	}

	l.logger.Log(context.Background(), config.LevelTrace, "tick",
		"tick", st.Tick,
		"link", st.Link.Status.String(),
		"clock", st.Clock.String(),
		"session", st.Messaging.LastState.String(),
	)
}

func linkDetail(s wireless.State) string {
	if s.Status == wireless.Connected {
		return s.Address
	}
	return s.Status.String()
}

// powerOff pauses briefly and halts. The broker is not notified; its
// will message marks the node offline.
func (l *Loop) powerOff(ctx context.Context) error {
	l.cfg.Screen.Clear()
	l.cfg.Screen.Print("Powering off")
	if f, ok := l.cfg.Screen.(display.Flusher); ok {
		_ = f.Flush()
	}

	_ = l.sleep(ctx, l.cfg.HaltPause)
	if err := l.cfg.Halter.Halt(); err != nil {
		return fmt.Errorf("halt: %w", err)
	}
	return ErrPoweredOff
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
