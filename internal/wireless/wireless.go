// Package wireless tracks the node's network association and keeps
// retrying it.
//
// [Connectivity.Poll] is called once per tick. It reads the live status
// from the [Radio]; if the radio is disconnected it issues a fresh
// station-mode association before returning, so the link heals itself
// at tick cadence with no extra scheduling. The tick on which a
// connected link is first seen down is reported exactly once so that
// the caller can reset everything layered on top of it.
package wireless

import (
	"context"
	"log/slog"

	"github.com/nugget/envnode/internal/connwatch"
)

// Status is the association status reported by the radio.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

// String returns the status name for logging and display.
func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Radio is the wireless boundary.
type Radio interface {
	// Status returns the live association status. Connected means the
	// link is associated and has an address.
	Status(ctx context.Context) (Status, error)
	// LocalAddress returns the current IPv4 address, "" if none.
	LocalAddress() string
	// RSSI returns the signal strength of the current association in dBm.
	RSSI(ctx context.Context) (int, error)
	// SetHostname sets the name the node identifies itself with.
	SetHostname(name string) error
	// ClearStaticConfig drops any static address override so the
	// address is obtained dynamically.
	ClearStaticConfig() error
	// BeginAssociation starts joining ssid. It does not wait for the
	// association to complete.
	BeginAssociation(ctx context.Context, ssid, password string) error
}

// Config is the station-mode association configuration.
type Config struct {
	SSID     string
	Password string
	Hostname string
}

// State is the connectivity record the orchestrator owns and passes to
// every Poll.
type State struct {
	Status       Status
	Address      string
	RSSI         int
	WasConnected bool
	// Attempts counts association requests issued since boot.
	Attempts uint64
}

// Connectivity polls a radio and re-associates it when it drops.
type Connectivity struct {
	radio  Radio
	cfg    Config
	logger *slog.Logger

	// failures counts association requests rejected since the link was
	// last up; only the first is logged at Warn.
	failures int
}

// New creates a Connectivity for radio.
func New(radio Radio, cfg Config, logger *slog.Logger) *Connectivity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connectivity{radio: radio, cfg: cfg, logger: logger}
}

// Poll refreshes st from the radio and returns the live status. When
// the radio is disconnected an association attempt is issued before
// returning. lost is true only on the poll that first observes a
// previously connected link as not connected.
func (c *Connectivity) Poll(ctx context.Context, st *State) (status Status, lost bool) {
	status, err := c.radio.Status(ctx)
	if err != nil {
		c.logger.Debug("radio status unavailable", "error", err)
		status = Disconnected
	}
	st.Status = status

	switch connwatch.Track(&st.WasConnected, status == Connected) {
	case connwatch.Down:
		lost = true
		c.logger.Warn("wifi connection lost",
			"ssid", c.cfg.SSID, "last_address", st.Address)
	case connwatch.Up:
		c.failures = 0
		st.Address = c.radio.LocalAddress()
		c.logger.Info("wifi connected",
			"ssid", c.cfg.SSID, "address", st.Address, "after_attempts", st.Attempts)
	}

	switch status {
	case Connected:
		st.Address = c.radio.LocalAddress()
		if rssi, err := c.radio.RSSI(ctx); err == nil {
			st.RSSI = rssi
		} else {
			c.logger.Debug("rssi unavailable", "error", err)
		}
	case Disconnected:
		c.associate(ctx, st)
	}

	return status, lost
}

// associate configures station mode and starts joining the network.
// Failures are logged; the next disconnected poll tries again.
func (c *Connectivity) associate(ctx context.Context, st *State) {
	st.Attempts++

	if c.cfg.Hostname != "" {
		if err := c.radio.SetHostname(c.cfg.Hostname); err != nil {
			c.logger.Debug("set hostname failed", "hostname", c.cfg.Hostname, "error", err)
		}
	}
	if err := c.radio.ClearStaticConfig(); err != nil {
		c.logger.Debug("clear static config failed", "error", err)
	}
	if err := c.radio.BeginAssociation(ctx, c.cfg.SSID, c.cfg.Password); err != nil {
		c.failures++
		level := slog.LevelDebug
		if c.failures == 1 {
			level = slog.LevelWarn
		}
		c.logger.Log(ctx, level, "wifi association request failed",
			"ssid", c.cfg.SSID, "attempt", st.Attempts, "error", err)
		return
	}
	c.logger.Debug("wifi association requested", "ssid", c.cfg.SSID, "attempt", st.Attempts)
}
