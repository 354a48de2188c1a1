package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nugget/envnode/internal/connwatch"
)

// Status is the messaging part of the orchestrator state.
type Status struct {
	TransportConnected bool
	SessionConnected   bool
	LastState          SessionState
	TransportAttempts  int
	SessionAttempts    int
}

// Options configure a [Session].
type Options struct {
	// DeviceName names the node in topics and discovery.
	DeviceName string
	InstanceID string
	// Topic is where telemetry is published. Defaults to
	// envnode/<device>/telemetry.
	Topic string
	// DiscoveryPrefix enables Home Assistant discovery when non-empty.
	DiscoveryPrefix string
	Credentials     Credentials
	// ConnectTimeout bounds each transport and session attempt.
	ConnectTimeout time.Duration
	// Backoff, when non-nil, spaces out session attempts after repeated
	// refusals, and the transport redials that go with them.
	Backoff *connwatch.BackoffConfig
	// Entities lists the quantities to announce for discovery. It is
	// called on every session connect.
	Entities func() []Entity
}

// Session drives a [Broker] through the transport and session layers.
type Session struct {
	broker  Broker
	opts    Options
	device  DeviceInfo
	backoff *connwatch.Backoff
	logger  *slog.Logger

	refusals int
}

// NewSession creates a Session. The will message on the availability
// topic is added to opts.Credentials.
func NewSession(broker Broker, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Topic == "" {
		opts.Topic = "envnode/" + topicSafe(opts.DeviceName) + "/telemetry"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	s := &Session{
		broker: broker,
		opts:   opts,
		device: NewDeviceInfo(opts.InstanceID, opts.DeviceName),
		logger: logger,
	}
	if opts.Backoff != nil {
		s.backoff = connwatch.NewBackoff(*opts.Backoff)
	}
	s.opts.Credentials.Will = &Message{
		Topic:   s.AvailabilityTopic(),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}
	return s
}

// Topic returns the telemetry topic.
func (s *Session) Topic() string { return s.opts.Topic }

// AvailabilityTopic returns the topic carrying "online" / "offline".
func (s *Session) AvailabilityTopic() string {
	return "envnode/" + topicSafe(s.opts.DeviceName) + "/availability"
}

func (s *Session) discoveryTopic(e Entity) string {
	return s.opts.DiscoveryPrefix + "/sensor/" + topicSafe(s.opts.DeviceName) + "/" + entityID(e) + "/config"
}

// Step evaluates the transport layer, then the session layer, making
// at most one attempt at each. linkUp gates the transport layer;
// clockTrusted gates the session layer.
func (s *Session) Step(ctx context.Context, st *Status, tick uint64, linkUp, clockTrusted bool) {
	s.observe(st)

	// While backing off, the transport is left down too: an idle socket
	// nobody reads would only be dropped by the broker before the next
	// handshake.
	if !st.TransportConnected && linkUp && s.backoff.Allow(tick) {
		st.TransportAttempts++
		dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		err := s.broker.DialTransport(dctx)
		cancel()
		if err != nil {
			s.logger.Debug("broker transport connect failed",
				"attempt", st.TransportAttempts, "error", err)
		} else {
			st.TransportConnected = true
			s.logger.Info("broker transport connected")
		}
	}

	if st.SessionConnected || !st.TransportConnected || !clockTrusted {
		return
	}
	if !s.backoff.Allow(tick) {
		return
	}

	st.SessionAttempts++
	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	state := s.broker.ConnectSession(cctx, s.opts.Credentials)
	cancel()
	prev := st.LastState
	st.LastState = state

	if state != Connected {
		st.TransportConnected = s.broker.TransportConnected()
		s.backoff.Failure(tick)
		s.refusals++
		if s.refusals == 1 || state != prev {
			s.logger.Warn("broker session not established",
				"state", state.String(),
				"code", int(state),
				"attempt", st.SessionAttempts,
				"next_in_ticks", s.backoff.Delay())
		} else {
			s.logger.Debug("broker session failed",
				"state", state.String(), "attempt", st.SessionAttempts)
		}
		return
	}

	st.SessionConnected = true
	s.backoff.Success()
	s.refusals = 0
	s.logger.Info("broker session connected",
		"client_id", s.opts.Credentials.ClientID, "attempt", st.SessionAttempts)
	s.announce(ctx)
}

// observe folds connection losses seen by the broker into st.
func (s *Session) observe(st *Status) {
	if st.SessionConnected && !s.broker.SessionConnected() {
		st.SessionConnected = false
		st.LastState = s.broker.State()
		s.logger.Warn("broker session ended", "state", st.LastState.String())
	}
	if st.TransportConnected && !s.broker.TransportConnected() {
		st.TransportConnected = false
		s.logger.Debug("broker transport closed")
	}
}

// Reset drops both layers. The orchestrator calls it once when the
// network link is lost.
func (s *Session) Reset(st *Status) {
	s.broker.Reset()
	if st.SessionConnected {
		st.LastState = Disconnected
	}
	st.TransportConnected = false
	st.SessionConnected = false
}

// Publish sends a telemetry payload on the telemetry topic. There is no
// retry; the caller's next window is the retry.
func (s *Session) Publish(ctx context.Context, payload []byte) error {
	pctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	return s.broker.Publish(pctx, Message{Topic: s.opts.Topic, Payload: payload})
}

// announce publishes availability and discovery after a connect.
// Failures are logged; they do not end the session.
func (s *Session) announce(ctx context.Context) {
	actx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	if s.opts.DiscoveryPrefix != "" && s.opts.Entities != nil {
		s.publishDiscovery(actx)
	}

	if err := s.broker.Publish(actx, Message{
		Topic:   s.AvailabilityTopic(),
		Payload: []byte("online"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("availability publish failed", "error", err)
	} else {
		s.logger.Debug("availability published", "status", "online")
	}
}

func (s *Session) publishDiscovery(ctx context.Context) {
	avail := s.AvailabilityTopic()
	for _, e := range s.opts.Entities() {
		topic := s.discoveryTopic(e)
		payload, err := json.Marshal(sensorConfig(e, s.device, s.opts.InstanceID, s.opts.Topic, avail))
		if err != nil {
			s.logger.Error("marshal discovery payload", "entity", entityID(e), "error", err)
			continue
		}
		if err := s.broker.Publish(ctx, Message{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			s.logger.Warn("discovery publish failed", "entity", entityID(e), "topic", topic, "error", err)
			continue
		}
		s.logger.Debug("discovery published", "entity", entityID(e), "topic", topic)
	}
}
