package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/envnode/internal/connwatch"
)

// fakeBroker scripts the broker boundary. dialErr and connectState are
// consulted on every attempt.
type fakeBroker struct {
	dialErr      error
	connectState SessionState
	publishErr   error

	transportUp bool
	sessionUp   bool
	state       SessionState

	dials     int
	connects  int
	resets    int
	published []Message
	lastCreds Credentials
}

func (f *fakeBroker) TransportConnected() bool { return f.transportUp }

func (f *fakeBroker) DialTransport(context.Context) error {
	f.dials++
	if f.dialErr != nil {
		return f.dialErr
	}
	f.transportUp = true
	return nil
}

func (f *fakeBroker) SessionConnected() bool { return f.sessionUp }

func (f *fakeBroker) ConnectSession(_ context.Context, creds Credentials) SessionState {
	f.connects++
	f.lastCreds = creds
	f.state = f.connectState
	if f.connectState == Connected {
		f.sessionUp = true
	} else {
		f.transportUp = false
	}
	return f.state
}

func (f *fakeBroker) State() SessionState { return f.state }

func (f *fakeBroker) Publish(_ context.Context, msg Message) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeBroker) Reset() {
	f.resets++
	f.transportUp = false
	f.sessionUp = false
}

// drop simulates the broker closing the connection.
func (f *fakeBroker) drop() {
	f.transportUp = false
	f.sessionUp = false
	f.state = Lost
}

func newTestSession(b Broker, opts Options) *Session {
	if opts.DeviceName == "" {
		opts.DeviceName = "Porch Node"
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "0190f3c2-7a1b-7c3d-8e4f-a1b2c3d4e5f6"
	}
	return NewSession(b, opts, slog.Default())
}

func TestStep_TransportRequiresLink(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	s := newTestSession(b, Options{})
	var st Status

	s.Step(context.Background(), &st, 1, false, true)
	if b.dials != 0 || st.TransportConnected {
		t.Fatalf("dialed without link: dials=%d", b.dials)
	}

	s.Step(context.Background(), &st, 2, true, false)
	if !st.TransportConnected {
		t.Fatal("TransportConnected = false after successful dial")
	}
	if b.connects != 0 {
		t.Error("session attempted before clock was trusted")
	}
}

func TestStep_SessionRequiresTransportAndClock(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{dialErr: errors.New("connection refused")}
	s := newTestSession(b, Options{})
	var st Status

	for tick := uint64(1); tick <= 3; tick++ {
		s.Step(context.Background(), &st, tick, true, true)
	}
	if b.dials != 3 {
		t.Errorf("dials = %d, want one per tick", b.dials)
	}
	if b.connects != 0 {
		t.Errorf("connects = %d, want 0 with no transport", b.connects)
	}

	b.dialErr = nil
	s.Step(context.Background(), &st, 4, true, true)
	if !st.SessionConnected || st.LastState != Connected {
		t.Fatalf("status = %+v, want session connected", st)
	}
	if st.TransportAttempts != 4 || st.SessionAttempts != 1 {
		t.Errorf("attempts = %d/%d, want 4/1", st.TransportAttempts, st.SessionAttempts)
	}

	// Connected layers are not attempted again.
	s.Step(context.Background(), &st, 5, true, true)
	if b.dials != 4 || b.connects != 1 {
		t.Errorf("dials/connects = %d/%d after steady tick", b.dials, b.connects)
	}
}

func TestStep_RefusedSessionRetriedEveryTick(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{connectState: BadCredentials}
	s := newTestSession(b, Options{})
	var st Status

	for tick := uint64(1); tick <= 5; tick++ {
		s.Step(context.Background(), &st, tick, true, true)
		if st.SessionConnected {
			t.Fatalf("tick %d: session connected with bad credentials", tick)
		}
		if st.LastState != BadCredentials {
			t.Errorf("tick %d: LastState = %v, want bad-credentials", tick, st.LastState)
		}
	}
	// Each refusal drops the transport, so every tick redials and retries.
	if b.dials != 5 || b.connects != 5 {
		t.Errorf("dials/connects = %d/%d, want 5/5", b.dials, b.connects)
	}
}

func TestStep_SessionBackoff(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{connectState: Unavailable}
	s := newTestSession(b, Options{Backoff: &connwatch.BackoffConfig{InitialTicks: 3, MaxTicks: 3, Multiplier: 2}})
	var st Status

	for tick := uint64(1); tick <= 7; tick++ {
		s.Step(context.Background(), &st, tick, true, true)
		if tick == 2 && st.TransportConnected {
			t.Error("tick 2: transport redialed while the session is backing off")
		}
	}
	// Attempts at 1, 4, 7, each on a fresh transport.
	if b.connects != 3 {
		t.Errorf("connects = %d, want 3", b.connects)
	}
	if b.dials != 3 {
		t.Errorf("dials = %d, want 3", b.dials)
	}
}

func TestStep_ObservesLoss(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	s := newTestSession(b, Options{})
	var st Status
	s.Step(context.Background(), &st, 1, true, true)

	b.drop()
	s.Step(context.Background(), &st, 2, false, true)
	if st.SessionConnected || st.TransportConnected {
		t.Fatalf("status = %+v after broker dropped", st)
	}
	if st.LastState != Lost {
		t.Errorf("LastState = %v, want lost", st.LastState)
	}

	s.Step(context.Background(), &st, 3, true, true)
	if !st.SessionConnected {
		t.Error("session not re-established once link returned")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	s := newTestSession(b, Options{})
	var st Status
	s.Step(context.Background(), &st, 1, true, true)

	s.Reset(&st)
	if st.TransportConnected || st.SessionConnected {
		t.Errorf("status = %+v after Reset", st)
	}
	if st.LastState != Disconnected {
		t.Errorf("LastState = %v, want disconnected", st.LastState)
	}
	if b.resets != 1 {
		t.Errorf("broker resets = %d, want 1", b.resets)
	}
}

func TestStep_AnnouncesOnConnect(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	s := newTestSession(b, Options{
		DiscoveryPrefix: "homeassistant",
		Credentials:     Credentials{ClientID: "envnode-abc", Username: "node", Password: "secret"},
		Entities: func() []Entity {
			return []Entity{
				{Group: "sht4x", Name: "temperature", Unit: "C"},
				{Group: "sht4x", Name: "humidity", Unit: "%"},
			}
		},
	})
	var st Status
	s.Step(context.Background(), &st, 1, true, true)

	if w := b.lastCreds.Will; w == nil || w.Topic != "envnode/porch_node/availability" || string(w.Payload) != "offline" || !w.Retain {
		t.Errorf("will = %+v, want retained offline on availability topic", w)
	}
	if b.lastCreds.Username != "node" {
		t.Errorf("Username = %q", b.lastCreds.Username)
	}

	if len(b.published) != 3 {
		t.Fatalf("published %d messages, want 2 discovery + 1 availability", len(b.published))
	}
	for _, m := range b.published {
		if !m.Retain {
			t.Errorf("%s not retained", m.Topic)
		}
	}

	first := b.published[0]
	if first.Topic != "homeassistant/sensor/porch_node/sht4x_temperature/config" {
		t.Errorf("discovery topic = %q", first.Topic)
	}
	var cfg SensorConfig
	if err := json.Unmarshal(first.Payload, &cfg); err != nil {
		t.Fatalf("discovery payload: %v", err)
	}
	if cfg.UnitOfMeasurement != "°C" || cfg.DeviceClass != "temperature" {
		t.Errorf("unit/class = %q/%q", cfg.UnitOfMeasurement, cfg.DeviceClass)
	}
	if cfg.StateTopic != "envnode/porch_node/telemetry" {
		t.Errorf("StateTopic = %q", cfg.StateTopic)
	}
	if !strings.Contains(cfg.ValueTemplate, "['sht4x']['temperature'].value") {
		t.Errorf("ValueTemplate = %q", cfg.ValueTemplate)
	}
	if cfg.Device.Identifiers[0] != "0190f3c2-7a1b-7c3d-8e4f-a1b2c3d4e5f6" {
		t.Errorf("device identifiers = %v", cfg.Device.Identifiers)
	}

	last := b.published[2]
	if last.Topic != s.AvailabilityTopic() || string(last.Payload) != "online" {
		t.Errorf("availability = %s %q", last.Topic, last.Payload)
	}
}

func TestStep_AnnounceFailureKeepsSession(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{publishErr: errors.New("write: broken pipe")}
	s := newTestSession(b, Options{})
	var st Status
	s.Step(context.Background(), &st, 1, true, true)

	if !st.SessionConnected {
		t.Error("announce failure ended the session")
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	s := newTestSession(b, Options{Topic: "site/garden/env"})
	if err := s.Publish(context.Background(), []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	m := b.published[0]
	if m.Topic != "site/garden/env" || m.Retain || m.QoS != 0 {
		t.Errorf("published %+v, want QoS 0 non-retained on configured topic", m)
	}

	b.publishErr = ErrNoSession
	if err := s.Publish(context.Background(), nil); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}
