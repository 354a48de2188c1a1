package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/paho"
)

// ErrNoSession is returned by Publish when there is no live session.
var ErrNoSession = errors.New("mqtt session not connected")

// Credentials identify the node to the broker.
type Credentials struct {
	ClientID string
	Username string
	Password string
	// Will is published by the broker if the session ends without a
	// clean disconnect.
	Will *Message
}

// Message is one outbound publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Broker is the boundary to the broker connection. Implementations
// report liveness as of the last observed event; they never block in
// the liveness accessors.
type Broker interface {
	TransportConnected() bool
	DialTransport(ctx context.Context) error
	SessionConnected() bool
	ConnectSession(ctx context.Context, creds Credentials) SessionState
	// State returns the most recent session state.
	State() SessionState
	Publish(ctx context.Context, msg Message) error
	// Reset abandons the transport and session without notifying the
	// broker.
	Reset()
}

// PahoBroker is a [Broker] backed by a dialed net.Conn and a
// paho.golang v5 client.
type PahoBroker struct {
	addr      string
	tlsConfig *tls.Config
	keepAlive uint16

	mu          sync.Mutex
	conn        net.Conn
	client      *paho.Client
	gen         uint64
	transportUp bool
	sessionUp   bool
	state       SessionState
}

// NewPahoBroker creates a broker for a mqtt://, tcp://, mqtts:// or
// ssl:// URL. It does not connect.
func NewPahoBroker(brokerURL string) (*PahoBroker, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	b := &PahoBroker{keepAlive: 30, state: Disconnected}

	port := u.Port()
	switch u.Scheme {
	case "mqtt", "tcp":
		if port == "" {
			port = "1883"
		}
	case "mqtts", "ssl":
		if port == "" {
			port = "8883"
		}
		b.tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: u.Hostname(),
		}
	default:
		return nil, fmt.Errorf("unsupported mqtt broker scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("mqtt broker URL %q has no host", brokerURL)
	}
	b.addr = net.JoinHostPort(u.Hostname(), port)
	return b, nil
}

// Addr returns the host:port the broker dials.
func (b *PahoBroker) Addr() string { return b.addr }

// TransportConnected reports whether a connection to the broker is open.
func (b *PahoBroker) TransportConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transportUp
}

// DialTransport opens the connection. Any previous connection is
// dropped first.
func (b *PahoBroker) DialTransport(ctx context.Context) error {
	b.Reset()

	var (
		conn net.Conn
		err  error
	)
	if b.tlsConfig != nil {
		d := &tls.Dialer{Config: b.tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", b.addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", b.addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.addr, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.transportUp = true
	b.mu.Unlock()
	return nil
}

// SessionConnected reports whether the MQTT session is established.
func (b *PahoBroker) SessionConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionUp
}

// State returns the most recent session state.
func (b *PahoBroker) State() SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConnectSession runs the MQTT handshake over the open transport. A
// failed handshake closes the transport.
func (b *PahoBroker) ConnectSession(ctx context.Context, creds Credentials) SessionState {
	b.mu.Lock()
	if !b.transportUp || b.conn == nil {
		b.state = Failed
		b.mu.Unlock()
		return Failed
	}
	b.gen++
	gen := b.gen
	conn := b.conn
	b.mu.Unlock()

	client := paho.NewClient(paho.ClientConfig{
		ClientID: creds.ClientID,
		Conn:     conn,
		OnClientError: func(error) {
			b.ended(gen, Lost)
		},
		OnServerDisconnect: func(*paho.Disconnect) {
			b.ended(gen, Disconnected)
		},
	})

	cp := &paho.Connect{
		ClientID:   creds.ClientID,
		KeepAlive:  b.keepAlive,
		CleanStart: true,
	}
	if creds.Username != "" {
		cp.Username = creds.Username
		cp.UsernameFlag = true
	}
	if creds.Password != "" {
		cp.Password = []byte(creds.Password)
		cp.PasswordFlag = true
	}
	if w := creds.Will; w != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   w.Topic,
			Payload: w.Payload,
			QoS:     w.QoS,
			Retain:  w.Retain,
		}
	}

	// The handshake runs without the lock so the client's callbacks
	// can take it.
	ca, err := client.Connect(ctx, cp)

	state := Connected
	switch {
	case ca != nil && ca.ReasonCode != 0:
		state = FromReasonCode(ca.ReasonCode)
	case err != nil:
		state = fromError(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		// Reset while the handshake was in flight.
		return b.state
	}
	b.state = state
	if state != Connected {
		b.closeLocked()
		return state
	}
	b.client = client
	b.sessionUp = true
	return state
}

// ended records the end of session gen.
func (b *PahoBroker) ended(gen uint64, state SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || !b.sessionUp {
		return
	}
	b.state = state
	b.closeLocked()
}

// Publish sends msg on the live session.
func (b *PahoBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	client := b.client
	up := b.sessionUp
	b.mu.Unlock()
	if !up || client == nil {
		return ErrNoSession
	}

	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Reset drops the transport and session. The broker is not told; the
// will message covers that.
func (b *PahoBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	if b.transportUp || b.sessionUp {
		b.state = Disconnected
	}
	b.closeLocked()
}

func (b *PahoBroker) closeLocked() {
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = nil
	b.client = nil
	b.transportUp = false
	b.sessionUp = false
}
