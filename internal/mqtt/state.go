package mqtt

import (
	"context"
	"errors"
	"net"
)

// SessionState is the outcome of the most recent session attempt, or
// the reason an established session ended. Negative values are local
// conditions; positive values are refusals from the broker.
type SessionState int

const (
	Timeout        SessionState = -4
	Lost           SessionState = -3
	Failed         SessionState = -2
	Disconnected   SessionState = -1
	Connected      SessionState = 0
	BadProtocol    SessionState = 1
	BadClientID    SessionState = 2
	Unavailable    SessionState = 3
	BadCredentials SessionState = 4
	Unauthorized   SessionState = 5
)

// String returns the state name for logging and display.
func (s SessionState) String() string {
	switch s {
	case Timeout:
		return "timeout"
	case Lost:
		return "lost"
	case Failed:
		return "failed"
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case BadProtocol:
		return "bad-protocol"
	case BadClientID:
		return "bad-client-id"
	case Unavailable:
		return "unavailable"
	case BadCredentials:
		return "bad-credentials"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Refused reports whether the broker answered and turned the session
// down, as opposed to a local or network failure.
func (s SessionState) Refused() bool { return s > Connected }

// FromReasonCode maps an MQTT v5 CONNACK reason code to a SessionState.
func FromReasonCode(code byte) SessionState {
	switch code {
	case 0x00:
		return Connected
	case 0x84: // unsupported protocol version
		return BadProtocol
	case 0x85: // client identifier not valid
		return BadClientID
	case 0x86: // bad user name or password
		return BadCredentials
	case 0x87: // not authorized
		return Unauthorized
	case 0x88, 0x89: // server unavailable, server busy
		return Unavailable
	default:
		return Failed
	}
}

// fromError classifies a connect error that came without a CONNACK.
func fromError(err error) SessionState {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	return Failed
}
