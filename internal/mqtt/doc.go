// Package mqtt manages the node's broker session in two layers.
//
// The transport layer is a plain TCP (or TLS) connection to the broker.
// The session layer is the MQTT v5 handshake over that connection. The
// orchestrator drives both through [Session.Step] once per tick: each
// layer gets at most one attempt per tick and nothing waits for a
// connect to succeed. The session is only attempted once the clock is
// trusted, so the broker never sees a payload carrying a bogus
// timestamp.
//
// On every session (re-)connect the node publishes a retained "online"
// availability message and retained Home Assistant discovery configs
// for each quantity its sensors report. A will message flips the
// availability topic to "offline" if the node drops off the network.
package mqtt
