package sip

import "github.com/ghettovoice/sipua/internal/util"

//go:generate go tool mockgen -destination=../internal/mocks/transport.go -package=mocks . Transport

// Transport is the message pump used by the engine.
// Inbound messages are delivered to [UserAgentCore] by the transport owner.
type Transport interface {
	// Protocol returns the transport protocol used in Via headers (UDP, TCP, TLS, WS, WSS).
	Protocol() string
	// IsConnected reports whether the transport can currently send messages.
	IsConnected() bool
	// Send queues the rendered message for delivery.
	// Failures detected later are reported by the transport owner out of band.
	Send(msg string) error
}

// IsReliableTransport reports whether the protocol guarantees delivery.
// Timers that only absorb retransmissions are zero on reliable transports.
func IsReliableTransport(proto string) bool {
	switch util.UCase(proto) {
	case "UDP", "DTLS", "":
		return false
	default:
		return true
	}
}
