package net

import (
	"net"
	"time"
)

// StreamLayer is the byte-stream side of a NetworkTransport: it accepts the
// streams companions open to a host, and opens streams to a host's direct
// addresses. Framing, sealing and sessions all sit above it.
type StreamLayer interface {
	net.Listener

	// Dial opens a stream to a host address, giving up after timeout
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr is the address put in pairing tokens and announced over
	// local discovery
	AdvertiseAddr() string
}
