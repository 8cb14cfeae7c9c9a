package net

import (
	"context"
	"errors"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrLinkClosed is returned by operations on a closed Link.
	ErrLinkClosed = errors.New("link closed")

	// ErrUnreachable is returned when no route to a peer could be found.
	ErrUnreachable = errors.New("peer unreachable")
)

// Link kinds
const (
	KindTCP   = "tcp"
	KindInmem = "inmem"
	KindRelay = "relay"
)

// Link is an ordered, bidirectional stream of frames between two agents. A Link
// knows nothing about sessions; everything above the frame header is opaque to
// it.
//
// WriteFrame is safe for concurrent use; ReadFrame is not. Close unblocks
// both.
type Link interface {
	WriteFrame(f wire.Frame) error
	ReadFrame() (wire.Frame, error)

	// LocalAddr and RemoteAddr identify the endpoints for logging
	LocalAddr() string
	RemoteAddr() string

	// Kind is one of KindTCP, KindInmem or KindRelay
	Kind() string

	Close() error
}

// Dialer opens Links.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Link, error)
}

// Listener accepts Links opened by remote Dialers.
type Listener interface {
	// Accept blocks until a Link is opened or the Listener is closed, in which
	// case it returns ErrTransportShutdown.
	Accept() (Link, error)

	// AdvertiseAddr is the address remote peers should dial
	AdvertiseAddr() string

	Close() error
}

// Transport is both a Dialer and a Listener.
type Transport interface {
	Dialer
	Listener
}
