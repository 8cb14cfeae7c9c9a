package net

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

const (
	bufSize = 64 * 1024

	// backlog of accepted links nobody picked up yet
	acceptBacklog = 16
)

/*
NetworkTransport provides a network based transport that can be used to link
tether agents on remote machines. It requires an underlying stream layer to
provide a stream abstraction, which can be simple TCP, TLS, etc.

This transport is very simple and lightweight. Every connection carries a
stream of length-prefixed frames (see wire.WriteFrame), in both directions,
for its whole lifespan. Connections are not pooled: one connection is one Link,
and one Link carries one session.
*/
type NetworkTransport struct {
	logger *logrus.Entry

	kind    string
	timeout time.Duration
	maxSize int

	acceptCh chan Link

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer
}

// NewNetworkTransport creates a new network transport with the given stream
// layer. The timeout is used to apply dial and write deadlines.
func NewNetworkTransport(
	stream StreamLayer,
	kind string,
	timeout time.Duration,
	maxFrameSize int,
	logger *logrus.Entry,
) *NetworkTransport {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	if maxFrameSize <= 0 {
		maxFrameSize = wire.DefaultMaxFrameSize
	}

	trans := &NetworkTransport{
		acceptCh:   make(chan Link, acceptBacklog),
		logger:     logger,
		kind:       kind,
		timeout:    timeout,
		maxSize:    maxFrameSize,
		shutdownCh: make(chan struct{}),
		stream:     stream,
	}

	return trans
}

// Close is used to stop the network transport. Links already handed out stay
// open.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()

		n.shutdown = true
	}
	return nil
}

// LocalAddr returns the address the transport is bound to.
func (n *NetworkTransport) LocalAddr() string {
	addr := n.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// AdvertiseAddr implements the Listener interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Dial implements the Dialer interface. The dial is bounded by the transport
// timeout and by ctx.
func (n *NetworkTransport) Dial(ctx context.Context, target string) (Link, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}

	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := n.stream.Dial(target, timeout)
	if err != nil {
		return nil, err
	}

	n.logger.WithFields(logrus.Fields{
		"local":  conn.LocalAddr(),
		"target": target,
	}).Debug("Dialed connection")

	return n.newLink(conn), nil
}

// Accept implements the Listener interface.
func (n *NetworkTransport) Accept() (Link, error) {
	select {
	case l := <-n.acceptCh:
		return l, nil
	case <-n.shutdownCh:
		return nil, ErrTransportShutdown
	}
}

// Listen accepts incoming connections until the transport is closed.
func (n *NetworkTransport) Listen() {
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		select {
		case n.acceptCh <- n.newLink(conn):
		case <-n.shutdownCh:
			conn.Close()
			return
		}
	}
}

func (n *NetworkTransport) newLink(conn net.Conn) *streamLink {
	return &streamLink{
		kind:    n.kind,
		conn:    conn,
		r:       bufio.NewReaderSize(conn, bufSize),
		w:       bufio.NewWriterSize(conn, bufSize),
		timeout: n.timeout,
		maxSize: n.maxSize,
	}
}

// streamLink is a Link over a net.Conn.
type streamLink struct {
	kind    string
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	maxSize int

	wLock sync.Mutex
	w     *bufio.Writer
}

func (l *streamLink) WriteFrame(f wire.Frame) error {
	l.wLock.Lock()
	defer l.wLock.Unlock()

	// a silent partition must not wedge the writer forever
	if l.timeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(l.timeout))
	}

	if err := wire.WriteFrame(l.w, f, l.maxSize); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *streamLink) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(l.r, l.maxSize)
}

func (l *streamLink) LocalAddr() string {
	return l.conn.LocalAddr().String()
}

func (l *streamLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

func (l *streamLink) Kind() string {
	return l.kind
}

func (l *streamLink) Close() error {
	return l.conn.Close()
}
