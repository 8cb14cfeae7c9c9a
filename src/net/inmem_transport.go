package net

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

const inmemLinkBuffer = 256

// NewInmemAddr returns a new in-memory addr with a randomly generated UUID as
// the ID.
func NewInmemAddr() string {
	return uuid.New().String()
}

type addrPair struct {
	a, b string
}

func newAddrPair(a, b string) addrPair {
	if b < a {
		a, b = b, a
	}
	return addrPair{a, b}
}

// InmemNetwork routes Links between InmemTransports, to allow tether to be
// tested in-memory without going over a network. It can simulate the failures
// a real network produces: unreachable hosts, torn connections, and silent
// partitions that drop frames without any error.
type InmemNetwork struct {
	sync.RWMutex
	transports  map[string]*InmemTransport
	partitioned map[addrPair]bool
	down        map[string]bool
	links       map[*inmemLink]struct{}
}

// NewInmemNetwork creates an empty network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		transports:  make(map[string]*InmemTransport),
		partitioned: make(map[addrPair]bool),
		down:        make(map[string]bool),
		links:       make(map[*inmemLink]struct{}),
	}
}

// NewTransport is used to initialize a new transport attached to the network,
// and generates a random local address if none is specified.
func (n *InmemNetwork) NewTransport(addr string) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	trans := &InmemTransport{
		network:    n,
		localAddr:  addr,
		acceptCh:   make(chan Link, acceptBacklog),
		shutdownCh: make(chan struct{}),
	}

	n.Lock()
	n.transports[addr] = trans
	n.Unlock()

	return addr, trans
}

// Partition silently drops every frame exchanged between a and b, in both
// directions. Existing links stay open.
func (n *InmemNetwork) Partition(a, b string) {
	n.Lock()
	defer n.Unlock()
	n.partitioned[newAddrPair(a, b)] = true
}

// Heal undoes Partition.
func (n *InmemNetwork) Heal(a, b string) {
	n.Lock()
	defer n.Unlock()
	delete(n.partitioned, newAddrPair(a, b))
}

// SetDown makes addr unreachable: dials to it fail, and every link touching it
// is torn down.
func (n *InmemNetwork) SetDown(addr string, down bool) {
	n.Lock()
	if down {
		n.down[addr] = true
	} else {
		delete(n.down, addr)
	}
	var victims []*inmemLink
	if down {
		for l := range n.links {
			if l.local == addr || l.remote == addr {
				victims = append(victims, l)
			}
		}
	}
	n.Unlock()

	for _, l := range victims {
		l.Close()
	}
}

// Sever tears down every link between a and b.
func (n *InmemNetwork) Sever(a, b string) {
	key := newAddrPair(a, b)

	n.RLock()
	var victims []*inmemLink
	for l := range n.links {
		if newAddrPair(l.local, l.remote) == key {
			victims = append(victims, l)
		}
	}
	n.RUnlock()

	for _, l := range victims {
		l.Close()
	}
}

// Links returns the number of open link ends.
func (n *InmemNetwork) Links() int {
	n.RLock()
	defer n.RUnlock()
	return len(n.links)
}

func (n *InmemNetwork) cut(a, b string) bool {
	n.RLock()
	defer n.RUnlock()
	return n.partitioned[newAddrPair(a, b)]
}

func (n *InmemNetwork) forget(l *inmemLink) {
	n.Lock()
	delete(n.links, l)
	n.Unlock()
}

func (n *InmemNetwork) dial(ctx context.Context, from, target string) (Link, error) {
	n.Lock()
	peer, ok := n.transports[target]
	if !ok || n.down[target] || n.down[from] {
		n.Unlock()
		return nil, fmt.Errorf("failed to connect to peer: %v", target)
	}

	pipe := &inmemPipe{done: make(chan struct{})}
	local := &inmemLink{
		network: n,
		pipe:    pipe,
		local:   from,
		remote:  target,
		in:      make(chan wire.Frame, inmemLinkBuffer),
	}
	remote := &inmemLink{
		network: n,
		pipe:    pipe,
		local:   target,
		remote:  from,
		in:      make(chan wire.Frame, inmemLinkBuffer),
	}
	local.peer, remote.peer = remote, local
	n.links[local] = struct{}{}
	n.links[remote] = struct{}{}
	n.Unlock()

	select {
	case peer.acceptCh <- remote:
		return local, nil
	case <-peer.shutdownCh:
	case <-ctx.Done():
	}

	local.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("failed to connect to peer: %v", target)
}

// InmemTransport implements the Transport interface over an InmemNetwork.
type InmemTransport struct {
	network   *InmemNetwork
	localAddr string
	acceptCh  chan Link

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// LocalAddr returns the address of the transport on its network.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// AdvertiseAddr implements the Listener interface.
func (i *InmemTransport) AdvertiseAddr() string {
	return i.localAddr
}

// Dial implements the Dialer interface.
func (i *InmemTransport) Dial(ctx context.Context, target string) (Link, error) {
	select {
	case <-i.shutdownCh:
		return nil, ErrTransportShutdown
	default:
	}
	return i.network.dial(ctx, i.localAddr, target)
}

// Accept implements the Listener interface.
func (i *InmemTransport) Accept() (Link, error) {
	select {
	case l := <-i.acceptCh:
		return l, nil
	case <-i.shutdownCh:
		return nil, ErrTransportShutdown
	}
}

// Close is used to permanently disable the transport. Open links are not
// affected.
func (i *InmemTransport) Close() error {
	i.shutdownOnce.Do(func() {
		close(i.shutdownCh)

		i.network.Lock()
		if i.network.transports[i.localAddr] == i {
			delete(i.network.transports, i.localAddr)
		}
		i.network.Unlock()
	})
	return nil
}

// inmemPipe is shared by both ends of a link; closing either end closes it.
type inmemPipe struct {
	once sync.Once
	done chan struct{}
}

type inmemLink struct {
	network *InmemNetwork
	pipe    *inmemPipe
	peer    *inmemLink
	local   string
	remote  string
	in      chan wire.Frame
}

func (l *inmemLink) WriteFrame(f wire.Frame) error {
	if f.Len() > wire.DefaultMaxFrameSize {
		return wire.ErrFrameTooLarge
	}

	select {
	case <-l.pipe.done:
		return ErrLinkClosed
	default:
	}

	if l.network.cut(l.local, l.remote) {
		return nil
	}

	body := make([]byte, len(f.Body))
	copy(body, f.Body)

	select {
	case l.peer.in <- wire.Frame{Type: f.Type, Body: body}:
		return nil
	case <-l.pipe.done:
		return ErrLinkClosed
	}
}

func (l *inmemLink) ReadFrame() (wire.Frame, error) {
	// frames already delivered are read before the close is noticed
	select {
	case f := <-l.in:
		return f, nil
	default:
	}

	select {
	case f := <-l.in:
		return f, nil
	case <-l.pipe.done:
		return wire.Frame{}, ErrLinkClosed
	}
}

func (l *inmemLink) LocalAddr() string {
	return l.local
}

func (l *inmemLink) RemoteAddr() string {
	return l.remote
}

func (l *inmemLink) Kind() string {
	return KindInmem
}

func (l *inmemLink) Close() error {
	l.pipe.once.Do(func() {
		close(l.pipe.done)
		l.network.forget(l)
		l.network.forget(l.peer)
	})
	return nil
}
