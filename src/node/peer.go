package node

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/delivery"
	tnet "github.com/LeanVibe/leanvibe-ai-sub007/src/net"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/node/state"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// active is the session a Peer currently runs.
type active struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Peer is the connection manager of one pairing. A companion's Peer dials its
// host and keeps redialing until disconnected; a host's Peer waits for its
// companion to dial in.
type Peer struct {
	node *Node
	id   string
	info crypto.PairingInfo

	tracker *delivery.Tracker
	states  *cm.Hub[StateEvent]
	changes *cm.Hub[ChangeEvent]

	sm state.Manager

	// ctx lives as long as the pairing is registered with the node
	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	enabled bool
	closed  bool
	// cause is why the Peer was closed
	cause error
	cur   *active
	// loop is the companion redial loop
	loop    *active
	nudgeCh chan struct{}

	logger *logrus.Entry
}

func newPeer(n *Node, info crypto.PairingInfo) (*Peer, error) {
	logger := n.logger.WithFields(logrus.Fields{
		"pairing": info.ID,
		"peer":    info.PeerID,
	})

	tracker, err := delivery.NewTracker(info.ID, n.store, n.conf.Delivery, logger)
	if err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(n.ctx)
	p := &Peer{
		node:    n,
		id:      info.ID,
		info:    info,
		tracker: tracker,
		states:  cm.NewHub[StateEvent](n.conf.SubscriberBuffer, true),
		changes: cm.NewHub[ChangeEvent](n.conf.SubscriberBuffer, false),
		ctx:     ctx,
		stop:    stop,
		// hosts are passive and take sessions as soon as the pairing exists
		enabled: info.Role == store.RoleHost,
		nudgeCh: make(chan struct{}, 1),
		logger:  logger,
	}
	p.setState(state.Disconnected, nil)
	return p, nil
}

// ID returns the pairing id.
func (p *Peer) ID() string {
	return p.id
}

// Info returns the pairing this Peer manages.
func (p *Peer) Info() crypto.PairingInfo {
	return p.info
}

// State returns the current connection state.
func (p *Peer) State() state.State {
	return p.sm.GetState()
}

// Stats returns the delivery counters of the pairing.
func (p *Peer) Stats() (delivery.OutboxStats, delivery.InboxStats) {
	return p.tracker.Out.Stats(), p.tracker.In.Stats()
}

// States subscribes to connection state events. The stream starts with the
// current state, and must be read or closed: a full stream holds the
// connection manager back.
func (p *Peer) States() *cm.Stream[StateEvent] {
	return p.states.Subscribe()
}

// Changes subscribes to inbound changes. Changes are persisted whether or not
// anyone subscribes.
func (p *Peer) Changes() *cm.Stream[ChangeEvent] {
	return p.changes.Subscribe()
}

func (p *Peer) setState(s state.State, err error) {
	p.sm.SetState(s)
	p.node.metrics.State.WithLabelValues(p.id).Set(float64(s))

	entry := p.logger.WithField("state", s)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("State")

	p.states.Publish(p.node.ctx, StateEvent{
		PairingID: p.id,
		State:     s,
		Err:       err,
		At:        p.node.conf.Clock.Now(),
	})
}

// Connect enables the pairing. A companion starts dialing its host; a host
// accepts sessions from its companion again after a Disconnect.
func (p *Peer) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrUnpaired
	}
	if info, err := p.node.provider.Pairing(p.id); err != nil {
		return err
	} else if info.Revoked {
		return crypto.ErrPairingRevoked
	}

	p.enabled = true
	if p.info.Role == store.RoleHost || p.loop != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(p.ctx)
	loop := &active{cancel: cancel, done: make(chan struct{})}
	if !p.node.sm.GoFunc(func() {
		defer close(loop.done)
		p.run(ctx)
	}) {
		cancel()
		return errors.New("too many routines")
	}
	p.loop = loop
	return nil
}

// accepting reports whether a host Peer takes new sessions.
func (p *Peer) accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && !p.closed
}

// Disconnect closes the connection, stops redialing, and moves to
// Disconnected. Nothing queued is lost; it goes out after the next Connect.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	wasEnabled := p.enabled
	p.enabled = false
	loop, cur := p.loop, p.cur
	p.loop, p.cur = nil, nil
	p.mu.Unlock()

	p.halt(loop, cur)
	if wasEnabled {
		p.setState(state.Disconnected, nil)
	}
}

func (p *Peer) halt(loop, cur *active) {
	if loop != nil {
		loop.cancel()
	}
	if cur != nil {
		cur.cancel()
	}
	if loop != nil {
		<-loop.done
	}
	if cur != nil {
		<-cur.done
	}
}

// Unpair revokes the pairing and tears the Peer down. The state stream ends
// with Unpaired.
func (p *Peer) Unpair() error {
	return p.close(ErrUnpaired, true)
}

// close ends the Peer for good: sessions are cut, pending sends fail with
// cause, and subscriptions end.
func (p *Peer) close(cause error, revoke bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrUnpaired
	}
	p.closed = true
	p.cause = cause
	p.enabled = false
	loop, cur := p.loop, p.cur
	p.loop, p.cur = nil, nil
	p.mu.Unlock()

	var err error
	if revoke {
		err = p.node.provider.Revoke(p.id)
	}

	p.halt(loop, cur)
	p.stop()
	p.tracker.Out.Close(cause)
	// removed before the final event, so that every lookup made after it
	// reports why the pairing is gone
	p.node.removePeer(p.id)

	// only the user unpairs; a revocation by the other side disconnects
	final := state.Disconnected
	if revoke {
		final = state.Unpaired
	}
	p.setState(final, cause)

	p.states.Close()
	p.changes.Close()
	return err
}

// Send queues a payload for the peer.
func (p *Peer) send(payload []byte, prio wire.Priority) (*delivery.Receipt, error) {
	p.mu.Lock()
	closed, cause := p.closed, p.cause
	p.mu.Unlock()
	if closed {
		return nil, cause
	}
	return p.tracker.Out.Send(payload, prio)
}

// Nudge cuts the current backoff short.
func (p *Peer) Nudge() {
	select {
	case p.nudgeCh <- struct{}{}:
	default:
	}
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Sessions

// attach runs a session on link until it ends, replacing the session running
// before it.
func (p *Peer) attach(link tnet.Link, session *crypto.Session) error {
	p.mu.Lock()
	if p.closed || !p.enabled {
		p.mu.Unlock()
		session.Close()
		link.Close()
		return ErrUnpaired
	}
	ctx, cancel := context.WithCancel(p.ctx)
	a := &active{cancel: cancel, done: make(chan struct{})}
	old := p.cur
	p.cur = a
	p.mu.Unlock()

	if old != nil {
		p.logger.Debug("Replacing session")
		old.cancel()
		<-old.done
	}

	p.setState(state.Syncing, nil)
	err := newConn(p, link, session).run(ctx)
	cancel()
	close(a.done)

	p.mu.Lock()
	current := p.cur == a
	if current {
		p.cur = nil
	}
	p.mu.Unlock()

	if current && p.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		p.lost(err)
	}
	return err
}

// lost records the end of a session that nobody asked to end.
func (p *Peer) lost(err error) {
	p.mu.Lock()
	idle := p.cur == nil && p.enabled && !p.closed
	p.mu.Unlock()
	if !idle {
		return
	}

	p.node.metrics.Reconnects.Inc()
	p.logger.WithError(err).Info("Connection lost")

	if errors.Is(err, crypto.ErrPairingRevoked) {
		go p.close(crypto.ErrPairingRevoked, false)
		return
	}
	p.setState(state.Reconnecting, err)
}

// run is the companion redial loop.
func (p *Peer) run(ctx context.Context) {
	conf := p.node.conf
	backoff, err := cm.NewBackoff(conf.ReconnectBase, conf.ReconnectCap, cm.FullJitter)
	if err != nil {
		p.logger.WithError(err).Error("Backoff")
		return
	}

	for {
		connected, err := p.dialOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, crypto.ErrPairingRevoked) {
			p.logger.Warn("Host revoked the pairing")
			if rerr := p.node.provider.Revoke(p.id); rerr != nil {
				p.logger.WithError(rerr).Error("Recording revocation")
			}
			go p.close(crypto.ErrPairingRevoked, false)
			return
		}

		// a session that dies before reconciling does not earn a fresh backoff
		if connected {
			backoff.Reset()
		}
		p.node.metrics.Reconnects.Inc()
		p.setState(state.Reconnecting, err)

		wait, _ := backoff.Next()
		p.logger.WithError(err).WithField("retry_in", wait).Debug("Reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-p.nudgeCh:
		case <-conf.Clock.After(wait):
		}
	}
}

// dialOnce makes one attempt, running the session to its end when the
// handshake succeeds. It reports whether the session reached Connected.
func (p *Peer) dialOnce(ctx context.Context) (bool, error) {
	n := p.node
	if n.dialer == nil {
		return false, ErrTransport
	}

	info, err := n.provider.Pairing(p.id)
	if err != nil {
		return false, err
	}
	if info.Revoked {
		return false, crypto.ErrPairingRevoked
	}

	p.setState(state.Discovering, nil)
	link, err := n.dialer.Dial(ctx, tnet.Target{
		NodeID: info.PeerID,
		Addrs:  info.Addrs,
		Relay:  info.Relay,
	})
	if err != nil {
		return false, transportErr(err)
	}

	p.setState(state.Connecting, nil)
	session, err := p.openSession(ctx, link)
	if err != nil {
		link.Close()
		return false, err
	}
	if link.Kind() == tnet.KindTCP {
		p.rememberAddr(info, link.RemoteAddr())
	}

	p.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	a := &active{cancel: cancel, done: make(chan struct{})}
	p.cur = a
	p.mu.Unlock()

	p.setState(state.Syncing, nil)
	c := newConn(p, link, session)
	err = c.run(runCtx)
	cancel()
	close(a.done)

	p.mu.Lock()
	if p.cur == a {
		p.cur = nil
	}
	p.mu.Unlock()

	return c.connected.Load(), err
}

// rememberAddr moves addr to the front of the direct addresses of the pairing,
// so the next dial tries it first.
func (p *Peer) rememberAddr(info crypto.PairingInfo, addr string) {
	if len(info.Addrs) > 0 && info.Addrs[0] == addr {
		return
	}
	addrs := []string{addr}
	for _, a := range info.Addrs {
		if a != addr {
			addrs = append(addrs, a)
		}
	}
	if err := p.node.provider.UpdateAddrs(p.id, addrs, ""); err != nil {
		p.logger.WithError(err).Debug("Recording host address")
	}
}
