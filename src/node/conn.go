package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/delivery"
	tnet "github.com/LeanVibe/leanvibe-ai-sub007/src/net"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/node/state"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// how long enqueue waits between attempts on a full outbound queue
const queueRetry = 20 * time.Millisecond

type inbound struct {
	typ  wire.FrameType
	body []byte
}

// conn is one authenticated session over one link. It runs four units in an
// errgroup: the reader owns the link's read side, the heartbeat unit emits
// heartbeats and watches for silence, the writer drains the outbox and sends
// acks, and the processor hands inbound envelopes to the reconciler. The first
// unit to fail ends them all.
type conn struct {
	peer    *Peer
	link    tnet.Link
	session *crypto.Session

	out *delivery.Outbox
	in  *delivery.Inbox

	// wLock keeps seal order and write order identical, since the peer rejects
	// counters that go backwards
	wLock sync.Mutex

	heard  atomic.Int64
	procCh chan inbound
	ackCh  chan struct{}

	sentDone   atomic.Bool
	gotDone    atomic.Bool
	syncedOnce sync.Once
	connected  atomic.Bool

	g      *errgroup.Group
	logger *logrus.Entry
}

func newConn(p *Peer, link tnet.Link, session *crypto.Session) *conn {
	c := &conn{
		peer:    p,
		link:    link,
		session: session,
		out:     p.tracker.Out,
		in:      p.tracker.In,
		procCh:  make(chan inbound, inboundBuffer),
		ackCh:   make(chan struct{}, 1),
		logger: p.logger.WithFields(logrus.Fields{
			"session": session.ID,
			"link":    link.Kind(),
			"remote":  link.RemoteAddr(),
		}),
	}
	c.touch()
	return c
}

func (c *conn) clock() time.Time {
	return c.peer.node.conf.Clock.Now()
}

func (c *conn) touch() {
	c.heard.Store(c.clock().UnixNano())
}

// run blocks until the session ends, and returns why.
func (c *conn) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	c.g = g

	// the reader only returns once the link is closed
	g.Go(func() error {
		<-ctx.Done()
		c.link.Close()
		return nil
	})

	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.heartbeatLoop(ctx) })
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.processLoop(ctx) })

	g.Go(func() error {
		summary, err := c.peer.node.reconciler.Summary()
		if err != nil {
			return err
		}
		return c.enqueue(ctx, wire.NewSummaryMessage(summary), wire.PriorityCritical)
	})

	err := g.Wait()
	c.session.Close()
	return err
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Reader

func (c *conn) readLoop(ctx context.Context) error {
	metrics := c.peer.node.metrics
	for {
		f, err := c.link.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return transportErr(err)
		}
		c.touch()
		metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()

		if f.Type == wire.FrameHandshake {
			// nothing is negotiated once the session is up
			c.logger.Debug("Ignoring in-session handshake frame")
			continue
		}

		pt, err := c.session.Open(f.Type.AAD(), f.Body)
		if err != nil {
			return err
		}

		select {
		case c.procCh <- inbound{typ: f.Type, body: pt}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Heartbeat

func (c *conn) heartbeatLoop(ctx context.Context) error {
	conf := c.peer.node.conf
	ticker := conf.Clock.NewTicker(conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		if err := c.checkLiveness(); err != nil {
			return err
		}

		hb := wire.Heartbeat{
			SentAt: c.clock().UnixNano(),
			Floor:  c.out.Floor(),
		}
		if err := c.send(wire.FrameHeartbeat, hb.Marshal()); err != nil {
			return err
		}
	}
}

// checkLiveness fails when nothing was heard from the peer for
// HeartbeatMisses intervals, or when the session outlived its TTL.
func (c *conn) checkLiveness() error {
	conf := c.peer.node.conf
	silence := c.clock().Sub(time.Unix(0, c.heard.Load()))
	if silence >= time.Duration(conf.HeartbeatMisses)*conf.HeartbeatInterval {
		c.peer.node.metrics.HeartbeatTimeouts.Inc()
		c.logger.WithField("silence", silence).Warn("Peer went silent")
		return ErrHeartbeatTimeout
	}
	if c.session.Expired() {
		return crypto.ErrSessionExpired
	}
	return nil
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Writer

func (c *conn) writeLoop(ctx context.Context) error {
	clock := c.peer.node.conf.Clock

	// whatever was in flight on the previous session goes first
	for _, e := range c.out.Resend() {
		if err := c.sendEnvelope(e); err != nil {
			return err
		}
	}

	for {
		for {
			e, ok := c.out.Next()
			if !ok {
				break
			}
			if err := c.sendEnvelope(e); err != nil {
				return err
			}
		}

		for _, e := range c.out.Due() {
			if err := c.sendEnvelope(e); err != nil {
				return err
			}
		}

		var retransmit <-chan time.Time
		if deadline, ok := c.out.NextDeadline(); ok {
			retransmit = clock.After(deadline.Sub(clock.Now()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.out.Ready():
		case <-retransmit:
		case <-c.ackCh:
			ack := c.in.Ack()
			if err := c.send(wire.FrameAck, ack.Marshal()); err != nil {
				return err
			}
		}
	}
}

// sendEnvelope transmits e. An envelope too large for a frame fails on its own
// and the session goes on.
func (c *conn) sendEnvelope(e *wire.Envelope) error {
	err := c.send(wire.FrameData, e.Marshal())
	if errors.Is(err, wire.ErrFrameTooLarge) {
		c.out.Drop(e.Seq, err)
		return nil
	}
	return err
}

// send seals plaintext and writes it in one frame.
func (c *conn) send(t wire.FrameType, plaintext []byte) error {
	c.wLock.Lock()
	defer c.wLock.Unlock()

	sealed, err := c.session.Seal(t.AAD(), plaintext)
	if err != nil {
		return err
	}
	if err := c.link.WriteFrame(wire.Frame{Type: t, Body: sealed}); err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return err
		}
		return transportErr(err)
	}
	c.peer.node.metrics.FramesSent.WithLabelValues(t.String()).Inc()
	return nil
}

func (c *conn) requestAck() {
	select {
	case c.ackCh <- struct{}{}:
	default:
	}
}

// enqueue queues m, waiting while the outbound queue is full.
func (c *conn) enqueue(ctx context.Context, m *wire.Message, prio wire.Priority) error {
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	for {
		_, err := c.out.Send(payload, prio)
		if !errors.Is(err, delivery.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.peer.node.conf.Clock.After(queueRetry):
		}
	}
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Processor

func (c *conn) processLoop(ctx context.Context) error {
	for {
		var item inbound
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item = <-c.procCh:
		}

		switch item.typ {
		case wire.FrameData:
			env, err := wire.UnmarshalEnvelope(item.body)
			if err != nil {
				// the session authenticated it, so the peer is broken
				return fmt.Errorf("%w: %v", crypto.ErrAuth, err)
			}
			delivered := c.in.Receive(env)
			c.requestAck()
			if err := c.deliver(ctx, delivered); err != nil {
				return err
			}

		case wire.FrameAck:
			ack, err := wire.UnmarshalAck(item.body)
			if err != nil {
				return fmt.Errorf("%w: %v", crypto.ErrAuth, err)
			}
			c.out.HandleAck(ack)

		case wire.FrameHeartbeat:
			hb, err := wire.UnmarshalHeartbeat(item.body)
			if err != nil {
				return fmt.Errorf("%w: %v", crypto.ErrAuth, err)
			}
			delivered := c.in.AdvanceFloor(hb.Floor)
			c.requestAck()
			if err := c.deliver(ctx, delivered); err != nil {
				return err
			}
		}
	}
}

func (c *conn) deliver(ctx context.Context, envs []*wire.Envelope) error {
	for _, e := range envs {
		m, err := wire.UnmarshalMessage(e.Payload)
		if err != nil {
			// delivered in order already; a bad payload is dropped, not fatal
			c.logger.WithError(err).WithField("seq", e.Seq).Error("Undecodable payload")
			continue
		}

		switch m.Kind {
		case wire.KindChange:
			if err := c.peer.node.applyRemote(ctx, c.peer, *m.Change); err != nil {
				return err
			}
		case wire.KindSummary:
			// computed before any later record of the peer is applied, so the
			// peer gets our own copies rather than merges of its copies
			records, err := c.peer.node.reconciler.Diff(*m.Summary)
			if err != nil {
				return err
			}
			c.g.Go(func() error { return c.sendDiff(ctx, records) })
		case wire.KindSyncDone:
			c.gotDone.Store(true)
			c.maybeSynced()
		}
	}
	return nil
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Sync

// sendDiff answers the peer's summary with the records it lacks, then
// SyncDone.
func (c *conn) sendDiff(ctx context.Context, records []wire.ChangeRecord) error {
	c.logger.WithField("records", len(records)).Debug("Sending differential sync")

	for _, r := range records {
		if err := c.enqueue(ctx, wire.NewChangeMessage(r), wire.PriorityNormal); err != nil {
			return err
		}
	}
	if err := c.enqueue(ctx, wire.NewSyncDoneMessage(), wire.PriorityNormal); err != nil {
		return err
	}

	c.sentDone.Store(true)
	c.maybeSynced()
	return nil
}

func (c *conn) maybeSynced() {
	if !c.sentDone.Load() || !c.gotDone.Load() {
		return
	}
	c.syncedOnce.Do(func() {
		c.logger.Debug("Reconciliation done")
		c.connected.Store(true)
		c.peer.setState(state.Connected, nil)
	})
}
