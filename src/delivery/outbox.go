package delivery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

const (
	DefaultQueueSize      = 1024
	DefaultWindow         = wire.AckWindow
	DefaultMaxRetransmits = 8
	DefaultAckTimeout     = 500 * time.Millisecond
	DefaultRetransmitBase = 500 * time.Millisecond
	DefaultRetransmitCap  = 5 * time.Second
	DefaultMaxBuffer      = 4 * wire.AckWindow
)

// Config holds the tunables of a Tracker. Zero values fall back to the
// defaults.
type Config struct {
	// QueueSize bounds the envelopes waiting for transmission
	QueueSize int
	// Window bounds the envelopes transmitted but not acknowledged. It never
	// exceeds wire.AckWindow so that every in-flight envelope can be
	// acknowledged selectively.
	Window int
	// AckTimeout is the wait for the first ACK of an envelope. Retransmissions
	// then back off from RetransmitBase up to RetransmitCap.
	AckTimeout     time.Duration
	MaxRetransmits int
	RetransmitBase time.Duration
	RetransmitCap  time.Duration
	// MaxBuffer bounds the out-of-order envelopes an Inbox holds
	MaxBuffer int
	Clock     clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Window <= 0 || c.Window > wire.AckWindow {
		c.Window = DefaultWindow
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = DefaultMaxRetransmits
	}
	if c.RetransmitBase <= 0 {
		c.RetransmitBase = DefaultRetransmitBase
	}
	if c.RetransmitCap < c.RetransmitBase {
		c.RetransmitCap = DefaultRetransmitCap
		if c.RetransmitCap < c.RetransmitBase {
			c.RetransmitCap = c.RetransmitBase
		}
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = DefaultMaxBuffer
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// HighWaterStore persists sequence high-water marks. store.Store implements
// it.
type HighWaterStore interface {
	GetHighWater(pairingID string) (store.HighWater, error)
	SetHighWater(pairingID string, hw store.HighWater) error
}

type queued struct {
	payload  []byte
	priority wire.Priority
	receipt  *Receipt
}

type pending struct {
	env      wire.Envelope
	receipt  *Receipt
	sentAt   time.Time
	retries  int
	deadline time.Time
	backoff  *cm.Backoff
	// fast is set once a gap reported by an ack scheduled an early retransmit
	fast bool
}

// OutboxStats are counters of an Outbox.
type OutboxStats struct {
	Queued        int
	Pending       int
	LastSeq       uint64
	Sent          uint64
	Retransmitted uint64
	Acked         uint64
	Failed        uint64
	Rejected      uint64
	RTT           time.Duration
}

// Outbox is the sending half of a Tracker: the outbound priority queue and the
// PendingAck set.
type Outbox struct {
	pairingID string
	hws       HighWaterStore
	conf      Config

	// mu guards everything below. It is the only lock of the PendingAck set.
	mu      sync.Mutex
	queues  [wire.NumPriorities][]*queued
	queued  int
	pending map[uint64]*pending
	lastSeq uint64
	closed  bool
	rtt     *cm.DurationWindow
	stats   OutboxStats

	ready chan struct{}

	logger *logrus.Entry
}

// NewOutbox creates the Outbox of a pairing. Sequence numbers continue above
// the persisted high-water mark.
func NewOutbox(pairingID string, hws HighWaterStore, conf Config, logger *logrus.Entry) (*Outbox, error) {
	conf.setDefaults()

	hw, err := hws.GetHighWater(pairingID)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &Outbox{
		pairingID: pairingID,
		hws:       hws,
		conf:      conf,
		pending:   make(map[uint64]*pending),
		lastSeq:   hw.Send,
		rtt:       cm.NewDurationWindow(32),
		ready:     make(chan struct{}, 1),
		logger:    logger.WithField("pairing", pairingID),
	}, nil
}

// Send queues payload for transmission and returns immediately. When the queue
// is full it fails with ErrQueueFull and queues nothing.
func (o *Outbox) Send(payload []byte, priority wire.Priority) (*Receipt, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %d", priority)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	if o.queued >= o.conf.QueueSize {
		o.stats.Rejected++
		return nil, ErrQueueFull
	}

	q := &queued{
		payload:  payload,
		priority: priority,
		receipt:  newReceipt(),
	}
	o.queues[priority] = append(o.queues[priority], q)
	o.queued++

	o.signal()
	return q.receipt, nil
}

// Ready receives a value whenever new envelopes may be transmitted.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Next dequeues the highest priority envelope, assigns its sequence number and
// moves it to the PendingAck set. It returns false when the queue is empty or
// the send window is full.
func (o *Outbox) Next() (*wire.Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || len(o.pending) >= o.conf.Window {
		return nil, false
	}

	var q *queued
	for p := range o.queues {
		if len(o.queues[p]) > 0 {
			q = o.queues[p][0]
			o.queues[p][0] = nil
			o.queues[p] = o.queues[p][1:]
			break
		}
	}
	if q == nil {
		return nil, false
	}
	o.queued--

	o.lastSeq++
	seq := o.lastSeq
	// the mark is persisted before the envelope leaves, so a restart never
	// reuses a number the peer may have delivered
	if err := o.hws.SetHighWater(o.pairingID, store.HighWater{Send: seq}); err != nil {
		o.logger.WithError(err).WithField("seq", seq).Error("Persisting send high-water mark")
	}

	backoff, err := cm.NewBackoff(o.conf.RetransmitBase, o.conf.RetransmitCap, cm.TenPercentJitter)
	if err != nil {
		// unreachable once setDefaults ran
		panic(err)
	}

	now := o.conf.Clock.Now()

	p := &pending{
		env: wire.Envelope{
			Seq:      seq,
			Priority: q.priority,
			Payload:  q.payload,
		},
		receipt:  q.receipt,
		sentAt:   now,
		deadline: now.Add(o.conf.AckTimeout),
		backoff:  backoff,
	}
	o.pending[seq] = p
	q.receipt.seq.Store(seq)
	o.stats.Sent++

	// more may be waiting behind this one
	if o.queued > 0 && len(o.pending) < o.conf.Window {
		o.signal()
	}

	return o.transmitLocked(p), true
}

// transmitLocked returns the envelope to put on the wire, with the current
// floor.
func (o *Outbox) transmitLocked(p *pending) *wire.Envelope {
	env := p.env
	env.Floor = o.floorLocked()
	p.fast = false
	return &env
}

// Due returns the envelopes whose acknowledgement is overdue, oldest first, and
// abandons the ones that exhausted their retransmissions.
func (o *Outbox) Due() []*wire.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.conf.Clock.Now()

	var due []*pending
	for seq, p := range o.pending {
		if p.deadline.After(now) {
			continue
		}
		if p.retries >= o.conf.MaxRetransmits {
			delete(o.pending, seq)
			o.stats.Failed++
			o.logger.WithFields(logrus.Fields{
				"seq":     seq,
				"retries": p.retries,
			}).Warn("Envelope abandoned")
			p.receipt.resolve(&DeliveryFailedError{Seq: seq, Retries: p.retries})
			continue
		}
		due = append(due, p)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].env.Seq < due[j].env.Seq })

	res := make([]*wire.Envelope, len(due))
	for i, p := range due {
		p.retries++
		delay, _ := p.backoff.Next()
		p.deadline = now.Add(delay)
		p.sentAt = now
		o.stats.Retransmitted++
		res[i] = o.transmitLocked(p)
	}

	if len(due) > 0 || o.queued > 0 {
		o.signal()
	}
	return res
}

// Resend returns every pending envelope, oldest first, for retransmission over
// a new session. Retry counts are kept, deadlines start over.
func (o *Outbox) Resend() []*wire.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.conf.Clock.Now()

	all := make([]*pending, 0, len(o.pending))
	for _, p := range o.pending {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].env.Seq < all[j].env.Seq })

	res := make([]*wire.Envelope, len(all))
	for i, p := range all {
		p.backoff.Reset()
		delay, _ := p.backoff.Next()
		p.deadline = now.Add(delay)
		p.sentAt = now
		res[i] = o.transmitLocked(p)
	}
	return res
}

// NextDeadline returns the earliest retransmission deadline.
func (o *Outbox) NextDeadline() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, p := range o.pending {
		if !found || p.deadline.Before(earliest) {
			earliest = p.deadline
			found = true
		}
	}
	return earliest, found
}

// HandleAck prunes every envelope the ack covers and returns how many were
// acknowledged. Pending envelopes below the highest number the ack reports are
// genuine gaps and are scheduled for immediate retransmission.
func (o *Outbox) HandleAck(ack wire.Ack) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.conf.Clock.Now()

	var highest uint64
	if ack.Bitset != 0 {
		for i := wire.AckWindow - 1; i >= 0; i-- {
			if ack.Bitset&(1<<uint(i)) != 0 {
				highest = ack.Cumulative + 1 + uint64(i)
				break
			}
		}
	}

	acked := 0
	for seq, p := range o.pending {
		if ack.Has(seq) {
			delete(o.pending, seq)
			if p.retries == 0 {
				o.rtt.Add(now.Sub(p.sentAt))
			}
			p.receipt.resolve(nil)
			acked++
			continue
		}
		if seq < highest && !p.fast {
			p.fast = true
			p.deadline = now
		}
	}

	o.stats.Acked += uint64(acked)
	if acked > 0 {
		o.signal()
	}
	return acked
}

// Drop abandons the pending envelope seq with cause, for an envelope that can
// never be transmitted. The floor moves past it so the peer stops waiting.
func (o *Outbox) Drop(seq uint64, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.pending[seq]
	if !ok {
		return
	}
	delete(o.pending, seq)
	o.stats.Failed++
	o.logger.WithError(cause).WithField("seq", seq).Warn("Envelope dropped")
	p.receipt.resolve(&DeliveryFailedError{Seq: seq, Retries: p.retries, Cause: cause})
	o.signal()
}

// Floor returns the lowest sequence number that may still be transmitted.
func (o *Outbox) Floor() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.floorLocked()
}

func (o *Outbox) floorLocked() uint64 {
	floor := o.lastSeq + 1
	for seq := range o.pending {
		if seq < floor {
			floor = seq
		}
	}
	return floor
}

// Close abandons every queued and pending envelope with cause. Later Sends
// fail with ErrClosed.
func (o *Outbox) Close(cause error) {
	if cause == nil {
		cause = ErrClosed
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true

	for p := range o.queues {
		for _, q := range o.queues[p] {
			q.receipt.resolve(&DeliveryFailedError{Cause: cause})
		}
		o.queues[p] = nil
	}
	o.queued = 0

	for seq, p := range o.pending {
		p.receipt.resolve(&DeliveryFailedError{Seq: seq, Retries: p.retries, Cause: cause})
	}
	o.pending = make(map[uint64]*pending)
}

// Stats returns a snapshot of the counters.
func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.stats
	s.Queued = o.queued
	s.Pending = len(o.pending)
	s.LastSeq = o.lastSeq
	s.RTT = o.rtt.Median()
	return s
}
