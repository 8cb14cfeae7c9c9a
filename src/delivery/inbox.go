package delivery

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// InboxStats are counters of an Inbox.
type InboxStats struct {
	Delivered  uint64
	Duplicates uint64
	Skipped    uint64
	Dropped    uint64
	Buffered   int
	LastSeq    uint64
}

// Inbox is the receiving half of a Tracker. It hands envelopes over in
// sequence order, once each.
type Inbox struct {
	pairingID string
	hws       HighWaterStore
	maxBuffer int

	mu        sync.Mutex
	delivered uint64
	buffer    map[uint64]*wire.Envelope
	stats     InboxStats

	logger *logrus.Entry
}

// NewInbox creates the Inbox of a pairing. Envelopes at or below the persisted
// high-water mark are treated as duplicates.
func NewInbox(pairingID string, hws HighWaterStore, conf Config, logger *logrus.Entry) (*Inbox, error) {
	conf.setDefaults()

	hw, err := hws.GetHighWater(pairingID)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &Inbox{
		pairingID: pairingID,
		hws:       hws,
		maxBuffer: conf.MaxBuffer,
		delivered: hw.Recv,
		buffer:    make(map[uint64]*wire.Envelope),
		logger:    logger.WithField("pairing", pairingID),
	}, nil
}

// Receive accepts an envelope from the peer and returns the envelopes that
// can now be handed to the application, in order. Duplicates return nothing.
func (in *Inbox) Receive(e *wire.Envelope) []*wire.Envelope {
	in.mu.Lock()
	defer in.mu.Unlock()

	res := in.advanceLocked(e.Floor)

	switch {
	case e.Seq <= in.delivered:
		in.stats.Duplicates++
	case e.Seq > in.delivered+uint64(in.maxBuffer):
		// too far ahead, the sender will retransmit it
		in.stats.Dropped++
	default:
		if _, ok := in.buffer[e.Seq]; ok {
			in.stats.Duplicates++
		} else {
			in.buffer[e.Seq] = e
		}
	}

	res = append(res, in.drainLocked()...)
	in.persistLocked(len(res))
	return res
}

// AdvanceFloor applies a floor received in a heartbeat.
func (in *Inbox) AdvanceFloor(floor uint64) []*wire.Envelope {
	in.mu.Lock()
	defer in.mu.Unlock()

	res := in.advanceLocked(floor)
	res = append(res, in.drainLocked()...)
	in.persistLocked(len(res))
	return res
}

// advanceLocked gives up on every missing number below floor. Buffered
// envelopes below floor are still delivered, in order.
func (in *Inbox) advanceLocked(floor uint64) []*wire.Envelope {
	if floor == 0 || floor-1 <= in.delivered {
		return nil
	}

	var below []uint64
	for seq := range in.buffer {
		if seq < floor {
			below = append(below, seq)
		}
	}
	sort.Slice(below, func(i, j int) bool { return below[i] < below[j] })

	res := make([]*wire.Envelope, 0, len(below))
	for _, seq := range below {
		res = append(res, in.buffer[seq])
		delete(in.buffer, seq)
	}

	skipped := floor - 1 - in.delivered - uint64(len(below))
	if skipped > 0 {
		in.stats.Skipped += skipped
		in.logger.WithFields(logrus.Fields{
			"from":    in.delivered + 1,
			"floor":   floor,
			"skipped": skipped,
		}).Debug("Skipping abandoned sequence numbers")
	}

	in.delivered = floor - 1
	in.stats.Delivered += uint64(len(res))
	return res
}

func (in *Inbox) drainLocked() []*wire.Envelope {
	var res []*wire.Envelope
	for {
		e, ok := in.buffer[in.delivered+1]
		if !ok {
			return res
		}
		delete(in.buffer, e.Seq)
		in.delivered = e.Seq
		in.stats.Delivered++
		res = append(res, e)
	}
}

func (in *Inbox) persistLocked(moved int) {
	if moved == 0 {
		return
	}
	if err := in.hws.SetHighWater(in.pairingID, store.HighWater{Recv: in.delivered}); err != nil {
		in.logger.WithError(err).WithField("seq", in.delivered).Error("Persisting receive high-water mark")
	}
}

// Ack returns the acknowledgement describing what was received so far.
func (in *Inbox) Ack() wire.Ack {
	in.mu.Lock()
	defer in.mu.Unlock()

	ack := wire.Ack{Cumulative: in.delivered}
	for seq := range in.buffer {
		ack.Set(seq)
	}
	return ack
}

// Delivered returns the last sequence number handed to the application.
func (in *Inbox) Delivered() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.delivered
}

// Stats returns a snapshot of the counters.
func (in *Inbox) Stats() InboxStats {
	in.mu.Lock()
	defer in.mu.Unlock()

	s := in.stats
	s.Buffered = len(in.buffer)
	s.LastSeq = in.delivered
	return s
}
