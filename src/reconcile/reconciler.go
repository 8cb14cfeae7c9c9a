package reconcile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// ErrTooLarge is returned by Local for a change whose change message is over
// the limit set with SetMaxMessage. Nothing was stored.
var ErrTooLarge = errors.New("change too large")

// RecordStore persists the latest record of every entity. store.Store
// implements it.
type RecordStore interface {
	SetRecord(wire.ChangeRecord) error
	GetRecord(entityID string) (wire.ChangeRecord, error)
	Records() ([]wire.ChangeRecord, error)
}

// Outcome classifies what Apply did with a record.
type Outcome int

const (
	// Applied means the record was new and is now the local state
	Applied Outcome = iota
	// Duplicate means the local state already is this record
	Duplicate
	// Stale means the local state already dominates the record
	Stale
	// Resolved means the record conflicted with the local state
	Resolved
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "Applied"
	case Duplicate:
		return "Duplicate"
	case Stale:
		return "Stale"
	case Resolved:
		return "Resolved"
	}
	return "Unknown"
}

// Result describes the effect of Apply.
type Result struct {
	Outcome Outcome
	// Stored is the local state of the entity after Apply
	Stored wire.ChangeRecord
	// Changed is set when Stored differs from the state before Apply, in body
	// or in clock
	Changed bool
	// Superseded is the losing record of a conflict
	Superseded *wire.ChangeRecord
}

// Reconciler owns the logical clock table of one agent. All its methods may be
// called concurrently.
type Reconciler struct {
	self   string
	origin wire.Origin

	// mu is the only lock of the clock table
	mu    sync.Mutex
	store RecordStore

	// maxMessage bounds the encoded change message of local changes
	maxMessage int

	logger *logrus.Entry
}

// New creates the Reconciler of the agent self, which produces records of the
// given origin.
func New(st RecordStore, self string, origin wire.Origin, logger *logrus.Entry) *Reconciler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Reconciler{
		self:   self,
		origin: origin,
		store:  st,
		logger: logger,
	}
}

// SetMaxMessage bounds the encoded change message of local changes to n
// bytes. Zero means no bound. It must be called before the first change.
func (r *Reconciler) SetMaxMessage(n int) {
	r.maxMessage = n
}

// Local stamps a change produced by this agent: its clock becomes the stored
// clock of the entity with our own counter incremented, and its origin is set
// to this agent. The stamped record is persisted and returned. Any clock or
// origin carried by change is ignored.
func (r *Reconciler) Local(change wire.ChangeRecord) (wire.ChangeRecord, error) {
	rec := change.Copy()
	rec.Beat = nil
	rec.Origin = r.origin
	rec.OriginID = r.self
	rec.Body = rec.Body.Normalize()
	if err := rec.Validate(); err != nil {
		return wire.ChangeRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clock := wire.Clock{}
	cur, err := r.store.GetRecord(rec.EntityID)
	switch {
	case err == nil:
		clock = cur.Clock.Copy()
	case !cm.IsStore(err, cm.KeyNotFound):
		return wire.ChangeRecord{}, err
	}
	clock[r.self]++
	rec.Clock = clock

	if r.maxMessage > 0 {
		payload, err := wire.NewChangeMessage(rec).Marshal()
		if err != nil {
			return wire.ChangeRecord{}, err
		}
		if len(payload) > r.maxMessage {
			return wire.ChangeRecord{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(payload), r.maxMessage)
		}
	}

	if err := r.store.SetRecord(rec); err != nil {
		return wire.ChangeRecord{}, err
	}

	r.logger.WithFields(logrus.Fields{
		"entity": rec.EntityID,
		"clock":  rec.Clock,
		"op":     rec.Op,
	}).Debug("Local change")

	return rec, nil
}

// Summary returns the clock of every entity held locally.
func (r *Reconciler) Summary() (wire.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.Records()
	if err != nil {
		return wire.Summary{}, err
	}

	s := wire.Summary{Clocks: make(map[string]wire.Clock, len(records))}
	for _, rec := range records {
		s.Clocks[rec.EntityID] = rec.Clock.Copy()
	}
	return s, nil
}

// Diff returns the records the peer described by summary lacks: those it does
// not hold at all, and those whose local clock it does not cover. Records are
// sorted by entity id.
func (r *Reconciler) Diff(peer wire.Summary) ([]wire.ChangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.Records()
	if err != nil {
		return nil, err
	}

	var res []wire.ChangeRecord
	for _, rec := range records {
		have, ok := peer.Clocks[rec.EntityID]
		if ok && Covers(have, rec.Clock) {
			continue
		}
		res = append(res, rec)
	}
	return res, nil
}

// Record returns the local state of an entity.
func (r *Reconciler) Record(entityID string) (wire.ChangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.GetRecord(entityID)
}

// Records returns the local state of every entity.
func (r *Reconciler) Records() ([]wire.ChangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Records()
}

// Apply merges a record received from a peer into the local state.
func (r *Reconciler) Apply(in wire.ChangeRecord) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	in = in.Copy()
	in.Body = in.Body.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.store.GetRecord(in.EntityID)
	if err != nil {
		if !cm.IsStore(err, cm.KeyNotFound) {
			return Result{}, err
		}
		if err := r.store.SetRecord(in); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Applied, Stored: in, Changed: true}, nil
	}

	switch Compare(local.Clock, in.Clock) {
	case Equal:
		return Result{Outcome: Duplicate, Stored: local}, nil
	case After:
		return Result{Outcome: Stale, Stored: local}, nil
	case Before:
		if err := r.store.SetRecord(in); err != nil {
			return Result{}, err
		}
		res := Result{Outcome: Applied, Stored: in, Changed: true}
		// the conflict was resolved by the peer, against our copy
		if in.Beat != nil && Compare(in.Beat, local.Clock) == Equal {
			r.logger.WithFields(logrus.Fields{
				"entity":     in.EntityID,
				"winner":     fmt.Sprintf("%s(%s)", in.Origin, in.OriginID),
				"superseded": fmt.Sprintf("%s(%s)", local.Origin, local.OriginID),
				"clock":      in.Clock,
			}).Info("Conflict resolved by peer")

			superseded := local.Copy()
			superseded.Beat = nil
			res.Outcome = Resolved
			res.Superseded = &superseded
		}
		return res, nil
	}

	winner, loser := r.resolve(local, in)
	stored := winner.Copy()
	stored.Clock = Merge(local.Clock, in.Clock)
	stored.Beat = loser.Clock.Copy()

	if err := r.store.SetRecord(stored); err != nil {
		return Result{}, err
	}

	r.logger.WithFields(logrus.Fields{
		"entity":     in.EntityID,
		"winner":     fmt.Sprintf("%s(%s)", winner.Origin, winner.OriginID),
		"superseded": fmt.Sprintf("%s(%s)", loser.Origin, loser.OriginID),
		"clock":      stored.Clock,
	}).Info("Conflict resolved")

	superseded := loser.Copy()
	superseded.Beat = nil
	return Result{
		Outcome:    Resolved,
		Stored:     stored,
		Changed:    true,
		Superseded: &superseded,
	}, nil
}

// resolve picks the winner of two concurrent records.
func (r *Reconciler) resolve(local, in wire.ChangeRecord) (winner, loser wire.ChangeRecord) {
	if local.Op != in.Op {
		if local.Op == wire.OpUpsert {
			return local, in
		}
		return in, local
	}

	if local.Origin != in.Origin {
		if local.Origin == wire.OriginHost {
			return local, in
		}
		return in, local
	}

	// same origin class: the host's copy wins. On a host that is the local
	// copy, on a companion the incoming one, which comes from its host.
	if r.origin == wire.OriginHost {
		return local, in
	}
	return in, local
}
