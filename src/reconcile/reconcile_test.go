package reconcile

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b     wire.Clock
		expected Ordering
	}{
		{wire.Clock{}, wire.Clock{}, Equal},
		{wire.Clock{"h": 2}, wire.Clock{"h": 2, "c": 0}, Equal},
		{wire.Clock{"h": 2}, wire.Clock{"h": 3}, Before},
		{wire.Clock{"h": 3, "c": 1}, wire.Clock{"h": 3}, After},
		{wire.Clock{"h": 3}, wire.Clock{"c": 1}, Concurrent},
		{wire.Clock{"h": 4, "c": 1}, wire.Clock{"h": 3, "c": 2}, Concurrent},
	}

	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.expected {
			t.Fatalf("Compare(%v, %v): expected %s, got %s", c.a, c.b, c.expected, got)
		}
	}

	m := Merge(wire.Clock{"h": 4, "c": 1}, wire.Clock{"h": 3, "c": 2, "d": 1})
	if !reflect.DeepEqual(m, wire.Clock{"h": 4, "c": 2, "d": 1}) {
		t.Fatalf("unexpected merge %v", m)
	}
}

type peer struct {
	r          *Reconciler
	st         *store.InmemStore
	superseded []wire.ChangeRecord
}

func newPeer(t *testing.T, id string, origin wire.Origin) *peer {
	st := store.NewInmemStore()
	return &peer{
		r:  New(st, id, origin, cm.NewTestEntry(t, cm.TestLogLevel)),
		st: st,
	}
}

func (p *peer) edit(t *testing.T, entity string, op wire.Op, body string) wire.ChangeRecord {
	rec, err := p.r.Local(wire.ChangeRecord{
		EntityID: entity,
		Op:       op,
		Body:     wire.Body{Kind: wire.BodyTask, Data: []byte(body)},
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return rec
}

func (p *peer) apply(t *testing.T, records []wire.ChangeRecord) {
	for _, rec := range records {
		res, err := p.r.Apply(rec)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if res.Superseded != nil {
			p.superseded = append(p.superseded, *res.Superseded)
		}
	}
}

// syncPeers runs the sync phase: both summaries first, then both diffs.
func syncPeers(t *testing.T, a, b *peer) {
	sa, err := a.r.Summary()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	sb, err := b.r.Summary()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	da, err := a.r.Diff(sb)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	db, err := b.r.Diff(sa)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	b.apply(t, da)
	a.apply(t, db)
}

func assertConverged(t *testing.T, a, b *peer) {
	ra, _ := a.r.Records()
	rb, _ := b.r.Records()
	if !reflect.DeepEqual(ra, rb) {
		t.Fatalf("peers diverged:\n%v\n%v", ra, rb)
	}
}

func TestLocalStampsClock(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)

	for i := 1; i <= 3; i++ {
		rec := h.edit(t, "t1", wire.OpUpsert, fmt.Sprintf("v%d", i))
		if rec.Clock["host"] != uint64(i) {
			t.Fatalf("expected clock %d, got %v", i, rec.Clock)
		}
		if rec.Origin != wire.OriginHost || rec.OriginID != "host" {
			t.Fatalf("origin should be stamped, got %s", rec.Origin)
		}
	}

	if _, err := h.r.Local(wire.ChangeRecord{Op: wire.OpUpsert}); err == nil {
		t.Fatalf("records without entity id should be rejected")
	}
}

func TestDisjointEditsConverge(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)
	c := newPeer(t, "phone", wire.OriginCompanion)

	const k = 20
	for i := 0; i < k; i++ {
		h.edit(t, fmt.Sprintf("h%d", i), wire.OpUpsert, "host")
		c.edit(t, fmt.Sprintf("c%d", i), wire.OpUpsert, "phone")
	}

	syncPeers(t, h, c)

	ra, _ := h.r.Records()
	if len(ra) != 2*k {
		t.Fatalf("expected %d records, got %d", 2*k, len(ra))
	}
	assertConverged(t, h, c)

	if len(h.superseded)+len(c.superseded) != 0 {
		t.Fatalf("disjoint edits do not conflict")
	}

	// a second sync has nothing to exchange
	sc, _ := c.r.Summary()
	if d, _ := h.r.Diff(sc); len(d) != 0 {
		t.Fatalf("expected an empty diff, got %v", d)
	}
}

func TestDominatedRecordNoConflict(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)
	c := newPeer(t, "phone", wire.OriginCompanion)

	h.edit(t, "t1", wire.OpUpsert, "v1")
	h.edit(t, "t1", wire.OpUpsert, "v2")
	syncPeers(t, h, c)

	// the companion goes offline at clock 2, the host moves on to 3
	h.edit(t, "t1", wire.OpUpsert, "v3")
	syncPeers(t, h, c)

	rec, err := c.r.Record("t1")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if string(rec.Body.Data) != "v3" || rec.Clock["host"] != 3 {
		t.Fatalf("companion should hold v3 at clock 3, got %s %v", rec.Body.Data, rec.Clock)
	}
	if len(c.superseded) != 0 || len(h.superseded) != 0 {
		t.Fatalf("comparable clocks do not conflict")
	}
	assertConverged(t, h, c)
}

func TestConcurrentUpsertHostWins(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)
	c := newPeer(t, "phone", wire.OriginCompanion)

	for i := 0; i < 5; i++ {
		h.edit(t, "t2", wire.OpUpsert, "host body")
		c.edit(t, "t2", wire.OpUpsert, "phone body")
	}

	syncPeers(t, h, c)

	for _, p := range []*peer{h, c} {
		rec, _ := p.r.Record("t2")
		if string(rec.Body.Data) != "host body" {
			t.Fatalf("%s: host should win, got %s", p.r.self, rec.Body.Data)
		}
		if !reflect.DeepEqual(rec.Clock, wire.Clock{"host": 5, "phone": 5}) {
			t.Fatalf("%s: clocks should merge, got %v", p.r.self, rec.Clock)
		}
	}

	if len(c.superseded) != 1 || string(c.superseded[0].Body.Data) != "phone body" {
		t.Fatalf("the companion should see its record superseded once, got %v", c.superseded)
	}
	assertConverged(t, h, c)

	// syncing again changes nothing and surfaces nothing
	syncPeers(t, h, c)
	if len(c.superseded) != 1 {
		t.Fatalf("superseded must fire exactly once, got %d", len(c.superseded))
	}
}

func TestConcurrentDeleteLosesToUpsert(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)
	c := newPeer(t, "phone", wire.OriginCompanion)

	h.edit(t, "t3", wire.OpUpsert, "v1")
	syncPeers(t, h, c)

	// the host deletes while the companion edits
	h.edit(t, "t3", wire.OpDelete, "")
	c.edit(t, "t3", wire.OpUpsert, "phone edit")
	syncPeers(t, h, c)

	for _, p := range []*peer{h, c} {
		rec, _ := p.r.Record("t3")
		if rec.Op != wire.OpUpsert || string(rec.Body.Data) != "phone edit" {
			t.Fatalf("%s: upsert should win, got %s %s", p.r.self, rec.Op, rec.Body.Data)
		}
	}
	assertConverged(t, h, c)

	// a delete that dominates wins
	h.edit(t, "t3", wire.OpDelete, "")
	syncPeers(t, h, c)
	rec, _ := c.r.Record("t3")
	if rec.Op != wire.OpDelete {
		t.Fatalf("dominating delete should apply, got %s", rec.Op)
	}
	assertConverged(t, h, c)
}

func TestCompanionsConflictThroughHost(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)
	a := newPeer(t, "phone", wire.OriginCompanion)
	b := newPeer(t, "tablet", wire.OriginCompanion)

	a.edit(t, "t4", wire.OpUpsert, "from phone")
	b.edit(t, "t4", wire.OpUpsert, "from tablet")

	syncPeers(t, h, a)
	syncPeers(t, h, b)
	syncPeers(t, h, a)

	for _, p := range []*peer{h, a, b} {
		rec, _ := p.r.Record("t4")
		if string(rec.Body.Data) != "from phone" {
			t.Fatalf("%s: the host's copy should win, got %s", p.r.self, rec.Body.Data)
		}
	}
	assertConverged(t, h, a)
	assertConverged(t, h, b)
}

func TestApplyOutcomes(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)
	c := newPeer(t, "phone", wire.OriginCompanion)

	v1 := h.edit(t, "t5", wire.OpUpsert, "v1")
	v2 := h.edit(t, "t5", wire.OpUpsert, "v2")

	res, _ := c.r.Apply(v1)
	if res.Outcome != Applied || !res.Changed {
		t.Fatalf("expected Applied, got %s", res.Outcome)
	}
	res, _ = c.r.Apply(v1)
	if res.Outcome != Duplicate || res.Changed {
		t.Fatalf("expected Duplicate, got %s", res.Outcome)
	}
	res, _ = c.r.Apply(v2)
	if res.Outcome != Applied {
		t.Fatalf("expected Applied, got %s", res.Outcome)
	}
	res, _ = c.r.Apply(v1)
	if res.Outcome != Stale || string(res.Stored.Body.Data) != "v2" {
		t.Fatalf("expected Stale, got %s", res.Outcome)
	}
}

func TestConflictResolvedBeforeSummary(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)
	c := newPeer(t, "phone", wire.OriginCompanion)

	phone := c.edit(t, "t2", wire.OpUpsert, "phone body")
	h.edit(t, "t2", wire.OpUpsert, "host body")

	// the companion's summary is taken before its record reaches the host,
	// which resolves the conflict and answers with the merged record
	sc, err := c.r.Summary()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	h.apply(t, []wire.ChangeRecord{phone})
	dh, err := h.r.Diff(sc)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	c.apply(t, dh)

	if len(h.superseded) != 1 || string(h.superseded[0].Body.Data) != "phone body" {
		t.Fatalf("the host should see the phone record superseded, got %v", h.superseded)
	}
	if len(c.superseded) != 1 || string(c.superseded[0].Body.Data) != "phone body" {
		t.Fatalf("the companion should see its record superseded once, got %v", c.superseded)
	}

	rec, _ := c.r.Record("t2")
	if string(rec.Body.Data) != "host body" {
		t.Fatalf("host should win, got %s", rec.Body.Data)
	}
	assertConverged(t, h, c)

	syncPeers(t, h, c)
	if len(c.superseded) != 1 || len(h.superseded) != 1 {
		t.Fatalf("superseded must fire exactly once, got %d and %d", len(h.superseded), len(c.superseded))
	}
}

func TestSequentialOverwriteNoConflict(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)
	c := newPeer(t, "phone", wire.OriginCompanion)

	c.edit(t, "t6", wire.OpUpsert, "phone body")
	syncPeers(t, h, c)

	// the host edits on top of the companion's record
	h.edit(t, "t6", wire.OpUpsert, "host body")
	syncPeers(t, h, c)

	rec, _ := c.r.Record("t6")
	if string(rec.Body.Data) != "host body" {
		t.Fatalf("companion should hold the host edit, got %s", rec.Body.Data)
	}
	if len(c.superseded)+len(h.superseded) != 0 {
		t.Fatalf("an edit made on top of another is not a conflict")
	}
	assertConverged(t, h, c)
}

func TestLocalRefusesOversizeChange(t *testing.T) {
	h := newPeer(t, "host", wire.OriginHost)
	h.r.SetMaxMessage(512)

	_, err := h.r.Local(wire.ChangeRecord{
		EntityID: "t7",
		Op:       wire.OpUpsert,
		Body:     wire.Body{Kind: wire.BodyTask, Data: make([]byte, 1024)},
	})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if recs, _ := h.r.Records(); len(recs) != 0 {
		t.Fatalf("a refused change must not be stored, got %v", recs)
	}

	// the refused change used no clock tick
	rec := h.edit(t, "t7", wire.OpUpsert, "small")
	if rec.Clock["host"] != 1 {
		t.Fatalf("expected clock 1, got %v", rec.Clock)
	}
}
