package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

func newTestOutbox(t *testing.T, st store.Store, clock clockwork.Clock, conf Config) *Outbox {
	conf.Clock = clock
	o, err := NewOutbox("p1", st, conf, cm.NewTestEntry(t, cm.TestLogLevel))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return o
}

func newTestInbox(t *testing.T, st store.Store) *Inbox {
	in, err := NewInbox("p1", st, Config{}, cm.NewTestEntry(t, cm.TestLogLevel))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return in
}

func TestPriorityJumpsQueue(t *testing.T) {
	o := newTestOutbox(t, store.NewInmemStore(), clockwork.NewFakeClock(), Config{})

	o.Send([]byte("n1"), wire.PriorityNormal)
	o.Send([]byte("b1"), wire.PriorityBackground)
	o.Send([]byte("n2"), wire.PriorityNormal)

	first, _ := o.Next()
	if string(first.Payload) != "n1" || first.Seq != 1 {
		t.Fatalf("expected n1 with seq 1, got %s with %d", first.Payload, first.Seq)
	}

	// n1 is on the wire, the critical envelope overtakes only queued ones
	o.Send([]byte("c1"), wire.PriorityCritical)

	expected := []string{"c1", "n2", "b1"}
	for i, e := range expected {
		env, ok := o.Next()
		if !ok {
			t.Fatalf("queue should not be empty")
		}
		if string(env.Payload) != e {
			t.Fatalf("position %d: expected %s, got %s", i, e, env.Payload)
		}
		if env.Seq != uint64(i+2) {
			t.Fatalf("sequence numbers follow transmission order, got %d for %s", env.Seq, e)
		}
	}

	if _, ok := o.Next(); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestQueueFull(t *testing.T) {
	o := newTestOutbox(t, store.NewInmemStore(), clockwork.NewFakeClock(), Config{QueueSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := o.Send([]byte{byte(i)}, wire.PriorityNormal); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
	if _, err := o.Send([]byte{2}, wire.PriorityCritical); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// transmitting frees room in the queue
	o.Next()
	if _, err := o.Send([]byte{3}, wire.PriorityNormal); err != nil {
		t.Fatalf("err: %v", err)
	}
	if s := o.Stats(); s.Queued != 2 || s.Rejected != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestSendWindow(t *testing.T) {
	o := newTestOutbox(t, store.NewInmemStore(), clockwork.NewFakeClock(), Config{Window: 4})

	for i := 0; i < 6; i++ {
		o.Send([]byte{byte(i)}, wire.PriorityNormal)
	}
	for i := 0; i < 4; i++ {
		if _, ok := o.Next(); !ok {
			t.Fatalf("window should allow %d envelopes", i+1)
		}
	}
	if _, ok := o.Next(); ok {
		t.Fatalf("window is full")
	}

	o.HandleAck(wire.Ack{Cumulative: 2})
	for i := 0; i < 2; i++ {
		if _, ok := o.Next(); !ok {
			t.Fatalf("acks should open the window")
		}
	}
}

func TestAckResolvesReceipts(t *testing.T) {
	o := newTestOutbox(t, store.NewInmemStore(), clockwork.NewFakeClock(), Config{})

	var receipts []*Receipt
	for i := 0; i < 4; i++ {
		r, _ := o.Send([]byte{byte(i)}, wire.PriorityNormal)
		receipts = append(receipts, r)
		o.Next()
	}

	ack := wire.Ack{Cumulative: 1}
	ack.Set(3)
	if n := o.HandleAck(ack); n != 2 {
		t.Fatalf("expected 2 acknowledged envelopes, got %d", n)
	}

	for i, r := range receipts {
		select {
		case <-r.Done():
			if i != 0 && i != 2 {
				t.Fatalf("receipt %d should be pending", i)
			}
			if r.Err() != nil {
				t.Fatalf("err: %v", r.Err())
			}
		default:
			if i == 0 || i == 2 {
				t.Fatalf("receipt %d should be resolved", i)
			}
		}
	}

	if o.Floor() != 2 {
		t.Fatalf("floor should be the lowest pending number, got %d", o.Floor())
	}

	// 2 is a genuine gap below 3 and goes out again right away, 4 waits
	due := o.Due()
	if len(due) != 1 || due[0].Seq != 2 {
		t.Fatalf("expected a fast retransmit of 2, got %v", due)
	}
}

func TestRetransmitCeiling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o := newTestOutbox(t, store.NewInmemStore(), clock, Config{MaxRetransmits: 3})

	r, _ := o.Send([]byte("lost"), wire.PriorityNormal)
	o.Next()

	retransmits := 0
	for i := 0; i < 10; i++ {
		clock.Advance(DefaultRetransmitCap + time.Second)
		retransmits += len(o.Due())
	}

	if retransmits != 3 {
		t.Fatalf("expected 3 retransmits, got %d", retransmits)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := r.Wait(ctx)
	var dfe *DeliveryFailedError
	if !errors.As(err, &dfe) {
		t.Fatalf("expected DeliveryFailedError, got %v", err)
	}
	if dfe.Seq != 1 || dfe.Retries != 3 || !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("unexpected failure %+v", dfe)
	}

	// the abandoned number no longer holds the floor
	if o.Floor() != 2 {
		t.Fatalf("expected floor 2, got %d", o.Floor())
	}
}

func TestDropFailsOneEnvelope(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o := newTestOutbox(t, store.NewInmemStore(), clock, Config{})

	big, _ := o.Send([]byte("too big"), wire.PriorityNormal)
	small, _ := o.Send([]byte("fine"), wire.PriorityNormal)
	e1, _ := o.Next()
	o.Next()

	cause := errors.New("frame too large")
	o.Drop(e1.Seq, cause)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := big.Wait(ctx)
	if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, cause) {
		t.Fatalf("expected a delivery failure caused by %v, got %v", cause, err)
	}
	if o.Floor() != 2 {
		t.Fatalf("expected floor 2, got %d", o.Floor())
	}

	// the other envelope is untouched
	select {
	case <-small.Done():
		t.Fatalf("only the dropped envelope should resolve")
	default:
	}
	if s := o.Stats(); s.Pending != 1 || s.Failed != 1 {
		t.Fatalf("expected 1 pending and 1 failed, got %+v", s)
	}
}

func TestRetransmitBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o := newTestOutbox(t, store.NewInmemStore(), clock, Config{})

	o.Send([]byte("x"), wire.PriorityNormal)
	o.Next()

	var prev time.Duration
	for i := 0; i < 6; i++ {
		d, _ := o.NextDeadline()
		wait := d.Sub(clock.Now())
		if wait > DefaultRetransmitCap {
			t.Fatalf("retransmit delay %v above cap", wait)
		}
		if i > 0 && wait < prev-prev/5 {
			t.Fatalf("retransmit delay shrank from %v to %v", prev, wait)
		}
		prev = wait
		clock.Advance(wait)
		if len(o.Due()) != 1 {
			t.Fatalf("envelope should be due")
		}
	}
}

func TestInboxOrdersAndDedups(t *testing.T) {
	in := newTestInbox(t, store.NewInmemStore())

	env := func(seq uint64) *wire.Envelope {
		return &wire.Envelope{Seq: seq, Floor: 1, Payload: []byte{byte(seq)}}
	}

	if got := in.Receive(env(2)); len(got) != 0 {
		t.Fatalf("2 must wait for 1")
	}
	if got := in.Receive(env(3)); len(got) != 0 {
		t.Fatalf("3 must wait for 1")
	}

	ack := in.Ack()
	if ack.Cumulative != 0 || !ack.Has(2) || !ack.Has(3) || ack.Has(1) {
		t.Fatalf("unexpected ack %+v", ack)
	}

	got := in.Receive(env(1))
	if len(got) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, e.Seq)
		}
	}

	// replays of anything delivered change nothing
	for seq := uint64(1); seq <= 3; seq++ {
		if got := in.Receive(env(seq)); len(got) != 0 {
			t.Fatalf("replay of %d was delivered again", seq)
		}
	}
	if s := in.Stats(); s.Delivered != 3 || s.Duplicates != 3 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestInboxFloorSkipsAbandoned(t *testing.T) {
	in := newTestInbox(t, store.NewInmemStore())

	in.Receive(&wire.Envelope{Seq: 1, Floor: 1})
	// 2 was abandoned, 3 arrives out of order, 4 says the floor moved to 4
	in.Receive(&wire.Envelope{Seq: 3, Floor: 2})

	got := in.Receive(&wire.Envelope{Seq: 4, Floor: 4})
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("expected 3 and 4, got %v", got)
	}

	// a heartbeat floor unblocks the receiver without data
	in.Receive(&wire.Envelope{Seq: 7, Floor: 5})
	got = in.AdvanceFloor(8)
	if len(got) != 1 || got[0].Seq != 7 {
		t.Fatalf("expected 7, got %v", got)
	}
	if in.Delivered() != 7 {
		t.Fatalf("expected 7 delivered, got %d", in.Delivered())
	}
	if s := in.Stats(); s.Skipped != 3 {
		t.Fatalf("expected 3 skipped numbers, got %d", s.Skipped)
	}
}

func TestHighWaterSurvivesRestart(t *testing.T) {
	st := store.NewInmemStore()
	clock := clockwork.NewFakeClock()

	o := newTestOutbox(t, st, clock, Config{})
	in := newTestInbox(t, st)
	for i := 0; i < 5; i++ {
		o.Send([]byte{byte(i)}, wire.PriorityNormal)
		o.Next()
	}
	in.Receive(&wire.Envelope{Seq: 1, Floor: 1})
	in.Receive(&wire.Envelope{Seq: 2, Floor: 1})

	// a new process over the same store
	o2 := newTestOutbox(t, st, clock, Config{})
	o2.Send([]byte("after restart"), wire.PriorityNormal)
	env, _ := o2.Next()
	if env.Seq != 6 {
		t.Fatalf("sequence numbers should continue at 6, got %d", env.Seq)
	}
	if env.Floor != 6 {
		t.Fatalf("nothing below 6 is pending anymore, got floor %d", env.Floor)
	}

	in2 := newTestInbox(t, st)
	if got := in2.Receive(&wire.Envelope{Seq: 2, Floor: 1}); len(got) != 0 {
		t.Fatalf("2 was delivered before the restart")
	}
	if got := in2.Receive(&wire.Envelope{Seq: 3, Floor: 1}); len(got) != 1 {
		t.Fatalf("3 is new")
	}
}

func TestCloseFailsEverything(t *testing.T) {
	o := newTestOutbox(t, store.NewInmemStore(), clockwork.NewFakeClock(), Config{})

	sent, _ := o.Send([]byte("a"), wire.PriorityNormal)
	o.Next()
	queued, _ := o.Send([]byte("b"), wire.PriorityNormal)

	cause := errors.New("unpaired")
	o.Close(cause)

	for _, r := range []*Receipt{sent, queued} {
		err := r.Wait(context.Background())
		if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, cause) {
			t.Fatalf("expected a delivery failure caused by unpair, got %v", err)
		}
	}
	if _, err := o.Send([]byte("c"), wire.PriorityNormal); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// TestLossyLink runs an outbox and an inbox over a link that drops, duplicates
// and reorders frames in both directions.
func TestLossyLink(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rnd := rand.New(rand.NewSource(42))

	o := newTestOutbox(t, store.NewInmemStore(), clock, Config{MaxRetransmits: 1000})
	in := newTestInbox(t, store.NewInmemStore())

	const total = 300
	var receipts []*Receipt
	for i := 0; i < total; i++ {
		r, err := o.Send([]byte(fmt.Sprintf("msg-%03d", i)), wire.PriorityNormal)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		receipts = append(receipts, r)
	}

	var delivered []string
	var inflight []*wire.Envelope

	for round := 0; round < 10000 && len(delivered) < total; round++ {
		for {
			env, ok := o.Next()
			if !ok {
				break
			}
			inflight = append(inflight, env)
		}
		inflight = append(inflight, o.Due()...)

		rnd.Shuffle(len(inflight), func(i, j int) { inflight[i], inflight[j] = inflight[j], inflight[i] })

		for _, env := range inflight {
			if rnd.Intn(100) < 30 {
				continue
			}
			copies := 1
			if rnd.Intn(100) < 10 {
				copies = 2
			}
			for c := 0; c < copies; c++ {
				for _, d := range in.Receive(env) {
					delivered = append(delivered, string(d.Payload))
				}
			}
			if rnd.Intn(100) >= 30 {
				o.HandleAck(in.Ack())
			}
		}
		inflight = inflight[:0]

		clock.Advance(DefaultRetransmitCap)
	}

	if len(delivered) != total {
		t.Fatalf("expected %d deliveries, got %d", total, len(delivered))
	}
	for i, d := range delivered {
		if d != fmt.Sprintf("msg-%03d", i) {
			t.Fatalf("position %d: expected msg-%03d, got %s", i, i, d)
		}
	}

	// the last acks may have been lost, one more exchange settles them
	o.HandleAck(in.Ack())
	for i, r := range receipts {
		select {
		case <-r.Done():
			if r.Err() != nil {
				t.Fatalf("receipt %d: %v", i, r.Err())
			}
		default:
			t.Fatalf("receipt %d unresolved", i)
		}
	}
}
