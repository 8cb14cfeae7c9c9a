package common

import (
	"context"
	"testing"
	"time"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub[int](4, false)

	s1 := hub.Subscribe()
	s2 := hub.Subscribe()

	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), i); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	for _, s := range []*Stream[int]{s1, s2} {
		for i := 0; i < 3; i++ {
			v := <-s.C()
			if v != i {
				t.Fatalf("expected %d, got %d", i, v)
			}
		}
	}
}

func TestHubReplay(t *testing.T) {
	hub := NewHub[string](2, true)

	hub.Publish(context.Background(), "a")
	hub.Publish(context.Background(), "b")

	s := hub.Subscribe()
	v, ok, err := s.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected replayed value, got ok=%v err=%v", ok, err)
	}
	if v != "b" {
		t.Fatalf("replayed value should be b, not %s", v)
	}
}

func TestHubReplayCoalesces(t *testing.T) {
	hub := NewHub[int](2, true)
	s := hub.Subscribe()

	// nobody reads, yet Publish must not block
	done := make(chan struct{})
	go func() {
		for i := 1; i <= 10; i++ {
			hub.Publish(context.Background(), i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publishing to an unread replay stream blocked")
	}

	var got []int
	for len(s.C()) > 0 {
		got = append(got, <-s.C())
	}
	if len(got) == 0 || got[len(got)-1] != 10 {
		t.Fatalf("stream should end on the latest value, got %v", got)
	}
	if len(got) > 2 {
		t.Fatalf("stream should hold at most its buffer, got %v", got)
	}
}

func TestHubBackpressure(t *testing.T) {
	hub := NewHub[int](1, false)
	s := hub.Subscribe()

	if err := hub.Publish(context.Background(), 1); err != nil {
		t.Fatalf("err: %v", err)
	}

	// the subscriber buffer is full, so Publish must block until ctx expires
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := hub.Publish(ctx, 2); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	<-s.C()

	done := make(chan error)
	go func() { done <- hub.Publish(context.Background(), 3) }()
	if v := <-s.C(); v != 3 {
		t.Fatalf("expected 3, got %d", v)
	}
	if err := <-done; err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub[int](1, false)
	s := hub.Subscribe()
	hub.Publish(context.Background(), 1)

	// a blocked publisher is released when the subscriber closes
	done := make(chan error)
	go func() { done <- hub.Publish(context.Background(), 2) }()
	time.Sleep(10 * time.Millisecond)
	s.Close()

	if err := <-done; err != nil {
		t.Fatalf("err: %v", err)
	}
	if hub.Len() != 0 {
		t.Fatalf("closed stream should be removed")
	}

	hub.Close()
	late := hub.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Fatalf("subscription to a closed hub should be closed")
	}
}
