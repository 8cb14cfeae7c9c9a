package common

import (
	"testing"
	"time"
)

func TestBackoffBounded(t *testing.T) {
	b, err := NewBackoff(time.Second, 30*time.Second, FullJitter)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	var prev time.Duration
	for i := 0; i < 100; i++ {
		d, stop := b.Next()
		if stop {
			t.Fatalf("backoff should never stop")
		}
		ceil := b.Ceiling()
		if ceil < prev {
			t.Fatalf("attempt %d: ceiling decreased from %v to %v", i, prev, ceil)
		}
		if ceil > 30*time.Second {
			t.Fatalf("attempt %d: ceiling %v above cap", i, ceil)
		}
		if d < 0 || d > ceil {
			t.Fatalf("attempt %d: delay %v outside [0, %v]", i, d, ceil)
		}
		prev = ceil
	}

	if prev != 30*time.Second {
		t.Fatalf("ceiling should reach the cap, got %v", prev)
	}
}

func TestBackoffSequence(t *testing.T) {
	b, err := NewBackoff(500*time.Millisecond, 5*time.Second, NoJitter)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	expected := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, e := range expected {
		if d, _ := b.Next(); d != e {
			t.Fatalf("attempt %d: expected %v, got %v", i, e, d)
		}
	}

	b.Reset()
	if d, _ := b.Next(); d != 500*time.Millisecond {
		t.Fatalf("reset should start over, got %v", d)
	}
}

func TestBackoffTenPercent(t *testing.T) {
	b, _ := NewBackoff(time.Second, 8*time.Second, TenPercentJitter)
	for i := 0; i < 50; i++ {
		d, _ := b.Next()
		ceil := b.Ceiling()
		if d < ceil-ceil/10 || d > ceil+ceil/10 || d > 8*time.Second {
			t.Fatalf("delay %v too far from %v", d, ceil)
		}
	}
}

func TestBackoffInvalid(t *testing.T) {
	if _, err := NewBackoff(0, time.Second, NoJitter); err == nil {
		t.Fatalf("a zero base should be rejected")
	}
	if _, err := NewBackoff(time.Second, time.Millisecond, NoJitter); err == nil {
		t.Fatalf("a cap below base should be rejected")
	}
}
