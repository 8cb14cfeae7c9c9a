package common

import (
	"testing"
	"time"
)

func TestDurationWindowMedian(t *testing.T) {
	w := NewDurationWindow(4)

	if m := w.Median(); m != 0 {
		t.Fatalf("empty window median should be 0, not %v", m)
	}

	w.Add(3 * time.Millisecond)
	w.Add(1 * time.Millisecond)
	w.Add(2 * time.Millisecond)

	if m := w.Median(); m != 2*time.Millisecond {
		t.Fatalf("median should be 2ms, not %v", m)
	}

	w.Add(10 * time.Millisecond)
	if m := w.Median(); m != 2500*time.Microsecond {
		t.Fatalf("median should be 2.5ms, not %v", m)
	}

	// evicts the 3ms sample
	w.Add(1 * time.Millisecond)
	if l := w.Len(); l != 4 {
		t.Fatalf("window should hold 4 samples, not %d", l)
	}
	if m := w.Median(); m != 1500*time.Microsecond {
		t.Fatalf("median should be 1.5ms, not %v", m)
	}
}
