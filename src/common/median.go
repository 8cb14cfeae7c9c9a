package common

import (
	"sort"
	"sync"
	"time"
)

// DurationWindow keeps the last N duration samples, e.g. heartbeat round
// trips, and reports their median.
type DurationWindow struct {
	mu      sync.Mutex
	size    int
	samples []time.Duration
	next    int
}

// NewDurationWindow creates a window holding at most size samples.
func NewDurationWindow(size int) *DurationWindow {
	if size < 1 {
		size = 1
	}
	return &DurationWindow{
		size:    size,
		samples: make([]time.Duration, 0, size),
	}
}

// Add records a sample, evicting the oldest one when the window is full.
func (w *DurationWindow) Add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.samples) < w.size {
		w.samples = append(w.samples, d)
		return
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % w.size
}

// Len returns the number of samples in the window.
func (w *DurationWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// Median returns the median of the samples, or 0 if there are none.
func (w *DurationWindow) Median() time.Duration {
	w.mu.Lock()
	s := make([]time.Duration, len(w.samples))
	copy(s, w.samples)
	w.mu.Unlock()

	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

	// For even numbers we add the two middle numbers and divide by two
	l := len(s)
	if l == 0 {
		return 0
	} else if l%2 == 0 {
		mid := l/2 - 1
		return (s[mid] + s[mid+1]) / 2
	}
	return s[l/2]
}
