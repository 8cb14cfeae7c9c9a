package common

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Jitter selects how a Backoff randomizes its delays.
type Jitter int

const (
	// NoJitter returns the exponential delays unchanged
	NoJitter Jitter = iota
	// FullJitter draws each delay uniformly from [0, ceiling]
	FullJitter
	// TenPercentJitter draws each delay from ceiling +/- 10%, never above the cap
	TenPercentJitter
)

// Backoff is a capped exponential backoff built on go-retry. Ceiling returns
// the pre-jitter delay of the last call to Next, which never decreases and
// never exceeds the cap.
type Backoff struct {
	base   time.Duration
	cap    time.Duration
	jitter Jitter

	mu      sync.Mutex
	next    retry.Backoff
	ceiling time.Duration
	rnd     *rand.Rand
}

// NewBackoff returns a Backoff starting at base and doubling up to cap.
func NewBackoff(base, cap time.Duration, jitter Jitter) (*Backoff, error) {
	if base <= 0 || cap < base {
		return nil, fmt.Errorf("invalid backoff: base %v, cap %v", base, cap)
	}
	b := &Backoff{
		base:   base,
		cap:    cap,
		jitter: jitter,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.reset()
	return b, nil
}

func (b *Backoff) reset() {
	b.next = retry.WithCappedDuration(b.cap, retry.NewExponential(b.base))
	b.ceiling = 0
}

// Next implements retry.Backoff. It never stops.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, _ := b.next.Next()
	if d > b.cap || d <= 0 {
		// the shift overflowed
		d = b.cap
	}
	if d < b.ceiling {
		d = b.ceiling
	}
	b.ceiling = d

	switch b.jitter {
	case FullJitter:
		d = time.Duration(b.rnd.Int63n(int64(d) + 1))
	case TenPercentJitter:
		spread := int64(d) / 10
		if spread > 0 {
			d += time.Duration(b.rnd.Int63n(2*spread+1) - spread)
		}
		if d > b.cap {
			d = b.cap
		}
	}
	return d, false
}

// Ceiling returns the delay of the last Next before jitter.
func (b *Backoff) Ceiling() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ceiling
}

// Reset starts the sequence over from base.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}
