package reconcile

import (
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal clocks describe the same edits
	Equal Ordering = iota
	// Before means the first clock is dominated by the second
	Before
	// After means the first clock dominates the second
	After
	// Concurrent clocks each hold edits the other lacks
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	}
	return "Unknown"
}

// Compare orders a against b. Missing replicas count as zero.
func Compare(a, b wire.Clock) Ordering {
	var aAhead, bAhead bool

	for k, av := range a {
		bv := b[k]
		if av > bv {
			aAhead = true
		} else if av < bv {
			bAhead = true
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok && bv > 0 {
			bAhead = true
		}
	}

	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return After
	case bAhead:
		return Before
	default:
		return Equal
	}
}

// Merge returns the pointwise maximum of a and b.
func Merge(a, b wire.Clock) wire.Clock {
	res := a.Copy()
	for k, bv := range b {
		if bv > res[k] {
			res[k] = bv
		}
	}
	return res
}

// Covers reports whether a peer holding clock have already knows every edit
// of want.
func Covers(have, want wire.Clock) bool {
	o := Compare(have, want)
	return o == Equal || o == After
}
