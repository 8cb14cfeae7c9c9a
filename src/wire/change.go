package wire

import (
	"fmt"
	"sort"
	"strings"
)

// Clock is a version vector: one counter per replica that edited the entity.
// A ChangeRecord's logical clock is its Clock.
type Clock map[string]uint64

// Copy returns an independent copy of c.
func (c Clock) Copy() Clock {
	res := make(Clock, len(c))
	for k, v := range c {
		res[k] = v
	}
	return res
}

// Get returns the counter of replica, zero when absent.
func (c Clock) Get(replica string) uint64 {
	return c[replica]
}

// Sum returns the total number of edits the clock accounts for.
func (c Clock) Sum() uint64 {
	var s uint64
	for _, v := range c {
		s += v
	}
	return s
}

func (c Clock) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, c[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Origin is the kind of agent that produced a record.
type Origin uint8

const (
	OriginHost Origin = iota + 1
	OriginCompanion
)

func (o Origin) String() string {
	switch o {
	case OriginHost:
		return "host"
	case OriginCompanion:
		return "companion"
	default:
		return fmt.Sprintf("Origin(%d)", uint8(o))
	}
}

// Op is the operation a record applies to its entity.
type Op uint8

const (
	OpUpsert Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// BodyKind tags the content of a record body. The set is closed: kinds the
// agent does not know are treated as opaque.
type BodyKind string

const (
	BodyOpaque     BodyKind = "opaque"
	BodyTask       BodyKind = "task"
	BodyAnalysis   BodyKind = "analysis"
	BodyTranscript BodyKind = "transcript"
)

// Known reports whether k is one of the defined kinds.
func (k BodyKind) Known() bool {
	switch k {
	case BodyOpaque, BodyTask, BodyAnalysis, BodyTranscript:
		return true
	}
	return false
}

// Body is the domain content of a record. The sync core never parses Data.
type Body struct {
	Kind BodyKind
	Data []byte
}

// Normalize maps unknown kinds to BodyOpaque.
func (b Body) Normalize() Body {
	if !b.Kind.Known() {
		b.Kind = BodyOpaque
	}
	return b
}

// ChangeRecord is one edit of one entity.
type ChangeRecord struct {
	EntityID string
	Clock    Clock
	Origin   Origin
	// OriginID is the node id of the agent that produced the edit
	OriginID string
	Op       Op
	Body     Body

	// Beat is the clock of the concurrent record this one won against, when
	// it is the outcome of a conflict. A peer still holding that record learns
	// it was superseded even if the merged clock reaches it first.
	Beat Clock `codec:",omitempty"`
}

// Copy returns a deep copy of the record.
func (r ChangeRecord) Copy() ChangeRecord {
	r.Clock = r.Clock.Copy()
	if r.Beat != nil {
		r.Beat = r.Beat.Copy()
	}
	if r.Body.Data != nil {
		r.Body.Data = append([]byte(nil), r.Body.Data...)
	}
	return r
}

// Validate checks the fields the sync core relies on.
func (r ChangeRecord) Validate() error {
	if r.EntityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrMalformed)
	}
	if r.Op != OpUpsert && r.Op != OpDelete {
		return fmt.Errorf("%w: unknown op %d", ErrMalformed, r.Op)
	}
	if r.Origin != OriginHost && r.Origin != OriginCompanion {
		return fmt.Errorf("%w: unknown origin %d", ErrMalformed, r.Origin)
	}
	return nil
}

func (r ChangeRecord) String() string {
	return fmt.Sprintf("%s %s %s by %s(%s)", r.Op, r.EntityID, r.Clock, r.Origin, r.OriginID)
}
