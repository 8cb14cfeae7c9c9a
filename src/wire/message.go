package wire

import "fmt"

// MessageKind identifies the content of a Message.
type MessageKind uint8

const (
	KindChange MessageKind = iota + 1
	KindSummary
	KindSyncDone
)

func (k MessageKind) String() string {
	switch k {
	case KindChange:
		return "Change"
	case KindSummary:
		return "Summary"
	case KindSyncDone:
		return "SyncDone"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// Summary is the compact state table exchanged when a sync starts: the clock
// of every entity the sender holds.
type Summary struct {
	Clocks map[string]Clock
}

// Message is the payload of a DATA envelope.
type Message struct {
	Kind    MessageKind
	Change  *ChangeRecord `codec:",omitempty"`
	Summary *Summary      `codec:",omitempty"`
}

// NewChangeMessage wraps a record.
func NewChangeMessage(r ChangeRecord) *Message {
	return &Message{Kind: KindChange, Change: &r}
}

// NewSummaryMessage wraps a summary.
func NewSummaryMessage(s Summary) *Message {
	return &Message{Kind: KindSummary, Summary: &s}
}

// NewSyncDoneMessage marks the end of a differential batch.
func NewSyncDoneMessage() *Message {
	return &Message{Kind: KindSyncDone}
}

func (m *Message) Marshal() ([]byte, error) {
	return Encode(m)
}

func UnmarshalMessage(b []byte) (*Message, error) {
	m := new(Message)
	if err := Decode(b, m); err != nil {
		return nil, err
	}

	switch m.Kind {
	case KindChange:
		if m.Change == nil {
			return nil, fmt.Errorf("%w: change message without record", ErrMalformed)
		}
		if err := m.Change.Validate(); err != nil {
			return nil, err
		}
		m.Change.Body = m.Change.Body.Normalize()
		if m.Change.Clock == nil {
			m.Change.Clock = Clock{}
		}
	case KindSummary:
		if m.Summary == nil {
			m.Summary = &Summary{}
		}
		if m.Summary.Clocks == nil {
			m.Summary.Clocks = map[string]Clock{}
		}
	case KindSyncDone:
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrMalformed, m.Kind)
	}
	return m, nil
}
