package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/zeebo/blake3"
)

// Priority orders envelopes that are queued but not yet transmitted.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityNormal
	PriorityBackground
)

// NumPriorities is the number of priority classes.
const NumPriorities = 3

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
}

// Valid reports whether p is one of the known priority classes.
func (p Priority) Valid() bool {
	return p <= PriorityBackground
}

// ParsePriority is the inverse of Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "normal", "":
		return PriorityNormal, nil
	case "background":
		return PriorityBackground, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

var (
	// ErrChecksum is returned when an envelope's payload does not match its
	// checksum.
	ErrChecksum = errors.New("envelope checksum mismatch")
	// ErrMalformed is returned for plaintext bodies of the wrong shape.
	ErrMalformed = errors.New("malformed body")
)

const envelopeHeaderSize = 8 + 1 + 8 + 8

// MaxPayload returns the largest envelope payload that still fits a DATA
// frame of maxFrame bytes once sealing adds sealOverhead bytes.
func MaxPayload(maxFrame, sealOverhead int) int {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return maxFrame - lengthSize - 1 - sealOverhead - envelopeHeaderSize
}

// Envelope is the plaintext of a DATA frame.
type Envelope struct {
	Seq      uint64
	Priority Priority
	// Floor is the lowest sequence number the sender may still transmit.
	// Receivers skip missing numbers below it.
	Floor    uint64
	Checksum uint64
	Payload  []byte
}

// Checksum returns the first 8 bytes of the blake3 digest of payload.
func Checksum(payload []byte) uint64 {
	sum := blake3.Sum256(payload)
	return binary.BigEndian.Uint64(sum[:8])
}

// Marshal encodes the envelope. The checksum is always recomputed from the
// payload.
func (e *Envelope) Marshal() []byte {
	e.Checksum = Checksum(e.Payload)

	buf := make([]byte, envelopeHeaderSize+len(e.Payload))
	binary.BigEndian.PutUint64(buf[0:], e.Seq)
	buf[8] = byte(e.Priority)
	binary.BigEndian.PutUint64(buf[9:], e.Floor)
	binary.BigEndian.PutUint64(buf[17:], e.Checksum)
	copy(buf[envelopeHeaderSize:], e.Payload)
	return buf
}

// UnmarshalEnvelope decodes an envelope and verifies its checksum.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	if len(b) < envelopeHeaderSize {
		return nil, ErrMalformed
	}

	e := &Envelope{
		Seq:      binary.BigEndian.Uint64(b[0:]),
		Priority: Priority(b[8]),
		Floor:    binary.BigEndian.Uint64(b[9:]),
		Checksum: binary.BigEndian.Uint64(b[17:]),
		Payload:  append([]byte(nil), b[envelopeHeaderSize:]...),
	}

	if !e.Priority.Valid() {
		return nil, ErrMalformed
	}
	if Checksum(e.Payload) != e.Checksum {
		return nil, ErrChecksum
	}
	return e, nil
}

// AckWindow is the number of sequence numbers above the cumulative ack that an
// Ack can report individually.
const AckWindow = 64

// Ack is the plaintext of an ACK frame. Cumulative is the highest sequence
// number below which everything has been received. Bit i of Bitset reports
// sequence number Cumulative+1+i.
type Ack struct {
	Cumulative uint64
	Bitset     uint64
}

// Has reports whether the ack covers seq.
func (a Ack) Has(seq uint64) bool {
	if seq <= a.Cumulative {
		return true
	}
	off := seq - a.Cumulative - 1
	if off >= AckWindow {
		return false
	}
	return a.Bitset&(1<<off) != 0
}

// Set marks seq as received out of order. Numbers outside the window are
// ignored.
func (a *Ack) Set(seq uint64) {
	if seq <= a.Cumulative {
		return
	}
	off := seq - a.Cumulative - 1
	if off < AckWindow {
		a.Bitset |= 1 << off
	}
}

// Count returns the number of out-of-order numbers reported by the ack.
func (a Ack) Count() int {
	return bits.OnesCount64(a.Bitset)
}

func (a Ack) Marshal() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], a.Cumulative)
	binary.BigEndian.PutUint64(buf[8:], a.Bitset)
	return buf
}

func UnmarshalAck(b []byte) (Ack, error) {
	if len(b) != 16 {
		return Ack{}, ErrMalformed
	}
	return Ack{
		Cumulative: binary.BigEndian.Uint64(b[0:]),
		Bitset:     binary.BigEndian.Uint64(b[8:]),
	}, nil
}

// Heartbeat is the plaintext of a HEARTBEAT frame.
type Heartbeat struct {
	SentAt int64
	Floor  uint64
}

func (h Heartbeat) Marshal() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], uint64(h.SentAt))
	binary.BigEndian.PutUint64(buf[8:], h.Floor)
	return buf
}

func UnmarshalHeartbeat(b []byte) (Heartbeat, error) {
	if len(b) != 16 {
		return Heartbeat{}, ErrMalformed
	}
	return Heartbeat{
		SentAt: int64(binary.BigEndian.Uint64(b[0:])),
		Floor:  binary.BigEndian.Uint64(b[8:]),
	}, nil
}
