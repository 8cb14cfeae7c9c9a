package wire

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestFrameStream(t *testing.T) {
	var buf bytes.Buffer

	frames := []Frame{
		{Type: FrameHandshake, Body: []byte("hello")},
		{Type: FrameData, Body: bytes.Repeat([]byte{0xab}, 1000)},
		{Type: FrameHeartbeat, Body: []byte{}},
	}

	for _, f := range frames {
		if err := WriteFrame(&buf, f, 0); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	for i, f := range frames {
		got, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if got.Type != f.Type || !bytes.Equal(got.Body, f.Body) {
			t.Fatalf("frame %d: expected %v, got %v", i, f.Type, got.Type)
		}
	}

	if _, err := ReadFrame(&buf, 0); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFrameLimits(t *testing.T) {
	big := Frame{Type: FrameData, Body: make([]byte, 100)}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, big, 50); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	// a reader with a lower limit rejects the frame without reading the body
	buf.Write(big.Marshal())
	if _, err := ReadFrame(&buf, 50); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	raw := Frame{Type: FrameAck, Body: []byte{1, 2}}.Marshal()
	raw[4] = 9
	if _, err := UnmarshalFrame(raw, 0); err != ErrUnknownFrameType {
		t.Fatalf("expected ErrUnknownFrameType, got %v", err)
	}

	if _, err := UnmarshalFrame(raw[:5], 0); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}

	truncated := bytes.NewReader(big.Marshal()[:20])
	if _, err := ReadFrame(truncated, 0); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestEnvelopeChecksum(t *testing.T) {
	e := &Envelope{
		Seq:      42,
		Priority: PriorityCritical,
		Floor:    40,
		Payload:  []byte("payload"),
	}

	b := e.Marshal()

	got, err := UnmarshalEnvelope(b)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("expected %#v, got %#v", e, got)
	}

	b[len(b)-1] ^= 0x01
	if _, err := UnmarshalEnvelope(b); err != ErrChecksum {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}

	b[8] = 7
	if _, err := UnmarshalEnvelope(b); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for bad priority, got %v", err)
	}
}

func TestAckBitset(t *testing.T) {
	a := Ack{Cumulative: 10}
	a.Set(12)
	a.Set(15)
	a.Set(5)
	a.Set(10 + AckWindow + 1)

	for seq := uint64(1); seq <= 10; seq++ {
		if !a.Has(seq) {
			t.Fatalf("%d is covered by the cumulative ack", seq)
		}
	}
	for _, seq := range []uint64{12, 15} {
		if !a.Has(seq) {
			t.Fatalf("%d should be reported", seq)
		}
	}
	for _, seq := range []uint64{11, 13, 14, 16, 10 + AckWindow + 1} {
		if a.Has(seq) {
			t.Fatalf("%d should not be reported", seq)
		}
	}
	if a.Count() != 2 {
		t.Fatalf("expected 2 out-of-order numbers, got %d", a.Count())
	}

	got, err := UnmarshalAck(a.Marshal())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got != a {
		t.Fatalf("expected %v, got %v", a, got)
	}
}

func TestHandshakeKindCheck(t *testing.T) {
	h := &Handshake{
		Kind: HandshakeHello,
		Hello: &Hello{
			PairingID:    "p1",
			CompanionID:  "c1",
			Nonce:        []byte{1, 2, 3},
			EphemeralKey: []byte{4, 5, 6},
			MAC:          []byte{7},
		},
	}

	b, err := h.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	got, err := UnmarshalHandshake(b)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !reflect.DeepEqual(h.Hello, got.Hello) {
		t.Fatalf("expected %#v, got %#v", h.Hello, got.Hello)
	}

	// kind and content disagree
	bad := &Handshake{Kind: HandshakeHelloAck, Hello: h.Hello}
	b, _ = bad.Marshal()
	if _, err := UnmarshalHandshake(b); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestMessageNormalizesBody(t *testing.T) {
	rec := ChangeRecord{
		EntityID: "t1",
		Clock:    Clock{"host": 3},
		Origin:   OriginHost,
		OriginID: "host",
		Op:       OpUpsert,
		Body:     Body{Kind: "whiteboard", Data: []byte(`{"x":1}`)},
	}

	b, err := NewChangeMessage(rec).Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	m, err := UnmarshalMessage(b)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.Change.Body.Kind != BodyOpaque {
		t.Fatalf("unknown body kinds should decode as opaque, got %s", m.Change.Body.Kind)
	}
	if !bytes.Equal(m.Change.Body.Data, rec.Body.Data) {
		t.Fatalf("body data should be preserved")
	}
	if !reflect.DeepEqual(m.Change.Clock, rec.Clock) {
		t.Fatalf("expected clock %v, got %v", rec.Clock, m.Change.Clock)
	}

	rec.EntityID = ""
	b, _ = NewChangeMessage(rec).Marshal()
	if _, err := UnmarshalMessage(b); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestSummaryMessage(t *testing.T) {
	s := Summary{Clocks: map[string]Clock{
		"t1": {"host": 3},
		"t2": {"host": 1, "phone": 4},
	}}

	b, err := NewSummaryMessage(s).Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	m, err := UnmarshalMessage(b)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.Kind != KindSummary {
		t.Fatalf("expected Summary, got %s", m.Kind)
	}
	if !reflect.DeepEqual(m.Summary.Clocks, s.Clocks) {
		t.Fatalf("expected %v, got %v", s.Clocks, m.Summary.Clocks)
	}
}
