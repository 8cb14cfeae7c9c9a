package wire

import "fmt"

// HandshakeKind identifies the message a Handshake carries.
type HandshakeKind uint8

const (
	HandshakePairRequest HandshakeKind = iota + 1
	HandshakePairAccept
	HandshakeHello
	HandshakeHelloAck
	HandshakeConfirm
	HandshakeReject
)

func (k HandshakeKind) String() string {
	switch k {
	case HandshakePairRequest:
		return "PairRequest"
	case HandshakePairAccept:
		return "PairAccept"
	case HandshakeHello:
		return "Hello"
	case HandshakeHelloAck:
		return "HelloAck"
	case HandshakeConfirm:
		return "Confirm"
	case HandshakeReject:
		return "Reject"
	default:
		return fmt.Sprintf("HandshakeKind(%d)", uint8(k))
	}
}

// Reject reasons.
const (
	RejectRevoked = "revoked"
	RejectUnknown = "unknown pairing"
	RejectAuth    = "authentication failed"
	RejectToken   = "invalid pairing token"
	RejectExpired = "pairing token expired"
	RejectUsed    = "pairing token already used"
	RejectBusy    = "too many attempts"
)

// Handshake is the body of a HANDSHAKE frame. Exactly one of the message
// fields is set, as indicated by Kind.
type Handshake struct {
	Kind        HandshakeKind
	PairRequest *PairRequest `codec:",omitempty"`
	PairAccept  *PairAccept  `codec:",omitempty"`
	Hello       *Hello       `codec:",omitempty"`
	HelloAck    *HelloAck    `codec:",omitempty"`
	Reject      *Reject      `codec:",omitempty"`
	// Confirm is a sealed confirmation proving possession of the session keys
	Confirm []byte `codec:",omitempty"`
}

// PairRequest is sent by a companion redeeming a pairing token. TokenID may be
// empty when the token was typed in by hand, in which case the host matches the
// proof against every pending token.
type PairRequest struct {
	TokenID      string
	CompanionID  string
	CompanionKey []byte
	Proof        []byte
}

// PairAccept completes a pairing ceremony.
type PairAccept struct {
	HostID    string
	HostKey   []byte
	PairingID string
	Confirm   []byte
}

// Hello opens a session on an existing pairing.
type Hello struct {
	PairingID    string
	CompanionID  string
	Nonce        []byte
	EphemeralKey []byte
	MAC          []byte
}

// HelloAck answers a Hello.
type HelloAck struct {
	Nonce        []byte
	EphemeralKey []byte
	MAC          []byte
}

// Reject refuses a PairRequest or a Hello. A host still holding the pairing
// authenticates its refusal of a Hello with MAC.
type Reject struct {
	Reason string
	MAC    []byte `codec:",omitempty"`
}

func (h *Handshake) Marshal() ([]byte, error) {
	return Encode(h)
}

func UnmarshalHandshake(b []byte) (*Handshake, error) {
	h := new(Handshake)
	if err := Decode(b, h); err != nil {
		return nil, err
	}
	if err := h.check(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handshake) check() error {
	var ok bool
	switch h.Kind {
	case HandshakePairRequest:
		ok = h.PairRequest != nil
	case HandshakePairAccept:
		ok = h.PairAccept != nil
	case HandshakeHello:
		ok = h.Hello != nil
	case HandshakeHelloAck:
		ok = h.HelloAck != nil
	case HandshakeConfirm:
		ok = len(h.Confirm) > 0
	case HandshakeReject:
		ok = h.Reject != nil
	}
	if !ok {
		return fmt.Errorf("%w: handshake %s", ErrMalformed, h.Kind)
	}
	return nil
}

// Frame wraps the handshake in a HANDSHAKE frame.
func (h *Handshake) Frame() (Frame, error) {
	b, err := h.Marshal()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameHandshake, Body: b}, nil
}
