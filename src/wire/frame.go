package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType identifies the content of a frame.
type FrameType uint8

const (
	FrameHandshake FrameType = iota + 1
	FrameData
	FrameAck
	FrameHeartbeat
)

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "HANDSHAKE"
	case FrameData:
		return "DATA"
	case FrameAck:
		return "ACK"
	case FrameHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// AAD returns the associated data a session binds to sealed bodies of this
// frame type.
func (t FrameType) AAD() []byte {
	return []byte{byte(t)}
}

const (
	// lengthSize is the size of the frame length prefix
	lengthSize = 4

	// DefaultMaxFrameSize bounds the length field of a frame
	DefaultMaxFrameSize = 1 << 20
)

var (
	// ErrFrameTooLarge is returned for frames whose length exceeds the limit
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrShortFrame is returned for truncated frames
	ErrShortFrame = errors.New("short frame")
	// ErrUnknownFrameType is returned for frames with an unknown type byte
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame is one unit on the wire.
type Frame struct {
	Type FrameType
	Body []byte
}

// Len returns the encoded size of the frame.
func (f Frame) Len() int {
	return lengthSize + 1 + len(f.Body)
}

// Marshal encodes the frame, length prefix included.
func (f Frame) Marshal() []byte {
	buf := make([]byte, f.Len())
	binary.BigEndian.PutUint32(buf, uint32(1+len(f.Body)))
	buf[lengthSize] = byte(f.Type)
	copy(buf[lengthSize+1:], f.Body)
	return buf
}

// UnmarshalFrame decodes a single frame occupying all of b.
func UnmarshalFrame(b []byte, max int) (Frame, error) {
	if len(b) < lengthSize+1 {
		return Frame{}, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(b)
	if err := checkLength(n, max); err != nil {
		return Frame{}, err
	}
	if int(n) != len(b)-lengthSize {
		return Frame{}, ErrShortFrame
	}
	return decodeFrame(b[lengthSize:])
}

// WriteFrame writes f to w in one call.
func WriteFrame(w io.Writer, f Frame, max int) error {
	if err := checkLength(uint32(1+len(f.Body)), max); err != nil {
		return err
	}
	_, err := w.Write(f.Marshal())
	return err
}

// ReadFrame reads the next frame from r.
func ReadFrame(r io.Reader, max int) (Frame, error) {
	var hdr [lengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if err := checkLength(n, max); err != nil {
		return Frame{}, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return decodeFrame(buf)
}

func checkLength(n uint32, max int) error {
	if n < 1 {
		return ErrShortFrame
	}
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	if int(n) > max {
		return ErrFrameTooLarge
	}
	return nil
}

func decodeFrame(b []byte) (Frame, error) {
	t := FrameType(b[0])
	if t < FrameHandshake || t > FrameHeartbeat {
		return Frame{}, ErrUnknownFrameType
	}
	body := make([]byte, len(b)-1)
	copy(body, b[1:])
	return Frame{Type: t, Body: body}, nil
}
