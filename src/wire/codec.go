package wire

import (
	"github.com/ugorji/go/codec"
)

var mh = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.Canonical = true
	return h
}

// Encode msgpack-encodes v with the handle used for every tether message.
func Encode(v interface{}) ([]byte, error) {
	var b []byte
	enc := codec.NewEncoderBytes(&b, mh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

// Decode is the inverse of Encode.
func Decode(b []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(b, mh)
	return dec.Decode(v)
}
