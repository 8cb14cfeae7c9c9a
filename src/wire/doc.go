// Package wire defines what tether agents put on the wire: the frame layout,
// the plaintext of sealed frames (envelopes, acknowledgements, heartbeats), the
// handshake messages exchanged before a session exists, and the payload
// messages carried inside DATA frames.
//
// Every frame is
//
//	[4-byte big-endian length][1-byte frame type][body]
//
// where length covers the type byte and the body. Once a session exists the
// body of DATA, ACK and HEARTBEAT frames is sealed by the session, with the
// frame type byte as associated data. HANDSHAKE bodies are msgpack encoded
// Handshake messages.
package wire
