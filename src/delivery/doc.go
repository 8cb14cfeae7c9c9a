// Package delivery implements the per-pairing delivery guarantees of tether:
// sequence numbers, priority ordering of envelopes waiting to be transmitted,
// acknowledgement tracking with selective retransmission, and receive-side
// deduplication and reordering.
//
// An Outbox and an Inbox survive reconnections. Only their contents that were
// never transmitted, or never acknowledged, are retransmitted in a new session.
// Sequence high-water marks are persisted so that numbers keep growing across
// restarts.
//
// Within one sender, envelopes are handed to the application in transmission
// order without gaps, except for numbers the sender declared abandoned through
// the floor it attaches to every DATA and HEARTBEAT frame.
package delivery
