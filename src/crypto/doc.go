// Package crypto implements the identity and trust layer of tether.
//
// A Provider owns the agent's long-term key and its pairings. Pairings are
// created once, through a ceremony that combines a short-lived single-use
// token, shown by the host as a QR code or a typed code, with an ECDH agreement
// between the long-term keys. The resulting pairing secret never leaves the
// Provider.
//
// Every connection derives a fresh Session from a pairing: both sides
// contribute a random nonce and an ephemeral key, so the compromise of one
// session's keys reveals nothing about other sessions. Sessions seal and open
// frame bodies with ChaCha20-Poly1305 and fail closed: any tampering, replay or
// counter rollback is an ErrAuth, and nothing is returned.
package crypto
