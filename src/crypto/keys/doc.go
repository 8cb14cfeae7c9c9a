// Package keys implements the long-term identity keys of tether agents.
//
// Every host agent and every companion owns one key-pair. The public key is
// exchanged during the pairing ceremony, the private key never leaves the
// agent's data directory. Its only use is the ECDH agreement that seeds the
// pairing secret, and its hash names the agent (NodeID).
//
// tether uses elliptic curve cryptography (ECDSA) with the secp256k1 curve, via
// btcsuite's implementation. Public keys travel in compressed form (33 bytes)
// so they fit comfortably in a QR code.
package keys
