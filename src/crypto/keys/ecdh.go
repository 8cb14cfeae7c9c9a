package keys

import (
	"crypto/ecdsa"
	"errors"

	"github.com/btcsuite/btcd/btcec"
)

// SharedSecret performs an ECDH agreement between a private key and a peer's
// public key and returns the 32-byte x coordinate of the shared point. Both
// sides of a pairing obtain the same value.
func SharedSecret(priv *ecdsa.PrivateKey, peer *ecdsa.PublicKey) ([]byte, error) {
	if priv == nil || peer == nil {
		return nil, errors.New("ecdh: missing key")
	}
	if !Curve().IsOnCurve(peer.X, peer.Y) {
		return nil, errors.New("ecdh: peer key is not on secp256k1")
	}
	x := btcec.GenerateSharedSecret((*btcec.PrivateKey)(priv), (*btcec.PublicKey)(peer))
	if len(x) < 32 {
		// leading zero bytes are dropped by big.Int
		padded := make([]byte, 32)
		copy(padded[32-len(x):], x)
		x = padded
	}
	return x, nil
}
