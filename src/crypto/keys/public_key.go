package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec"
	"github.com/zeebo/blake3"
)

// NodeIDSize is the number of public-key hash bytes that make up a node id.
const NodeIDSize = 8

var errNilKey = errors.New("nil public key")

// FromPublicKey serializes a public key in 33-byte compressed form.
func FromPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return (*btcec.PublicKey)(pub).SerializeCompressed()
}

// ToPublicKey parses a compressed or uncompressed secp256k1 public key and
// checks that it lies on the curve.
func ToPublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	if len(pub) == 0 {
		return nil, errNilKey
	}
	pk, err := btcec.ParsePubKey(pub, koblitz())
	if err != nil {
		return nil, err
	}
	return pk.ToECDSA(), nil
}

// NodeID derives the stable identifier of an agent from its public key: the
// hex encoding of the first NodeIDSize bytes of blake3(compressed key).
func NodeID(pub *ecdsa.PublicKey) string {
	sum := blake3.Sum256(FromPublicKey(pub))
	return hex.EncodeToString(sum[:NodeIDSize])
}

// PublicKeyHex returns the hex encoding of the compressed public key.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(FromPublicKey(pub))
}
