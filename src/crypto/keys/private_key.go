package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

// GenerateECDSAKey creates the long-term identity key of an agent. Its public
// half is the node id a pairing is bound to, and both halves feed the ECDH
// agreement of the pairing ceremony.
func GenerateECDSAKey() (*ecdsa.PrivateKey, error) {
	priv, err := btcec.NewPrivateKey(Curve())
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// DumpPrivateKey returns the scalar of an identity key as a fixed-size
// big-endian slice, the form the key file holds.
func DumpPrivateKey(priv *ecdsa.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return priv.D.FillBytes(make([]byte, priv.Params().BitSize/8))
}

// ParsePrivateKey rebuilds an identity key from the output of DumpPrivateKey.
// Scalars outside [1, N) are refused.
func ParsePrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	curve := Curve()
	size := curve.Params().BitSize / 8
	if len(d) != size {
		return nil, fmt.Errorf("identity key is %d bytes, need %d", len(d), size)
	}

	scalar := new(big.Int).SetBytes(d)
	if scalar.Sign() <= 0 || scalar.Cmp(secp256k1N) >= 0 {
		return nil, errors.New("identity key scalar out of range")
	}

	priv := &ecdsa.PrivateKey{D: scalar}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d)
	if priv.PublicKey.X == nil {
		return nil, errors.New("identity key has no public point")
	}
	return priv, nil
}
