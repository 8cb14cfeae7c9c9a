package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	pairingInfo = "tether pairing v1"
	sessionInfo = "tether session v1"
)

// mac returns HMAC-SHA256(key, parts...). Each part is length prefixed so
// that adjacent parts cannot be shifted into one another.
func mac(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	var l [2]byte
	for _, p := range parts {
		l[0] = byte(len(p) >> 8)
		l[1] = byte(len(p))
		h.Write(l[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

func checkMAC(expected, got []byte) bool {
	return len(got) > 0 && hmac.Equal(expected, got)
}

// derive expands ikm into n bytes with HKDF-SHA256.
func derive(ikm, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	res := make([]byte, 0, n)
	for _, p := range parts {
		res = append(res, p...)
	}
	return res
}
