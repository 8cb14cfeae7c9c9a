package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means a MAC, a tag or a counter did not verify. The session must
	// be considered compromised.
	ErrAuth = errors.New("authentication failed")
	// ErrPairingRevoked means the pairing was revoked, by either side.
	ErrPairingRevoked = errors.New("pairing revoked")
	// ErrUnknownPairing means no pairing exists with the given id.
	ErrUnknownPairing = errors.New("unknown pairing")

	// ErrUnknownToken means no pending pairing token matches a request.
	ErrUnknownToken = errors.New("unknown pairing token")
	// ErrTokenExpired means the pairing token outlived its TTL.
	ErrTokenExpired = errors.New("pairing token expired")
	// ErrTokenUsed means the pairing token was already redeemed.
	ErrTokenUsed = errors.New("pairing token already used")
	// ErrRateLimited means too many pairing attempts were made recently.
	ErrRateLimited = errors.New("too many pairing attempts")
	// ErrBadOffer means a QR payload or pairing code could not be parsed.
	ErrBadOffer = errors.New("malformed pairing offer")

	// ErrSessionExpired is returned by sessions past their expiry.
	ErrSessionExpired = fmt.Errorf("%w: session expired", ErrAuth)
	// ErrSessionClosed is returned by sessions that were closed.
	ErrSessionClosed = fmt.Errorf("%w: session closed", ErrAuth)
)
