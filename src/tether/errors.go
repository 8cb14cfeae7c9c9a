package tether

import (
	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/delivery"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/node"
)

// Errors crossing the facade. Compare with errors.Is.
var (
	// ErrTransport is retried internally. It only shows as the cause of a
	// Reconnecting state event, or when a pairing ceremony can not reach the
	// host.
	ErrTransport = node.ErrTransport

	// ErrAuth ends the current session; the next one starts with a fresh
	// handshake.
	ErrAuth = crypto.ErrAuth

	// ErrPairingRevoked is fatal for the pairing. A new pairing ceremony is
	// required.
	ErrPairingRevoked = crypto.ErrPairingRevoked

	// ErrDeliveryFailed is matched by the *DeliveryFailedError a receipt
	// resolves with once the retry ceiling is exceeded.
	ErrDeliveryFailed = delivery.ErrDeliveryFailed

	// ErrQueueFull is returned by Send when the outbound queue of the pairing
	// is full.
	ErrQueueFull = delivery.ErrQueueFull

	// ErrChangeTooLarge is returned by Send for a change whose encoding does
	// not fit in one frame. Nothing was stored or queued.
	ErrChangeTooLarge = node.ErrChangeTooLarge

	ErrUnknownPairing = crypto.ErrUnknownPairing
	ErrTokenExpired   = crypto.ErrTokenExpired
	ErrTokenUsed      = crypto.ErrTokenUsed
	ErrUnpaired       = node.ErrUnpaired
	ErrShutdown       = node.ErrShutdown
)

// DeliveryFailedError carries the sequence number and the retry count of a
// change the peer never acknowledged.
type DeliveryFailedError = delivery.DeliveryFailedError
