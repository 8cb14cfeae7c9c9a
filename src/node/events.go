package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/node/state"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/reconcile"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

var (
	// ErrTransport wraps link failures. They are retried and only reach callers
	// as the cause of a Reconnecting event.
	ErrTransport = errors.New("transport error")

	// ErrHeartbeatTimeout is a transport failure: the peer went silent.
	ErrHeartbeatTimeout = fmt.Errorf("%w: heartbeat timeout", ErrTransport)

	// ErrUnpaired is the cause of the terminal Unpaired event, and is returned
	// by operations on a pairing that was removed.
	ErrUnpaired = errors.New("unpaired")

	// ErrShutdown is returned by operations on a Node that was shut down.
	ErrShutdown = errors.New("node shutdown")

	// ErrChangeTooLarge is returned by Send for a change that can not fit in
	// one frame. Nothing was stored or queued.
	ErrChangeTooLarge = reconcile.ErrTooLarge
)

func transportErr(err error) error {
	if err == nil || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// StateEvent is one transition of a pairing's connection state. Err is the
// cause of Reconnecting transitions, and of the Disconnected or Unpaired
// transition ending a revoked pairing.
type StateEvent struct {
	PairingID string
	State     state.State
	Err       error
	At        time.Time
}

func (e StateEvent) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.PairingID, e.State, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.PairingID, e.State)
}

// ChangeKind tells what a ChangeEvent reports.
type ChangeKind int

const (
	// Changed reports the new local state of an entity, after a change from
	// the peer
	Changed ChangeKind = iota
	// Superseded reports the losing record of a conflict. It is informational:
	// the winning state was already applied.
	Superseded
)

func (k ChangeKind) String() string {
	switch k {
	case Changed:
		return "Changed"
	case Superseded:
		return "Superseded"
	}
	return "Unknown"
}

// ChangeEvent is one inbound change delivered to subscribers of a pairing.
type ChangeEvent struct {
	PairingID string
	Kind      ChangeKind
	Record    wire.ChangeRecord
}
