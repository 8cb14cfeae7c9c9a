package state

import (
	"sync"
	"sync/atomic"
)

// State captures the connection state of a pairing: Disconnected, Discovering,
// Connecting, Authenticating, Syncing, Connected, Reconnecting or Unpaired.
type State uint32

const (
	// Disconnected is the state of a pairing nobody asked to connect, or
	// whose connection was closed explicitly.
	Disconnected State = iota

	// Discovering is the state in which a companion looks for its host on
	// the local network and through the relay.
	Discovering

	// Connecting is the state in which a link is open and the session
	// handshake is under way.
	Connecting

	// Authenticating is the state in which session keys are derived and both
	// sides prove possession of them.
	Authenticating

	// Syncing is the state in which both sides exchange state summaries and
	// the records the other side lacks.
	Syncing

	// Connected is the state in which live changes flow and heartbeats are
	// exchanged.
	Connected

	// Reconnecting is the state in which a lost connection waits out its
	// backoff, or for a nudge, before the next attempt.
	Reconnecting

	// Unpaired is terminal: the pairing was revoked or removed.
	Unpaired
)

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.GoFunc
const WGLIMIT = 64

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Discovering:
		return "Discovering"
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Syncing:
		return "Syncing"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Unpaired:
		return "Unpaired"
	default:
		return "Unknown"
	}
}

// Live reports whether a session is established in this state.
func (s State) Live() bool {
	return s == Syncing || s == Connected
}

// Manager wraps a State with get and set methods. It is also used to limit the
// number of goroutines launched by the node, and to wait for all of them to
// complete.
type Manager struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

// GetState returns the current state.
func (b *Manager) GetState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

// SetState sets the state.
func (b *Manager) SetState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// GoFunc launches a goroutine for a given function, if there are currently
// less than WGLIMIT running. It increments the waitgroup and reports whether
// the goroutine was launched.
func (b *Manager) GoFunc(f func()) bool {
	if atomic.AddInt32(&b.wgCount, 1) > WGLIMIT {
		atomic.AddInt32(&b.wgCount, -1)
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer atomic.AddInt32(&b.wgCount, -1)
		f()
	}()
	return true
}

// WaitRoutines waits for all the goroutines in the waitgroup.
func (b *Manager) WaitRoutines() {
	b.wg.Wait()
}
