// Package node implements the connection manager of a tether agent.
//
// A Node owns one Peer per pairing. Every Peer has its own delivery Tracker,
// so the companions of a host are fully isolated from one another, and all of
// them share the Node's Reconciler, which serializes their concurrent edits.
// Each Peer runs a state machine whose states are defined in the state
// package:
//
//	Disconnected -> Discovering -> Connecting -> Authenticating -> Syncing -> Connected
//
// A companion drives the machine: it dials its host with a net.Strategy,
// opens a session with a Hello, and redials after any failure with a
// full-jitter exponential backoff (1s doubling up to 30s by default). The
// backoff starts over once a session reaches Connected, and is cut short
// when discovery or the relay reports the host reachable (see Node.Nudge). A
// host is passive: its Peers move to Syncing when their companion dials in
// and to Reconnecting when the session is lost.
//
// Sessions
//
// A session runs four units over one link, coordinated by an errgroup. The
// reader reads frames and opens them with the session keys. The heartbeat
// unit sends a HEARTBEAT every HeartbeatInterval and ends the session when
// nothing was heard from the peer for HeartbeatMisses intervals, which
// detects partitions that never error the socket. The writer drains the
// Outbox, retransmits what is due and sends ACKs. The processor hands
// delivered envelopes to the Reconciler. The first unit to fail ends the
// session: transport failures and authentication failures are retried, a
// revoked pairing is not.
//
// Sync
//
// Both sides start a session by sending their state summary. Each answers the
// other's summary with the records the other lacks, then SyncDone. When both
// SyncDones crossed, the Peer is Connected. Records applied on a host are
// forwarded to its other connected companions.
package node
