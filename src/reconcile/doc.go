// Package reconcile keeps the per-entity logical clocks of an agent and
// decides, for every record received from a peer, whether it is new, stale, a
// duplicate, or in conflict with the local copy.
//
// Logical clocks are version vectors keyed by node id. Two clocks either are
// equal, one dominates the other, or they are concurrent: both sides edited
// the entity independently. Concurrent edits are resolved deterministically so
// that both peers converge on the same record and clock:
//
//   - an upsert beats a delete, so that no data is lost;
//   - otherwise a record produced by the host beats one produced by a
//     companion;
//   - otherwise the copy held by the host wins.
//
// The winner is stored with the pointwise maximum of both clocks and the loser
// is reported to the caller, which surfaces it as a superseded event.
package reconcile
