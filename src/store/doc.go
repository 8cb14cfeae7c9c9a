// Package store persists what a tether agent must remember across restarts:
// its pairings, the latest record and clock of every synchronized entity, and
// the sequence high-water marks of every pairing.
//
// InmemStore keeps everything in memory. BadgerStore writes through to a
// badger database and serves reads from an InmemStore cache.
package store
