package store

import (
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// Role is the side of a pairing an agent plays.
type Role uint8

const (
	RoleHost Role = iota + 1
	RoleCompanion
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleCompanion:
		return "companion"
	default:
		return "unknown"
	}
}

// Pairing is the persisted trust relationship between one host and one
// companion. Secret seeds every session key and must not leave the crypto
// provider.
type Pairing struct {
	ID          string
	Role        Role
	HostID      string
	CompanionID string
	PeerKey     []byte
	Secret      []byte
	// Addrs and Relay tell a companion where to find its host
	Addrs     []string `codec:",omitempty"`
	Relay     string   `codec:",omitempty"`
	CreatedAt int64
	Revoked   bool
}

// PeerID returns the node id of the other side.
func (p Pairing) PeerID() string {
	if p.Role == RoleHost {
		return p.CompanionID
	}
	return p.HostID
}

// HighWater marks are the last sequence number assigned to an outbound
// envelope and the last one delivered to the application, per pairing.
type HighWater struct {
	Send uint64
	Recv uint64
}

// Store is implemented by InmemStore and BadgerStore.
type Store interface {
	SetPairing(Pairing) error
	GetPairing(id string) (Pairing, error)
	Pairings() ([]Pairing, error)
	DeletePairing(id string) error

	SetRecord(wire.ChangeRecord) error
	GetRecord(entityID string) (wire.ChangeRecord, error)
	Records() ([]wire.ChangeRecord, error)

	SetHighWater(pairingID string, hw HighWater) error
	GetHighWater(pairingID string) (HighWater, error)

	Close() error
}
