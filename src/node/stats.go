package node

import (
	"github.com/LeanVibe/leanvibe-ai-sub007/src/delivery"
)

// PeerStats describes one pairing and its delivery counters.
type PeerStats struct {
	PairingID string              `json:"pairing_id"`
	PeerID    string              `json:"peer_id"`
	State     string              `json:"state"`
	Outbox    delivery.OutboxStats `json:"outbox"`
	Inbox     delivery.InboxStats  `json:"inbox"`
}

// Stats is a snapshot of a Node.
type Stats struct {
	ID       string      `json:"id"`
	Role     string      `json:"role"`
	Entities int         `json:"entities"`
	Pairings []PeerStats `json:"pairings"`
}

// GetStats returns a snapshot of the node and of every pairing.
func (n *Node) GetStats() Stats {
	peers := n.Peers()

	res := Stats{
		ID:       n.ID(),
		Role:     n.Role().String(),
		Pairings: make([]PeerStats, 0, len(peers)),
	}

	if records, err := n.store.Records(); err == nil {
		res.Entities = len(records)
	} else {
		n.logger.WithError(err).Debug("Counting records")
	}

	for _, p := range peers {
		out, in := p.Stats()
		res.Pairings = append(res.Pairings, PeerStats{
			PairingID: p.id,
			PeerID:    p.info.PeerID,
			State:     p.State().String(),
			Outbox:    out,
			Inbox:     in,
		})
	}
	return res
}
