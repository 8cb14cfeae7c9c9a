package delivery

import (
	"github.com/sirupsen/logrus"
)

// Tracker is the delivery state of one pairing: what we send and what we
// receive.
type Tracker struct {
	Out *Outbox
	In  *Inbox
}

// NewTracker loads the high-water marks of pairingID and creates both halves.
func NewTracker(pairingID string, hws HighWaterStore, conf Config, logger *logrus.Entry) (*Tracker, error) {
	out, err := NewOutbox(pairingID, hws, conf, logger)
	if err != nil {
		return nil, err
	}
	in, err := NewInbox(pairingID, hws, conf, logger)
	if err != nil {
		return nil, err
	}
	return &Tracker{Out: out, In: in}, nil
}
