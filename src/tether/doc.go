// Package tether is the sync facade of a tether agent.
//
// A host is the long-running authoritative agent; companions pair with it once
// and then mirror its state over any network path available: directly over
// the local network, found with mDNS, or through a relay that forwards sealed
// frames it can not read.
//
// The facade is built and started like this:
//
//	conf := config.NewDefaultConfig()
//	t := tether.NewTether(conf, store.RoleCompanion)
//	if err := t.Init(); err != nil {
//		...
//	}
//	t.Run()
//	defer t.Shutdown()
//
//	h, err := t.Pair(ctx, qrPayload)
//	states, err := t.Connect(h)
//	changes, err := t.Subscribe(h)
//	receipt, err := t.Send(h, record, wire.PriorityNormal)
//
// Every call names its pairing with a PairingHandle. Connection states and
// inbound changes are pulled from streams, which must be read or closed.
// Transient failures never cross the facade: they show as a Reconnecting
// state and are retried. A revoked pairing ends with ErrPairingRevoked, and a
// change the peer never acknowledged resolves its Receipt with a
// *DeliveryFailedError.
package tether
