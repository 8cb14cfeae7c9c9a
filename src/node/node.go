package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/delivery"
	tnet "github.com/LeanVibe/leanvibe-ai-sub007/src/net"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/node/state"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/reconcile"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// Dialer is how a companion reaches its host. net.Strategy implements it.
type Dialer interface {
	Dial(ctx context.Context, t tnet.Target) (tnet.Link, error)
}

// Transports are the links a Node uses. A host listens, a companion dials.
type Transports struct {
	// Direct listeners' advertise addresses go into pairing tokens
	Direct []tnet.Listener
	// Relay accepts links forwarded by the relay
	Relay tnet.Listener
	// RelayURL is the relay advertised in pairing tokens
	RelayURL string

	Dialer Dialer
}

// Node is the connection manager of one agent: it owns one Peer per pairing,
// the shared reconciler, and the accept loops of a host.
type Node struct {
	conf       *Config
	provider   *crypto.Provider
	store      store.Store
	reconciler *reconcile.Reconciler

	listeners []tnet.Listener
	addrs     []string
	relayURL  string
	dialer    Dialer

	metrics *Metrics

	mu    sync.RWMutex
	peers map[string]*Peer

	// sm bounds and tracks the goroutines of the node
	sm state.Manager

	ctx          context.Context
	cancel       context.CancelFunc
	startOnce    sync.Once
	shutdownOnce sync.Once

	logger *logrus.Entry
}

// NewNode creates the Node of provider's agent and loads its pairings.
// Revoked pairings are not loaded.
func NewNode(conf *Config,
	provider *crypto.Provider,
	st store.Store,
	trans Transports) (*Node, error) {

	conf.setDefaults()

	origin := wire.OriginCompanion
	if provider.Role() == store.RoleHost {
		origin = wire.OriginHost
	}

	logger := conf.Logger.WithFields(logrus.Fields{
		"node": provider.ID(),
		"role": provider.Role(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		conf:       conf,
		provider:   provider,
		store:      st,
		reconciler: reconcile.New(st, provider.ID(), origin, logger),
		relayURL:   trans.RelayURL,
		dialer:     trans.Dialer,
		metrics:    newMetrics(conf.Registry),
		peers:      make(map[string]*Peer),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}

	n.reconciler.SetMaxMessage(wire.MaxPayload(conf.MaxFrameSize, crypto.Overhead))

	for _, l := range trans.Direct {
		n.listeners = append(n.listeners, l)
		n.addrs = append(n.addrs, l.AdvertiseAddr())
	}
	if trans.Relay != nil {
		n.listeners = append(n.listeners, trans.Relay)
	}

	pairings, err := provider.Pairings()
	if err != nil {
		cancel()
		return nil, err
	}
	for _, info := range pairings {
		if info.Revoked {
			continue
		}
		if _, err := n.addPeer(info); err != nil {
			cancel()
			return nil, err
		}
	}

	return n, nil
}

// Start launches the accept loops. It does not block.
func (n *Node) Start() {
	n.startOnce.Do(func() {
		for _, l := range n.listeners {
			l := l
			go n.accept(l)
		}
		n.logger.WithField("pairings", len(n.Peers())).Info("Node started")
	})
}

func (n *Node) accept(l tnet.Listener) {
	for {
		link, err := l.Accept()
		if err != nil {
			if errors.Is(err, tnet.ErrTransportShutdown) || n.ctx.Err() != nil {
				return
			}
			n.logger.WithError(err).Warn("Accept")
			continue
		}

		if !n.sm.GoFunc(func() { n.handleLink(link) }) {
			n.logger.WithField("remote", link.RemoteAddr()).Warn("Too many links, dropping")
			link.Close()
		}
	}
}

// ID returns the node id of the agent.
func (n *Node) ID() string {
	return n.provider.ID()
}

// Role returns the side the agent plays.
func (n *Node) Role() store.Role {
	return n.provider.Role()
}

// Registry returns the registry the node's metrics are registered on.
func (n *Node) Registry() *prometheus.Registry {
	return n.conf.Registry
}

// Metrics returns the node's collectors.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// Reconciler returns the clock table shared by every pairing.
func (n *Node) Reconciler() *reconcile.Reconciler {
	return n.reconciler
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Pairings

// NewPairingToken issues a single-use token advertising this host's
// addresses.
func (n *Node) NewPairingToken() (*crypto.PairingToken, error) {
	return n.provider.GeneratePairingToken(n.addrs, n.relayURL)
}

// Pair runs the pairing ceremony with the host described by offer, and
// registers the new pairing. The pairing starts Disconnected.
func (n *Node) Pair(ctx context.Context, offer *crypto.PairingOffer) (*Peer, error) {
	if n.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	if n.dialer == nil {
		return nil, fmt.Errorf("%w: no dialer", ErrTransport)
	}

	attempt, err := n.provider.BeginPairing(offer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	link, err := n.dialer.Dial(ctx, tnet.Target{
		NodeID: offer.HostID,
		Addrs:  offer.Addrs,
		Relay:  offer.Relay,
	})
	if err != nil {
		return nil, transportErr(err)
	}
	defer link.Close()

	info, err := n.pairOver(ctx, link, attempt)
	if err != nil {
		return nil, err
	}
	return n.addPeer(info)
}

func (n *Node) addPeer(info crypto.PairingInfo) (*Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if p, ok := n.peers[info.ID]; ok {
		return p, nil
	}
	p, err := newPeer(n, info)
	if err != nil {
		return nil, err
	}
	n.peers[info.ID] = p
	return p, nil
}

func (n *Node) removePeer(id string) {
	n.mu.Lock()
	delete(n.peers, id)
	n.mu.Unlock()
}

// Peer returns the Peer of a pairing, or nil.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Lookup returns the Peer of a pairing, or why there is none.
func (n *Node) Lookup(id string) (*Peer, error) {
	if p := n.Peer(id); p != nil {
		return p, nil
	}
	if n.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	info, err := n.provider.Pairing(id)
	if err != nil {
		return nil, err
	}
	if info.Revoked {
		return nil, crypto.ErrPairingRevoked
	}
	return nil, fmt.Errorf("%w: %s", crypto.ErrUnknownPairing, id)
}

// Peers returns every registered Peer, oldest pairing first.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	res := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		res = append(res, p)
	}
	n.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		return res[i].info.CreatedAt.Before(res[j].info.CreatedAt)
	})
	return res
}

// Nudge cuts short the backoff of every pairing whose peer is nodeID. It is
// called when discovery or the relay reports the peer reachable.
func (n *Node) Nudge(nodeID string) {
	for _, p := range n.Peers() {
		if p.info.PeerID == nodeID && p.State() == state.Reconnecting {
			p.logger.Debug("Peer reachable, retrying now")
			p.Nudge()
		}
	}
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Changes

// Send records a local change and queues it for the peer of pairingID. A host
// also forwards it to its other connected companions.
func (n *Node) Send(pairingID string, change wire.ChangeRecord, prio wire.Priority) (*delivery.Receipt, wire.ChangeRecord, error) {
	if !prio.Valid() {
		return nil, wire.ChangeRecord{}, fmt.Errorf("invalid priority %d", prio)
	}
	p, err := n.Lookup(pairingID)
	if err != nil {
		return nil, wire.ChangeRecord{}, err
	}

	stamped, err := n.reconciler.Local(change)
	if err != nil {
		return nil, wire.ChangeRecord{}, err
	}

	payload, err := wire.NewChangeMessage(stamped).Marshal()
	if err != nil {
		return nil, wire.ChangeRecord{}, err
	}

	// the record is stored already: if it can not be queued now it still
	// reaches the peer at the next sync
	receipt, err := p.send(payload, prio)
	if err != nil {
		return nil, stamped, err
	}

	if n.Role() == store.RoleHost {
		n.forward(p.id, payload, prio)
	}
	return receipt, stamped, nil
}

// applyRemote merges a record received from from.
func (n *Node) applyRemote(ctx context.Context, from *Peer, rec wire.ChangeRecord) error {
	res, err := n.reconciler.Apply(rec)
	if err != nil {
		if errors.Is(err, wire.ErrMalformed) {
			from.logger.WithError(err).Warn("Dropping invalid record")
			return nil
		}
		return err
	}
	n.metrics.Changes.WithLabelValues(res.Outcome.String()).Inc()

	if res.Superseded != nil {
		n.metrics.Conflicts.Inc()
		if err := from.changes.Publish(ctx, ChangeEvent{
			PairingID: from.id,
			Kind:      Superseded,
			Record:    *res.Superseded,
		}); err != nil {
			return err
		}
	}

	if !res.Changed {
		return nil
	}

	if err := from.changes.Publish(ctx, ChangeEvent{
		PairingID: from.id,
		Kind:      Changed,
		Record:    res.Stored,
	}); err != nil {
		return err
	}

	if n.Role() == store.RoleHost {
		payload, err := wire.NewChangeMessage(res.Stored).Marshal()
		if err != nil {
			return err
		}
		n.forward(from.id, payload, wire.PriorityNormal)
	}
	return nil
}

// forward queues a change message for every live pairing but except.
// Pairings that are not live catch up at their next sync, and so do live ones
// whose queue is full.
func (n *Node) forward(except string, payload []byte, prio wire.Priority) {
	for _, p := range n.Peers() {
		if p.id == except || !p.State().Live() {
			continue
		}
		if _, err := p.send(payload, prio); err != nil {
			p.logger.WithError(err).Debug("Not forwarding change")
		}
	}
}

// Shutdown closes every session and listener. Pending sends fail with
// ErrShutdown. Pairings are kept.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Shutting down")

		for _, l := range n.listeners {
			if err := l.Close(); err != nil {
				n.logger.WithError(err).Debug("Closing listener")
			}
		}

		// cancelled first so that no subscriber can hold the shutdown back
		n.cancel()
		for _, p := range n.Peers() {
			p.close(ErrShutdown, false)
		}
		n.sm.WaitRoutines()
	})
}
