package tether

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/config"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto/keys"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/delivery"
	tnet "github.com/LeanVibe/leanvibe-ai-sub007/src/net"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/net/discovery"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/net/relay"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/node"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/service"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// PairingHandle names one pairing in every facade call. It is the pairing id,
// stable across restarts when the store is persistent.
type PairingHandle string

// Receipt tracks one Send. Wait resolves with nil once the peer acknowledged
// the change, or with a *DeliveryFailedError.
type Receipt struct {
	*delivery.Receipt

	// Record is the change as stored, stamped with its logical clock
	Record wire.ChangeRecord
}

// announcer is a Resolver that also reports agents coming online.
type announcer interface {
	Watch() *cm.Stream[discovery.Announcement]
}

// Tether is one agent: a host or a companion with its store, identity,
// transports and connection manager.
type Tether struct {
	Config *config.Config
	Role   store.Role

	// Key, Store and Resolver may be set before Init. Otherwise they are
	// built from Config.
	Key      *ecdsa.PrivateKey
	Store    store.Store
	Resolver tnet.Resolver

	Provider *crypto.Provider
	Node     *node.Node
	Service  *service.Service

	tcp   *tnet.NetworkTransport
	relay *relay.Client
	mdns  *discovery.MDNS

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	logger *logrus.Entry
}

// NewTether creates an agent playing role. Call Init, then Run.
func NewTether(conf *config.Config, role store.Role) *Tether {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tether{
		Config: conf,
		Role:   role,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init builds every component, in dependency order. Nothing is started.
func (t *Tether) Init() error {
	t.logger = t.Config.Logger().WithField("role", t.Role)

	if t.Role != store.RoleHost && t.Role != store.RoleCompanion {
		return fmt.Errorf("invalid role %v", t.Role)
	}

	if err := t.initStore(); err != nil {
		return err
	}

	if err := t.initKey(); err != nil {
		return err
	}

	trans, err := t.initTransport()
	if err != nil {
		return err
	}

	if err := t.initNode(trans); err != nil {
		return err
	}

	if err := t.initService(); err != nil {
		return err
	}

	return nil
}

func (t *Tether) initStore() error {
	if t.Store != nil {
		return nil
	}

	if !t.Config.Store {
		t.Store = store.NewInmemStore()
		t.logger.Debug("created new in-mem store")
		return nil
	}

	t.logger.WithField("path", t.Config.DatabaseDir).Debug("Attempting to load or create database")

	st, err := store.NewBadgerStore(t.Config.DatabaseDir, t.logger)
	if err != nil {
		return err
	}
	t.Store = st
	return nil
}

func (t *Tether) initKey() error {
	if t.Key != nil {
		return nil
	}

	key, created, err := keys.NewSimpleKeyfile(t.Config.Keyfile()).ReadOrCreate()
	if err != nil {
		t.logger.WithError(err).Error("Cannot read or create private key")
		return err
	}
	if created {
		t.logger.WithField("id", keys.NodeID(&key.PublicKey)).Info("Created a new key")
	}
	t.Key = key
	return nil
}

func (t *Tether) initTransport() (node.Transports, error) {
	var trans node.Transports

	id := keys.NodeID(&t.Key.PublicKey)

	bindAddr := t.Config.BindAddr
	if t.Role == store.RoleCompanion && bindAddr == config.DefaultBindAddr {
		bindAddr = config.DefaultCompanionBindAddr
	}

	tcp, err := tnet.NewTCPTransport(
		bindAddr,
		t.Config.AdvertiseAddr,
		t.Config.DialTimeout,
		t.Config.MaxFrameSize,
		t.logger,
	)
	if err != nil {
		return trans, err
	}
	t.tcp = tcp

	if t.Config.RelayURL != "" {
		rc := relay.ClientConfig{
			Realm:              t.Config.RelayRealm,
			InsecureSkipVerify: t.Config.RelaySkipVerify,
			ReconnectBase:      t.Config.ReconnectBase,
			ReconnectCap:       t.Config.ReconnectCap,
		}
		if _, err := os.Stat(t.Config.CertFile()); err == nil {
			rc.CAFile = t.Config.CertFile()
		}

		client, err := relay.NewClient(t.Config.RelayURL, id, rc, t.logger)
		if err != nil {
			return trans, fmt.Errorf("connecting to relay: %w", err)
		}
		t.relay = client

		if t.Role == store.RoleHost {
			if err := client.Listen(); err != nil {
				return trans, err
			}
		}
	}

	if t.Resolver == nil && t.Config.MDNS {
		var answerFor []string
		if t.Role == store.RoleHost {
			answerFor = []string{id}
		}
		m, err := discovery.NewMDNS(answerFor, 0, t.logger)
		if err != nil {
			return trans, err
		}
		t.mdns = m
		t.Resolver = m
	}

	if t.Role == store.RoleHost {
		trans.Direct = []tnet.Listener{tcp}
		if t.relay != nil {
			trans.Relay = t.relay
			trans.RelayURL = t.Config.RelayURL
		}
		return trans, nil
	}

	strategy := &tnet.Strategy{
		Direct:           tcp,
		Resolver:         t.Resolver,
		DiscoveryTimeout: t.Config.DiscoveryTimeout,
		Logger:           t.logger,
	}
	if t.relay != nil {
		strategy.Relay = t.relay
	}
	trans.Dialer = strategy
	return trans, nil
}

func (t *Tether) nodeConfig() *node.Config {
	conf := node.DefaultConfig()
	conf.HandshakeTimeout = t.Config.HandshakeTimeout
	conf.HeartbeatInterval = t.Config.HeartbeatInterval
	conf.HeartbeatMisses = t.Config.HeartbeatMisses
	conf.ReconnectBase = t.Config.ReconnectBase
	conf.ReconnectCap = t.Config.ReconnectCap
	conf.SubscriberBuffer = t.Config.SubscriberBuffer
	conf.MaxFrameSize = t.Config.MaxFrameSize
	conf.Delivery = delivery.Config{
		QueueSize:      t.Config.OutboundQueueSize,
		AckTimeout:     t.Config.AckTimeout,
		MaxRetransmits: t.Config.MaxRetransmits,
		RetransmitBase: t.Config.RetransmitBase,
		RetransmitCap:  t.Config.RetransmitCap,
	}
	conf.Logger = t.logger
	return conf
}

func (t *Tether) initNode(trans node.Transports) error {
	t.Provider = crypto.NewProvider(t.Key, t.Role, t.Store, crypto.ProviderConfig{
		TokenTTL:   t.Config.PairingTokenTTL,
		SessionTTL: t.Config.SessionTTL,
	}, t.logger)

	n, err := node.NewNode(t.nodeConfig(), t.Provider, t.Store, trans)
	if err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}
	t.Node = n

	t.logger.WithFields(logrus.Fields{
		"id":       n.ID(),
		"pairings": len(n.Peers()),
	}).Debug("Node initialized")
	return nil
}

func (t *Tether) initService() error {
	if !t.Config.NoService && t.Config.ServiceAddr != "" {
		t.Service = service.NewService(t.Config.ServiceAddr, t.Node, t.logger)
	}
	return nil
}

// Run starts the accept loops, the status service and the reachability
// watchers. It does not block.
func (t *Tether) Run() {
	if t.Service != nil {
		go t.Service.Serve()
	}

	t.Node.Start()

	if t.mdns != nil && t.Role == store.RoleCompanion {
		for _, p := range t.Node.Peers() {
			t.mdns.Track(p.Info().PeerID)
		}
	}

	if t.relay != nil {
		t.wg.Add(1)
		go t.watchRelay(t.relay.Watch())
	}
	if a, ok := t.Resolver.(announcer); ok {
		t.wg.Add(1)
		go t.watchDiscovery(a.Watch())
	}
}

func (t *Tether) watchRelay(s *cm.Stream[string]) {
	defer t.wg.Done()
	defer s.Close()

	for {
		id, ok, err := s.Next(t.ctx)
		if err != nil || !ok {
			return
		}
		t.Node.Nudge(id)
	}
}

func (t *Tether) watchDiscovery(s *cm.Stream[discovery.Announcement]) {
	defer t.wg.Done()
	defer s.Close()

	for {
		a, ok, err := s.Next(t.ctx)
		if err != nil || !ok {
			return
		}
		t.logger.WithFields(logrus.Fields{
			"peer":  a.NodeID,
			"addrs": a.Addrs,
		}).Debug("Peer announced")
		t.Node.Nudge(a.NodeID)
	}
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Facade

// ID returns the node id of the agent.
func (t *Tether) ID() string {
	return t.Node.ID()
}

// NewPairingToken issues a single-use token for a companion to pair with. Only
// hosts issue tokens. token.QRPayload() goes into the QR code, token.Code()
// is typed by hand.
func (t *Tether) NewPairingToken() (*crypto.PairingToken, error) {
	return t.Node.NewPairingToken()
}

// Pair runs the pairing ceremony with the host described by offer, a QR
// payload or a typed CODE@host:port. The new pairing is Disconnected until
// Connect.
func (t *Tether) Pair(ctx context.Context, offer string) (PairingHandle, error) {
	o, err := crypto.ParseOffer(offer)
	if err != nil {
		return "", err
	}

	p, err := t.Node.Pair(ctx, o)
	if err != nil {
		return "", err
	}

	if t.mdns != nil {
		t.mdns.Track(p.Info().PeerID)
	}
	return PairingHandle(p.ID()), nil
}

// Connect enables the pairing and returns a stream of its state changes,
// starting with the current state. A companion keeps connecting to its host,
// with backoff, until Disconnect or Unpair. Every call returns a new stream;
// the caller must read it or Close it.
func (t *Tether) Connect(h PairingHandle) (*cm.Stream[node.StateEvent], error) {
	p, err := t.Node.Lookup(string(h))
	if err != nil {
		return nil, err
	}

	states := p.States()
	if err := p.Connect(); err != nil {
		states.Close()
		return nil, err
	}
	return states, nil
}

// Send records change locally and queues it for the peer of h. It never
// blocks: when the queue is full it fails with ErrQueueFull. The change is
// stored either way, and reaches the peer at the next sync if it could not be
// queued.
func (t *Tether) Send(h PairingHandle, change wire.ChangeRecord, prio wire.Priority) (*Receipt, error) {
	r, stamped, err := t.Node.Send(string(h), change, prio)
	if err != nil {
		return nil, err
	}
	return &Receipt{Receipt: r, Record: stamped}, nil
}

// Subscribe returns a stream of the changes received from the peer of h, in
// order and once each. Superseded events report the losing side of a
// conflict.
func (t *Tether) Subscribe(h PairingHandle) (*cm.Stream[node.ChangeEvent], error) {
	p, err := t.Node.Lookup(string(h))
	if err != nil {
		return nil, err
	}
	return p.Changes(), nil
}

// Disconnect closes the connection of h and stops reconnecting. Queued
// changes are kept for the next Connect.
func (t *Tether) Disconnect(h PairingHandle) error {
	p, err := t.Node.Lookup(string(h))
	if err != nil {
		return err
	}
	p.Disconnect()
	return nil
}

// Unpair revokes the pairing for good. Pending sends fail and every stream of
// h ends.
func (t *Tether) Unpair(h PairingHandle) error {
	p, err := t.Node.Lookup(string(h))
	if err != nil {
		return err
	}
	if t.mdns != nil {
		t.mdns.Untrack(p.Info().PeerID)
	}
	return p.Unpair()
}

// Pairings lists every pairing in the store, revoked ones included.
func (t *Tether) Pairings() ([]crypto.PairingInfo, error) {
	return t.Provider.Pairings()
}

// Record returns the stored state of an entity.
func (t *Tether) Record(entityID string) (wire.ChangeRecord, error) {
	return t.Store.GetRecord(entityID)
}

// Shutdown stops everything and closes the store. Pairings are kept.
func (t *Tether) Shutdown() {
	t.shutdownOnce.Do(func() {
		if t.logger != nil {
			t.logger.Debug("Shutting down")
		}
		t.cancel()

		if t.Service != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			t.Service.Shutdown(ctx)
			cancel()
		}
		if t.Node != nil {
			t.Node.Shutdown()
		}
		if t.relay != nil {
			t.relay.Close()
		}
		if t.mdns != nil {
			t.mdns.Close()
		}
		if t.tcp != nil {
			t.tcp.Close()
		}
		t.wg.Wait()

		if t.Store != nil {
			if err := t.Store.Close(); err != nil && t.logger != nil {
				t.logger.WithError(err).Error("Closing store")
			}
		}
	})
}

// Keygen writes a new key to keyfile. It refuses to overwrite an existing key.
func Keygen(keyfile string) (*ecdsa.PrivateKey, error) {
	kf := keys.NewSimpleKeyfile(keyfile)

	if _, err := kf.ReadKey(); err == nil {
		return nil, fmt.Errorf("another key already lives in %s", keyfile)
	}

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := kf.WriteKey(key); err != nil {
		return nil, err
	}

	return key, nil
}
