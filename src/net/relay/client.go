package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	tnet "github.com/LeanVibe/leanvibe-ai-sub007/src/net"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

const (
	// ErrNoListener is returned by the open procedure when the callee stopped
	// accepting links.
	ErrNoListener = "tether.relay.no_listener"

	reachableTopic = "tether.reachable"

	opData  = "data"
	opClose = "close"

	linkBuffer = 256
)

var errRelayDown = errors.New("relay connection lost")

func openProcedure(nodeID string) string {
	return "tether.open." + nodeID
}

func linkTopic(nodeID string) string {
	return "tether.link." + nodeID
}

// ClientConfig holds the tunables of a Client.
type ClientConfig struct {
	Realm string
	// CAFile is a PEM certificate to trust for wss:// servers
	CAFile             string
	InsecureSkipVerify bool
	ResponseTimeout    time.Duration
	// AnnounceInterval is how often a listening Client pushes its
	// reachability
	AnnounceInterval time.Duration
	// ConnectRetries bounds the attempts of every (re)connection
	ConnectRetries uint64
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
}

func (c *ClientConfig) setDefaults() {
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = 10 * time.Second
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 3
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap < c.ReconnectBase {
		c.ReconnectCap = 30 * time.Second
		if c.ReconnectCap < c.ReconnectBase {
			c.ReconnectCap = c.ReconnectBase
		}
	}
}

// Client is one agent's connection to a relay Server. Every link the agent
// opens or accepts through the relay is multiplexed over this single
// websocket, keyed by a connection id: frames travel as events on the link
// topic of the receiving agent.
//
// Client implements net.Transport. Hosts call Listen to accept links, and their
// reachability is pushed to every other agent on the relay; Watch streams the
// ids of agents that became reachable.
type Client struct {
	id        string
	routerURL string
	config    client.Config
	conf      ClientConfig

	mu        sync.Mutex
	client    *client.Client
	links     map[string]*relayLink
	listening bool

	acceptCh chan tnet.Link
	hub      *cm.Hub[string]

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	logger *logrus.Entry
}

// NewClient opens a connection to the relay at routerURL (ws:// or wss://) as
// nodeID.
func NewClient(routerURL string, nodeID string, conf ClientConfig, logger *logrus.Entry) (*Client, error) {
	conf.setDefaults()

	cfg := client.Config{
		Realm:           conf.Realm,
		ResponseTimeout: conf.ResponseTimeout,
		Logger:          logger,
	}

	tlscfg, err := tlsConfig(conf, logger)
	if err != nil {
		return nil, err
	}
	cfg.TlsCfg = tlscfg

	res := &Client{
		id:         nodeID,
		routerURL:  routerURL,
		config:     cfg,
		conf:       conf,
		links:      make(map[string]*relayLink),
		acceptCh:   make(chan tnet.Link, 16),
		hub:        cm.NewHub[string](16, false),
		shutdownCh: make(chan struct{}),
		logger:     logger.WithField("relay", routerURL),
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.ResponseTimeout*time.Duration(conf.ConnectRetries+1))
	defer cancel()
	if err := res.connect(ctx); err != nil {
		return nil, err
	}

	res.wg.Add(1)
	go res.supervise()

	return res, nil
}

func tlsConfig(conf ClientConfig, logger *logrus.Entry) (*tls.Config, error) {
	tlscfg := &tls.Config{}

	if conf.InsecureSkipVerify {
		logger.Debug("Skip Verify. Accepting any certificate provided by relay server.")
		tlscfg.InsecureSkipVerify = true
		return tlscfg, nil
	}
	if conf.CAFile == "" {
		return tlscfg, nil
	}
	if _, err := os.Stat(conf.CAFile); os.IsNotExist(err) {
		logger.Debugf("No certificate file found. Relying on platform trusted certificates.")
		return tlscfg, nil
	}

	// Load PEM-encoded certificate to trust.
	certPEM, err := ioutil.ReadFile(conf.CAFile)
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(certPEM) {
		return nil, errors.New("Failed to import certificate to trust")
	}
	tlscfg.RootCAs = roots

	return tlscfg, nil
}

// connect dials the router, retrying a few times with exponential backoff, and
// restores subscriptions and registrations.
func (c *Client) connect(ctx context.Context) error {
	b := retry.WithMaxRetries(c.conf.ConnectRetries, retry.NewExponential(100*time.Millisecond))

	var cli *client.Client
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		cli, err = client.ConnectNet(ctx, c.routerURL, c.config)
		if err != nil {
			c.logger.WithError(err).Debug("Connecting to relay")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := cli.Subscribe(linkTopic(c.id), c.onLinkEvent, nil); err != nil {
		cli.Close()
		return err
	}
	if err := cli.Subscribe(reachableTopic, c.onReachable, nil); err != nil {
		cli.Close()
		return err
	}

	c.mu.Lock()
	c.client = cli
	listening := c.listening
	c.mu.Unlock()

	if listening {
		if err := c.register(cli); err != nil {
			return err
		}
	}

	c.logger.Debug("Connected to relay")
	return nil
}

// supervise reconnects when the router goes away and pushes our reachability
// while listening.
func (c *Client) supervise() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.conf.AnnounceInterval)
	defer ticker.Stop()

	backoff, err := cm.NewBackoff(c.conf.ReconnectBase, c.conf.ReconnectCap, cm.FullJitter)
	if err != nil {
		c.logger.WithError(err).Error("Relay backoff")
		return
	}

	for {
		c.mu.Lock()
		cli := c.client
		c.mu.Unlock()

		select {
		case <-c.shutdownCh:
			return
		case <-ticker.C:
			c.announce()
			continue
		case <-cli.Done():
		}

		c.logger.Warn("Lost relay connection")
		c.dropLinks()

		for {
			delay, _ := backoff.Next()
			select {
			case <-c.shutdownCh:
				return
			case <-time.After(delay):
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.conf.ResponseTimeout)
			err := c.connect(ctx)
			cancel()
			if err == nil {
				backoff.Reset()
				c.announce()
				break
			}
			c.logger.WithError(err).Debug("Reconnecting to relay")
		}
	}
}

// ID returns the node id this Client is registered as.
func (c *Client) ID() string {
	return c.id
}

// Connected reports whether the websocket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.Connected()
}

// Listen registers the open procedure of this agent with the router, so that
// others can Dial it, and pushes its reachability.
func (c *Client) Listen() error {
	c.mu.Lock()
	c.listening = true
	cli := c.client
	c.mu.Unlock()

	if err := c.register(cli); err != nil {
		c.logger.WithError(err).Error("Failed to register procedure")
		return err
	}
	c.logger.Debug("Registered procedure with router")

	c.announce()
	return nil
}

func (c *Client) register(cli *client.Client) error {
	return cli.Register(openProcedure(c.id), c.onOpen, nil)
}

func (c *Client) announce() {
	c.mu.Lock()
	cli := c.client
	listening := c.listening
	c.mu.Unlock()

	if !listening || cli == nil {
		return
	}
	if err := cli.Publish(reachableTopic, nil, wamp.List{c.id}, nil); err != nil {
		c.logger.WithError(err).Debug("Publishing reachability")
	}
}

// Watch returns a stream of the ids of agents announcing they are reachable
// through the relay.
func (c *Client) Watch() *cm.Stream[string] {
	return c.hub.Subscribe()
}

// AdvertiseAddr implements net.Listener. Agents are addressed by node id on a
// relay.
func (c *Client) AdvertiseAddr() string {
	return c.id
}

// Dial implements net.Dialer. target is the node id of the agent to reach.
func (c *Client) Dial(ctx context.Context, target string) (tnet.Link, error) {
	select {
	case <-c.shutdownCh:
		return nil, tnet.ErrTransportShutdown
	default:
	}

	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli == nil || !cli.Connected() {
		return nil, errRelayDown
	}

	// registered before the call so that early frames are not lost
	link := c.newLink(uuid.New().String(), target)

	ctx, cancel := context.WithTimeout(ctx, c.conf.ResponseTimeout)
	defer cancel()

	_, err := cli.Call(ctx, openProcedure(target), nil, wamp.List{link.connID, c.id}, nil, nil)
	if err != nil {
		c.forget(link.connID)
		return nil, fmt.Errorf("relay open %s: %v", target, err)
	}

	c.logger.WithFields(logrus.Fields{
		"peer":    target,
		"conn_id": link.connID,
	}).Debug("Opened relayed link")

	return link, nil
}

// Accept implements net.Listener.
func (c *Client) Accept() (tnet.Link, error) {
	select {
	case l := <-c.acceptCh:
		return l, nil
	case <-c.shutdownCh:
		return nil, tnet.ErrTransportShutdown
	}
}

// Close closes every link and the connection to the relay.
func (c *Client) Close() error {
	var err error
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
		c.wg.Wait()

		c.dropLinks()
		c.hub.Close()

		c.mu.Lock()
		cli := c.client
		listening := c.listening
		c.mu.Unlock()

		if listening {
			cli.Unregister(openProcedure(c.id))
		}
		err = cli.Close()
	})
	return err
}

// onOpen is called when another agent dials us.
func (c *Client) onOpen(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	if len(inv.Arguments) != 2 {
		return errResult(fmt.Sprintf("Invocation should contain 2 arguments, not %d", len(inv.Arguments)))
	}
	connID, ok := wamp.AsString(inv.Arguments[0])
	if !ok {
		return errResult("Error reading connection id")
	}
	from, ok := wamp.AsString(inv.Arguments[1])
	if !ok {
		return errResult("Error reading caller id")
	}

	link := c.newLink(connID, from)

	select {
	case c.acceptCh <- link:
	case <-c.shutdownCh:
		c.forget(connID)
		return errResult("shutting down")
	case <-ctx.Done():
		c.forget(connID)
		return errResult("accept timeout")
	}

	c.logger.WithFields(logrus.Fields{
		"peer":    from,
		"conn_id": connID,
	}).Debug("Accepted relayed link")

	return client.InvokeResult{Args: wamp.List{"ok"}}
}

// onLinkEvent receives frames and closes addressed to us.
func (c *Client) onLinkEvent(event *wamp.Event) {
	if len(event.Arguments) != 3 {
		return
	}
	connID, _ := wamp.AsString(event.Arguments[0])
	op, _ := wamp.AsString(event.Arguments[1])
	data, _ := wamp.AsString(event.Arguments[2])

	c.mu.Lock()
	link, ok := c.links[connID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch op {
	case opClose:
		link.shut()
		c.forget(connID)
	case opData:
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			c.logger.WithError(err).WithField("conn_id", connID).Debug("Bad relayed frame")
			return
		}
		f, err := wire.UnmarshalFrame(raw, 0)
		if err != nil {
			c.logger.WithError(err).WithField("conn_id", connID).Debug("Bad relayed frame")
			return
		}
		link.push(f, c.logger)
	}
}

func (c *Client) onReachable(event *wamp.Event) {
	if len(event.Arguments) != 1 {
		return
	}
	id, ok := wamp.AsString(event.Arguments[0])
	if !ok || id == c.id {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.hub.Publish(ctx, id)
}

func (c *Client) newLink(connID, peer string) *relayLink {
	link := &relayLink{
		owner:  c,
		connID: connID,
		peer:   peer,
		in:     make(chan wire.Frame, linkBuffer),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.links[connID] = link
	c.mu.Unlock()
	return link
}

func (c *Client) forget(connID string) {
	c.mu.Lock()
	delete(c.links, connID)
	c.mu.Unlock()
}

func (c *Client) dropLinks() {
	c.mu.Lock()
	links := c.links
	c.links = make(map[string]*relayLink)
	c.mu.Unlock()

	for _, l := range links {
		l.shut()
	}
}

func (c *Client) publish(peer, connID, op, data string) error {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()

	return cli.Publish(linkTopic(peer), nil, wamp.List{connID, op, data}, nil)
}

func errResult(msg string) client.InvokeResult {
	return client.InvokeResult{
		Err:  ErrNoListener,
		Args: wamp.List{msg},
	}
}

// relayLink is one multiplexed link. Frames are base64 in events, since the
// default serialization is JSON.
type relayLink struct {
	owner  *Client
	connID string
	peer   string
	in     chan wire.Frame

	once sync.Once
	done chan struct{}
}

func (l *relayLink) push(f wire.Frame, logger *logrus.Entry) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.in <- f:
	default:
		// like a congested network: the session layer retransmits
		logger.WithField("conn_id", l.connID).Debug("Relayed link buffer full, dropping frame")
	}
}

func (l *relayLink) shut() {
	l.once.Do(func() {
		close(l.done)
	})
}

func (l *relayLink) WriteFrame(f wire.Frame) error {
	select {
	case <-l.done:
		return tnet.ErrLinkClosed
	default:
	}
	if f.Len() > wire.DefaultMaxFrameSize {
		return wire.ErrFrameTooLarge
	}
	return l.owner.publish(l.peer, l.connID, opData, base64.StdEncoding.EncodeToString(f.Marshal()))
}

func (l *relayLink) ReadFrame() (wire.Frame, error) {
	select {
	case f := <-l.in:
		return f, nil
	default:
	}

	select {
	case f := <-l.in:
		return f, nil
	case <-l.done:
		return wire.Frame{}, tnet.ErrLinkClosed
	}
}

func (l *relayLink) LocalAddr() string {
	return l.owner.id
}

func (l *relayLink) RemoteAddr() string {
	return l.peer
}

func (l *relayLink) Kind() string {
	return tnet.KindRelay
}

func (l *relayLink) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	l.shut()
	l.owner.forget(l.connID)
	// best effort: the peer notices a dead link through heartbeats anyway
	l.owner.publish(l.peer, l.connID, opClose, "")
	return nil
}
