package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/mdns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
)

const (
	DefaultProbeInterval = 5 * time.Second
	probeTimeout         = time.Second
)

// MDNS resolves agents with multicast DNS. Hosts answer to Name(id) for their
// own id; companions query for the host they are paired with. Tracked ids are
// probed in the background, and every successful probe is announced to
// watchers so a reconnecting agent can retry right away.
type MDNS struct {
	conn     *mdns.Conn
	interval time.Duration
	hub      *cm.Hub[Announcement]

	mu      sync.Mutex
	tracked map[string]bool

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once

	logger *logrus.Entry
}

// NewMDNS binds the multicast DNS socket. Every id in answerFor is answered
// with the addresses of this machine.
func NewMDNS(answerFor []string, probeInterval time.Duration, logger *logrus.Entry) (*MDNS, error) {
	if probeInterval <= 0 {
		probeInterval = DefaultProbeInterval
	}

	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddress)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(answerFor))
	for i, id := range answerFor {
		names[i] = Name(id)
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l), &mdns.Config{
		LocalNames: names,
	})
	if err != nil {
		l.Close()
		return nil, err
	}

	m := &MDNS{
		conn:       conn,
		interval:   probeInterval,
		hub:        cm.NewHub[Announcement](16, false),
		tracked:    make(map[string]bool),
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}

	if len(names) > 0 {
		logger.WithField("names", names).Info("Answering mDNS queries")
	}

	m.wg.Add(1)
	go m.probe()

	return m, nil
}

// Resolve implements net.Resolver. It returns the address of the first agent
// answering for nodeID.
func (m *MDNS) Resolve(ctx context.Context, nodeID string) ([]string, error) {
	_, src, err := m.conn.Query(ctx, Name(nodeID))
	if err != nil {
		return nil, err
	}

	host := hostOf(src)
	if host == "" {
		return nil, nil
	}

	m.logger.WithFields(logrus.Fields{
		"peer": nodeID,
		"addr": host,
	}).Debug("Resolved with mDNS")

	return []string{host}, nil
}

// Track adds nodeID to the agents probed in the background.
func (m *MDNS) Track(nodeID string) {
	m.mu.Lock()
	m.tracked[nodeID] = true
	m.mu.Unlock()
}

// Untrack stops probing nodeID.
func (m *MDNS) Untrack(nodeID string) {
	m.mu.Lock()
	delete(m.tracked, nodeID)
	m.mu.Unlock()
}

// Watch returns a stream of the agents found by background probes.
func (m *MDNS) Watch() *cm.Stream[Announcement] {
	return m.hub.Subscribe()
}

func (m *MDNS) probe() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.shutdownCh:
			return
		}

		m.mu.Lock()
		ids := make([]string, 0, len(m.tracked))
		for id := range m.tracked {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			addrs, err := m.Resolve(ctx, id)
			if err == nil && len(addrs) > 0 {
				m.hub.Publish(ctx, Announcement{NodeID: id, Addrs: addrs})
			}
			cancel()
		}
	}
}

// Close stops probing and releases the socket.
func (m *MDNS) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.shutdownCh)
		m.wg.Wait()
		m.hub.Close()
		err = m.conn.Close()
	})
	return err
}

func hostOf(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.IPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
