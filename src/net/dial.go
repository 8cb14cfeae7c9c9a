package net

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDiscoveryTimeout bounds local discovery before falling back to the
// relay.
const DefaultDiscoveryTimeout = 2 * time.Second

// DefaultPort is the port assumed for discovered hosts whose pairing carries
// no direct address.
const DefaultPort = "4747"

// Resolver finds the current local-network addresses of an agent. Results are
// either bare hosts, which are combined with the ports of known addresses, or
// host:port pairs.
type Resolver interface {
	Resolve(ctx context.Context, nodeID string) ([]string, error)
}

// Target describes how an agent may be reached.
type Target struct {
	NodeID string
	// Addrs are the direct addresses learned at pairing time
	Addrs []string
	// Relay is the relay the agent is registered with, if any
	Relay string
}

// Strategy dials an agent the cheapest way available: addresses found by
// local discovery first, then known direct addresses, then the relay. When a
// Resolver is set and finds nothing within DiscoveryTimeout the agent is
// assumed to be off-network and known direct addresses are skipped, unless no
// relay is available.
type Strategy struct {
	Resolver         Resolver
	Direct           Dialer
	Relay            Dialer
	DiscoveryTimeout time.Duration
	Logger           *logrus.Entry
}

// Dial returns a Link to t. It fails with an error wrapping ErrUnreachable when
// every route failed.
func (s *Strategy) Dial(ctx context.Context, t Target) (Link, error) {
	logger := s.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	logger = logger.WithField("peer", t.NodeID)

	var (
		candidates []string
		offNetwork bool
		lastErr    error
	)

	if s.Direct != nil && s.Resolver != nil {
		found, err := s.discover(ctx, t)
		if err != nil {
			logger.WithError(err).Debug("Local discovery found nothing")
			offNetwork = true
		}
		candidates = append(candidates, found...)
	}

	if s.Direct != nil && (!offNetwork || s.Relay == nil) {
		candidates = append(candidates, t.Addrs...)
	}

	for _, addr := range dedup(candidates) {
		link, err := s.Direct.Dial(ctx, addr)
		if err == nil {
			logger.WithField("addr", addr).Debug("Direct link")
			return link, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(err).WithField("addr", addr).Debug("Direct dial failed")
		lastErr = err
	}

	if s.Relay != nil && t.Relay != "" {
		link, err := s.Relay.Dial(ctx, t.NodeID)
		if err == nil {
			logger.WithField("relay", t.Relay).Debug("Relayed link")
			return link, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(err).Debug("Relay dial failed")
		lastErr = err
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: no route to %s", ErrUnreachable, t.NodeID)
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, t.NodeID, lastErr)
}

func (s *Strategy) discover(ctx context.Context, t Target) ([]string, error) {
	timeout := s.DiscoveryTimeout
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found, err := s.Resolver.Resolve(dctx, t.NodeID)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no local address for %s", t.NodeID)
	}
	return withPorts(found, t.Addrs), nil
}

// withPorts combines bare hosts with the ports of the known addresses.
func withPorts(found []string, known []string) []string {
	var ports []string
	for _, a := range known {
		if _, port, err := net.SplitHostPort(a); err == nil {
			ports = append(ports, port)
		}
	}
	if len(ports) == 0 {
		ports = []string{DefaultPort}
	}

	var res []string
	for _, f := range found {
		if _, _, err := net.SplitHostPort(f); err == nil {
			res = append(res, f)
			continue
		}
		for _, port := range dedup(ports) {
			res = append(res, net.JoinHostPort(f, port))
		}
	}
	return res
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	res := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		res = append(res, s)
	}
	return res
}
