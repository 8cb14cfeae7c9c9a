package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
)

// Domain is appended to node ids to form the names hosts answer to.
const Domain = "tether.local"

// Name returns the local name an agent answers to.
func Name(nodeID string) string {
	return fmt.Sprintf("%s.%s", strings.ToLower(nodeID), Domain)
}

// Announcement tells watchers that an agent is reachable at new addresses.
type Announcement struct {
	NodeID string
	Addrs  []string
}

// Static is a Resolver backed by an in-memory table. Announce updates the
// table and notifies watchers, which makes it usable both in tests and where
// addresses are pushed by an external directory.
type Static struct {
	mu    sync.RWMutex
	table map[string][]string
	hub   *cm.Hub[Announcement]
}

// NewStatic creates an empty table.
func NewStatic() *Static {
	return &Static{
		table: make(map[string][]string),
		hub:   cm.NewHub[Announcement](16, false),
	}
}

// Announce records the addresses of nodeID and notifies watchers.
func (s *Static) Announce(ctx context.Context, nodeID string, addrs []string) error {
	s.mu.Lock()
	s.table[nodeID] = append([]string(nil), addrs...)
	s.mu.Unlock()

	return s.hub.Publish(ctx, Announcement{NodeID: nodeID, Addrs: addrs})
}

// Withdraw forgets nodeID.
func (s *Static) Withdraw(nodeID string) {
	s.mu.Lock()
	delete(s.table, nodeID)
	s.mu.Unlock()
}

// Resolve implements net.Resolver. Unknown agents block until ctx is done, the
// way an unanswered query would.
func (s *Static) Resolve(ctx context.Context, nodeID string) ([]string, error) {
	s.mu.RLock()
	addrs, ok := s.table[nodeID]
	s.mu.RUnlock()

	if ok {
		return append([]string(nil), addrs...), nil
	}

	<-ctx.Done()
	return nil, ctx.Err()
}

// Watch returns a stream of announcements.
func (s *Static) Watch() *cm.Stream[Announcement] {
	return s.hub.Subscribe()
}

// Close ends every watch stream.
func (s *Static) Close() error {
	s.hub.Close()
	return nil
}
