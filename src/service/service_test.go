package service

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto/keys"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/node"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
)

func newTestService(t *testing.T) (*Service, *node.Node) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	conf := node.TestConfig(t)
	st := store.NewInmemStore()
	provider := crypto.NewProvider(key, store.RoleHost, st, crypto.ProviderConfig{}, conf.Logger)

	n, err := node.NewNode(conf, provider, st, node.Transports{})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	t.Cleanup(n.Shutdown)

	return NewService("127.0.0.1:0", n, common.NewTestEntry(t, common.TestLogLevel)), n
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestGetStats(t *testing.T) {
	s, n := newTestService(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	code, body := get(t, srv, "/stats")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	var stats node.Stats
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("err: %v", err)
	}
	if stats.ID != n.ID() || stats.Role != "host" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.Pairings) != 0 {
		t.Fatalf("expected no pairings, got %d", len(stats.Pairings))
	}
}

func TestGetUnknownPairing(t *testing.T) {
	s, _ := newTestService(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	code, _ := get(t, srv, "/pairings/nope")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestService(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	code, body := get(t, srv, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.Contains(body, "tether_reconcile_conflicts_total") {
		t.Fatalf("node collectors missing from /metrics:\n%s", body)
	}
}
