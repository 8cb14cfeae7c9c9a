package discovery

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"
)

func TestName(t *testing.T) {
	if n := Name("0A1b2c3d4e5f6071"); n != "0a1b2c3d4e5f6071.tether.local" {
		t.Fatalf("bad name: %s", n)
	}
}

func TestStaticResolve(t *testing.T) {
	s := NewStatic()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Resolve(ctx, "host"); err != context.DeadlineExceeded {
		t.Fatalf("unknown agents should time out, got %v", err)
	}

	w := s.Watch()
	defer w.Close()

	if err := s.Announce(context.Background(), "host", []string{"10.0.0.1:4747"}); err != nil {
		t.Fatalf("err: %v", err)
	}

	a, ok, err := w.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected an announcement, got ok=%v err=%v", ok, err)
	}
	if a.NodeID != "host" {
		t.Fatalf("bad announcement: %#v", a)
	}

	addrs, err := s.Resolve(context.Background(), "host")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !reflect.DeepEqual(addrs, []string{"10.0.0.1:4747"}) {
		t.Fatalf("bad addrs: %v", addrs)
	}

	// callers may not alter the table
	addrs[0] = "mangled"
	addrs, _ = s.Resolve(context.Background(), "host")
	if addrs[0] != "10.0.0.1:4747" {
		t.Fatalf("table was modified through a result")
	}

	s.Withdraw("host")
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if _, err := s.Resolve(ctx2, "host"); err == nil {
		t.Fatalf("withdrawn agents should not resolve")
	}
}

func TestHostOf(t *testing.T) {
	cases := []struct {
		addr net.Addr
		exp  string
	}{
		{&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5353}, "10.0.0.1"},
		{&net.IPAddr{IP: net.IPv4(192, 168, 1, 9)}, "192.168.1.9"},
		{nil, ""},
	}
	for _, c := range cases {
		if h := hostOf(c.addr); h != c.exp {
			t.Fatalf("expected %s, got %s", c.exp, h)
		}
	}
}
