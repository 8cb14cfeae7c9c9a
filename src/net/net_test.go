package net

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

const (
	INMEM = iota
	TCP
	numTestTransports // NOTE: must be last
)

func NewTestTransport(ttype int, network *InmemNetwork, t *testing.T) Transport {
	switch ttype {
	case INMEM:
		_, it := network.NewTransport("")
		return it
	case TCP:
		tt, err := NewTCPTransport("127.0.0.1:0", "", time.Second, 0, common.NewTestEntry(t, common.TestLogLevel))
		if err != nil {
			t.Fatal(err)
		}
		return tt
	default:
		panic("Unknown transport type")
	}
}

func TestTCPTransport_BadAddr(t *testing.T) {
	_, err := NewTCPTransport("0.0.0.0:0", "", 0, 0, common.NewTestEntry(t, common.TestLogLevel))
	if err != errNotAdvertisable {
		t.Fatalf("err: %v", err)
	}
}

func TestTCPTransport_WithAdvertise(t *testing.T) {
	trans, err := NewTCPTransport("0.0.0.0:0", "127.0.0.1:12345", 0, 0, common.NewTestEntry(t, common.TestLogLevel))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer trans.Close()
	if trans.AdvertiseAddr() != "127.0.0.1:12345" {
		t.Fatalf("bad: %v", trans.AdvertiseAddr())
	}
}

func TestTransport_StartStop(t *testing.T) {
	network := NewInmemNetwork()
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans := NewTestTransport(ttype, network, t)
		if err := trans.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
		if _, err := trans.Accept(); err != ErrTransportShutdown {
			t.Fatalf("Accept after Close should fail with ErrTransportShutdown, not %v", err)
		}
	}
}

func TestTransport_Frames(t *testing.T) {
	network := NewInmemNetwork()
	for ttype := 0; ttype < numTestTransports; ttype++ {
		server := NewTestTransport(ttype, network, t)
		client := NewTestTransport(ttype, network, t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		out, err := client.Dial(ctx, server.AdvertiseAddr())
		cancel()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		in, err := server.Accept()
		if err != nil {
			t.Fatalf("err: %v", err)
		}

		frames := []wire.Frame{
			{Type: wire.FrameHandshake, Body: []byte("hello")},
			{Type: wire.FrameData, Body: make([]byte, 4096)},
			{Type: wire.FrameAck, Body: []byte{1, 2, 3}},
			{Type: wire.FrameHeartbeat, Body: []byte{}},
		}

		go func() {
			for _, f := range frames {
				if err := out.WriteFrame(f); err != nil {
					t.Errorf("err: %v", err)
					return
				}
			}
		}()

		for i, exp := range frames {
			f, err := in.ReadFrame()
			if err != nil {
				t.Fatalf("err: %v", err)
			}
			if f.Type != exp.Type || len(f.Body) != len(exp.Body) {
				t.Fatalf("frame %d: expected %v/%d, got %v/%d", i, exp.Type, len(exp.Body), f.Type, len(f.Body))
			}
		}

		// replies flow the other way on the same link
		if err := in.WriteFrame(wire.Frame{Type: wire.FrameAck, Body: []byte("ok")}); err != nil {
			t.Fatalf("err: %v", err)
		}
		f, err := out.ReadFrame()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if !reflect.DeepEqual(f.Body, []byte("ok")) {
			t.Fatalf("bad reply: %v", f.Body)
		}

		out.Close()
		if _, err := in.ReadFrame(); err == nil {
			t.Fatalf("reading a link closed by the peer should fail")
		}

		server.Close()
		client.Close()
	}
}

func TestInmemPartition(t *testing.T) {
	network := NewInmemNetwork()
	serverAddr, server := network.NewTransport("host")
	clientAddr, client := network.NewTransport("companion")

	out, err := client.Dial(context.Background(), serverAddr)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	in, _ := server.Accept()

	network.Partition(serverAddr, clientAddr)

	// writes succeed but nothing arrives
	if err := out.WriteFrame(wire.Frame{Type: wire.FrameHeartbeat}); err != nil {
		t.Fatalf("err: %v", err)
	}

	got := make(chan wire.Frame, 1)
	go func() {
		f, err := in.ReadFrame()
		if err == nil {
			got <- f
		}
	}()

	select {
	case <-got:
		t.Fatalf("frame crossed a partition")
	case <-time.After(20 * time.Millisecond):
	}

	network.Heal(serverAddr, clientAddr)
	if err := out.WriteFrame(wire.Frame{Type: wire.FrameData, Body: []byte("x")}); err != nil {
		t.Fatalf("err: %v", err)
	}
	select {
	case f := <-got:
		if f.Type != wire.FrameData {
			t.Fatalf("expected the frame sent after healing, got %v", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout")
	}
}

func TestInmemDown(t *testing.T) {
	network := NewInmemNetwork()
	serverAddr, server := network.NewTransport("host")
	_, client := network.NewTransport("companion")

	out, err := client.Dial(context.Background(), serverAddr)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	server.Accept()

	network.SetDown(serverAddr, true)

	if err := out.WriteFrame(wire.Frame{Type: wire.FrameData}); err != ErrLinkClosed {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
	if _, err := client.Dial(context.Background(), serverAddr); err == nil {
		t.Fatalf("dialing a host that is down should fail")
	}
	if network.Links() != 0 {
		t.Fatalf("links should be forgotten, %d left", network.Links())
	}

	network.SetDown(serverAddr, false)
	if _, err := client.Dial(context.Background(), serverAddr); err != nil {
		t.Fatalf("err: %v", err)
	}
}

type staticResolver map[string][]string

func (r staticResolver) Resolve(ctx context.Context, nodeID string) ([]string, error) {
	if addrs, ok := r[nodeID]; ok {
		return addrs, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStrategy(t *testing.T) {
	network := NewInmemNetwork()
	_, local := network.NewTransport("10.0.0.7:4747")
	defer local.Close()
	_, relayed := network.NewTransport("host-id")
	defer relayed.Close()
	_, client := network.NewTransport("")

	relay := &dialerFunc{fn: func(ctx context.Context, addr string) (Link, error) {
		return client.Dial(ctx, addr)
	}}

	s := &Strategy{
		Resolver:         staticResolver{"host-id": {"10.0.0.7"}},
		Direct:           client,
		Relay:            relay,
		DiscoveryTimeout: 20 * time.Millisecond,
		Logger:           common.NewTestEntry(t, common.TestLogLevel),
	}

	// discovered address, with the port of the known address
	link, err := s.Dial(context.Background(), Target{
		NodeID: "host-id",
		Addrs:  []string{"192.168.1.2:4747"},
		Relay:  "relay",
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if link.RemoteAddr() != "10.0.0.7:4747" {
		t.Fatalf("expected the discovered address, got %s", link.RemoteAddr())
	}
	if relay.calls != 0 {
		t.Fatalf("relay should not have been used")
	}

	// nothing discovered: known addresses are skipped in favour of the relay
	s.Resolver = staticResolver{}
	link, err = s.Dial(context.Background(), Target{
		NodeID: "host-id",
		Addrs:  []string{"10.0.0.7:4747"},
		Relay:  "relay",
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if relay.calls != 1 || link.RemoteAddr() != "host-id" {
		t.Fatalf("expected a relayed link, got %s (%d relay calls)", link.RemoteAddr(), relay.calls)
	}

	// no relay: known addresses are tried anyway
	s.Relay = nil
	link, err = s.Dial(context.Background(), Target{
		NodeID: "host-id",
		Addrs:  []string{"10.0.0.7:4747"},
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if link.RemoteAddr() != "10.0.0.7:4747" {
		t.Fatalf("expected the known address, got %s", link.RemoteAddr())
	}

	_, err = s.Dial(context.Background(), Target{NodeID: "nobody", Addrs: []string{"nowhere"}})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

type dialerFunc struct {
	calls int
	fn    func(ctx context.Context, addr string) (Link, error)
}

func (d *dialerFunc) Dial(ctx context.Context, addr string) (Link, error) {
	d.calls++
	return d.fn(ctx, addr)
}

func TestWithPorts(t *testing.T) {
	res := withPorts([]string{"10.0.0.1", "10.0.0.2:99"}, []string{"192.168.0.1:4000", "bad"})
	exp := []string{"10.0.0.1:4000", "10.0.0.2:99"}
	if !reflect.DeepEqual(res, exp) {
		t.Fatalf("expected %v, got %v", exp, res)
	}

	res = withPorts([]string{"10.0.0.1"}, nil)
	if !reflect.DeepEqual(res, []string{"10.0.0.1:" + DefaultPort}) {
		t.Fatalf("bad: %v", res)
	}
}
