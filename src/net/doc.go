// Package net implements the links tether agents communicate over.
//
// A Link is an ordered stream of frames (see package wire) between two agents.
// Links know nothing about sessions or encryption: DATA, ACK and HEARTBEAT
// frames are sealed by the session before they reach the Link, so a relay
// forwarding them cannot read them.
//
// There are three implementations:
//
// - TCP: NetworkTransport over a TCPStreamLayer, for agents on the same local
// network or agents that configured their addresses to avoid NAT issues.
//
// - Inmem: InmemNetwork, used for testing. It simulates unreachable hosts,
// torn connections and silent partitions.
//
// - Relay: see the relay subpackage. Frames are forwarded through a WAMP router
// over one websocket shared by every link of the agent.
//
// Strategy chooses between them when dialing: addresses found by local
// discovery (see the discovery subpackage) first, then addresses learned at
// pairing time, then the relay.
//
// TCP
//
// To use a TCP transport, set the following configuration options in the
// tether Config object (cf config package):
//
// - BindAddr: the IP:PORT of the TCP socket that tether binds to.
//
// - AdvertiseAddr: (optional) The address that is advertised to companions in
// pairing tokens. If BindAddr is a local address not reachable by other
// peers, it is useful to set AdvertiseAddr to the reachable address.
package net
