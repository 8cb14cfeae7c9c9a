// Package relay forwards frames between agents that cannot reach each other
// directly.
//
// The Server is a WAMP router served over websockets. Each agent keeps one
// Client connected to it and multiplexes every relayed link over that single
// socket. A link is opened by calling the tether.open.<node id> procedure of
// the callee with a fresh connection id; frames then travel as events on the
// tether.link.<node id> topic of the receiving agent. Frames are sealed by the
// session before they reach the relay, which never holds session keys.
//
// Listening agents publish their node id on tether.reachable when they join
// and periodically afterwards. Watch turns those pushes into nudges for agents
// waiting to reconnect.
package relay
