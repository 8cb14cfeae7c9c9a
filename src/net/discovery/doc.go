// Package discovery finds paired agents on the local network.
//
// Hosts answer multicast DNS queries for <node id>.tether.local; companions
// query that name before dialing. Static is an in-memory Resolver for tests and
// for deployments where addresses are handed out by other means.
package discovery
