// Package config defines the configuration of a tether agent.
//
// Regardless of how tether is started, embedded in Go code or as a standalone
// process from the command line, it uses the Config object defined in this
// package to store and forward configuration options. On top of these options
// tether relies on a data directory, defined by Config.DataDir, where it
// expects to find a few additional files:
//
//  priv_key // a plain text file containing the raw private key (cf. tether keygen).
//  tether.toml // (optional) the configuration file read by the CLI.
//  badger_db // (with --store) the database of pairings, clocks and sequence marks.
//  cert.pem // (optional) an x509 certificate to trust for a wss:// relay.
package config
