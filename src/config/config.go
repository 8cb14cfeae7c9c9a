package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the agent's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultCertFile is the default name of the file containing the TLS
	// certificate to trust when connecting to a wss:// relay.
	DefaultCertFile = "cert.pem"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultBindAddr          = "127.0.0.1:4747"
	DefaultCompanionBindAddr = "127.0.0.1:0"
	DefaultServiceAddr       = "127.0.0.1:8047"
	DefaultRelayRealm        = "tether"
	DefaultStore             = false
	DefaultMDNS              = false
	DefaultDialTimeout       = 3 * time.Second

	DefaultDiscoveryTimeout  = 2 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultAckTimeout        = 500 * time.Millisecond
	DefaultReconnectBase     = time.Second
	DefaultReconnectCap      = 30 * time.Second
	DefaultRetransmitBase    = 500 * time.Millisecond
	DefaultRetransmitCap     = 5 * time.Second
	DefaultMaxRetransmits    = 8
	DefaultPairingTokenTTL   = 90 * time.Second
	DefaultSessionTTL        = 12 * time.Hour
	DefaultOutboundQueueSize = 1024
	DefaultMaxFrameSize      = 1 << 20
	DefaultSubscriberBuffer  = 64
)

// Config contains all the configuration properties of a tether agent.
type Config struct {
	// DataDir is the top-level directory containing the key, the database and
	// the configuration file
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where a host accepts companion
	// links. Companions only dial out of it.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is the address put in pairing tokens, when it differs
	// from BindAddr (NAT, 0.0.0.0 binds).
	AdvertiseAddr string `mapstructure:"advertise"`

	// DialTimeout bounds every direct TCP dial and frame write.
	DialTimeout time.Duration `mapstructure:"timeout"`

	// RelayURL is the ws:// or wss:// address of a relay. Hosts register with
	// it and advertise it in pairing tokens; companions use it when their
	// host is not on the local network. Empty disables the relay.
	RelayURL string `mapstructure:"relay"`

	// RelayRealm is the routing domain on the relay.
	RelayRealm string `mapstructure:"relay-realm"`

	// RelaySkipVerify accepts any certificate presented by a wss:// relay.
	// This should be used only for testing.
	RelaySkipVerify bool `mapstructure:"relay-skip-verify"`

	// MDNS enables local-network discovery. Hosts answer queries for their
	// node id; companions query for their host before dialing.
	MDNS bool `mapstructure:"mdns"`

	// NoService disables the HTTP status service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP status service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Store activates persistent storage. Without it pairings and clocks are
	// lost when the process exits.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// DiscoveryTimeout bounds local discovery before falling back to the
	// relay.
	DiscoveryTimeout time.Duration `mapstructure:"discovery-timeout"`

	// HandshakeTimeout bounds every handshake step.
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

	// HeartbeatInterval is the period of HEARTBEAT frames.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// HeartbeatMisses is the number of silent heartbeat intervals after which
	// a connection is considered lost.
	HeartbeatMisses int `mapstructure:"heartbeat-misses"`

	// AckTimeout is the wait for the first ACK of a DATA frame before it is
	// retransmitted.
	AckTimeout time.Duration `mapstructure:"ack-timeout"`

	ReconnectBase time.Duration `mapstructure:"reconnect-base"`
	ReconnectCap  time.Duration `mapstructure:"reconnect-cap"`

	RetransmitBase time.Duration `mapstructure:"retransmit-base"`
	RetransmitCap  time.Duration `mapstructure:"retransmit-cap"`

	// MaxRetransmits is the retry ceiling after which a send fails with a
	// DeliveryFailedError.
	MaxRetransmits int `mapstructure:"max-retransmits"`

	// PairingTokenTTL is the lifetime of a pairing token.
	PairingTokenTTL time.Duration `mapstructure:"token-ttl"`

	// SessionTTL is the lifetime of session keys. Older sessions are closed
	// and re-established.
	SessionTTL time.Duration `mapstructure:"session-ttl"`

	// OutboundQueueSize bounds the changes waiting for transmission per
	// pairing. Sends beyond it fail with ErrQueueFull.
	OutboundQueueSize int `mapstructure:"queue-size"`

	// MaxFrameSize bounds frames in both directions.
	MaxFrameSize int `mapstructure:"max-frame-size"`

	// SubscriberBuffer is the capacity of every event stream.
	SubscriberBuffer int `mapstructure:"subscriber-buffer"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:           DefaultDataDir(),
		LogLevel:          DefaultLogLevel,
		BindAddr:          DefaultBindAddr,
		DialTimeout:       DefaultDialTimeout,
		RelayRealm:        DefaultRelayRealm,
		MDNS:              DefaultMDNS,
		ServiceAddr:       DefaultServiceAddr,
		Store:             DefaultStore,
		DatabaseDir:       DefaultDatabaseDir(),
		DiscoveryTimeout:  DefaultDiscoveryTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatMisses:   DefaultHeartbeatMisses,
		AckTimeout:        DefaultAckTimeout,
		ReconnectBase:     DefaultReconnectBase,
		ReconnectCap:      DefaultReconnectCap,
		RetransmitBase:    DefaultRetransmitBase,
		RetransmitCap:     DefaultRetransmitCap,
		MaxRetransmits:    DefaultMaxRetransmits,
		PairingTokenTTL:   DefaultPairingTokenTTL,
		SessionTTL:        DefaultSessionTTL,
		OutboundQueueSize: DefaultOutboundQueueSize,
		MaxFrameSize:      DefaultMaxFrameSize,
		SubscriberBuffer:  DefaultSubscriberBuffer,
	}

	return config
}

// NewTestConfig returns a config object with short timeouts, an in-memory
// store, no service, and a logger writing to t.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.SetDataDir(t.TempDir())
	config.BindAddr = "127.0.0.1:0"
	config.NoService = true
	config.DialTimeout = time.Second
	config.DiscoveryTimeout = 100 * time.Millisecond
	config.HandshakeTimeout = time.Second
	config.HeartbeatInterval = 50 * time.Millisecond
	config.ReconnectBase = 10 * time.Millisecond
	config.ReconnectCap = 100 * time.Millisecond
	config.RetransmitBase = 50 * time.Millisecond
	config.RetransmitCap = 200 * time.Millisecond
	config.AckTimeout = 50 * time.Millisecond
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level directory, and updates the database directory
// if it is currently set to the default value. If the database directory is
// not the default, it was set explicitly and is left alone.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// CertFile returns the full path of the relay certificate to trust.
func (c *Config) CertFile() string {
	return filepath.Join(c.DataDir, DefaultCertFile)
}

// SetLogger replaces the root logger. Used by the CLI to attach file hooks.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// Logger returns a formatted logrus Entry, with prefix set to "tether".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "tether")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level tether
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Tether")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Tether")
		} else {
			return filepath.Join(home, ".tether")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
