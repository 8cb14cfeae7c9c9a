package node

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/delivery"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

const (
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultReconnectBase     = time.Second
	DefaultReconnectCap      = 30 * time.Second
	DefaultSubscriberBuffer  = 64

	// queue between the reader and the processor
	inboundBuffer = 64
)

// Config holds the timeouts and bounds of a Node.
type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatMisses is the number of heartbeat intervals without any frame
	// from the peer after which the connection is considered lost
	HeartbeatMisses  int
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	SubscriberBuffer int
	// MaxFrameSize bounds frames on the links. Changes that would not fit in
	// one frame are refused by Send.
	MaxFrameSize int

	Delivery delivery.Config

	Clock    clockwork.Clock
	Registry *prometheus.Registry
	Logger   *logrus.Entry
}

// DefaultConfig returns the production configuration.
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.InfoLevel

	return &Config{
		HandshakeTimeout:  DefaultHandshakeTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatMisses:   DefaultHeartbeatMisses,
		ReconnectBase:     DefaultReconnectBase,
		ReconnectCap:      DefaultReconnectCap,
		SubscriberBuffer:  DefaultSubscriberBuffer,
		MaxFrameSize:      wire.DefaultMaxFrameSize,
		Clock:             clockwork.NewRealClock(),
		Registry:          prometheus.NewRegistry(),
		Logger:            logrus.NewEntry(logger),
	}
}

// TestConfig returns a configuration with short timeouts, logging to t.
func TestConfig(t testing.TB) *Config {
	config := DefaultConfig()
	config.HandshakeTimeout = time.Second
	config.HeartbeatInterval = 50 * time.Millisecond
	config.ReconnectBase = 10 * time.Millisecond
	config.ReconnectCap = 100 * time.Millisecond
	config.Delivery.AckTimeout = 50 * time.Millisecond
	config.Delivery.RetransmitBase = 50 * time.Millisecond
	config.Delivery.RetransmitCap = 200 * time.Millisecond
	config.Logger = common.NewTestEntry(t, common.TestLogLevel)
	return config
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectCap < c.ReconnectBase {
		c.ReconnectCap = DefaultReconnectCap
		if c.ReconnectCap < c.ReconnectBase {
			c.ReconnectCap = c.ReconnectBase
		}
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Delivery.Clock == nil {
		c.Delivery.Clock = c.Clock
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.New())
	}
}
