package commands

import (
	"github.com/LeanVibe/leanvibe-ai-sub007/src/config"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/net/relay"
)

//CLIConfig contains configuration for the agent and relay commands
type CLIConfig struct {
	Tether config.Config `mapstructure:",squash"`

	// LogFile, when set, receives a JSON copy of every log entry
	LogFile string `mapstructure:"log-file"`

	// Token makes a host print a pairing token once started
	Token bool `mapstructure:"token"`

	// Stdin makes an agent send every line typed on stdin as a change
	Stdin bool `mapstructure:"stdin"`

	RelayListen string `mapstructure:"relay-listen"`
	RelayCert   string `mapstructure:"relay-cert"`
	RelayKey    string `mapstructure:"relay-key"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Tether:      *config.NewDefaultConfig(),
		RelayListen: "0.0.0.0:8443",
	}
}

// relayRealm returns the realm served by the relay command.
func (c *CLIConfig) relayRealm() string {
	if c.Tether.RelayRealm == "" {
		return relay.DefaultRealm
	}
	return c.Tether.RelayRealm
}
