package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/net/relay"
)

//NewRelayCmd returns the command that runs a relay server
func NewRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "relay",
		Short:   "Run a relay forwarding sealed frames between agents",
		PreRunE: loadRelayConfig,
		RunE:    runRelay,
	}
	AddRelayFlags(cmd)
	return cmd
}

//AddRelayFlags adds flags to the relay command
func AddRelayFlags(cmd *cobra.Command) {
	cmd.Flags().String("datadir", _config.Tether.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.Tether.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "File receiving a JSON copy of the logs")
	cmd.Flags().String("relay-listen", _config.RelayListen, "Listen IP:Port of the relay")
	cmd.Flags().String("relay-realm", _config.Tether.RelayRealm, "Realm served by the relay")
	cmd.Flags().String("relay-cert", _config.RelayCert, "TLS certificate file, serve wss:// when set with --relay-key")
	cmd.Flags().String("relay-key", _config.RelayKey, "TLS key file")
}

func loadRelayConfig(cmd *cobra.Command, args []string) error {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return err
	}

	_config.Tether.SetLogger(newLogger())

	return nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	logger := _config.Tether.Logger().WithField("component", "relay")

	server, err := relay.NewServer(
		_config.RelayListen,
		_config.relayRealm(),
		_config.RelayCert,
		_config.RelayKey,
		logger,
	)
	if err != nil {
		return err
	}

	go server.Run()

	logger.WithField("url", server.URL()).Info("Relay listening")

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh

	server.Shutdown()

	return nil
}
