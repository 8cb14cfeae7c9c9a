package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/config"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/node/state"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/tether"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

//NewHostCmd returns the command that starts a host agent
func NewHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "host",
		Short:   "Run a host agent",
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(store.RoleHost)
		},
	}
	AddRunFlags(cmd)
	cmd.Flags().Bool("token", _config.Token, "Print a pairing token once started")
	return cmd
}

//NewCompanionCmd returns the command that starts a companion agent
func NewCompanionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "companion",
		Short:   "Run a companion agent connected to every host it is paired with",
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(store.RoleCompanion)
		},
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func newAgent(role store.Role) (*tether.Tether, error) {
	engine := tether.NewTether(&_config.Tether, role)

	if err := engine.Init(); err != nil {
		_config.Tether.Logger().Error("Cannot initialize engine:", err)
		engine.Shutdown()
		return nil, err
	}

	return engine, nil
}

func runAgent(role store.Role) error {
	engine, err := newAgent(role)
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	engine.Run()

	logger := _config.Tether.Logger()

	if role == store.RoleHost && _config.Token {
		token, err := engine.NewPairingToken()
		if err != nil {
			return err
		}
		fmt.Printf("Pairing code: %s\n", token.Code())
		fmt.Printf("QR payload:   %s\n", token.QRPayload())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pairings, err := engine.Pairings()
	if err != nil {
		return err
	}

	var handles []tether.PairingHandle
	for _, p := range pairings {
		if p.Revoked {
			continue
		}
		h := tether.PairingHandle(p.ID)
		if err := follow(ctx, engine, h, logger); err != nil {
			logger.WithError(err).WithField("pairing", p.ID).Warn("Not connecting")
			continue
		}
		handles = append(handles, h)
	}

	if _config.Stdin {
		go readChanges(engine, handles, logger)
	}

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh

	return nil
}

// follow connects h and logs its state changes and inbound changes.
func follow(ctx context.Context, engine *tether.Tether, h tether.PairingHandle, logger *logrus.Entry) error {
	changes, err := engine.Subscribe(h)
	if err != nil {
		return err
	}
	states, err := engine.Connect(h)
	if err != nil {
		changes.Close()
		return err
	}

	logger = logger.WithField("pairing", h)

	go func() {
		defer states.Close()
		for {
			ev, ok, err := states.Next(ctx)
			if err != nil || !ok {
				return
			}
			entry := logger.WithField("state", ev.State)
			if ev.Err != nil {
				entry = entry.WithError(ev.Err)
			}
			entry.Info("Connection")
			if ev.State == state.Unpaired {
				return
			}
		}
	}()

	go func() {
		defer changes.Close()
		for {
			ev, ok, err := changes.Next(ctx)
			if err != nil || !ok {
				return
			}
			logger.WithFields(logrus.Fields{
				"event":  ev.Kind,
				"entity": ev.Record.EntityID,
				"op":     ev.Record.Op,
				"body":   string(ev.Record.Body.Data),
			}).Info("Change")
		}
	}()

	return nil
}

// readChanges sends every "<entity> <text>" line read from stdin as a task
// upsert, to every pairing.
func readChanges(engine *tether.Tether, handles []tether.PairingHandle, logger *logrus.Entry) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 2)
		if len(parts) != 2 {
			fmt.Println("expected: <entity> <text>")
			continue
		}

		change := wire.ChangeRecord{
			EntityID: parts[0],
			Op:       wire.OpUpsert,
			Body:     wire.Body{Kind: wire.BodyTask, Data: []byte(parts[1])},
		}
		for _, h := range handles {
			if _, err := engine.Send(h, change, wire.PriorityNormal); err != nil {
				logger.WithError(err).WithField("pairing", h).Warn("Send")
			}
		}
	}
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds the agent flags to a command
func AddRunFlags(cmd *cobra.Command) {
	c := &_config.Tether

	cmd.Flags().String("datadir", c.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", c.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "File receiving a JSON copy of the logs")
	cmd.Flags().Bool("stdin", _config.Stdin, "Send \"<entity> <text>\" lines read from stdin")

	// Network
	cmd.Flags().StringP("listen", "l", c.BindAddr, "Listen IP:Port of the host")
	cmd.Flags().StringP("advertise", "a", c.AdvertiseAddr, "Advertise IP:Port put in pairing tokens")
	cmd.Flags().DurationP("timeout", "t", c.DialTimeout, "TCP dial and write timeout")
	cmd.Flags().String("relay", c.RelayURL, "ws:// or wss:// URL of the relay")
	cmd.Flags().String("relay-realm", c.RelayRealm, "Realm on the relay")
	cmd.Flags().Bool("relay-skip-verify", c.RelaySkipVerify, "Accept any relay certificate (testing only)")
	cmd.Flags().Bool("mdns", c.MDNS, "Use mDNS discovery on the local network")

	// Service
	cmd.Flags().Bool("no-service", c.NoService, "Disable the HTTP status service")
	cmd.Flags().StringP("service-listen", "s", c.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", c.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", c.DatabaseDir, "Database directory")

	// Timeouts and bounds
	cmd.Flags().Duration("discovery-timeout", c.DiscoveryTimeout, "Local discovery timeout")
	cmd.Flags().Duration("handshake-timeout", c.HandshakeTimeout, "Handshake timeout")
	cmd.Flags().Duration("heartbeat", c.HeartbeatInterval, "Time between heartbeats")
	cmd.Flags().Int("heartbeat-misses", c.HeartbeatMisses, "Silent heartbeats before a connection is lost")
	cmd.Flags().Duration("ack-timeout", c.AckTimeout, "Wait for the first ACK")
	cmd.Flags().Duration("reconnect-base", c.ReconnectBase, "First reconnection delay")
	cmd.Flags().Duration("reconnect-cap", c.ReconnectCap, "Longest reconnection delay")
	cmd.Flags().Duration("retransmit-base", c.RetransmitBase, "First retransmission delay")
	cmd.Flags().Duration("retransmit-cap", c.RetransmitCap, "Longest retransmission delay")
	cmd.Flags().Int("max-retransmits", c.MaxRetransmits, "Retransmissions before a send fails")
	cmd.Flags().Duration("token-ttl", c.PairingTokenTTL, "Lifetime of pairing tokens")
	cmd.Flags().Duration("session-ttl", c.SessionTTL, "Lifetime of session keys")
	cmd.Flags().Int("queue-size", c.OutboundQueueSize, "Outbound queue bound per pairing")
	cmd.Flags().Int("max-frame-size", c.MaxFrameSize, "Largest frame accepted")
	cmd.Flags().Int("subscriber-buffer", c.SubscriberBuffer, "Capacity of event streams")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.Tether.SetDataDir(_config.Tether.DataDir)

	_config.Tether.SetLogger(newLogger())

	logFields := logrus.Fields{
		"tether.DataDir":           _config.Tether.DataDir,
		"tether.BindAddr":          _config.Tether.BindAddr,
		"tether.AdvertiseAddr":     _config.Tether.AdvertiseAddr,
		"tether.RelayURL":          _config.Tether.RelayURL,
		"tether.MDNS":              _config.Tether.MDNS,
		"tether.ServiceAddr":       _config.Tether.ServiceAddr,
		"tether.Store":             _config.Tether.Store,
		"tether.LogLevel":          _config.Tether.LogLevel,
		"tether.HeartbeatInterval": _config.Tether.HeartbeatInterval,
		"tether.HandshakeTimeout":  _config.Tether.HandshakeTimeout,
		"tether.ReconnectCap":      _config.Tether.ReconnectCap,
		"tether.MaxRetransmits":    _config.Tether.MaxRetransmits,
		"LogFile":                  _config.LogFile,
	}

	if _config.Tether.Store {
		logFields["tether.DatabaseDir"] = _config.Tether.DatabaseDir
	}

	_config.Tether.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/tether.toml (.json, .yaml also work)
	viper.SetConfigName("tether")               // name of config file (without extension)
	viper.AddConfigPath(_config.Tether.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Tether.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Tether.Logger().Debugf("No config file found in: %s", _config.Tether.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// newLogger builds the root logger. With --log-file every entry is also
// written to that file as JSON.
func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Level = config.LogLevel(_config.Tether.LogLevel)
	logger.Formatter = new(prefixed.TextFormatter)

	if _config.LogFile == "" {
		return logger
	}

	if _, err := os.OpenFile(_config.LogFile, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Infof("Failed to open %s, using default stderr", _config.LogFile)
		return logger
	}

	pathMap := lfshook.PathMap{}
	for _, level := range logrus.AllLevels {
		pathMap[level] = _config.LogFile
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.JSONFormatter{},
	))

	return logger
}
