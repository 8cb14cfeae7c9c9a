package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
)

//NewPairCmd returns the command that pairs this companion with a host
func NewPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pair [offer]",
		Short:   "Pair with a host, from the QR payload it printed",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfig,
		RunE:    pair,
	}
	AddRunFlags(cmd)
	return cmd
}

func pair(cmd *cobra.Command, args []string) error {
	if !_config.Tether.Store {
		_config.Tether.Logger().Warn("Pairing into an in-mem store, it will be lost on exit (use --store)")
	}

	// The pairing is the only thing to do; the status service is not needed.
	_config.Tether.NoService = true

	engine, err := newAgent(store.RoleCompanion)
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	engine.Run()

	ctx, cancel := context.WithTimeout(context.Background(), _config.Tether.PairingTokenTTL)
	defer cancel()

	h, err := engine.Pair(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Paired: %s\n", h)

	return nil
}
