package main

import (
	"os"

	cmd "github.com/LeanVibe/leanvibe-ai-sub007/cmd/tether/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewHostCmd(),
		cmd.NewCompanionCmd(),
		cmd.NewPairCmd(),
		cmd.NewRelayCmd(),
		cmd.NewKeygenCmd(),
		cmd.VersionCmd,
	)

	//Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
