package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for tether
var RootCmd = &cobra.Command{
	Use:              "tether",
	Short:            "host/companion sync agent",
	TraverseChildren: true,
}
