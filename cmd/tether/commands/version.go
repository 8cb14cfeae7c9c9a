package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/version"
)

// VersionCmd displays the version of tether and of its wire protocol
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
		fmt.Printf("protocol %d\n", version.Protocol)
	},
}
