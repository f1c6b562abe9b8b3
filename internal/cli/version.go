package cli

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ agentcore Version")
		fmt.Printf("Version: %s\n", version)
		if info, ok := debug.ReadBuildInfo(); ok {
			fmt.Printf("Go:      %s\n", info.GoVersion)
		}
	},
}
