package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/agentcore/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   __ _  __ _  ___ _ __ | |_ ___ ___  _ __ ___\n" +
		"  / _` |/ _` |/ _ \\ '_ \\| __/ __/ _ \\| '__/ _ \\\n" +
		" | (_| | (_| |  __/ | | | || (_| (_) | | |  __/\n" +
		"  \\__,_|\\__, |\\___|_| |_|\\__\\___\\___/|_|  \\___|\n" +
		"        |___/\n"
)

var (
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "agentcore - tool-using agent runtime",
	Long:  color.CyanString(logo) + "\nRuns tool-using LLM agents with approvals, subagents and provider fallback.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd.ErrOrStderr(), logLevel, logJSON)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to config")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(configCmd)
}
