package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/agentcore/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or reset stored channel conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessions()
		if err != nil {
			return err
		}
		infos, err := store.List()
		if err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), infos)
		return nil
	},
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Forget one conversation (key is channel:chat)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessions()
		if err != nil {
			return err
		}
		if err := store.Reset(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsResetCmd)
}

func openSessions() (*session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.NewStore(cfg.Paths.SessionsDir(), cfg.Inbox.SessionHistory)
}

func printSessions(out io.Writer, infos []session.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tMESSAGES\tUPDATED")
	for _, i := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", i.Key, i.Messages, i.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}
