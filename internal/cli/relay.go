package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/agentcore/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Inspect broker relays",
}

var relayCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Dial the Kafka brokers and check the relay topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
		defer cancel()
		rep, err := relay.Probe(ctx, cfg.Relay.Kafka)
		if rep != nil {
			printProbe(cmd.OutOrStdout(), rep)
		}
		return err
	},
}

func init() {
	relayCmd.AddCommand(relayCheckCmd)
}

func printProbe(out io.Writer, rep *relay.ProbeReport) {
	for _, e := range rep.Errors {
		fmt.Fprintf(out, "%s %s\n", color.RedString("error"), e)
	}
	if rep.Broker == "" {
		return
	}
	fmt.Fprintf(out, "Connected to %s\n", rep.Broker)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tTOPIC\tSTATUS\tPARTITIONS\tLEADERS")
	for _, t := range rep.Topics {
		status := color.GreenString("ok")
		if !t.Found {
			status = color.RedString("missing")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", t.Role, t.Topic, status, t.Partitions, t.Leaders)
	}
	tw.Flush()
}
