package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/agentcore/internal/doctor"
)

var doctorGenerateToken bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, providers and relays",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := doctor.Run(cmd.Context(), doctor.Options{GenerateGatewayToken: doctorGenerateToken})
		if err != nil {
			return err
		}
		printDoctor(cmd.OutOrStdout(), report)
		if report.HasFailures() {
			return errors.New("doctor found failures")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorGenerateToken, "generate-token", false, "Generate and save a gateway auth token")
}

func printDoctor(out io.Writer, r doctor.Report) {
	for _, c := range r.Checks {
		var mark string
		switch c.Status {
		case doctor.Pass:
			mark = color.GreenString("✓")
		case doctor.Warn:
			mark = color.YellowString("!")
		default:
			mark = color.RedString("✗")
		}
		fmt.Fprintf(out, "%s %-16s %s\n", mark, c.Name, c.Message)
	}
}
