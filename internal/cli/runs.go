package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/agentcore/internal/timeline"
)

var (
	runsStatus string
	runsParent string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeSvc, err := openTimeline()
		if err != nil {
			return err
		}
		defer timeSvc.Close()

		runs, err := timeSvc.ListRuns(timeline.RunFilter{Status: runsStatus, ParentRunID: runsParent, Limit: runsLimit})
		if err != nil {
			return err
		}
		printRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeSvc, err := openTimeline()
		if err != nil {
			return err
		}
		defer timeSvc.Close()

		run, err := timeSvc.GetRun(args[0])
		if err != nil {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		events, err := timeSvc.ListRunEvents(run.RunID)
		if err != nil {
			return err
		}
		printRun(cmd.OutOrStdout(), run, events)
		return nil
	},
}

var runsUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show daily token usage per provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeSvc, err := openTimeline()
		if err != nil {
			return err
		}
		defer timeSvc.Close()

		rows, err := timeSvc.ListTokenUsage(7)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DAY\tPROVIDER\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", r.Day, r.ProviderID, r.Requests, r.PromptTokens, r.CompletionTokens, r.TotalTokens)
		}
		return tw.Flush()
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "Status filter")
	runsListCmd.Flags().StringVar(&runsParent, "parent", "", "Only children of this run")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum rows")
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsUsageCmd)
}

func openTimeline() (*timeline.TimelineService, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return timeline.NewTimelineService(cfg.Paths.TimelinePath())
}

func printRuns(out io.Writer, runs []timeline.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tDEPTH\tTURNS\tTOKENS\tSTARTED\tTASK")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			shortID(r.RunID), colorState(r.Status), r.Depth, r.Turns, r.TotalTokens,
			r.StartedAt.Local().Format(time.DateTime), truncateLine(r.Task, 60))
	}
	tw.Flush()
}

func printRun(out io.Writer, r *timeline.RunRecord, events []timeline.RunEventRecord) {
	fmt.Fprintf(out, "%s %s\n", color.CyanString("Run"), r.RunID)
	if r.ParentRunID != "" {
		fmt.Fprintf(out, "Parent:   %s (depth %d)\n", r.ParentRunID, r.Depth)
	}
	fmt.Fprintf(out, "Status:   %s\n", colorState(r.Status))
	fmt.Fprintf(out, "Task:     %s\n", r.Task)
	fmt.Fprintf(out, "Turns:    %d\n", r.Turns)
	fmt.Fprintf(out, "Tokens:   %d (prompt %d, completion %d)\n", r.TotalTokens, r.PromptTokens, r.CompletionTokens)
	if r.ErrorKind != "" {
		fmt.Fprintf(out, "Error:    %s: %s\n", r.ErrorKind, r.ErrorText)
	}
	fmt.Fprintln(out)
	for _, e := range events {
		fmt.Fprintf(out, "%3d  t%-2d %-12s %s\n", e.Seq, e.Turn, e.Type, truncateLine(e.Data, 120))
	}
	if r.Answer != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderMarkdown(r.Answer))
	}
}
