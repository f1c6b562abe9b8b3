package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/KafClaw/agentcore/internal/agent"
	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/provider"
)

var (
	agentMessage    string
	agentSessionID  string
	agentTier       string
	agentMaxTurns   int
	agentJSON       bool
	agentApproveAll bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a task in the terminal, or chat interactively without -m",
	Run:   runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "Task to run; omit for an interactive session")
	agentCmd.Flags().StringVarP(&agentSessionID, "session", "s", "cli:default", "Session ID")
	agentCmd.Flags().StringVar(&agentTier, "tier", "", "Model tier override (fast, balanced, best)")
	agentCmd.Flags().IntVar(&agentMaxTurns, "max-turns", 0, "Turn limit override")
	agentCmd.Flags().BoolVar(&agentJSON, "json", false, "Print the reply as JSON")
	agentCmd.Flags().BoolVarP(&agentApproveAll, "yes", "y", false, "Approve gated tool calls without asking")
}

func runAgent(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()
	if !agentJSON {
		printHeader("🤖 agentcore")
	}

	rt, err := buildRuntime(cfg, runtimeOptions{})
	if err != nil {
		fmt.Printf("Startup error: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt.startBackground(ctx)

	in := bufio.NewScanner(os.Stdin)
	terminalApprovals(rt.gate, in, os.Stdout, agentApproveAll)

	overrides := &agent.RunConfigOverrides{ModelTier: agentTier, MaxTurns: agentMaxTurns}
	out := cmd.OutOrStdout()

	if agentMessage != "" {
		if _, err := agentTurn(ctx, rt, out, agentMessage, nil, overrides); err != nil {
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(out, "Interactive session %s. Type 'exit' to quit.\n", agentSessionID)
	var history []provider.Message
	for {
		fmt.Fprintf(out, "%s: ", color.CyanString("You"))
		if !in.Scan() {
			fmt.Fprintln(out)
			return
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			return
		}
		answer, err := agentTurn(ctx, rt, out, line, history, overrides)
		if err != nil {
			continue
		}
		history = append(history,
			provider.Message{Role: provider.RoleUser, Content: line},
			provider.Message{Role: provider.RoleAssistant, Content: answer},
		)
		if ctx.Err() != nil {
			return
		}
	}
}

// agentTurn dispatches one task and prints the reply. The error is set when
// the task did not complete.
func agentTurn(ctx context.Context, rt *runtime, out io.Writer, task string, history []provider.Message, o *agent.RunConfigOverrides) (string, error) {
	sub := agent.TaskSubmission{
		Task:      task,
		History:   history,
		Source:    "cli",
		Route:     agent.Route{Channel: "cli", ChatID: agentSessionID, TraceID: uuid.NewString()},
		Overrides: o,
	}
	var sink agent.EventSink
	if !agentJSON {
		sink = &consoleSink{w: out}
	}
	reply, err := rt.router.Dispatch(ctx, sub, sink)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return "", err
	}

	if agentJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reply); err != nil {
			return "", err
		}
	} else {
		fmt.Fprintf(out, "\n%s:\n", color.MagentaString("agentcore"))
		fmt.Fprintln(out, renderMarkdown(reply.Content))
	}
	if reply.Status != "" && reply.Status != agent.StatusCompleted {
		return reply.Content, fmt.Errorf("run %s", reply.Status)
	}
	return reply.Content, nil
}

// terminalApprovals answers gated tool calls from the terminal. Hooks
// already on g keep running.
func terminalApprovals(g *approval.Gate, in *bufio.Scanner, out io.Writer, approveAll bool) {
	prev := g.OnRequest
	g.OnRequest = func(req approval.Request) {
		if prev != nil {
			prev(req)
		}
		go func() {
			if approveAll {
				_, _ = g.Resolve(req.ID, true, "cli", nil)
				return
			}
			params, _ := json.Marshal(req.Params)
			fmt.Fprintf(out, "%s %s%s [y/N]: ", color.YellowString("Approve"), req.Tool, params)
			approved := false
			if in.Scan() {
				answer := strings.ToLower(strings.TrimSpace(in.Text()))
				approved = answer == "y" || answer == "yes"
			}
			if _, err := g.Resolve(req.ID, approved, "cli", nil); err != nil {
				fmt.Fprintf(out, "Approval %s: %v\n", req.ID, err)
			}
		}()
	}
}
