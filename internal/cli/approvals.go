package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/agentcore/internal/config"
	"github.com/KafClaw/agentcore/internal/timeline"
)

var (
	approvalsState     string
	approvalsRun       string
	approvalsLimit     int
	approvalsResponder string
	approvalsParams    string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and answer tool-call approvals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		timeSvc, err := timeline.NewTimelineService(cfg.Paths.TimelinePath())
		if err != nil {
			return err
		}
		defer timeSvc.Close()

		state := approvalsState
		if state == "all" {
			state = ""
		}
		recs, err := timeSvc.ListApprovals(state, approvalsRun, approvalsLimit)
		if err != nil {
			return err
		}
		printApprovals(cmd.OutOrStdout(), recs)
		return nil
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request on the running gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return answerApproval(cmd.OutOrStdout(), args[0], true)
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending request on the running gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return answerApproval(cmd.OutOrStdout(), args[0], false)
	},
}

func init() {
	approvalsListCmd.Flags().StringVar(&approvalsState, "state", "pending", "State filter (pending, approved, denied, expired, all)")
	approvalsListCmd.Flags().StringVar(&approvalsRun, "run", "", "Only requests from this run")
	approvalsListCmd.Flags().IntVar(&approvalsLimit, "limit", 50, "Maximum rows")
	for _, c := range []*cobra.Command{approvalsApproveCmd, approvalsDenyCmd} {
		c.Flags().StringVar(&approvalsResponder, "responder", "cli", "Name recorded as the responder")
	}
	approvalsApproveCmd.Flags().StringVar(&approvalsParams, "params", "", "JSON object replacing the call's parameters")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsDenyCmd)
}

func printApprovals(out io.Writer, recs []timeline.ApprovalRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No approvals.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOOL\tSTATE\tRUN\tCREATED\tRESPONDER")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ApprovalID, r.Tool, colorState(r.State), shortID(r.RunID), r.CreatedAt.Local().Format(time.DateTime), r.Responder)
	}
	tw.Flush()
}

func colorState(state string) string {
	switch state {
	case timeline.ApprovalApproved, timeline.RunStatusCompleted:
		return color.GreenString(state)
	case timeline.ApprovalPending, timeline.RunStatusRunning:
		return color.YellowString(state)
	}
	return color.RedString(state)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// gatewayClient calls the local gateway API.
type gatewayClient struct {
	base  string
	token string
	http  *http.Client
}

func newGatewayClient(cfg *config.Config) *gatewayClient {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &gatewayClient{
		base:  fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port),
		token: cfg.Gateway.AuthToken,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *gatewayClient) post(path string, body any, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gateway not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func answerApproval(out io.Writer, id string, approved bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	body := approvalResponse{Approved: approved, Responder: approvalsResponder}
	if approved && approvalsParams != "" {
		if err := json.Unmarshal([]byte(approvalsParams), &body.ModifiedParams); err != nil {
			return fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}

	var resp map[string]any
	status, err := newGatewayClient(cfg).post("/api/v1/approvals/"+id, body, &resp)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		fmt.Fprintf(out, "Approval %s: %v\n", id, resp["state"])
	case http.StatusConflict:
		fmt.Fprintf(out, "Approval %s was already %v by %v\n", id, resp["state"], resp["responder"])
	default:
		fmt.Fprintf(os.Stderr, "Approval %s: %v\n", id, resp["error"])
		return fmt.Errorf("gateway returned %d", status)
	}
	return nil
}
