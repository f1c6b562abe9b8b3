package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DenyPatterns contains regex patterns for dangerous commands.
var DenyPatterns = []string{
	`(?i)\brm\s+(-[rf]+\s+)*[/~]`, // rm with root or home
	`(?i)\brm\s+-rf\b`,            // rm -rf anywhere
	`(?i)\brm\s+-r[fF]?\s+\.`,     // rm -r . / rm -rf .
	`(?i)\brm\s+-r[fF]?\s+\*`,     // rm -r *
	`(?i)\brm\s+\*`,               // rm *
	`\bgit\s+rm\b`,                // git rm
	`\bfind\b.*\s-delete\b`,       // find -delete
	`\bunlink\b`,                  // unlink
	`\brmdir\b`,                   // rmdir
	`\bdd\b.*\bof=/dev/`,          // dd to device
	`\bmkfs\b`,                    // filesystem format
	`\bfdisk\b`,                   // partition tool
	`>\s*/dev/(sd|nvme|hd)`,       // redirect to block device
	`\bchmod\s+-R\s+777\b`,        // chmod 777 recursive
	`\bchown\s+-R\b.*[/~]`,        // chown recursive on root/home
	`:\(\)\s*\{\s*:\|:&\s*\};:`,   // fork bomb
	`\bshutdown\b`,
	`\breboot\b`,
	`\bhalt\b`,
	`\binit\s+[0-6]\b`,
	`\bsystemctl\s+(start|stop|restart|enable|disable)\b`,
}

// AllowPatterns contains regex patterns for strict allow-list mode.
var AllowPatterns = []string{
	`(?i)^\s*git(\s|$)`,
	`(?i)^\s*ls(\s|$)`,
	`(?i)^\s*cat(\s|$)`,
	`(?i)^\s*pwd(\s|$)`,
	`(?i)^\s*rg(\s|$)`,
	`(?i)^\s*grep(\s|$)`,
	`(?i)^\s*sed(\s|$)`,
	`(?i)^\s*head(\s|$)`,
	`(?i)^\s*tail(\s|$)`,
	`(?i)^\s*wc(\s|$)`,
	`(?i)^\s*echo(\s|$)`,
}

// PathPatterns for detecting path traversal attempts.
var PathPatterns = []string{
	`\.\.\/`, // ../
	`\.\.\\`, // ..\
	`\/\.\.`, // /..
	`\\\.\.`, // \..
}

// ErrCommandBlocked is returned when the guard rejects a command.
var ErrCommandBlocked = errors.New("command blocked by safety guard")

// ExecTool executes shell commands.
type ExecTool struct {
	Timeout             time.Duration
	RestrictToWorkspace bool
	WorkDir             string
	// StrictAllowList only admits commands matching AllowPatterns.
	StrictAllowList bool

	denyRegexes  []*regexp.Regexp
	pathRegexes  []*regexp.Regexp
	allowRegexes []*regexp.Regexp
}

// NewExecTool creates a new ExecTool.
func NewExecTool(timeout time.Duration, restrictToWorkspace bool, workDir string) *ExecTool {
	return &ExecTool{
		Timeout:             timeout,
		RestrictToWorkspace: restrictToWorkspace,
		WorkDir:             workDir,
		denyRegexes:         compileAll(DenyPatterns),
		pathRegexes:         compileAll(PathPatterns),
		allowRegexes:        compileAll(AllowPatterns),
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		out = append(out, regexp.MustCompile(pattern))
	}
	return out
}

func (t *ExecTool) Name() string           { return "exec" }
func (t *ExecTool) Tier() int              { return TierHighRisk }
func (t *ExecTool) RequiresApproval() bool { return true }

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output."
}

func (t *ExecTool) Params() []Param {
	return []Param{
		{Name: "command", Type: TypeString, Description: "The shell command to execute", Required: true},
		{Name: "working_dir", Type: TypeString, Description: "Optional working directory for the command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := GetString(params, "command", "")
	workingDir := GetString(params, "working_dir", t.WorkDir)
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	if err := t.guardCommand(command, workingDir); err != nil {
		return "", err
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.WaitDelay = time.Second // children holding the pipes
	if workingDir != "" {
		cmd.Dir = expandPath(workingDir)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result strings.Builder
	if stdout.Len() > 0 {
		result.WriteString(stdout.String())
	}
	if stderr.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString("STDERR:\n")
		result.WriteString(stderr.String())
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result.String(), fmt.Errorf("command timed out after %v", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result.String(), fmt.Errorf("exit code %d", exitErr.ExitCode())
		}
		return "", fmt.Errorf("executing command: %w", err)
	}
	if result.Len() == 0 {
		return "(no output)", nil
	}
	return result.String(), nil
}

func (t *ExecTool) guardCommand(command, workingDir string) error {
	if t.StrictAllowList {
		allowed := false
		for _, re := range t.allowRegexes {
			if re.MatchString(command) {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrCommandBlocked
		}
	}

	for _, re := range t.denyRegexes {
		if re.MatchString(command) {
			return ErrCommandBlocked
		}
	}

	if t.RestrictToWorkspace && t.WorkDir != "" {
		for _, re := range t.pathRegexes {
			if re.MatchString(command) {
				return fmt.Errorf("%w: path traversal not allowed", ErrCommandBlocked)
			}
		}
		if workingDir != "" {
			root, err := filepath.Abs(expandPath(t.WorkDir))
			if err != nil || !isWithin(root, expandPath(workingDir)) {
				return fmt.Errorf("%w: working directory outside workspace", ErrCommandBlocked)
			}
		}
	}
	return nil
}
