package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"

	"github.com/KafClaw/agentcore/internal/agent"
)

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

var (
	glamOnce sync.Once
	glam     *glamour.TermRenderer
)

// renderMarkdown renders md for the terminal, falling back to the raw text.
func renderMarkdown(md string) string {
	glamOnce.Do(func() {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err == nil {
			glam = r
		}
	})
	if glam == nil {
		return md
	}
	out, err := glam.Render(md)
	if err != nil {
		return md
	}
	return out
}

// consoleSink prints run events as they arrive. Chunks are written inline;
// the final answer is left to the caller so it can be rendered once.
type consoleSink struct {
	w         io.Writer
	mu        sync.Mutex
	streaming bool
}

func (c *consoleSink) Emit(_ context.Context, ev agent.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch d := ev.Data.(type) {
	case agent.ThinkingData:
		c.endStream()
		fmt.Fprintf(c.w, "%s turn %d (%s)\n", color.HiBlackString("thinking"), ev.Turn, d.Tier)
	case agent.ChunkData:
		c.streaming = true
		fmt.Fprint(c.w, d.Text)
	case agent.ToolCallData:
		c.endStream()
		args, _ := json.Marshal(d.Params)
		fmt.Fprintf(c.w, "%s%s\n", color.YellowString(d.ToolName), args)
	case agent.ObservationData:
		status := color.GreenString("ok")
		text := d.Output
		if !d.Success {
			status = color.RedString("failed")
			text = d.Error
		}
		fmt.Fprintf(c.w, "%s %s %s\n", color.YellowString("observation"), status, truncateLine(text, 200))
	case agent.ErrorData:
		c.endStream()
		fmt.Fprintf(c.w, "%s %s: %s\n", color.RedString("error"), d.Kind, d.Message)
	case agent.DoneData:
		c.endStream()
		fmt.Fprintf(c.w, "%s %s after %d turns, %d tokens\n", color.MagentaString("done"), d.Status, d.Turns, d.Usage.TotalTokens)
	}
	return nil
}

func (c *consoleSink) endStream() {
	if c.streaming {
		fmt.Fprintln(c.w)
		c.streaming = false
	}
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
