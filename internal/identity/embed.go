// Package identity holds the workspace files that shape the agent's system
// prompt and scaffolds them into a new workspace.
package identity

import "embed"

//go:embed templates/*.md
var templateFS embed.FS

// TemplateNames lists the workspace prompt files in the order they are
// added to the system prompt.
var TemplateNames = []string{
	"AGENTS.md",
	"SOUL.md",
	"USER.md",
}

// Template returns the embedded default for name.
func Template(name string) ([]byte, error) {
	return templateFS.ReadFile("templates/" + name)
}
