package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/KafClaw/agentcore/internal/provider"
)

// Schema builds the JSON schema for a tool's parameters.
func Schema(t Tool) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: orderedmap.New[string, *jsonschema.Schema](),
	}
	var required []string
	for _, p := range t.Params() {
		prop := &jsonschema.Schema{
			Type:        string(p.Type),
			Description: p.Description,
		}
		if p.Type == TypeArray {
			items := p.Items
			if items == "" {
				items = TypeString
			}
			prop.Items = &jsonschema.Schema{Type: string(items)}
		}
		for _, e := range p.Enum {
			prop.Enum = append(prop.Enum, e)
		}
		schema.Properties.Set(p.Name, prop)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if len(required) > 0 {
		schema.Required = required
	}
	return schema
}

// schemaMap renders the schema as plain JSON values (map[string]any,
// []any) so every provider converter can walk it.
func schemaMap(t Tool) map[string]any {
	data, err := json.Marshal(Schema(t))
	if err != nil {
		slog.Warn("Tool schema marshal failed", "tool", t.Name(), "error", err)
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// Definitions returns native tool definitions in OpenAI function format.
func Definitions(list []Tool) []provider.ToolDefinition {
	result := make([]provider.ToolDefinition, 0, len(list))
	for _, tool := range list {
		result = append(result, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap(tool),
			},
		})
	}
	return result
}

// Catalog renders tools as text for providers without native tool calling,
// including the JSON reply protocol the interpreter understands.
func Catalog(list []Tool) string {
	var sb strings.Builder
	sb.WriteString("## Tools\n\n")
	if len(list) == 0 {
		sb.WriteString("No tools are available. Answer directly.\n\n")
	} else {
		sb.WriteString("You can call these tools:\n\n")
		for _, t := range list {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), t.Description())
			for _, p := range t.Params() {
				req := "optional"
				if p.Required {
					req = "required"
				}
				fmt.Fprintf(&sb, "    - %s (%s, %s)", p.Name, p.Type, req)
				if p.Description != "" {
					sb.WriteString(": " + p.Description)
				}
				if len(p.Enum) > 0 {
					fmt.Fprintf(&sb, " [one of: %s]", strings.Join(p.Enum, ", "))
				}
				sb.WriteString("\n")
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Reply with exactly one JSON object and nothing else.\n")
	sb.WriteString(`To call a tool: {"type":"tool_call","tool":"<name>","params":{...}}` + "\n")
	sb.WriteString(`To finish: {"type":"final_answer","answer":"<your answer>"}` + "\n")
	return sb.String()
}

// ToProviderSchema picks the representation for a provider mode: native
// definitions, or a catalog for the system prompt in text mode.
func ToProviderSchema(mode provider.Mode, list []Tool) ([]provider.ToolDefinition, string) {
	if mode == provider.ModeText {
		return nil, Catalog(list)
	}
	return Definitions(list), ""
}
