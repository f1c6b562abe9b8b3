package agent

import (
	"testing"

	"github.com/KafClaw/agentcore/internal/provider"
)

func TestInterpretNative(t *testing.T) {
	resp := &provider.ChatResponse{
		Content:   `{"type":"tool_call","tool":"ignored"}`,
		ToolCalls: []provider.ToolCall{{ID: "1", Name: "status"}},
		Mode:      provider.ModeNative,
	}
	in, ok := Interpret(resp).(NativeToolCall)
	if !ok || len(in.Calls) != 1 || in.Calls[0].Name != "status" {
		t.Fatalf("expected native call, got %#v", Interpret(resp))
	}

	// Native text that looks like JSON is still an answer.
	resp = &provider.ChatResponse{Content: `{"tool":"status"}`, Mode: provider.ModeNative}
	if fa, ok := Interpret(resp).(FinalAnswer); !ok || fa.Answer != `{"tool":"status"}` {
		t.Fatalf("expected verbatim final answer, got %#v", Interpret(resp))
	}
}

func TestParseText(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		tool   string
		params map[string]any
		answer string
		stage  ParseStage
		raw    bool
	}{
		{
			name:   "strict tool call",
			text:   `{"type":"tool_call","tool":"read_file","params":{"path":"a.txt"}}`,
			tool:   "read_file",
			params: map[string]any{"path": "a.txt"},
			stage:  StageStrict,
		},
		{
			name:   "strict final answer",
			text:   `{"type":"final_answer","answer":"42"}`,
			answer: "42",
			stage:  StageStrict,
		},
		{
			name:   "answer key without type",
			text:   `{"answer":"yes"}`,
			answer: "yes",
			stage:  StageStrict,
		},
		{
			name:  "fenced json",
			text:  "```json\n{\"tool\":\"status\",\"params\":{}}\n```",
			tool:  "status",
			stage: StageStrict,
		},
		{
			name:  "embedded in prose",
			text:  `Sure! {"type":"tool_call","tool":"status","params":{}} thanks`,
			tool:  "status",
			stage: StageBalanced,
		},
		{
			name:   "first block without known shape is skipped",
			text:   `Data {"x":1} then {"type":"tool_call","name":"list_dir","arguments":{"path":"."}}`,
			tool:   "list_dir",
			params: map[string]any{"path": "."},
			stage:  StageBalanced,
		},
		{
			name:   "braces inside strings",
			text:   `ok {"tool":"write_file","params":{"content":"func() { return }"}}`,
			tool:   "write_file",
			params: map[string]any{"content": "func() { return }"},
			stage:  StageBalanced,
		},
		{
			name:   "string encoded params",
			text:   `{"tool":"echo","args":"{\"text\":\"hi\"}"}`,
			tool:   "echo",
			params: map[string]any{"text": "hi"},
			stage:  StageStrict,
		},
		{
			name:   "regex tool with params",
			text:   `calling {"tool": "read_file", "params": {"path": "x"}, oops`,
			tool:   "read_file",
			params: map[string]any{"path": "x"},
			stage:  StageRegex,
		},
		{
			name:   "regex answer with escapes",
			text:   `{"answer": "line \"one\"\nline two", broken`,
			answer: "line \"one\"\nline two",
			stage:  StageRegex,
		},
		{
			name: "plain prose",
			text: "The weather is nice today.",
			raw:  true,
		},
		{
			// The regex stage still finds the tool key.
			name:  "unknown type",
			text:  `{"type":"something_else","tool":"x"}`,
			tool:  "x",
			stage: StageRegex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseText(tt.text)
			switch {
			case tt.raw:
				u, ok := got.(Unparseable)
				if !ok || u.Raw != tt.text {
					t.Fatalf("expected unparseable, got %#v", got)
				}
			case tt.tool != "":
				call, ok := got.(TextProtocolCall)
				if !ok {
					t.Fatalf("expected tool call, got %#v", got)
				}
				if call.Call.Name != tt.tool || call.Stage != tt.stage {
					t.Fatalf("got %s at %q, want %s at %q", call.Call.Name, call.Stage, tt.tool, tt.stage)
				}
				if call.Call.Arguments == nil {
					t.Fatal("arguments must never be nil")
				}
				for k, v := range tt.params {
					if call.Call.Arguments[k] != v {
						t.Fatalf("param %s = %v, want %v", k, call.Call.Arguments[k], v)
					}
				}
			default:
				fa, ok := got.(FinalAnswer)
				if !ok || fa.Answer != tt.answer || fa.Stage != tt.stage {
					t.Fatalf("expected answer %q at %q, got %#v", tt.answer, tt.stage, got)
				}
			}
		})
	}
}

func TestInterpretTextMode(t *testing.T) {
	resp := &provider.ChatResponse{Content: `{"type":"final_answer","answer":"done"}`, Mode: provider.ModeText}
	if fa, ok := Interpret(resp).(FinalAnswer); !ok || fa.Answer != "done" {
		t.Fatalf("unexpected interpretation %#v", Interpret(resp))
	}
}

func TestBalancedBlocks(t *testing.T) {
	blocks := balancedBlocks(`a {"x":"}"} b {"y":{"z":1}} c {unclosed`)
	if len(blocks) != 2 || blocks[0] != `{"x":"}"}` || blocks[1] != `{"y":{"z":1}}` {
		t.Fatalf("unexpected blocks %q", blocks)
	}
}
