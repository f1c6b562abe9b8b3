package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/KafClaw/agentcore/internal/provider"
)

// Interpretation is what a provider response asks the loop to do. Exactly
// one of NativeToolCall, TextProtocolCall, FinalAnswer or Unparseable.
type Interpretation interface {
	interpretation()
}

// NativeToolCall holds structured tool calls with provider-issued ids.
type NativeToolCall struct {
	Calls []provider.ToolCall
	Text  string
}

// TextProtocolCall is one tool call recovered from free text. The call has
// no id until the loop assigns one.
type TextProtocolCall struct {
	Call  provider.ToolCall
	Stage ParseStage
}

// FinalAnswer ends the run.
type FinalAnswer struct {
	Answer string
	Stage  ParseStage
}

// Unparseable is text-mode output none of the parse stages understood.
type Unparseable struct {
	Raw string
}

func (NativeToolCall) interpretation()   {}
func (TextProtocolCall) interpretation() {}
func (FinalAnswer) interpretation()      {}
func (Unparseable) interpretation()      {}

// ParseStage records which step of the text parse chain matched.
type ParseStage string

const (
	StageNative   ParseStage = ""
	StageStrict   ParseStage = "strict"
	StageBalanced ParseStage = "balanced"
	StageRegex    ParseStage = "regex"
)

// Interpret picks the interpreter from the mode the serving provider
// declared. Native responses are never run through the text parser.
func Interpret(resp *provider.ChatResponse) Interpretation {
	if resp == nil {
		return Unparseable{}
	}
	if len(resp.ToolCalls) > 0 {
		return NativeToolCall{Calls: resp.ToolCalls, Text: resp.Content}
	}
	if resp.Mode == provider.ModeText {
		return ParseText(resp.Content)
	}
	return FinalAnswer{Answer: resp.Content}
}

// ParseText runs the text protocol chain: strict JSON of the whole reply,
// then the first balanced {...} block that has a known shape, then regex
// extraction of a "tool" or "answer" key.
func ParseText(text string) Interpretation {
	trimmed := stripFence(strings.TrimSpace(text))

	if gjson.Valid(trimmed) {
		if in, ok := fromJSON(trimmed, StageStrict); ok {
			return in
		}
	}
	for _, block := range balancedBlocks(text) {
		if !gjson.Valid(block) {
			continue
		}
		if in, ok := fromJSON(block, StageBalanced); ok {
			return in
		}
	}
	if in, ok := fromRegex(text); ok {
		return in
	}
	return Unparseable{Raw: text}
}

// fromJSON maps a JSON object onto one of the accepted reply shapes.
func fromJSON(raw string, stage ParseStage) (Interpretation, bool) {
	r := gjson.Parse(raw)
	if !r.IsObject() {
		return nil, false
	}
	typ := strings.ToLower(r.Get("type").String())

	if typ == "final_answer" || (typ == "" && r.Get("answer").Exists()) {
		return FinalAnswer{Answer: r.Get("answer").String(), Stage: stage}, true
	}

	name := r.Get("tool").String()
	if name == "" && typ == "tool_call" {
		name = r.Get("name").String()
	}
	if name == "" || (typ != "" && typ != "tool_call") {
		return nil, false
	}
	return TextProtocolCall{
		Call:  provider.ToolCall{Name: name, Arguments: paramsOf(r)},
		Stage: stage,
	}, true
}

var paramKeys = []string{"params", "arguments", "args", "input"}

// paramsOf returns the first parameter object under any accepted key. A
// string holding JSON is decoded; anything else yields empty params.
func paramsOf(r gjson.Result) map[string]any {
	out := map[string]any{}
	for _, k := range paramKeys {
		v := r.Get(k)
		if !v.Exists() {
			continue
		}
		raw := v.Raw
		if v.Type == gjson.String {
			raw = v.String()
		}
		if p := gjson.Parse(raw); p.IsObject() {
			_ = json.Unmarshal([]byte(raw), &out)
		}
		return out
	}
	return out
}

var (
	toolKeyRe   = regexp.MustCompile(`"tool"\s*:\s*"([^"\\]+)"`)
	answerKeyRe = regexp.MustCompile(`"answer"\s*:\s*("(?:[^"\\]|\\.)*")`)
	paramsKeyRe = regexp.MustCompile(`"(?:params|arguments|args|input)"\s*:\s*`)
)

// fromRegex is the last resort for malformed JSON: pull the tool name (and
// a params object if one follows a params key) or the answer string.
func fromRegex(text string) (Interpretation, bool) {
	if m := toolKeyRe.FindStringSubmatch(text); m != nil {
		args := map[string]any{}
		if loc := paramsKeyRe.FindStringIndex(text); loc != nil {
			if blocks := balancedBlocks(text[loc[1]:]); len(blocks) > 0 && strings.HasPrefix(strings.TrimSpace(text[loc[1]:]), "{") {
				_ = json.Unmarshal([]byte(blocks[0]), &args)
			}
		}
		return TextProtocolCall{Call: provider.ToolCall{Name: m[1], Arguments: args}, Stage: StageRegex}, true
	}
	if m := answerKeyRe.FindStringSubmatch(text); m != nil {
		answer, err := strconv.Unquote(m[1])
		if err != nil {
			answer = strings.Trim(m[1], `"`)
		}
		return FinalAnswer{Answer: answer, Stage: StageRegex}, true
	}
	return nil, false
}

// balancedBlocks returns every top-level {...} span in order. Braces
// inside JSON strings and escaped quotes are skipped.
func balancedBlocks(text string) []string {
	var out []string
	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
		body = body[nl+1:]
	}
	return strings.TrimSpace(body)
}
