package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// CompatProvider implements LLMProvider against any OpenAI-compatible
// chat completions endpoint (OpenRouter, Groq, DeepSeek, vLLM, xAI).
type CompatProvider struct {
	base
	apiKey     string
	apiBase    string
	httpClient *http.Client
}

// NewCompatProvider creates a new OpenAI-compatible provider.
func NewCompatProvider(apiKey, apiBase string, models TierModels) *CompatProvider {
	if apiBase == "" {
		apiBase = "https://openrouter.ai/api/v1"
	}
	return &CompatProvider{
		base:    base{id: IDCompat, models: models},
		apiKey:  apiKey,
		apiBase: strings.TrimSuffix(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
}

func (p *CompatProvider) Capabilities() Capabilities {
	return Capabilities{NativeToolCalling: true, Vision: true, Streaming: true}
}

// IsAvailable reports whether an endpoint is configured. Local endpoints
// (vLLM) may run without a key.
func (p *CompatProvider) IsAvailable(context.Context) bool {
	if p.apiKey != "" {
		return true
	}
	return strings.Contains(p.apiBase, "localhost") || strings.Contains(p.apiBase, "127.0.0.1")
}

// Chat sends a completion request to the OpenAI-compatible API.
func (p *CompatProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	httpResp, err := p.post(ctx, p.requestBody(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Type: ErrorTypeTransient, Provider: p.id, Err: fmt.Errorf("read response: %w", err)}
	}

	var apiResp compatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &Error{Type: ErrorTypeTransient, Provider: p.id, Err: fmt.Errorf("parse response: %w", err)}
	}
	return p.parseResponse(&apiResp)
}

// ChatStream reads the server-sent event stream and forwards content deltas.
func (p *CompatProvider) ChatStream(ctx context.Context, req *ChatRequest, onChunk func(string) error) (*ChatResponse, error) {
	httpResp, err := p.post(ctx, p.requestBody(req, true))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	result := &ChatResponse{Model: req.Model}
	var content strings.Builder
	calls := map[int]*compatToolCall{}

	sc := bufio.NewScanner(httpResp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk compatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				result.FinishReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if err := onChunk(choice.Delta.Content); err != nil {
					return nil, err
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := calls[tc.Index]
				if !ok {
					acc = &compatToolCall{}
					calls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &Error{Type: ErrorTypeTransient, Provider: p.id, Err: fmt.Errorf("read stream: %w", err)}
	}

	result.Content = content.String()
	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		result.ToolCalls = append(result.ToolCalls, calls[i].toToolCall())
	}
	return result, nil
}

func (p *CompatProvider) requestBody(req *ChatRequest, stream bool) map[string]any {
	body := map[string]any{
		"model":       req.Model,
		"messages":    convertCompatMessages(req.Messages),
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body
}

func (p *CompatProvider) post(ctx context.Context, body map[string]any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Type: ErrorTypeBadRequest, Provider: p.id, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &Error{Type: ErrorTypeBadRequest, Provider: p.id, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyError(p.id, fmt.Errorf("execute request: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, ClassifyStatus(p.id, resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// convertCompatMessages converts the transcript to OpenAI API format. Tool
// results carried on a user turn become individual "tool" role messages.
func convertCompatMessages(messages []Message) []map[string]any {
	result := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		for _, tr := range msg.ToolResults {
			result = append(result, map[string]any{
				"role":         "tool",
				"tool_call_id": tr.CallID,
				"content":      tr.Text(),
			})
		}
		if msg.Content == "" && len(msg.ToolCalls) == 0 && len(msg.ToolResults) > 0 {
			continue
		}

		m := map[string]any{"role": msg.Role}
		if len(msg.Images) > 0 {
			parts := []map[string]any{{"type": "text", "text": msg.Content}}
			for _, img := range msg.Images {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": img},
				})
			}
			m["content"] = parts
		} else {
			m["content"] = msg.Content
		}
		if len(msg.ToolCalls) > 0 {
			toolCalls := make([]map[string]any, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				toolCalls[j] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				}
			}
			m["tool_calls"] = toolCalls
		}
		result = append(result, m)
	}
	return result
}

// parseResponse converts the API response to our ChatResponse type.
func (p *CompatProvider) parseResponse(resp *compatResponse) (*ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, NewError(p.id, ErrorTypeEmptyResponse, "no choices in response")
	}

	choice := resp.Choices[0]
	result := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Model:        resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, tc.toToolCall())
	}
	return result, nil
}

type compatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type compatResponse struct {
	Model   string         `json:"model"`
	Choices []compatChoice `json:"choices"`
	Usage   compatUsage    `json:"usage"`
}

type compatChoice struct {
	Message      compatMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type compatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []compatToolCall `json:"tool_calls,omitempty"`
}

type compatToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (tc *compatToolCall) toToolCall() ToolCall {
	var args map[string]any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{"raw": tc.Function.Arguments}
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
}

type compatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []compatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *compatUsage `json:"usage"`
}
