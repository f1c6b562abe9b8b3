package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompatProvider_ParseSimpleResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		resp := compatResponse{
			Model: "test-model",
			Choices: []compatChoice{
				{
					Message:      compatMessage{Role: "assistant", Content: "Hello, world!"},
					FinishReason: "stop",
				},
			},
			Usage: compatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewCompatProvider("test-key", server.URL, TierModels{TierBalanced: "test-model"})
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:    []Message{{Role: "user", Content: "Hello"}},
		Model:       "test-model",
		MaxTokens:   100,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got '%s'", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish_reason 'stop', got '%s'", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens 15, got %d", resp.Usage.TotalTokens)
	}
}

func TestCompatProvider_ParseToolCallResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["tool_choice"] != "auto" {
			t.Errorf("expected tool_choice auto, got %v", body["tool_choice"])
		}
		tc := compatToolCall{ID: "call_123", Type: "function"}
		tc.Function.Name = "read_file"
		tc.Function.Arguments = `{"path": "/tmp/test.txt"}`
		json.NewEncoder(w).Encode(compatResponse{
			Choices: []compatChoice{{
				Message:      compatMessage{Role: "assistant", ToolCalls: []compatToolCall{tc}},
				FinishReason: "tool_calls",
			}},
		})
	}))
	defer server.Close()

	p := NewCompatProvider("test-key", server.URL, nil)
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "Read the file"}},
		Tools: []ToolDefinition{{
			Type: "function",
			Function: FunctionDef{
				Name:        "read_file",
				Description: "Read a file",
				Parameters:  map[string]any{"type": "object"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_123" || tc.Name != "read_file" {
		t.Errorf("unexpected tool call %+v", tc)
	}
	if tc.Arguments["path"] != "/tmp/test.txt" {
		t.Errorf("expected path '/tmp/test.txt', got '%v'", tc.Arguments["path"])
	}
}

func TestCompatProvider_APIErrorIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "Invalid API key"}`))
	}))
	defer server.Close()

	p := NewCompatProvider("bad-key", server.URL, nil)
	_, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("expected error for unauthorized request")
	}
	if TypeOf(err) != ErrorTypeAuth {
		t.Errorf("expected auth error, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("auth errors must not be retryable")
	}
}

func TestCompatProvider_StreamAccumulatesDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"status","arguments":"{\"ver"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"bose\":true}"}}]},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewCompatProvider("k", server.URL, nil)
	var chunks []string
	resp, err := p.ChatStream(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}
	if resp.Content != "Hello" || len(chunks) != 2 {
		t.Errorf("unexpected content %q chunks %v", resp.Content, chunks)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["verbose"] != true {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_calls" || resp.Usage.TotalTokens != 7 {
		t.Errorf("unexpected finish/usage: %s %+v", resp.FinishReason, resp.Usage)
	}
}

func TestConvertCompatMessages_ToolResultsBecomeToolMessages(t *testing.T) {
	msgs := convertCompatMessages([]Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "status", Arguments: map[string]any{}}}},
		{Role: RoleUser, ToolResults: []ToolResult{{CallID: "c1", Name: "status", Success: true, Output: "fine"}}},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1]["role"] != "tool" || msgs[1]["tool_call_id"] != "c1" || msgs[1]["content"] != "fine" {
		t.Errorf("unexpected tool message %+v", msgs[1])
	}
}

func TestCompatProvider_IsAvailable(t *testing.T) {
	if NewCompatProvider("", "https://openrouter.ai/api/v1", nil).IsAvailable(context.Background()) {
		t.Error("remote endpoint without key must be unavailable")
	}
	if !NewCompatProvider("", "http://localhost:8000/v1", nil).IsAvailable(context.Background()) {
		t.Error("local endpoint without key should be available")
	}
}
