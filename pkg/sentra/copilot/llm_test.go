package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

func TestDetectProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		baseURL  string
		expected string
	}{
		{"https://api.openai.com/v1", "openai"},
		{"https://api.anthropic.com", "anthropic"},
		{"https://api.z.ai/api/anthropic", "anthropic"},
		{"https://openrouter.ai/api/v1", "openrouter"},
		{"https://api.deepseek.com", "deepseek"},
		{"http://localhost:11434/v1", "ollama"},
		{"http://127.0.0.1:11434", "ollama"},
		{"https://custom-llm.example.com/v1", "openai"},
		{"", "openai"},
	}
	for _, tt := range tests {
		if got := detectProvider(tt.baseURL); got != tt.expected {
			t.Errorf("detectProvider(%q) = %q, want %q", tt.baseURL, got, tt.expected)
		}
	}
}

func TestNewChatClientRequiresKey(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "  ", "${SENTRA_API_KEY}"} {
		cfg := DefaultConfig()
		cfg.API.APIKey = key
		if _, err := NewChatClient(cfg, quietLogger()); !errors.Is(err, ErrNoProvider) {
			t.Errorf("key %q: err = %v", key, err)
		}
	}
}

func TestChatClientOpenAICompatible(t *testing.T) {
	t.Parallel()

	var got struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-test"
	cfg.API.BaseURL = server.URL + "/v1/"
	client, err := NewChatClient(cfg, quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.Provider() != "openai" {
		t.Errorf("provider = %q", client.Provider())
	}

	temperature := 0.2
	out, err := client.Chat(context.Background(), []protocol.Message{
		{Role: protocol.RoleSystem, Content: "sys"},
		{Role: protocol.RoleUser, Content: "ping"},
	}, ChatOptions{Model: "gpt-4.1-mini", Temperature: &temperature, MaxTokens: 64})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "pong" {
		t.Errorf("out = %q", out)
	}
	if got.Model != "gpt-4.1-mini" || got.Temperature != 0.2 || got.MaxTokens != 64 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "ping" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestChatClientAnthropic(t *testing.T) {
	t.Parallel()

	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		System    []struct {
			Text string `json:"text"`
		} `json:"system"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"m",
			"content":[{"type":"text","text":"hello "},{"type":"text","text":"there"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-ant-test"
	cfg.API.Provider = "anthropic"
	cfg.API.BaseURL = server.URL + "/"
	cfg.Model = "claude-3-5-haiku-latest"
	cfg.MaxTokens = 0
	client, err := NewChatClient(cfg, quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	out, err := client.Complete(context.Background(), []protocol.Message{
		{Role: protocol.RoleSystem, Content: "a"},
		{Role: protocol.RoleSystem, Content: "b"},
		{Role: protocol.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "hello there" {
		t.Errorf("out = %q", out)
	}
	if got.Model != "claude-3-5-haiku-latest" || got.MaxTokens != 4096 {
		t.Errorf("request = %+v", got)
	}
	if len(got.System) != 1 || got.System[0].Text != "a\n\nb" {
		t.Errorf("system = %+v", got.System)
	}
}
