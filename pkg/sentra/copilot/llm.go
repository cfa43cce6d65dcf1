// Package copilot – llm.go implements the chat model client over the
// OpenAI-compatible and Anthropic SDKs. The provider is taken from config
// or auto-detected from the base URL.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"
)

// ErrNoProvider is returned when no API key is configured.
var ErrNoProvider = errors.New("no LLM provider configured")

// ChatOptions are per-call overrides. Zero values use the client defaults.
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// ChatModel produces one completion for a conversation.
type ChatModel interface {
	Chat(ctx context.Context, messages []protocol.Message, opts ChatOptions) (string, error)
}

// ChatClient is the ChatModel backed by the provider SDKs.
type ChatClient struct {
	provider    string
	model       string
	temperature float64
	maxTokens   int

	openai    openai.Client
	anthropic anthropic.Client
	logger    *slog.Logger
}

// NewChatClient creates a client from cfg. Returns ErrNoProvider when no API
// key is available.
func NewChatClient(cfg *Config, logger *slog.Logger) (*ChatClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := strings.TrimSpace(cfg.API.APIKey)
	if apiKey == "" || IsEnvReference(apiKey) {
		return nil, ErrNoProvider
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.API.Provider))
	if provider == "" {
		provider = detectProvider(cfg.API.BaseURL)
	}
	baseURL := strings.TrimSpace(cfg.API.BaseURL)

	c := &ChatClient{
		provider:    provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.With("component", "llm", "provider", provider),
	}

	switch provider {
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, aoption.WithBaseURL(baseURL))
		}
		c.anthropic = anthropic.NewClient(opts...)
	default:
		opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, ooption.WithBaseURL(baseURL))
		}
		c.openai = openai.NewClient(opts...)
	}
	return c, nil
}

// detectProvider guesses the SDK from the base URL. Anything that is not an
// Anthropic endpoint is treated as OpenAI-compatible.
func detectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "anthropic.com"), strings.Contains(baseURL, "/anthropic"):
		return "anthropic"
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "deepseek.com"):
		return "deepseek"
	case strings.Contains(baseURL, ":11434"), strings.Contains(baseURL, "ollama"):
		return "ollama"
	default:
		return "openai"
	}
}

// Provider returns the resolved provider name.
func (c *ChatClient) Provider() string { return c.provider }

// Complete runs a chat call with the client defaults. It matches
// engine.CompleteFunc.
func (c *ChatClient) Complete(ctx context.Context, messages []protocol.Message) (string, error) {
	return c.Chat(ctx, messages, ChatOptions{})
}

// Chat implements ChatModel.
func (c *ChatClient) Chat(ctx context.Context, messages []protocol.Message, opts ChatOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	temperature := c.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	c.logger.Debug("chat request", "model", model, "messages", len(messages))
	if c.provider == "anthropic" {
		return c.chatAnthropic(ctx, model, temperature, maxTokens, messages)
	}
	return c.chatOpenAI(ctx, model, temperature, maxTokens, messages)
}

func (c *ChatClient) chatOpenAI(ctx context.Context, model string, temperature float64, maxTokens int, messages []protocol.Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case protocol.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       oshared.ChatModel(model),
		Messages:    msgs,
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.openai.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *ChatClient) chatAnthropic(ctx context.Context, model string, temperature float64, maxTokens int, messages []protocol.Message) (string, error) {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			system = append(system, m.Content)
		case protocol.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(temperature),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	resp, err := c.anthropic.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic message: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	return b.String(), nil
}
