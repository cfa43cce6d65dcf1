// Package copilot – config.go defines all configuration structures
// for the Sentra conversational runtime.
package copilot

import (
	"strings"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/channels/websocket"
	"github.com/jholhewres/sentra/pkg/sentra/engine"
	"github.com/jholhewres/sentra/pkg/sentra/history"
)

// Config holds all runtime configuration.
type Config struct {
	// Name is the assistant name shown in logs and the status API.
	Name string `yaml:"name"`

	// Model is the main chat model (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Instructions is the base system prompt.
	Instructions string `yaml:"instructions"`

	// PresetFile is an agent preset appended last to the system prompt and
	// passed to the engine as the global overlay. Read on every turn so
	// edits apply without a restart.
	PresetFile string `yaml:"preset_file"`

	// Temperature and MaxTokens are the main model call options.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// WebSocket configures the bridge transport.
	WebSocket websocket.Config `yaml:"websocket"`

	// History configures conversation history and its SQLite file.
	History history.Config `yaml:"history"`

	// Engine configures the reasoning engine and its MCP servers.
	Engine engine.Config `yaml:"engine"`

	// Bundle configures per-sender message bundling.
	Bundle BundleConfig `yaml:"bundle"`

	// Response configures format checking, retries and repair of replies.
	Response ResponseConfig `yaml:"response"`

	// Intervention configures the secondary reply validator.
	Intervention InterventionConfig `yaml:"intervention"`

	// Reply configures the desire/probability reply policy.
	Reply ReplyConfig `yaml:"reply"`

	// Gateway configures the HTTP status API.
	Gateway GatewayConfig `yaml:"gateway"`

	// Scheduler configures maintenance jobs.
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// APIConfig configures the LLM provider.
type APIConfig struct {
	// BaseURL is the API base URL (OpenAI-compatible endpoint, or an
	// Anthropic endpoint when Provider is "anthropic").
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key. Can also come from the keyring or
	// the SENTRA_API_KEY / API_KEY environment variables.
	APIKey string `yaml:"api_key"`

	// Provider selects the SDK ("openai", "anthropic"). Auto-detected from
	// base_url if omitted.
	Provider string `yaml:"provider"`
}

// BundleConfig configures message bundling.
type BundleConfig struct {
	// Window is how long to wait for a follow-up message (default: 5s).
	Window time.Duration `yaml:"window"`

	// MaxWait is the hard cap on one bundle (default: 15s).
	MaxWait time.Duration `yaml:"max_wait"`
}

// Effective returns a copy with default values filled in for zero fields.
func (c BundleConfig) Effective() BundleConfig {
	out := c
	if out.Window <= 0 {
		out.Window = 5 * time.Second
	}
	if out.MaxWait <= 0 {
		out.MaxWait = 15 * time.Second
	}
	if out.MaxWait < out.Window {
		out.MaxWait = out.Window
	}
	return out
}

// ResponseConfig configures the reply retry loop.
type ResponseConfig struct {
	// MaxRetries is the number of retries after the first attempt (default: 2).
	MaxRetries int `yaml:"max_retries"`

	// MaxTokens bounds the estimated tokens of all text segments (default: 260).
	MaxTokens int `yaml:"max_tokens"`

	// TokenCountModel selects the tokenizer encoding (default: "gpt-4o-mini").
	TokenCountModel string `yaml:"token_count_model"`

	// StrictFormat rejects replies without <sentra-response> or with
	// read-only tags (default: true).
	StrictFormat bool `yaml:"strict_format"`

	// Repair enables the format repair pass after the last retry (default: true).
	Repair bool `yaml:"repair"`

	// RepairModel is the model used for repairs (default: the main model).
	RepairModel string `yaml:"repair_model"`

	// FormatRetryDelay and OverflowRetryDelay are the waits before a retry
	// (defaults: 1s and 500ms).
	FormatRetryDelay   time.Duration `yaml:"format_retry_delay"`
	OverflowRetryDelay time.Duration `yaml:"overflow_retry_delay"`
}

// Effective returns a copy with default values filled in for zero fields.
func (c ResponseConfig) Effective() ResponseConfig {
	out := c
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 260
	}
	if out.TokenCountModel == "" {
		out.TokenCountModel = "gpt-4o-mini"
	}
	if out.FormatRetryDelay <= 0 {
		out.FormatRetryDelay = time.Second
	}
	if out.OverflowRetryDelay <= 0 {
		out.OverflowRetryDelay = 500 * time.Millisecond
	}
	return out
}

// InterventionConfig configures the reply intervention validator.
type InterventionConfig struct {
	// Enabled turns the validator on (default: false).
	Enabled bool `yaml:"enabled"`

	// Model is the lightweight validation model (default: "gpt-4o-mini").
	Model string `yaml:"model"`

	// Timeout bounds one validation (default: 2s).
	Timeout time.Duration `yaml:"timeout"`

	// OnlyNearThreshold skips the model when the probability is far from
	// the threshold (default: false).
	OnlyNearThreshold bool `yaml:"only_near_threshold"`

	// DesireReduction is the probability fraction removed after a confident
	// "no" (default: 0.10).
	DesireReduction float64 `yaml:"desire_reduction"`
}

// Effective returns a copy with default values filled in for zero fields.
func (c InterventionConfig) Effective() InterventionConfig {
	out := c
	if strings.TrimSpace(out.Model) == "" {
		out.Model = "gpt-4o-mini"
	}
	if out.Timeout <= 0 {
		out.Timeout = 2 * time.Second
	}
	if out.DesireReduction <= 0 || out.DesireReduction >= 1 {
		out.DesireReduction = 0.10
	}
	return out
}

// ReplyConfig configures the desire/probability reply policy.
type ReplyConfig struct {
	// Threshold is the probability a group message needs (default: 0.65).
	Threshold float64 `yaml:"threshold"`

	// BaseProbability is the starting score of a group message (default: 0.35).
	BaseProbability float64 `yaml:"base_probability"`

	// IgnoredStep is added per consecutive ignored message (default: 0.08),
	// capped at IgnoredCap (default: 0.4).
	IgnoredStep float64 `yaml:"ignored_step"`
	IgnoredCap  float64 `yaml:"ignored_cap"`

	// QuietBonus is added when the bot has not replied for QuietPeriod
	// (defaults: 0.15 and 10m).
	QuietBonus  float64       `yaml:"quiet_bonus"`
	QuietPeriod time.Duration `yaml:"quiet_period"`

	// FastPace is the average interval under which a chat counts as fast;
	// fast chats lose FastPacePenalty (defaults: 20s and 0.1).
	FastPace        time.Duration `yaml:"fast_pace"`
	FastPacePenalty float64       `yaml:"fast_pace_penalty"`
}

// Effective returns a copy with default values filled in for zero fields.
func (c ReplyConfig) Effective() ReplyConfig {
	out := c
	if out.Threshold <= 0 {
		out.Threshold = 0.65
	}
	if out.BaseProbability <= 0 {
		out.BaseProbability = 0.35
	}
	if out.IgnoredStep <= 0 {
		out.IgnoredStep = 0.08
	}
	if out.IgnoredCap <= 0 {
		out.IgnoredCap = 0.4
	}
	if out.QuietBonus <= 0 {
		out.QuietBonus = 0.15
	}
	if out.QuietPeriod <= 0 {
		out.QuietPeriod = 10 * time.Minute
	}
	if out.FastPace <= 0 {
		out.FastPace = 20 * time.Second
	}
	if out.FastPacePenalty <= 0 {
		out.FastPacePenalty = 0.1
	}
	return out
}

// GatewayConfig configures the HTTP status API.
type GatewayConfig struct {
	// Enabled turns the gateway on/off (default: false).
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":8086").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token for /api/* (empty = no auth).
	AuthToken string `yaml:"auth_token"`
}

// SchedulerConfig configures maintenance jobs.
type SchedulerConfig struct {
	// Enabled turns the scheduler on/off (default: true).
	Enabled bool `yaml:"enabled"`

	// CacheSweep is the cron schedule of the message cache sweep (default: "@every 10m").
	CacheSweep string `yaml:"cache_sweep"`

	// HistoryPrune is the cron schedule of the history prune (default: "@hourly").
	HistoryPrune string `yaml:"history_prune"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:         "Sentra",
		Model:        "gpt-4o-mini",
		Instructions: "You are a helpful member of this chat.",
		Temperature:  0.7,
		MaxTokens:    4096,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		WebSocket: websocket.Config{
			URL: "ws://localhost:6702",
		}.Effective(),
		History: history.Config{
			Path: "./data/sentra.db",
		}.Effective(),
		Engine: engine.Config{}.Effective(),
		Bundle: BundleConfig{}.Effective(),
		Response: ResponseConfig{
			MaxRetries:   2,
			StrictFormat: true,
			Repair:       true,
		}.Effective(),
		Intervention: InterventionConfig{
			Model: "gpt-4o-mini",
		}.Effective(),
		Reply: ReplyConfig{}.Effective(),
		Gateway: GatewayConfig{
			Address: ":8086",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			CacheSweep:   "@every 10m",
			HistoryPrune: "@hourly",
		},
	}
}
