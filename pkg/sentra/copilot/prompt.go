// Package copilot – prompt.go assembles the prompt material of a turn:
// the system prompt, the engine objective and the current user content.
package copilot

import (
	"log/slog"
	"os"
	"strings"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

// PersonaProvider tracks per-sender traits and renders them for the prompt.
type PersonaProvider interface {
	RecordMessage(msg *channels.IncomingMessage)
	Persona(senderID string) string
}

// EmotionAnalyzer scores incoming messages and exposes the sender's current
// emotional context for <sentra-emo>.
type EmotionAnalyzer interface {
	Analyze(msg *channels.IncomingMessage)
	Context(senderID string) map[string]any
}

type noopPersona struct{}

func (noopPersona) RecordMessage(*channels.IncomingMessage) {}
func (noopPersona) Persona(string) string                   { return "" }

type noopEmotion struct{}

func (noopEmotion) Analyze(*channels.IncomingMessage) {}
func (noopEmotion) Context(string) map[string]any     { return nil }

// PromptConfig is the part of Config that shapes the main model call.
type PromptConfig struct {
	Instructions string
	PresetFile   string
	Model        string
	Temperature  float64
	MaxTokens    int
}

func promptConfigFrom(cfg *Config) PromptConfig {
	return PromptConfig{
		Instructions: cfg.Instructions,
		PresetFile:   cfg.PresetFile,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}
}

// loadPreset reads the preset file. Missing or unreadable files yield "".
func loadPreset(path string, logger *slog.Logger) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read preset file", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// joinBlocks joins the non-empty parts with blank lines.
func joinBlocks(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// buildObjective renders the sender's messages as "[time] text" paragraphs.
func buildObjective(msgs []*channels.IncomingMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content()
		if content == "" {
			continue
		}
		if m.TimeStr != "" {
			content = "[" + m.TimeStr + "] " + content
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n\n")
}

// buildUserContent is the pending context followed by the user question.
func buildUserContent(pendingCtx string, latest *channels.IncomingMessage) string {
	return joinBlocks(pendingCtx, protocol.BuildUserQuestionBlock(latest.Fields()))
}
