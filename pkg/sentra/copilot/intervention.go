// Package copilot – intervention.go asks a lightweight model for a second
// opinion on whether a group message deserves a reply. Every failure mode
// (timeout, error, empty or unparseable output) is reported as aborted.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

// nearThresholdDistance is how far from the threshold a probability may be
// before only-near-threshold mode skips the model.
const nearThresholdDistance = 0.15

const maxInterventionText = 200

// InterventionResult is the validator verdict.
type InterventionResult struct {
	Need       bool
	Reason     string
	Confidence float64
	Aborted    bool
}

// InterventionValidator runs the secondary reply check.
type InterventionValidator struct {
	model    ChatModel
	repairer *Repairer
	logger   *slog.Logger

	mu  sync.RWMutex
	cfg InterventionConfig
}

// NewInterventionValidator creates a validator. With a nil model every
// validation is aborted.
func NewInterventionValidator(model ChatModel, repairer *Repairer, cfg InterventionConfig, logger *slog.Logger) *InterventionValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterventionValidator{
		model:    model,
		repairer: repairer,
		cfg:      cfg.Effective(),
		logger:   logger.With("component", "intervention"),
	}
}

// SetConfig replaces the validator configuration.
func (v *InterventionValidator) SetConfig(cfg InterventionConfig) {
	v.mu.Lock()
	v.cfg = cfg.Effective()
	v.mu.Unlock()
}

// Config returns the current configuration.
func (v *InterventionValidator) Config() InterventionConfig {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// Validate returns the verdict for msg given the primary decision. The whole
// check, including a decision repair, is bounded by the configured timeout.
func (v *InterventionValidator) Validate(ctx context.Context, msg *channels.IncomingMessage, dec ReplyDecision) InterventionResult {
	cfg := v.Config()

	if v.model == nil || strings.TrimSpace(cfg.Model) == "" {
		v.logger.Warn("intervention enabled without a model client")
		return InterventionResult{Aborted: true, Reason: "no intervention model configured"}
	}
	onlyNear := cfg.OnlyNearThreshold && !dec.ExplicitMention
	if onlyNear && math.Abs(dec.Probability-dec.Threshold) > nearThresholdDistance {
		return InterventionResult{Need: true, Confidence: 1, Reason: "probability far from threshold"}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	logger := v.logger.With("conversation", dec.ConversationID)
	temperature := 0.3
	out, err := raceChat(ctx, v.model, []protocol.Message{
		{Role: protocol.RoleSystem, Content: buildInterventionSystemPrompt(msg, dec)},
		{Role: protocol.RoleUser, Content: buildInterventionUserPrompt(msg)},
	}, ChatOptions{Model: cfg.Model, Temperature: &temperature, MaxTokens: 300})
	if err != nil {
		reason := "intervention call failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "intervention timed out"
		}
		logger.Warn(reason, "timeout", cfg.Timeout, "error", err)
		return InterventionResult{Aborted: true, Reason: reason}
	}
	if strings.TrimSpace(out) == "" {
		logger.Warn("intervention returned empty output")
		return InterventionResult{Aborted: true, Reason: "empty intervention output"}
	}

	d, err := protocol.ParseDecision(out)
	if err != nil {
		logger.Debug("decision malformed, repairing", "error", err)
		repaired := v.repairer.RepairDecision(ctx, out)
		if repaired == "" {
			return InterventionResult{Aborted: true, Reason: "decision unparseable"}
		}
		if d, err = protocol.ParseDecision(repaired); err != nil {
			logger.Warn("repaired decision still invalid", "error", err)
			return InterventionResult{Aborted: true, Reason: "decision unparseable"}
		}
	}
	if ctx.Err() != nil {
		return InterventionResult{Aborted: true, Reason: "intervention timed out"}
	}

	logger.Debug("intervention decision", "need", d.Need, "confidence", d.Confidence, "reason", d.Reason)
	return InterventionResult{Need: d.Need, Reason: d.Reason, Confidence: d.Confidence}
}

// raceChat returns as soon as ctx is done even if the model ignores it.
func raceChat(ctx context.Context, model ChatModel, msgs []protocol.Message, opts ChatOptions) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := model.Chat(ctx, msgs, opts)
		ch <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.out, r.err
	}
}

func buildInterventionSystemPrompt(msg *channels.IncomingMessage, dec ReplyDecision) string {
	chatType := "private"
	if msg.IsGroup() {
		chatType = "group"
	}
	pace := "unknown"
	if dec.State.AvgInterval > 0 {
		pace = fmt.Sprintf("%.0fs between messages on average", dec.State.AvgInterval.Seconds())
	}
	mention := "The bot was not mentioned."
	if dec.ExplicitMention {
		mention = "The bot was mentioned directly."
	}

	text := msg.Content()
	if r := []rune(text); len(r) > maxInterventionText {
		text = string(r[:maxInterventionText]) + "..."
	}

	var b strings.Builder
	b.WriteString("You decide whether a chat bot should reply to the latest message.\n")
	b.WriteString("Reply only when the bot can add something useful or is being addressed.\n\n")
	b.WriteString("Context:\n")
	fmt.Fprintf(&b, "- chat type: %s\n", chatType)
	fmt.Fprintf(&b, "- messages in this conversation: %d\n", dec.State.MessageCount)
	fmt.Fprintf(&b, "- consecutive messages ignored: %d\n", dec.State.ConsecutiveIgnored)
	fmt.Fprintf(&b, "- pace: %s\n", pace)
	fmt.Fprintf(&b, "- reply probability: %.0f%% (threshold %.0f%%)\n", dec.Probability*100, dec.Threshold*100)
	fmt.Fprintf(&b, "- %s\n", mention)
	fmt.Fprintf(&b, "- message: %s\n", text)
	if len(msg.Images) > 0 {
		b.WriteString("- [Contains Image]\n")
	}
	if len(msg.Files) > 0 {
		b.WriteString("- [Contains File]\n")
	}
	b.WriteString("\nAnswer with exactly:\n")
	b.WriteString("<sentra-decision>\n  <need>true or false</need>\n  <reason>one short sentence</reason>\n  <confidence>0 to 1</confidence>\n</sentra-decision>")
	return b.String()
}

func buildInterventionUserPrompt(msg *channels.IncomingMessage) string {
	text := msg.Content()
	if text == "" {
		text = "(no text)"
	}
	return "Should the bot reply to this message?\n\n" + text
}
