// Package copilot – chat_retry.go wraps the main model call with format
// validation, token budgeting, bounded retries and a final repair pass.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

// ChatAttemptResult is the outcome of ChatWithRetry. Format and overflow
// failures are reported through Reason, never as errors.
type ChatAttemptResult struct {
	Response string
	Retries  int
	Success  bool
	Reason   string
}

// ChatRetrier runs the retry policy for reply generation.
type ChatRetrier struct {
	model    ChatModel
	repairer *Repairer
	logger   *slog.Logger

	mu  sync.RWMutex
	cfg ResponseConfig

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewChatRetrier creates a retrier. repairer may be nil to disable repair.
func NewChatRetrier(model ChatModel, repairer *Repairer, cfg ResponseConfig, logger *slog.Logger) *ChatRetrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatRetrier{
		model:    model,
		repairer: repairer,
		cfg:      cfg.Effective(),
		logger:   logger.With("component", "chat-retry"),
		sleep:    sleepContext,
	}
}

// SetConfig replaces the retry configuration for subsequent calls.
func (r *ChatRetrier) SetConfig(cfg ResponseConfig) {
	r.mu.Lock()
	r.cfg = cfg.Effective()
	r.mu.Unlock()
}

func (r *ChatRetrier) config() ResponseConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChatWithRetry calls the model at most MaxRetries+1 times. A retry after a
// missing-tag or forbidden-tag failure carries the protocol reminder as a
// trailing system message. When the last attempt is still malformed and
// repair is enabled, one repair call is made.
func (r *ChatRetrier) ChatWithRetry(ctx context.Context, conversations []protocol.Message, opts ChatOptions, groupID string) ChatAttemptResult {
	cfg := r.config()
	logger := r.logger.With("group", groupID)

	retries := 0
	lastKind := protocol.FormatOK

	for retries <= cfg.MaxRetries {
		msgs := conversations
		if lastKind.NeedsReminder() {
			msgs = make([]protocol.Message, 0, len(conversations)+1)
			msgs = append(msgs, conversations...)
			msgs = append(msgs, protocol.Message{Role: protocol.RoleSystem, Content: protocol.ProtocolReminder()})
		}

		resp, err := r.model.Chat(ctx, msgs, opts)
		if err != nil {
			if ctx.Err() != nil {
				return ChatAttemptResult{Retries: retries, Reason: ctx.Err().Error()}
			}
			lastKind = protocol.FormatOK
			logger.Warn("chat call failed", "attempt", retries+1, "error", err)
			if retries < cfg.MaxRetries {
				retries++
				if r.sleep(ctx, cfg.FormatRetryDelay) != nil {
					return ChatAttemptResult{Retries: retries, Reason: ctx.Err().Error()}
				}
				continue
			}
			return ChatAttemptResult{Retries: retries, Reason: err.Error()}
		}

		if cfg.StrictFormat {
			check := protocol.ValidateResponseFormat(resp)
			if !check.Valid {
				lastKind = check.Kind
				logger.Warn("response format invalid", "attempt", retries+1, "reason", check.Reason)
				if retries < cfg.MaxRetries {
					retries++
					if r.sleep(ctx, cfg.FormatRetryDelay) != nil {
						return ChatAttemptResult{Retries: retries, Reason: ctx.Err().Error()}
					}
					continue
				}
				if cfg.Repair && r.repairer != nil && strings.TrimSpace(resp) != "" {
					repaired := r.repairer.RepairResponse(ctx, resp)
					if repaired != "" && protocol.ValidateResponseFormat(repaired).Valid {
						logger.Info("response repaired", "retries", retries)
						return ChatAttemptResult{Response: repaired, Retries: retries, Success: true}
					}
				}
				return ChatAttemptResult{Response: resp, Retries: retries, Reason: check.Reason}
			}
		}
		lastKind = protocol.FormatOK

		tokens := CountTokens(protocol.ExtractTextForCount(resp), cfg.TokenCountModel)
		if tokens > cfg.MaxTokens {
			logger.Warn("response over token budget", "attempt", retries+1, "tokens", tokens, "max", cfg.MaxTokens)
			if retries < cfg.MaxRetries {
				retries++
				if r.sleep(ctx, cfg.OverflowRetryDelay) != nil {
					return ChatAttemptResult{Retries: retries, Reason: ctx.Err().Error()}
				}
				continue
			}
			return ChatAttemptResult{Response: resp, Retries: retries, Reason: fmt.Sprintf("token overflow: %d>%d", tokens, cfg.MaxTokens)}
		}

		return ChatAttemptResult{Response: resp, Retries: retries, Success: true}
	}

	return ChatAttemptResult{Retries: retries, Reason: "retries exhausted"}
}
