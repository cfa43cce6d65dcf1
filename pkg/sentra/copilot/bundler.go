// Package copilot – bundler.go merges bursts of messages from one sender
// into a single turn. A sender typing several short messages in a row gets
// one reply to the combined text instead of one reply per fragment.
package copilot

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
)

type bundle struct {
	messages []*channels.IncomingMessage
	// seq increments on every append; Collect compares snapshots of it.
	seq      int
	openedAt time.Time
	// collecting is set once a Collect call owns the bundle.
	collecting bool
}

// Bundler holds at most one open bundle per sender key.
type Bundler struct {
	mu      sync.Mutex
	cfg     BundleConfig
	bundles map[string]*bundle
	logger  *slog.Logger
}

// NewBundler creates a bundler.
func NewBundler(cfg BundleConfig, logger *slog.Logger) *Bundler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundler{
		cfg:     cfg.Effective(),
		bundles: make(map[string]*bundle),
		logger:  logger.With("component", "bundler"),
	}
}

// SetConfig replaces the timing configuration. Open bundles pick it up on
// their next wait.
func (b *Bundler) SetConfig(cfg BundleConfig) {
	b.mu.Lock()
	b.cfg = cfg.Effective()
	b.mu.Unlock()
}

// Append adds msg to the sender's open bundle. Returns false when no bundle
// is open, in which case the caller handles the message itself.
func (b *Bundler) Append(senderKey string, msg *channels.IncomingMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.bundles[senderKey]
	if !ok {
		return false
	}
	bd.messages = append(bd.messages, msg)
	bd.seq++
	return true
}

// Start opens a bundle seeded with first for a later Collect. Messages
// appended in between are kept in arrival order. Returns false when the
// sender already has an open bundle.
func (b *Bundler) Start(senderKey string, first *channels.IncomingMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bundles[senderKey]; ok {
		return false
	}
	b.bundles[senderKey] = &bundle{messages: []*channels.IncomingMessage{first}, openedAt: time.Now()}
	return true
}

// Discard closes a started bundle that will not be collected and returns the
// messages appended after the seed.
func (b *Bundler) Discard(senderKey string, first *channels.IncomingMessage) []*channels.IncomingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.bundles[senderKey]
	if !ok || bd.collecting || bd.messages[0] != first {
		return nil
	}
	delete(b.bundles, senderKey)
	return append([]*channels.IncomingMessage(nil), bd.messages[1:]...)
}

// Open returns the number of open bundles.
func (b *Bundler) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bundles)
}

// Collect opens a bundle seeded with first, or takes over the one Start
// opened for it, and keeps it open while new messages keep arriving within
// the window, up to MaxWait since it was opened. Returns the merged message.
// The bundle is closed on return, including when ctx is cancelled; in that
// case the messages gathered so far are still merged. Returns nil when
// another bundle was already open and first joined it.
func (b *Bundler) Collect(ctx context.Context, senderKey string, first *channels.IncomingMessage) *channels.IncomingMessage {
	b.mu.Lock()
	bd, exists := b.bundles[senderKey]
	switch {
	case !exists:
		bd = &bundle{messages: []*channels.IncomingMessage{first}, openedAt: time.Now()}
		b.bundles[senderKey] = bd
	case !bd.collecting && bd.messages[0] == first:
		exists = false
	default:
		bd.messages = append(bd.messages, first)
		bd.seq++
	}
	if !exists {
		bd.collecting = true
	}
	start := bd.openedAt
	b.mu.Unlock()

	if exists {
		return nil
	}

	defer func() {
		b.mu.Lock()
		b.close(senderKey, bd)
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		snap := bd.seq
		window := b.cfg.Window
		maxWait := b.cfg.MaxWait
		b.mu.Unlock()

		timer := time.NewTimer(window)
		select {
		case <-ctx.Done():
			timer.Stop()
			return b.finish(senderKey, bd)
		case <-timer.C:
		}

		b.mu.Lock()
		grew := bd.seq > snap
		b.mu.Unlock()
		if !grew || time.Since(start) >= maxWait {
			return b.finish(senderKey, bd)
		}
	}
}

func (b *Bundler) finish(senderKey string, bd *bundle) *channels.IncomingMessage {
	b.mu.Lock()
	msgs := append([]*channels.IncomingMessage(nil), bd.messages...)
	b.close(senderKey, bd)
	b.mu.Unlock()

	if len(msgs) > 1 {
		b.logger.Debug("bundle merged", "sender", senderKey, "messages", len(msgs))
	}
	return MergeMessages(msgs)
}

// close removes bd if it is still the sender's open bundle. Caller holds mu.
func (b *Bundler) close(senderKey string, bd *bundle) {
	if b.bundles[senderKey] == bd {
		delete(b.bundles, senderKey)
	}
}

// MergeMessages combines messages into one: a copy of the first with text
// and summary set to the non-empty contents joined by newlines. Returns nil
// for an empty slice and the message itself for a single one.
func MergeMessages(msgs []*channels.IncomingMessage) *channels.IncomingMessage {
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		return msgs[0]
	}

	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if c := m.Content(); c != "" {
			parts = append(parts, c)
		}
	}

	merged := msgs[0].Clone()
	if combined := strings.Join(parts, "\n"); combined != "" {
		merged.Text = combined
		merged.Summary = combined
		if merged.Raw != nil {
			merged.Raw["text"] = combined
			merged.Raw["summary"] = combined
		}
	}
	return merged
}
