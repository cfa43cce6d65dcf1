package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"github.com/jholhewres/sentra/pkg/sentra/engine"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const validReply = "<sentra-response>\n  <text1>hello</text1>\n  <resources></resources>\n</sentra-response>"

// scriptedModel returns its replies in order; after the script runs out it
// keeps returning the last entry.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   [][]protocol.Message
	opts    []ChatOptions
	block   chan struct{}
}

func (m *scriptedModel) Chat(ctx context.Context, msgs []protocol.Message, opts ChatOptions) (string, error) {
	m.mu.Lock()
	i := len(m.calls)
	m.calls = append(m.calls, append([]protocol.Message(nil), msgs...))
	m.opts = append(m.opts, opts)
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if len(m.replies) == 0 {
		return "", errors.New("no reply scripted")
	}
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return m.replies[i], nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// fakeTransport confirms every send and records the outgoing payloads.
type fakeTransport struct {
	mu       sync.Mutex
	incoming chan *channels.IncomingMessage
	sent     []channels.OutgoingMessage
	reject   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan *channels.IncomingMessage, 16)}
}

func (f *fakeTransport) Connect(context.Context) error             { return nil }
func (f *fakeTransport) Disconnect() error                         { return nil }
func (f *fakeTransport) Receive() <-chan *channels.IncomingMessage { return f.incoming }
func (f *fakeTransport) IsConnected() bool                         { return true }
func (f *fakeTransport) Health() channels.HealthStatus             { return channels.HealthStatus{Connected: true} }

func (f *fakeTransport) SendAndWait(_ context.Context, env *channels.Envelope) *channels.Envelope {
	var out channels.OutgoingMessage
	_ = json.Unmarshal(env.Data, &out)
	f.mu.Lock()
	f.sent = append(f.sent, out)
	f.mu.Unlock()
	if f.reject {
		return nil
	}
	return &channels.Envelope{Type: channels.EnvelopeResult, RequestID: env.RequestID, OK: true}
}

func (f *fakeTransport) outgoing() []channels.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channels.OutgoingMessage(nil), f.sent...)
}

// fakeEngine replays a fixed event list for every run and records requests.
type fakeEngine struct {
	mu       sync.Mutex
	events   []engine.Event
	requests []engine.Request
	gate     chan struct{}
}

func (e *fakeEngine) Stream(ctx context.Context, req engine.Request) (<-chan engine.Event, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	gate := e.gate
	e.mu.Unlock()

	ch := make(chan engine.Event)
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range e.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (e *fakeEngine) runs() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.requests...)
}

// countingPolicy wraps a fixed decision and counts reductions.
type countingPolicy struct {
	mu        sync.Mutex
	decision  ReplyDecision
	reduced   ReplyDecision
	reduces   int
	resets    int
	evaluated int
}

func (p *countingPolicy) ShouldReply(*channels.IncomingMessage) ReplyDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluated++
	return p.decision
}

func (p *countingPolicy) ReduceDesireAndRecalculate(string, *channels.IncomingMessage, float64) ReplyDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reduces++
	return p.reduced
}

func (p *countingPolicy) ResetConversationState(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
}

func groupMsg(sender, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		MessageID: channels.ID("m-" + text),
		Type:      channels.ChatGroup,
		SenderID:  channels.ID(sender),
		GroupID:   "g1",
		Text:      text,
		SelfID:    "bot",
	}
}

func privateMsg(sender, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		MessageID: channels.ID("m-" + text),
		Type:      channels.ChatPrivate,
		SenderID:  channels.ID(sender),
		Text:      text,
		SelfID:    "bot",
	}
}

func noRetrySleep(context.Context, time.Duration) error { return nil }
