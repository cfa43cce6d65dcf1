package copilot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

func newTestRetrier(model *scriptedModel, cfg ResponseConfig) *ChatRetrier {
	r := NewChatRetrier(model, NewRepairer(model, "repair-model", quietLogger()), cfg, quietLogger())
	r.sleep = noRetrySleep
	return r
}

func strictConfig() ResponseConfig {
	return ResponseConfig{MaxRetries: 2, StrictFormat: true, Repair: true}
}

var baseConversation = []protocol.Message{
	{Role: protocol.RoleSystem, Content: "system"},
	{Role: protocol.RoleUser, Content: "hi"},
}

func TestChatWithRetryFirstAttempt(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []string{validReply}}
	res := newTestRetrier(model, strictConfig()).ChatWithRetry(context.Background(), baseConversation, ChatOptions{}, "g1")

	if !res.Success || res.Retries != 0 || res.Response != validReply {
		t.Fatalf("result = %+v", res)
	}
	if model.callCount() != 1 {
		t.Errorf("calls = %d", model.callCount())
	}
}

func TestChatWithRetryRepairsAfterLastFailure(t *testing.T) {
	t.Parallel()

	// Three unwrapped replies, then the repair call returns a valid block.
	model := &scriptedModel{replies: []string{"plain", "plain", "plain", validReply}}
	res := newTestRetrier(model, strictConfig()).ChatWithRetry(context.Background(), baseConversation, ChatOptions{}, "g1")

	if !res.Success || res.Retries != 2 || res.Response != validReply {
		t.Fatalf("result = %+v", res)
	}
	if got := model.callCount(); got != 4 {
		t.Fatalf("calls = %d, want 3 attempts + 1 repair", got)
	}
	if model.opts[3].Model != "repair-model" {
		t.Errorf("repair used model %q", model.opts[3].Model)
	}
}

func TestChatWithRetryRepairDisabled(t *testing.T) {
	t.Parallel()

	cfg := strictConfig()
	cfg.Repair = false
	model := &scriptedModel{replies: []string{"plain"}}
	res := newTestRetrier(model, cfg).ChatWithRetry(context.Background(), baseConversation, ChatOptions{}, "g1")

	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Reason, "missing") {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.Response != "plain" {
		t.Errorf("last response should be kept, got %q", res.Response)
	}
	if model.callCount() != 3 {
		t.Errorf("calls = %d", model.callCount())
	}
}

func TestChatWithRetryReminderOnlyAfterTagFailure(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{
		replies: []string{"", "plain", validReply},
		errs:    []error{errors.New("upstream 502")},
	}
	res := newTestRetrier(model, strictConfig()).ChatWithRetry(context.Background(), baseConversation, ChatOptions{}, "g1")
	if !res.Success || res.Retries != 2 {
		t.Fatalf("result = %+v", res)
	}

	hasReminder := func(msgs []protocol.Message) bool {
		last := msgs[len(msgs)-1]
		return last.Role == protocol.RoleSystem && last.Content == protocol.ProtocolReminder()
	}
	tests := []struct {
		call int
		want bool
	}{
		{0, false}, // first attempt
		{1, false}, // after a call error
		{2, true},  // after a missing tag
	}
	for _, tt := range tests {
		if got := hasReminder(model.calls[tt.call]); got != tt.want {
			t.Errorf("call %d reminder = %v, want %v", tt.call, got, tt.want)
		}
	}
	if len(baseConversation) != 2 {
		t.Error("input conversation was modified")
	}
}

func TestChatWithRetryCallBudget(t *testing.T) {
	t.Parallel()

	long := "<sentra-response><text1>" + strings.Repeat("word ", 80) + "</text1><resources></resources></sentra-response>"

	tests := []struct {
		name       string
		model      *scriptedModel
		maxRetries int
		reason     string
	}{
		{
			name:       "errors",
			model:      &scriptedModel{errs: []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}},
			maxRetries: 2,
			reason:     "c",
		},
		{
			name:       "overflow",
			model:      &scriptedModel{replies: []string{long}},
			maxRetries: 1,
			reason:     "token overflow: ",
		},
		{
			name:       "no retries",
			model:      &scriptedModel{errs: []error{errors.New("down")}},
			maxRetries: 0,
			reason:     "down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := ResponseConfig{MaxRetries: tt.maxRetries, MaxTokens: 20, StrictFormat: true}
			res := newTestRetrier(tt.model, cfg).ChatWithRetry(context.Background(), baseConversation, ChatOptions{}, "g1")
			if res.Success {
				t.Fatal("expected failure")
			}
			if got := tt.model.callCount(); got != tt.maxRetries+1 {
				t.Errorf("calls = %d, want %d", got, tt.maxRetries+1)
			}
			if res.Retries != tt.maxRetries {
				t.Errorf("retries = %d", res.Retries)
			}
			if !strings.HasPrefix(res.Reason, tt.reason) {
				t.Errorf("reason = %q, want prefix %q", res.Reason, tt.reason)
			}
		})
	}
}

func TestChatWithRetryLenientFormat(t *testing.T) {
	t.Parallel()

	cfg := ResponseConfig{MaxRetries: 2, StrictFormat: false}
	model := &scriptedModel{replies: []string{"just text"}}
	res := newTestRetrier(model, cfg).ChatWithRetry(context.Background(), baseConversation, ChatOptions{}, "g1")
	if !res.Success || res.Response != "just text" {
		t.Fatalf("result = %+v", res)
	}
}

func TestChatWithRetryCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{replies: []string{validReply}, block: make(chan struct{})}
	res := newTestRetrier(model, strictConfig()).ChatWithRetry(ctx, baseConversation, ChatOptions{}, "g1")
	if res.Success || res.Reason != context.Canceled.Error() {
		t.Fatalf("result = %+v", res)
	}
}
