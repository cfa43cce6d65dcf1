package copilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"github.com/jholhewres/sentra/pkg/sentra/engine"
	"github.com/jholhewres/sentra/pkg/sentra/history"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

type memoryCache struct {
	mu   sync.Mutex
	runs map[string]*channels.IncomingMessage
}

func (c *memoryCache) Save(runID string, msg *channels.IncomingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runs == nil {
		c.runs = make(map[string]*channels.IncomingMessage)
	}
	c.runs[runID] = msg
	return nil
}

type orchestratorFixture struct {
	orch      *Orchestrator
	store     *history.Store
	model     *scriptedModel
	engine    *fakeEngine
	transport *fakeTransport
	policy    *countingPolicy
	cache     *memoryCache
}

func newOrchestratorFixture(model *scriptedModel, events []engine.Event, maxRetries int) *orchestratorFixture {
	f := &orchestratorFixture{
		store:     history.NewStore(history.Config{}, nil, quietLogger()),
		model:     model,
		engine:    &fakeEngine{events: events},
		transport: newFakeTransport(),
		policy:    &countingPolicy{},
		cache:     &memoryCache{},
	}
	retrier := newTestRetrier(model, ResponseConfig{MaxRetries: maxRetries, StrictFormat: true})
	f.orch = NewOrchestrator(OrchestratorDeps{
		Engine:  f.engine,
		History: f.store,
		Retrier: retrier,
		Replier: NewSender(f.transport, quietLogger()),
		Policy:  f.policy,
		Cache:   f.cache,
	}, PromptConfig{Instructions: "Be brief.", Model: "main-model", Temperature: 0.5, MaxTokens: 512}, quietLogger())
	return f
}

// receive records msg the way the assistant does before a turn.
func (f *orchestratorFixture) receive(msg *channels.IncomingMessage) *channels.IncomingMessage {
	f.store.AddPendingMessage(HistoryGroupKey(msg), msg.Content(), msg)
	return msg
}

func reply(text string) string {
	return "<sentra-response><text1>" + text + "</text1><resources></resources></sentra-response>"
}

func toolResult(name string, index int) engine.Event {
	return engine.Event{
		Type:             engine.EventToolResult,
		AIName:           name,
		PlannedStepIndex: index,
		Result:           &engine.ToolResult{Success: true, Data: map[string]any{"tool": name}},
	}
}

func TestRunWithoutTools(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(&scriptedModel{replies: []string{validReply}}, []engine.Event{
		{Type: engine.EventStart, RunID: "run-1"},
		{Type: engine.EventJudge, Need: false, Reason: "small talk"},
	}, 1)
	msg := f.receive(groupMsg("u1", "how are you"))

	res := f.orch.Run(context.Background(), msg)
	if res.State != TurnDone || !res.Replied || res.Sends != 1 {
		t.Fatalf("result = %+v", res)
	}

	// The model saw the system prompt and the placeholder plus the question.
	call := f.model.calls[0]
	if call[0].Role != protocol.RoleSystem || !strings.Contains(call[0].Content, "Be brief.") {
		t.Errorf("system prompt = %+v", call[0])
	}
	last := call[len(call)-1].Content
	for _, want := range []string{"<" + protocol.TagTools + ">", "NO_TOOL", "<" + protocol.TagUserQuestion + ">", "how are you"} {
		if !strings.Contains(last, want) {
			t.Errorf("user content missing %q", want)
		}
	}
	if opts := f.model.opts[0]; opts.Model != "main-model" || opts.MaxTokens != 512 || *opts.Temperature != 0.5 {
		t.Errorf("chat options = %+v", opts)
	}

	pairs := f.store.Pairs("G:g1")
	if len(pairs) != 1 || pairs[0].AssistantContent != validReply || pairs[0].SenderID != "u1" {
		t.Fatalf("pairs = %+v", pairs)
	}
	if len(f.store.GetPendingMessagesBySender("G:g1", "u1")) != 0 {
		t.Error("answered messages should leave the pending queue")
	}
	if f.policy.resets != 1 {
		t.Errorf("policy resets = %d", f.policy.resets)
	}
	if f.cache.runs["run-1"] != msg {
		t.Error("triggering message not cached for the run")
	}
	if got := f.engine.runs()[0]; got.Objective != "how are you" {
		t.Errorf("objective = %q", got.Objective)
	}
}

func TestRunToolLoop(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(&scriptedModel{replies: []string{reply("sunny"), reply("quiet day")}}, []engine.Event{
		{Type: engine.EventStart, RunID: "run-2"},
		{Type: engine.EventJudge, Need: true},
		{Type: engine.EventPlan, Steps: []engine.PlanStep{{Index: 0, AIName: "weather"}, {Index: 1, AIName: "news"}}},
		toolResult("weather", 0),
		toolResult("news", 1),
		{Type: engine.EventSummary, Success: true},
	}, 1)
	msg := f.receive(groupMsg("u1", "weather and news?"))

	res := f.orch.Run(context.Background(), msg)
	if res.State != TurnDone || res.Sends != 2 {
		t.Fatalf("result = %+v", res)
	}

	out := f.transport.outgoing()
	if len(out) != 2 || out[0].ReplyTo != msg.MessageID || out[1].ReplyTo != "" {
		t.Fatalf("outgoing = %+v", out)
	}

	// The second call carries the first exchange and both results, newest first.
	second := f.model.calls[1]
	if second[len(second)-2].Role != protocol.RoleAssistant || second[len(second)-2].Content != reply("sunny") {
		t.Errorf("second call lacks the first reply: %+v", second[len(second)-2])
	}
	content := second[len(second)-1].Content
	news, weather, question := strings.Index(content, "news"), strings.Index(content, "weather<"), strings.Index(content, "<"+protocol.TagUserQuestion+">")
	if news < 0 || weather < 0 || !(news < weather && weather < question) {
		t.Errorf("result order wrong (news %d, weather %d, question %d):\n%s", news, weather, question, content)
	}

	pairs := f.store.Pairs("G:g1")
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d", len(pairs))
	}
	if pairs[0].AssistantContent != reply("sunny")+"\n"+reply("quiet day") {
		t.Errorf("assistant content = %q", pairs[0].AssistantContent)
	}
	if !strings.HasPrefix(pairs[0].UserContent, "<"+protocol.TagResult+">") {
		t.Errorf("user content should start with the newest result: %q", pairs[0].UserContent)
	}
}

func TestRunReplyFailureCancelsPair(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(&scriptedModel{errs: []error{errors.New("down"), errors.New("down")}}, []engine.Event{
		{Type: engine.EventStart, RunID: "run-3"},
		{Type: engine.EventJudge, Need: true},
		toolResult("weather", 0),
		{Type: engine.EventSummary, Success: true},
	}, 1)
	msg := f.receive(groupMsg("u1", "weather?"))

	res := f.orch.Run(context.Background(), msg)
	if res.State != TurnCancelled || res.Replied {
		t.Fatalf("result = %+v", res)
	}
	if f.model.callCount() != 2 {
		t.Errorf("calls = %d", f.model.callCount())
	}
	st := f.store.Stats()
	if st.Open != 0 || st.Finished != 0 {
		t.Errorf("history stats = %+v", st)
	}
	// The message stays pending for the next turn.
	if len(f.store.GetPendingMessagesBySender("G:g1", "u1")) != 1 {
		t.Error("pending message lost")
	}
	if len(f.transport.outgoing()) != 0 || f.policy.resets != 0 {
		t.Error("failed turn should not send or reset the policy")
	}
}

func TestRunCancelledTurnDiscardsReply(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(&scriptedModel{replies: []string{reply("late")}}, []engine.Event{
		{Type: engine.EventStart, RunID: "run-4"},
		{Type: engine.EventJudge, Need: true},
		toolResult("weather", 0),
		{Type: engine.EventSummary, Success: true},
	}, 0)
	f.engine.gate = make(chan struct{})
	msg := f.receive(privateMsg("u1", "weather?"))

	done := make(chan TurnResult, 1)
	go func() { done <- f.orch.Run(context.Background(), msg) }()

	waitFor(t, func() bool { return f.orch.ActiveTurns() == 1 })
	if !f.orch.CancelTurn("u1") {
		t.Fatal("cancel found no turn")
	}
	close(f.engine.gate)

	res := <-done
	if res.State != TurnCancelled {
		t.Fatalf("result = %+v", res)
	}
	if len(f.transport.outgoing()) != 0 {
		t.Error("cancelled turn sent a reply")
	}
	if st := f.store.Stats(); st.Open != 0 || st.Finished != 0 {
		t.Errorf("history stats = %+v", st)
	}
	if f.orch.ActiveTurns() != 0 || f.orch.CancelTurn("u1") {
		t.Error("turn still registered")
	}
}

func TestRunStreamEndsWithoutSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		events []engine.Event
		state  TurnState
	}{
		{
			name:   "after a reply",
			events: []engine.Event{{Type: engine.EventStart}, {Type: engine.EventJudge, Need: true}, toolResult("weather", 0)},
			state:  TurnDone,
		},
		{
			name:   "before any reply",
			events: []engine.Event{{Type: engine.EventStart}, {Type: engine.EventJudge, Need: true}},
			state:  TurnCancelled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newOrchestratorFixture(&scriptedModel{replies: []string{validReply}}, tt.events, 0)
			res := f.orch.Run(context.Background(), f.receive(groupMsg("u1", "hi")))
			if res.State != tt.state {
				t.Errorf("state = %s (%s), want %s", res.State, res.Reason, tt.state)
			}
			if f.store.Stats().Open != 0 {
				t.Error("pair left open")
			}
		})
	}
}

func TestRunRefreshesOnNewPendingMessage(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(&scriptedModel{replies: []string{validReply}}, []engine.Event{
		{Type: engine.EventStart, RunID: "run-5"},
		{Type: engine.EventJudge, Need: false, Reason: "chat"},
	}, 0)
	f.engine.gate = make(chan struct{})
	first := f.receive(groupMsg("u1", "first question"))

	done := make(chan TurnResult, 1)
	go func() { done <- f.orch.Run(context.Background(), first) }()

	// A message arriving before the run starts becomes the quoted one.
	waitFor(t, func() bool { return len(f.engine.runs()) == 1 })
	second := f.receive(groupMsg("u1", "actually, second"))
	close(f.engine.gate)

	if res := <-done; res.State != TurnDone {
		t.Fatalf("result = %+v", res)
	}
	out := f.transport.outgoing()
	if len(out) != 1 || out[0].ReplyTo != second.MessageID {
		t.Errorf("outgoing = %+v", out)
	}
	last := f.model.calls[0][len(f.model.calls[0])-1].Content
	if !strings.Contains(last, "actually, second") {
		t.Errorf("user content not refreshed:\n%s", last)
	}
}
