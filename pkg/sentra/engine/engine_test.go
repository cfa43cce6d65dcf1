package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

type fakeTools struct {
	mu    sync.Mutex
	tools []Tool
	calls []string
	fail  map[string]bool
}

func (f *fakeTools) ListTools(context.Context) ([]Tool, error) { return f.tools, nil }

func (f *fakeTools) CallTool(_ context.Context, name string, args map[string]any) (*ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.fail[name] {
		return nil, errors.New("boom")
	}
	return &ToolResult{Success: true, Data: map[string]any{"echo": args}}, nil
}

func reply(text string) CompleteFunc {
	return func(context.Context, []protocol.Message) (string, error) { return text, nil }
}

func collect(t *testing.T, p *Planner) []Event {
	t.Helper()
	ch, err := p.Stream(context.Background(), Request{Objective: "[10:00] hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func types(evs []Event) string {
	var parts []string
	for _, ev := range evs {
		parts = append(parts, string(ev.Type))
	}
	return strings.Join(parts, ",")
}

func TestPlannerNoTools(t *testing.T) {
	t.Parallel()

	evs := collect(t, NewPlanner(reply("unused"), nil, Config{}, nil))
	if got := types(evs); got != "start,judge" {
		t.Fatalf("events = %s", got)
	}
	if evs[0].RunID == "" {
		t.Error("start should carry a run id")
	}
	if evs[1].Need {
		t.Error("judge should not need tools")
	}
}

func TestPlannerJudgeNoTool(t *testing.T) {
	t.Parallel()

	tools := &fakeTools{tools: []Tool{{Name: "search"}}}
	evs := collect(t, NewPlanner(reply("<reason>just a greeting</reason>"), tools, Config{}, nil))
	if got := types(evs); got != "start,judge" {
		t.Fatalf("events = %s", got)
	}
	if evs[1].Need || evs[1].Reason != "just a greeting" {
		t.Errorf("judge = %+v", evs[1])
	}
	if len(tools.calls) != 0 {
		t.Errorf("no tool should run, got %v", tools.calls)
	}
}

func TestPlannerSingleTool(t *testing.T) {
	t.Parallel()

	tools := &fakeTools{tools: []Tool{{Name: "search"}}}
	out := `<sentra-tools><invoke name="search"><parameter name="q">go</parameter></invoke></sentra-tools>`
	evs := collect(t, NewPlanner(reply(out), tools, Config{}, nil))

	if got := types(evs); got != "start,judge,plan,args,tool_result,summary" {
		t.Fatalf("events = %s", got)
	}
	res := evs[4]
	if res.AIName != "search" || res.Args["q"] != "go" || res.Result == nil || !res.Result.Success {
		t.Errorf("tool_result = %+v", res)
	}
	if !evs[5].Success {
		t.Errorf("summary = %+v", evs[5])
	}
}

func TestPlannerParallelGroup(t *testing.T) {
	t.Parallel()

	tools := &fakeTools{tools: []Tool{{Name: "a"}, {Name: "b"}}, fail: map[string]bool{"b": true}}
	out := `<sentra-tools>
<invoke name="a"><parameter name="x">1</parameter></invoke>
<invoke name="b"><parameter name="y">2</parameter></invoke>
</sentra-tools>`
	evs := collect(t, NewPlanner(reply(out), tools, Config{}, nil))

	if got := types(evs); got != "start,judge,plan,args_group,tool_result_group,summary" {
		t.Fatalf("events = %s", got)
	}
	group := evs[4].Members
	if len(group) != 2 || group[0].AIName != "a" || group[1].AIName != "b" {
		t.Fatalf("group members = %+v", group)
	}
	if !group[0].Result.Success || group[1].Result.Success || group[1].Result.Code != "TOOL_ERROR" {
		t.Errorf("results = %+v / %+v", group[0].Result, group[1].Result)
	}
	if evs[5].Success {
		t.Error("summary should report failure")
	}
}

func TestPlannerJudgeErrorFallsBack(t *testing.T) {
	t.Parallel()

	failing := func(context.Context, []protocol.Message) (string, error) { return "", errors.New("down") }
	tools := &fakeTools{tools: []Tool{{Name: "search"}}}
	evs := collect(t, NewPlanner(failing, tools, Config{}, nil))
	if got := types(evs); got != "start,judge" || evs[1].Need {
		t.Fatalf("events = %s (%+v)", got, evs)
	}
}

func TestPlannerMaxSteps(t *testing.T) {
	t.Parallel()

	tools := &fakeTools{tools: []Tool{{Name: "a"}}}
	out := `<sentra-tools><invoke name="a"></invoke><invoke name="a"></invoke><invoke name="a"></invoke></sentra-tools>`
	evs := collect(t, NewPlanner(reply(out), tools, Config{MaxSteps: 2}, nil))
	if len(evs[2].Steps) != 2 {
		t.Errorf("plan steps = %d, want 2", len(evs[2].Steps))
	}
}

func TestResultPayloadRendersForHistory(t *testing.T) {
	t.Parallel()

	ev := Event{Type: EventToolResult, AIName: "search", Args: map[string]any{"q": "go"}, Result: &ToolResult{Success: true}}
	block := protocol.BuildResultBlock(ev.ResultPayload())
	conv := protocol.ConvertHistory([]protocol.Message{{Role: protocol.RoleUser, Content: block}})
	if len(conv) != 1 {
		t.Fatalf("converted = %+v", conv)
	}
	invs := protocol.ParseInvocations(conv[0].Content)
	if len(invs) != 1 || invs[0].Name != "search" || invs[0].Arguments()["q"] != "go" {
		t.Errorf("invocations = %+v", invs)
	}
}
