package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
	"golang.org/x/sync/errgroup"
)

// Request is the input of one reasoning run.
type Request struct {
	// RunID identifies the run; generated when empty.
	RunID string

	// Objective is the sender's recent messages, one per paragraph.
	Objective string

	// Conversation is prior context in tool-calling layout.
	Conversation []protocol.Message

	// Overlays carries prompt additions; "global" is appended to the
	// planner system prompt.
	Overlays map[string]string
}

// Engine streams the reasoning events of one run. The channel is closed
// when the run ends; it cannot be restarted.
type Engine interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// CompleteFunc sends a conversation to the planning model and returns its
// text reply.
type CompleteFunc func(ctx context.Context, messages []protocol.Message) (string, error)

// Config configures the planner.
type Config struct {
	// MaxSteps caps the tool calls of one plan (default: 8).
	MaxSteps int `yaml:"max_steps"`

	// ToolTimeout bounds each tool call (default: 60s).
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MCPServers lists the tool servers to connect to.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// Effective returns a copy with default values filled in for zero fields.
func (c Config) Effective() Config {
	out := c
	if out.MaxSteps <= 0 {
		out.MaxSteps = 8
	}
	if out.ToolTimeout <= 0 {
		out.ToolTimeout = 60 * time.Second
	}
	return out
}

// Planner is the default Engine: one judge call to the model, then the
// planned tools run once, in parallel when the model asked for several.
type Planner struct {
	complete CompleteFunc
	tools    ToolProvider
	cfg      Config
	logger   *slog.Logger
}

// NewPlanner creates a planner. tools may be nil, in which case every run
// answers without tools.
func NewPlanner(complete CompleteFunc, tools ToolProvider, cfg Config, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		complete: complete,
		tools:    tools,
		cfg:      cfg.Effective(),
		logger:   logger.With("component", "engine"),
	}
}

// Stream starts a run and returns its event channel.
func (p *Planner) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if p.complete == nil {
		return nil, fmt.Errorf("planner has no model")
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	ch := make(chan Event)
	go p.run(ctx, req, ch)
	return ch, nil
}

func (p *Planner) run(ctx context.Context, req Request, ch chan<- Event) {
	defer close(ch)
	emit := func(ev Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Type: EventStart, RunID: req.RunID}) {
		return
	}

	var tools []Tool
	if p.tools != nil {
		var err error
		tools, err = p.tools.ListTools(ctx)
		if err != nil {
			p.logger.Warn("listing tools failed, answering without tools", "run", req.RunID, "error", err)
		}
	}
	if len(tools) == 0 {
		emit(Event{Type: EventJudge, Need: false, Reason: "no tools available"})
		return
	}

	reply, err := p.complete(ctx, p.judgeMessages(req, tools))
	if err != nil {
		p.logger.Warn("judge call failed, answering without tools", "run", req.RunID, "error", err)
		emit(Event{Type: EventJudge, Need: false, Reason: "judge unavailable"})
		return
	}

	invs := protocol.ParseInvocations(reply)
	if len(invs) == 0 {
		reason, ok := protocol.ExtractTag(reply, "reason")
		if !ok {
			reason = reply
		}
		emit(Event{Type: EventJudge, Need: false, Reason: truncate(strings.TrimSpace(reason), 200)})
		return
	}
	if len(invs) > p.cfg.MaxSteps {
		p.logger.Warn("plan truncated", "run", req.RunID, "planned", len(invs), "max", p.cfg.MaxSteps)
		invs = invs[:p.cfg.MaxSteps]
	}

	steps := make([]PlanStep, len(invs))
	for i, inv := range invs {
		steps[i] = PlanStep{Index: i, AIName: inv.Name, Args: inv.Arguments()}
	}
	if !emit(Event{Type: EventJudge, Need: true}) || !emit(Event{Type: EventPlan, Steps: steps}) {
		return
	}

	var results []Event
	if len(steps) == 1 {
		s := steps[0]
		if !emit(Event{Type: EventArgs, AIName: s.AIName, Args: s.Args, PlannedStepIndex: s.Index}) {
			return
		}
		res := p.callTool(ctx, s)
		if !emit(res) {
			return
		}
		results = append(results, res)
	} else {
		members := make([]Event, len(steps))
		for i, s := range steps {
			members[i] = Event{Type: EventArgs, AIName: s.AIName, Args: s.Args, PlannedStepIndex: s.Index}
		}
		if !emit(Event{Type: EventArgsGroup, Members: members}) {
			return
		}

		results = make([]Event, len(steps))
		g, gctx := errgroup.WithContext(ctx)
		for i, s := range steps {
			g.Go(func() error {
				results[i] = p.callTool(gctx, s)
				return nil
			})
		}
		_ = g.Wait()
		if !emit(Event{Type: EventToolResultGroup, Members: results}) {
			return
		}
	}

	failed := 0
	for _, r := range results {
		if r.Result == nil || !r.Result.Success {
			failed++
		}
	}
	emit(Event{
		Type:    EventSummary,
		Success: failed == 0,
		Summary: fmt.Sprintf("%d tool call(s) executed, %d failed", len(results), failed),
	})
}

func (p *Planner) callTool(ctx context.Context, s PlanStep) Event {
	ev := Event{Type: EventToolResult, AIName: s.AIName, Args: s.Args, PlannedStepIndex: s.Index}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.tools.CallTool(ctx, s.AIName, s.Args)
	if err != nil {
		p.logger.Warn("tool call failed", "tool", s.AIName, "error", err)
		res = &ToolResult{Success: false, Code: "TOOL_ERROR", Error: err.Error()}
	}
	p.logger.Debug("tool call finished", "tool", s.AIName, "success", res.Success, "duration", time.Since(start))
	ev.Result = res
	return ev
}

func (p *Planner) judgeMessages(req Request, tools []Tool) []protocol.Message {
	var b strings.Builder
	b.WriteString("You decide whether external tools are needed to answer the user.\n")
	b.WriteString("If tools are needed, reply only with a <sentra-tools> block:\n")
	b.WriteString("<sentra-tools>\n  <invoke name=\"tool_name\">\n    <parameter name=\"arg\">value</parameter>\n  </invoke>\n</sentra-tools>\n")
	b.WriteString("Several <invoke> entries run in parallel, so only group calls that do not depend on each other.\n")
	b.WriteString("If no tool is needed, reply only with <reason>why no tool is needed</reason>.\n\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		if t.InputSchema != nil {
			if schema, err := json.Marshal(t.InputSchema); err == nil {
				fmt.Fprintf(&b, "  input schema: %s\n", schema)
			}
		}
	}
	if global := req.Overlays["global"]; global != "" {
		b.WriteString("\n")
		b.WriteString(global)
	}

	msgs := []protocol.Message{{Role: protocol.RoleSystem, Content: b.String()}}
	msgs = append(msgs, req.Conversation...)
	msgs = append(msgs, protocol.Message{Role: protocol.RoleUser, Content: req.Objective})
	return msgs
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
