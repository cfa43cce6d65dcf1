// Package engine produces the streamed reasoning events a turn is built
// from: a judge decision, a tool plan, tool results and a summary. Tools are
// served by MCP servers.
package engine

// EventType tags a StreamEvent.
type EventType string

const (
	EventStart           EventType = "start"
	EventJudge           EventType = "judge"
	EventPlan            EventType = "plan"
	EventArgs            EventType = "args"
	EventArgsGroup       EventType = "args_group"
	EventToolResult      EventType = "tool_result"
	EventToolResultGroup EventType = "tool_result_group"
	EventSummary         EventType = "summary"
)

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Success  bool   `json:"success"`
	Code     string `json:"code,omitempty"`
	Provider string `json:"provider,omitempty"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PlanStep is one planned tool call.
type PlanStep struct {
	Index  int            `json:"index"`
	AIName string         `json:"aiName"`
	Args   map[string]any `json:"args,omitempty"`
}

// Event is one element of the reasoning stream. Only the fields relevant to
// Type are set.
type Event struct {
	Type EventType `json:"type"`

	// start
	RunID string `json:"runId,omitempty"`

	// judge
	Need   bool   `json:"need,omitempty"`
	Reason string `json:"reason,omitempty"`

	// plan
	Steps []PlanStep `json:"steps,omitempty"`

	// args, tool_result
	AIName           string         `json:"aiName,omitempty"`
	Args             map[string]any `json:"args,omitempty"`
	PlannedStepIndex int            `json:"plannedStepIndex"`
	Result           *ToolResult    `json:"result,omitempty"`

	// args_group, tool_result_group
	GroupIndex int     `json:"groupIndex,omitempty"`
	Members    []Event `json:"members,omitempty"`

	// summary
	Success bool   `json:"success,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// ResultPayload returns the fields of a tool_result event that are rendered
// into <sentra-result>. History conversion reads aiName and args back.
func (e Event) ResultPayload() map[string]any {
	out := map[string]any{
		"type":             string(EventToolResult),
		"aiName":           e.AIName,
		"plannedStepIndex": e.PlannedStepIndex,
	}
	if e.Args != nil {
		out["args"] = e.Args
	}
	if e.Reason != "" {
		out["reason"] = e.Reason
	}
	if e.Result != nil {
		out["result"] = e.Result
	}
	return out
}

// NoToolResult builds the synthetic result used when the judge decided no
// tool is needed.
func NoToolResult(reason string) Event {
	return Event{
		Type:   EventToolResult,
		AIName: "none",
		Reason: reason,
		Result: &ToolResult{
			Success:  true,
			Code:     "NO_TOOL",
			Provider: "system",
			Data:     map[string]any{"no_tool": true, "reason": reason},
		},
	}
}
