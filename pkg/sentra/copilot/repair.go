package copilot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

const repairResponsePrompt = `You rewrite assistant output into the <sentra-response> format.
Keep the meaning and the language of the original. Do not add new content.
Split the text into <text1>, <text2>, ... segments, one sentence each.
Keep any media the original mentions as <resource> entries inside <resources>.
Output only the <sentra-response> block.`

const repairDecisionPrompt = `You rewrite a reply decision into this exact format:
<sentra-decision>
  <need>true or false</need>
  <reason>one short sentence</reason>
  <confidence>a number between 0 and 1</confidence>
</sentra-decision>
Keep the original verdict. Output only the block.`

var repairTemperature = 0.2

// Repairer asks a model to rewrite malformed output into protocol form.
type Repairer struct {
	model     ChatModel
	modelName string
	logger    *slog.Logger
}

// NewRepairer creates a repairer. modelName may be empty to use the model
// client's default.
func NewRepairer(model ChatModel, modelName string, logger *slog.Logger) *Repairer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{
		model:     model,
		modelName: modelName,
		logger:    logger.With("component", "repair"),
	}
}

// RepairResponse rewrites raw into a <sentra-response> block. Returns ""
// when the call fails or yields nothing.
func (r *Repairer) RepairResponse(ctx context.Context, raw string) string {
	return r.repair(ctx, repairResponsePrompt+"\n\n"+protocol.ProtocolReminder(), raw, "response")
}

// RepairDecision rewrites raw into a <sentra-decision> block. Returns ""
// when the call fails or yields nothing.
func (r *Repairer) RepairDecision(ctx context.Context, raw string) string {
	return r.repair(ctx, repairDecisionPrompt, raw, "decision")
}

func (r *Repairer) repair(ctx context.Context, system, raw, kind string) string {
	if r == nil || r.model == nil || strings.TrimSpace(raw) == "" {
		return ""
	}
	out, err := r.model.Chat(ctx, []protocol.Message{
		{Role: protocol.RoleSystem, Content: system},
		{Role: protocol.RoleUser, Content: raw},
	}, ChatOptions{Model: r.modelName, Temperature: &repairTemperature})
	if err != nil {
		r.logger.Warn("repair call failed", "kind", kind, "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}
