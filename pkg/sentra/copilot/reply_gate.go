// Package copilot – reply_gate.go combines the reply policy, admission and
// the intervention validator into one decision per message. An admitted
// task is released exactly once when the gate decides not to reply.
package copilot

import (
	"context"
	"log/slog"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
)

// GateOutcome is the result of ReplyGate.Evaluate.
type GateOutcome struct {
	// Reply is true when the message should get a turn. Task is then the
	// admitted task; when Queued is true it waits behind the sender's active
	// task and runs once it is promoted.
	Reply  bool
	Task   *Task
	Queued bool

	// Promoted is a queued task that became active because this message's
	// task was released. The caller must run it.
	Promoted *Task

	// Reserved holds deferred messages merged into a task that took the
	// released slot. The caller must gate it with EvaluateTask.
	Reserved *Task

	Decision     ReplyDecision
	Intervention *InterventionResult
	Reason       string
}

// ReplyGate decides whether a message gets a reply turn.
type ReplyGate struct {
	policy    ReplyPolicy
	validator *InterventionValidator
	admission *Admission
	logger    *slog.Logger

	onRelease func(task *Task)
}

// NewReplyGate creates a gate. validator may be nil to disable intervention.
func NewReplyGate(policy ReplyPolicy, validator *InterventionValidator, admission *Admission, logger *slog.Logger) *ReplyGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyGate{
		policy:    policy,
		validator: validator,
		admission: admission,
		logger:    logger.With("component", "reply-gate"),
	}
}

// OnRelease registers fn to run just before a declined task gives up its
// slot. Messages deferred by fn are handed to the next reserved task.
func (g *ReplyGate) OnRelease(fn func(task *Task)) { g.onRelease = fn }

// Evaluate scores msg, admits a task and runs the intervention check.
func (g *ReplyGate) Evaluate(ctx context.Context, msg *channels.IncomingMessage) GateOutcome {
	out := g.Admit(msg)
	if !out.Reply {
		return out
	}
	return g.Check(ctx, msg, out)
}

// Admit scores msg with the reply policy and admits a task when it needs a
// reply. It never blocks, so callers run it in arrival order.
func (g *ReplyGate) Admit(msg *channels.IncomingMessage) GateOutcome {
	dec := g.policy.ShouldReply(msg)
	if !dec.NeedReply {
		g.logger.Debug("no reply needed", "sender", msg.SenderID.String(),
			"reason", dec.Reason, "probability", dec.Probability)
		return GateOutcome{Decision: dec, Reason: dec.Reason}
	}
	task, active := g.admission.Admit(msg.SenderID.String(), msg)
	return GateOutcome{Reply: true, Task: task, Queued: !active, Decision: dec, Reason: dec.Reason}
}

// EvaluateTask gates a reserved task built from deferred messages. The task
// already holds the sender's slot and is released when declined.
func (g *ReplyGate) EvaluateTask(ctx context.Context, task *Task) GateOutcome {
	dec := g.policy.ShouldReply(task.Msg)
	out := GateOutcome{Reply: true, Task: task, Decision: dec, Reason: dec.Reason}
	if !dec.NeedReply {
		g.logger.Debug("no reply needed for deferred messages", "sender", task.SenderID,
			"reason", dec.Reason, "probability", dec.Probability)
		return g.release(out, dec.Reason)
	}
	return g.Check(ctx, task.Msg, out)
}

// Check runs the intervention validator over an admitted outcome and
// releases the task when the validator vetoes the reply.
func (g *ReplyGate) Check(ctx context.Context, msg *channels.IncomingMessage, out GateOutcome) GateOutcome {
	dec := out.Decision
	if g.validator == nil || !g.validator.Config().Enabled || dec.Mandatory || dec.ConversationID == "" {
		return out
	}
	logger := g.logger.With("sender", msg.SenderID.String(), "conversation", dec.ConversationID)

	res := g.validator.Validate(ctx, msg, dec)
	out.Intervention = &res

	switch {
	case res.Aborted:
		logger.Info("intervention aborted, skipping reply", "reason", res.Reason)
		return g.release(out, "intervention aborted: "+res.Reason)

	case !res.Need && dec.ExplicitMention:
		logger.Info("intervention declined a mention", "reason", res.Reason)
		return g.release(out, "intervention declined: "+res.Reason)

	case !res.Need:
		reduced := g.policy.ReduceDesireAndRecalculate(dec.ConversationID, msg, g.validator.Config().DesireReduction)
		out.Decision = reduced
		if !reduced.NeedReply {
			logger.Info("intervention declined, desire reduced below threshold",
				"reason", res.Reason, "probability", reduced.Probability)
			return g.release(out, "intervention declined: "+res.Reason)
		}
		logger.Debug("intervention declined but probability still above threshold",
			"probability", reduced.Probability)
	}
	return out
}

func (g *ReplyGate) release(out GateOutcome, reason string) GateOutcome {
	if g.onRelease != nil {
		g.onRelease(out.Task)
	}
	out.Promoted, out.Reserved = g.admission.Release(out.Task.SenderID, out.Task.ID)
	out.Reply = false
	out.Queued = false
	out.Reason = reason
	return out
}
