// Package copilot – orchestrator.go drives one reply turn from the engine's
// event stream: either a direct reply when no tool is needed, or one reply
// per tool result, with the conversation pair persisted at the end.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"github.com/jholhewres/sentra/pkg/sentra/engine"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

// History is the conversation history the orchestrator reads and writes.
// *history.Store implements it.
type History interface {
	AddPendingMessage(groupID, summary string, msg *channels.IncomingMessage)
	StartProcessingMessages(groupID, senderID string)
	GetPendingMessagesBySender(groupID, senderID string) []*channels.IncomingMessage
	GetConversationHistory(groupID string) []protocol.Message
	GetPendingMessagesContext(groupID, senderID string) string
	StartAssistantMessage(groupID, senderID string) string
	AppendToAssistantMessage(groupID, pairID, text string) error
	FinishConversationPair(groupID, pairID, userContent string) bool
	CancelConversationPairByID(groupID, pairID string) bool
}

// RunCache stores the triggering message of an engine run.
type RunCache interface {
	Save(runID string, msg *channels.IncomingMessage) error
}

// Replier sends a model reply to the chat.
type Replier interface {
	SmartSend(ctx context.Context, msg *channels.IncomingMessage, response string, allowReply bool) int
}

// TurnState is the position of a turn in its lifecycle.
type TurnState string

const (
	TurnAwaitingStart TurnState = "awaiting_start"
	TurnJudging       TurnState = "judging"
	TurnToolLoop      TurnState = "tool_loop"
	TurnSummarizing   TurnState = "summarizing"
	TurnDone          TurnState = "done"
	TurnCancelled     TurnState = "cancelled"
)

// Turn is the live state of one reply turn.
type Turn struct {
	ID       string
	SenderID string
	GroupKey string
	ConvID   string
	RunID    string
	State    TurnState

	cancelled atomic.Bool

	// latest starts as the (possibly bundled) triggering message and is
	// replaced by the newest pending message when the queue grows.
	latest      *channels.IncomingMessage
	pendingSeen int

	hasReplied bool
	pairID     string
	objective  string

	// base is pending context plus user question; results holds result
	// blocks newest first and is prepended to base.
	base    string
	results []string

	conversations []protocol.Message
	sends         int
}

// Cancel marks the turn cancelled. A model call in flight still completes;
// its output is discarded and the open pair is dropped.
func (t *Turn) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (t *Turn) Cancelled() bool { return t.cancelled.Load() }

func (t *Turn) userContent() string {
	return joinBlocks(append(append([]string(nil), t.results...), t.base)...)
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	TurnID  string
	State   TurnState
	Replied bool
	Sends   int
	PairID  string
	Reason  string
}

// Orchestrator runs reply turns.
type Orchestrator struct {
	engine  engine.Engine
	history History
	retrier *ChatRetrier
	replier Replier
	policy  ReplyPolicy
	cache   RunCache
	persona PersonaProvider
	emotion EmotionAnalyzer
	logger  *slog.Logger

	promptMu sync.RWMutex
	prompt   PromptConfig

	turnsMu sync.Mutex
	turns   map[string]*Turn
}

// OrchestratorDeps groups the collaborators of an Orchestrator. Cache,
// Persona and Emotion are optional.
type OrchestratorDeps struct {
	Engine  engine.Engine
	History History
	Retrier *ChatRetrier
	Replier Replier
	Policy  ReplyPolicy
	Cache   RunCache
	Persona PersonaProvider
	Emotion EmotionAnalyzer
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps OrchestratorDeps, prompt PromptConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Persona == nil {
		deps.Persona = noopPersona{}
	}
	if deps.Emotion == nil {
		deps.Emotion = noopEmotion{}
	}
	return &Orchestrator{
		engine:  deps.Engine,
		history: deps.History,
		retrier: deps.Retrier,
		replier: deps.Replier,
		policy:  deps.Policy,
		cache:   deps.Cache,
		persona: deps.Persona,
		emotion: deps.Emotion,
		logger:  logger.With("component", "orchestrator"),
		prompt:  prompt,
		turns:   make(map[string]*Turn),
	}
}

// SetPromptConfig replaces the prompt configuration for new turns.
func (o *Orchestrator) SetPromptConfig(p PromptConfig) {
	o.promptMu.Lock()
	o.prompt = p
	o.promptMu.Unlock()
}

func (o *Orchestrator) promptConfig() PromptConfig {
	o.promptMu.RLock()
	defer o.promptMu.RUnlock()
	return o.prompt
}

// CancelTurn cancels the running turn of senderID. Returns false when the
// sender has no running turn.
func (o *Orchestrator) CancelTurn(senderID string) bool {
	o.turnsMu.Lock()
	t, ok := o.turns[senderID]
	o.turnsMu.Unlock()
	if !ok {
		return false
	}
	t.Cancel()
	o.logger.Info("turn cancelled", "sender", senderID, "turn", t.ID)
	return true
}

// ActiveTurns returns the number of running turns.
func (o *Orchestrator) ActiveTurns() int {
	o.turnsMu.Lock()
	defer o.turnsMu.Unlock()
	return len(o.turns)
}

// Run executes one turn for msg and blocks until it ends.
func (o *Orchestrator) Run(ctx context.Context, msg *channels.IncomingMessage) (result TurnResult) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	turn := &Turn{
		ID:       uuid.New().String(),
		SenderID: msg.SenderID.String(),
		GroupKey: HistoryGroupKey(msg),
		ConvID:   ConversationID(msg),
		State:    TurnAwaitingStart,
		latest:   msg,
	}
	logger := o.logger.With("sender", turn.SenderID, "group", turn.GroupKey, "turn", turn.ID)

	o.turnsMu.Lock()
	o.turns[turn.SenderID] = turn
	o.turnsMu.Unlock()
	defer func() {
		o.turnsMu.Lock()
		if o.turns[turn.SenderID] == turn {
			delete(o.turns, turn.SenderID)
		}
		o.turnsMu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			o.cancelPair(turn)
			result = o.result(turn, TurnCancelled, fmt.Sprintf("panic: %v", r))
		}
	}()

	// ── Step 1: Build turn context ──
	o.history.StartProcessingMessages(turn.GroupKey, turn.SenderID)
	pending := o.history.GetPendingMessagesBySender(turn.GroupKey, turn.SenderID)
	turn.pendingSeen = len(pending)
	turn.objective = buildObjective(pending)
	if turn.objective == "" {
		turn.objective = msg.Content()
	}
	turn.base = buildUserContent(o.history.GetPendingMessagesContext(turn.GroupKey, turn.SenderID), msg)

	rawHistory := o.history.GetConversationHistory(turn.GroupKey)
	engineConv := protocol.ConvertHistory(rawHistory)
	engineConv = append(engineConv, protocol.Message{Role: protocol.RoleUser, Content: turn.userContent()})

	pc := o.promptConfig()
	preset := loadPreset(pc.PresetFile, logger)
	system := joinBlocks(
		pc.Instructions,
		o.persona.Persona(turn.SenderID),
		protocol.BuildEmoBlock(o.emotion.Context(turn.SenderID)),
		preset,
	)
	turn.conversations = append([]protocol.Message{{Role: protocol.RoleSystem, Content: system}}, rawHistory...)

	overlays := map[string]string{}
	if preset != "" {
		overlays["global"] = preset
	}

	// ── Step 2: Stream engine events ──
	events, err := o.engine.Stream(ctx, engine.Request{
		Objective:    turn.objective,
		Conversation: engineConv,
		Overlays:     overlays,
	})
	if err != nil {
		logger.Error("engine stream failed", "error", err)
		return o.result(turn, TurnCancelled, err.Error())
	}

	for ev := range events {
		switch ev.Type {
		case engine.EventStart:
			turn.RunID = ev.RunID
			o.refresh(turn)
			if o.cache != nil && ev.RunID != "" {
				if err := o.cache.Save(ev.RunID, turn.latest); err != nil {
					logger.Warn("failed to cache run message", "run", ev.RunID, "error", err)
				}
			}

		case engine.EventJudge:
			if ev.Need {
				turn.State = TurnToolLoop
				continue
			}
			turn.State = TurnJudging
			return o.replyWithoutTools(ctx, turn, ev.Reason, logger)

		case engine.EventToolResult:
			turn.State = TurnToolLoop
			if !o.replyToResult(ctx, turn, protocol.BuildResultBlock(ev.ResultPayload()), logger) {
				return o.result(turn, TurnCancelled, "tool reply failed")
			}

		case engine.EventToolResultGroup:
			turn.State = TurnToolLoop
			payloads := make([]any, 0, len(ev.Members))
			for _, m := range ev.Members {
				payloads = append(payloads, m.ResultPayload())
			}
			if !o.replyToResult(ctx, turn, protocol.BuildResultGroupBlock(ev.GroupIndex, payloads), logger) {
				return o.result(turn, TurnCancelled, "tool group reply failed")
			}

		case engine.EventSummary:
			turn.State = TurnSummarizing
			if turn.Cancelled() {
				o.cancelPair(turn)
				return o.result(turn, TurnCancelled, "cancelled")
			}
			o.finishPair(turn, logger)
			return o.result(turn, TurnDone, "")

		default:
			// plan, args and args_group carry no side effects.
		}
	}

	// Stream closed without a summary.
	if turn.hasReplied && !turn.Cancelled() {
		o.finishPair(turn, logger)
		return o.result(turn, TurnDone, "stream ended without summary")
	}
	o.cancelPair(turn)
	return o.result(turn, TurnCancelled, "stream ended without reply")
}

// replyWithoutTools handles judge{need:false}.
func (o *Orchestrator) replyWithoutTools(ctx context.Context, turn *Turn, reason string, logger *slog.Logger) TurnResult {
	o.openPair(turn)
	o.refresh(turn)

	placeholder := protocol.BuildNoToolPlaceholder(reason)
	noTool := protocol.BuildResultBlock(engine.NoToolResult(reason).ResultPayload())
	turn.results = []string{placeholder, noTool}
	content := turn.userContent()

	conv := append(append([]protocol.Message(nil), turn.conversations...), protocol.Message{Role: protocol.RoleUser, Content: content})
	res := o.retrier.ChatWithRetry(ctx, conv, o.chatOptions(), turn.GroupKey)
	if !res.Success {
		logger.Warn("direct reply failed", "reason", res.Reason, "retries", res.Retries)
		o.cancelPair(turn)
		return o.result(turn, TurnCancelled, res.Reason)
	}

	if err := o.history.AppendToAssistantMessage(turn.GroupKey, turn.pairID, res.Response); err != nil {
		logger.Warn("failed to append assistant message", "error", err)
	}
	if turn.Cancelled() {
		o.cancelPair(turn)
		return o.result(turn, TurnCancelled, "cancelled")
	}

	o.send(ctx, turn, res.Response)
	o.finishPair(turn, logger)
	return o.result(turn, TurnDone, "")
}

// replyToResult handles one tool_result or tool_result_group. Returns false
// when the turn must stop.
func (o *Orchestrator) replyToResult(ctx context.Context, turn *Turn, block string, logger *slog.Logger) bool {
	o.openPair(turn)
	o.refresh(turn)

	turn.results = append([]string{block}, turn.results...)
	content := turn.userContent()

	turn.conversations = append(turn.conversations, protocol.Message{Role: protocol.RoleUser, Content: content})
	res := o.retrier.ChatWithRetry(ctx, turn.conversations, o.chatOptions(), turn.GroupKey)
	if !res.Success {
		logger.Warn("tool reply failed", "reason", res.Reason, "retries", res.Retries)
		o.cancelPair(turn)
		return false
	}

	if err := o.history.AppendToAssistantMessage(turn.GroupKey, turn.pairID, res.Response); err != nil {
		logger.Warn("failed to append assistant message", "error", err)
	}
	if turn.Cancelled() {
		o.cancelPair(turn)
		return false
	}

	o.send(ctx, turn, res.Response)
	turn.conversations = append(turn.conversations, protocol.Message{Role: protocol.RoleAssistant, Content: res.Response})
	return true
}

// send delivers a reply. Only the first send of a turn quotes the message.
func (o *Orchestrator) send(ctx context.Context, turn *Turn, response string) {
	turn.sends += o.replier.SmartSend(ctx, turn.latest, response, !turn.hasReplied)
	turn.hasReplied = true
}

// refresh re-reads the sender's pending queue. When it grew since the last
// read, the newest message becomes the basis of the user question.
func (o *Orchestrator) refresh(turn *Turn) {
	pending := o.history.GetPendingMessagesBySender(turn.GroupKey, turn.SenderID)
	if len(pending) <= turn.pendingSeen {
		return
	}
	turn.pendingSeen = len(pending)
	turn.latest = pending[len(pending)-1]
	turn.objective = buildObjective(pending)
	turn.base = buildUserContent(o.history.GetPendingMessagesContext(turn.GroupKey, turn.SenderID), turn.latest)
	o.logger.Debug("turn context refreshed", "turn", turn.ID, "pending", len(pending))
}

func (o *Orchestrator) chatOptions() ChatOptions {
	pc := o.promptConfig()
	temperature := pc.Temperature
	return ChatOptions{Model: pc.Model, Temperature: &temperature, MaxTokens: pc.MaxTokens}
}

func (o *Orchestrator) openPair(turn *Turn) {
	if turn.pairID == "" {
		turn.pairID = o.history.StartAssistantMessage(turn.GroupKey, turn.SenderID)
	}
}

func (o *Orchestrator) cancelPair(turn *Turn) {
	if turn.pairID == "" {
		return
	}
	o.history.CancelConversationPairByID(turn.GroupKey, turn.pairID)
	turn.pairID = ""
}

func (o *Orchestrator) finishPair(turn *Turn, logger *slog.Logger) {
	if turn.pairID == "" {
		return
	}
	if !o.history.FinishConversationPair(turn.GroupKey, turn.pairID, turn.userContent()) {
		logger.Warn("conversation pair was not open", "pair", turn.pairID)
	}
	if o.policy != nil {
		o.policy.ResetConversationState(turn.ConvID)
	}
}

func (o *Orchestrator) result(turn *Turn, state TurnState, reason string) TurnResult {
	turn.State = state
	if state == TurnDone {
		o.logger.Info("turn finished",
			"sender", turn.SenderID, "turn", turn.ID, "sends", turn.sends, "replied", turn.hasReplied)
	} else if reason != "" && !strings.HasPrefix(reason, "cancelled") {
		o.logger.Info("turn aborted", "sender", turn.SenderID, "turn", turn.ID, "reason", reason)
	}
	return TurnResult{
		TurnID:  turn.ID,
		State:   state,
		Replied: turn.hasReplied,
		Sends:   turn.sends,
		PairID:  turn.pairID,
		Reason:  reason,
	}
}
