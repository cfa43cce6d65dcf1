// Package copilot implements the Sentra conversational runtime: it receives
// chat messages from the bridge, decides whether to reply, bundles bursts,
// serializes turns per sender and drives the reasoning engine.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"github.com/jholhewres/sentra/pkg/sentra/engine"
)

// AssistantDeps groups the external collaborators of an Assistant.
type AssistantDeps struct {
	Transport channels.Transport
	History   History
	Engine    engine.Engine
	Model     ChatModel

	// Optional.
	Cache   RunCache
	Persona PersonaProvider
	Emotion EmotionAnalyzer
}

// AssistantStats is a snapshot for the status API.
type AssistantStats struct {
	Name        string                `json:"name"`
	Connected   bool                  `json:"connected"`
	Uptime      string                `json:"uptime"`
	ActiveTurns int                   `json:"active_turns"`
	OpenBundles int                   `json:"open_bundles"`
	Admission   AdmissionStats        `json:"admission"`
	Transport   channels.HealthStatus `json:"transport"`
}

// Assistant is the top-level runtime.
type Assistant struct {
	config   *Config
	configMu sync.RWMutex

	transport    channels.Transport
	history      History
	bundler      *Bundler
	admission    *Admission
	policy       *DesirePolicy
	validator    *InterventionValidator
	gate         *ReplyGate
	retrier      *ChatRetrier
	orchestrator *Orchestrator
	persona      PersonaProvider
	emotion      EmotionAnalyzer

	logger    *slog.Logger
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an assistant from cfg and its collaborators.
func New(cfg *Config, deps AssistantDeps, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Persona == nil {
		deps.Persona = noopPersona{}
	}
	if deps.Emotion == nil {
		deps.Emotion = noopEmotion{}
	}

	repairModel := cfg.Response.RepairModel
	if repairModel == "" {
		repairModel = cfg.Model
	}
	repairer := NewRepairer(deps.Model, repairModel, logger)
	policy := NewDesirePolicy(cfg.Reply)
	admission := NewAdmission()
	validator := NewInterventionValidator(deps.Model, repairer, cfg.Intervention, logger)
	retrier := NewChatRetrier(deps.Model, repairer, cfg.Response, logger)

	a := &Assistant{
		config:    cfg,
		transport: deps.Transport,
		history:   deps.History,
		bundler:   NewBundler(cfg.Bundle, logger),
		admission: admission,
		policy:    policy,
		validator: validator,
		gate:      NewReplyGate(policy, validator, admission, logger),
		retrier:   retrier,
		persona:   deps.Persona,
		emotion:   deps.Emotion,
		logger:    logger.With("component", "assistant"),
	}
	a.orchestrator = NewOrchestrator(OrchestratorDeps{
		Engine:  deps.Engine,
		History: deps.History,
		Retrier: retrier,
		Replier: NewSender(deps.Transport, logger),
		Policy:  policy,
		Cache:   deps.Cache,
		Persona: deps.Persona,
		Emotion: deps.Emotion,
	}, promptConfigFrom(cfg), logger)

	// A declined turn hands the messages bundled while it was gated to the
	// deferred buffer so they are re-evaluated together.
	a.gate.OnRelease(func(task *Task) {
		for _, m := range a.bundler.Discard(task.SenderID, task.Msg) {
			a.admission.Defer(task.SenderID, m)
		}
	})
	return a
}

// Start connects the transport and starts the message loop.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.startedAt = time.Now()

	a.logger.Info("starting Sentra",
		"name", a.config.Name,
		"model", a.config.Model,
		"intervention", a.config.Intervention.Enabled,
	)

	if err := a.transport.Connect(a.ctx); err != nil {
		a.cancel()
		return fmt.Errorf("connecting transport: %w", err)
	}

	go a.messageLoop()
	return nil
}

// Stop cancels running turns, disconnects the transport and waits for
// in-flight handlers to return.
func (a *Assistant) Stop() {
	a.logger.Info("stopping Sentra...")

	if a.cancel != nil {
		a.cancel()
	}
	if err := a.transport.Disconnect(); err != nil {
		a.logger.Warn("error disconnecting transport", "error", err)
	}
	a.wg.Wait()

	a.logger.Info("Sentra stopped")
}

// ApplyConfigUpdate applies hot-reloadable config changes: bundling, reply
// policy, intervention, response retries, prompt and history size. The
// transport, storage and API settings require a restart.
func (a *Assistant) ApplyConfigUpdate(newCfg *Config) {
	a.configMu.Lock()
	defer a.configMu.Unlock()

	a.config.Instructions = newCfg.Instructions
	a.config.PresetFile = newCfg.PresetFile
	a.config.Model = newCfg.Model
	a.config.Temperature = newCfg.Temperature
	a.config.MaxTokens = newCfg.MaxTokens
	a.config.Bundle = newCfg.Bundle
	a.config.Reply = newCfg.Reply
	a.config.Intervention = newCfg.Intervention
	a.config.Response = newCfg.Response
	a.config.History.MaxConversationPairs = newCfg.History.MaxConversationPairs

	a.bundler.SetConfig(newCfg.Bundle)
	a.policy.SetConfig(newCfg.Reply)
	a.validator.SetConfig(newCfg.Intervention)
	a.retrier.SetConfig(newCfg.Response)
	a.orchestrator.SetPromptConfig(promptConfigFrom(a.config))
	if h, ok := a.history.(interface{ SetMaxConversationPairs(int) }); ok {
		h.SetMaxConversationPairs(newCfg.History.MaxConversationPairs)
	}

	a.logger.Info("config hot-reload applied",
		"updated", []string{"instructions", "model", "bundle", "reply", "intervention", "response", "history"},
	)
}

// Stats returns a runtime snapshot.
func (a *Assistant) Stats() AssistantStats {
	a.configMu.RLock()
	name := a.config.Name
	a.configMu.RUnlock()

	st := AssistantStats{
		Name:        name,
		Connected:   a.transport.IsConnected(),
		ActiveTurns: a.orchestrator.ActiveTurns(),
		OpenBundles: a.bundler.Open(),
		Admission:   a.admission.Stats(),
		Transport:   a.transport.Health(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	return st
}

// CancelTurn cancels the running turn of senderID.
func (a *Assistant) CancelTurn(senderID string) bool {
	return a.orchestrator.CancelTurn(senderID)
}

func (a *Assistant) messageLoop() {
	for {
		select {
		case msg := <-a.transport.Receive():
			if msg == nil {
				continue
			}
			// Intake runs here so per-sender arrival order is kept; only the
			// gate check and the turn run on their own goroutine.
			if out, ok := a.intake(msg); ok {
				a.wg.Add(1)
				go func() {
					defer a.wg.Done()
					a.proceed(a.ctx, msg, out)
				}()
			}

		case <-a.ctx.Done():
			return
		}
	}
}

// intake records msg and routes it: into the sender's open bundle, into the
// deferred buffer while a turn runs, or through the reply policy. Returns
// true when msg was admitted and the caller must proceed with it.
func (a *Assistant) intake(msg *channels.IncomingMessage) (out GateOutcome, ok bool) {
	sender := msg.SenderID.String()
	logger := a.logger.With(
		"sender", sender,
		"group", msg.GroupID.String(),
		"msg_id", msg.MessageID.String(),
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message intake panicked", "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()

	logger.Debug("incoming message", "type", msg.Type, "content_preview", truncate(msg.Content(), 50))

	// ── Step 0: Record ──
	summary := msg.Summary
	if summary == "" {
		summary = msg.Text
	}
	a.history.AddPendingMessage(HistoryGroupKey(msg), summary, msg)
	a.emotion.Analyze(msg)
	a.persona.RecordMessage(msg)

	// ── Step 1: Join an open bundle ──
	if a.bundler.Append(sender, msg) {
		logger.Debug("message appended to bundle")
		return GateOutcome{}, false
	}

	// ── Step 2: Defer while the sender has a running turn ──
	if a.admission.Defer(sender, msg) {
		logger.Debug("sender busy, message deferred")
		return GateOutcome{}, false
	}

	// ── Step 3: Score and admit ──
	out = a.gate.Admit(msg)
	if !out.Reply {
		return out, false
	}
	if !out.Queued {
		// Followups from now on join this turn's bundle.
		a.bundler.Start(sender, msg)
	}
	return out, true
}

// proceed finishes gating an admitted message and runs its turn.
func (a *Assistant) proceed(ctx context.Context, msg *channels.IncomingMessage, out GateOutcome) {
	defer a.recoverTurn(msg.SenderID.String())
	a.dispatch(ctx, a.gate.Check(ctx, msg, out))
}

// dispatch runs whatever a gate outcome leaves to do.
func (a *Assistant) dispatch(ctx context.Context, out GateOutcome) {
	switch {
	case out.Promoted != nil:
		a.runTask(ctx, out.Promoted)
	case out.Reserved != nil:
		a.evaluateReserved(ctx, out.Reserved)
	case out.Reply && !out.Queued:
		a.runTask(ctx, out.Task)
	}
}

// evaluateReserved sends a task built from deferred messages through the
// reply gate and runs it when it passes.
func (a *Assistant) evaluateReserved(ctx context.Context, task *Task) {
	if ctx.Err() != nil {
		a.admission.Complete(task.SenderID, task.ID)
		return
	}
	a.logger.Debug("re-evaluating deferred messages", "sender", task.SenderID, "task", task.ID)
	a.dispatch(ctx, a.gate.EvaluateTask(ctx, task))
}

// runTask bundles the task's message and runs a turn. The admission slot is
// always released afterwards.
func (a *Assistant) runTask(ctx context.Context, task *Task) {
	defer a.finishTask(ctx, task)

	merged := a.bundler.Collect(ctx, task.SenderID, task.Msg)
	if merged == nil || ctx.Err() != nil {
		return
	}
	a.orchestrator.Run(ctx, merged)
}

// finishTask releases the slot, then runs a promoted task or gates the
// messages deferred during the turn as one message.
func (a *Assistant) finishTask(ctx context.Context, task *Task) {
	next, reserved := a.admission.Release(task.SenderID, task.ID)
	switch {
	case next != nil:
		a.logger.Debug("running next queued task", "sender", task.SenderID, "task", next.ID)
		a.runTask(ctx, next)
	case reserved != nil:
		a.evaluateReserved(ctx, reserved)
	}
}

func (a *Assistant) recoverTurn(sender string) {
	if r := recover(); r != nil {
		a.logger.Error("turn panicked", "sender", sender, "panic", r, "stack", string(debug.Stack()))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
