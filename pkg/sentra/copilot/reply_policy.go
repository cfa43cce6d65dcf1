// Package copilot – reply_policy.go scores how strongly a message warrants
// a reply. Private chats and direct mentions always get one; group chatter
// accumulates desire while the bot stays quiet.
package copilot

import (
	"math"
	"sync"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
)

// ReplyPolicy is the primary reply heuristic.
type ReplyPolicy interface {
	// ShouldReply scores msg and updates the conversation state.
	ShouldReply(msg *channels.IncomingMessage) ReplyDecision

	// ReduceDesireAndRecalculate lowers the last probability of convID by
	// fraction and re-tests it against the threshold.
	ReduceDesireAndRecalculate(convID string, msg *channels.IncomingMessage, fraction float64) ReplyDecision

	// ResetConversationState clears ignored and desire accounting after a reply.
	ResetConversationState(convID string)
}

// ConversationState is the per-conversation accounting of the policy.
type ConversationState struct {
	MessageCount       int           `json:"message_count"`
	ConsecutiveIgnored int           `json:"consecutive_ignored"`
	LastReplyAt        time.Time     `json:"last_reply_at"`
	LastMessageAt      time.Time     `json:"last_message_at"`
	AvgInterval        time.Duration `json:"avg_interval"`

	// Desire is the accumulated damping in [0,1) applied to the probability.
	Desire float64 `json:"desire"`

	lastRaw float64
}

// ReplyDecision is the outcome of the primary heuristic.
type ReplyDecision struct {
	NeedReply       bool
	Reason          string
	Mandatory       bool
	Probability     float64
	Threshold       float64
	ConversationID  string
	State           ConversationState
	ExplicitMention bool
}

// ConversationID returns the reply-accounting key of msg:
// group_<gid>_sender_<uid> or private_<uid>.
func ConversationID(msg *channels.IncomingMessage) string {
	if msg.IsGroup() {
		return "group_" + msg.GroupID.String() + "_sender_" + msg.SenderID.String()
	}
	return "private_" + msg.SenderID.String()
}

// HistoryGroupKey returns the history key of msg: G:<gid> or U:<uid>.
func HistoryGroupKey(msg *channels.IncomingMessage) string {
	if msg.IsGroup() {
		return "G:" + msg.GroupID.String()
	}
	return "U:" + msg.SenderID.String()
}

// DesirePolicy is the default ReplyPolicy.
type DesirePolicy struct {
	mu     sync.Mutex
	cfg    ReplyConfig
	states map[string]*ConversationState
	now    func() time.Time
}

// NewDesirePolicy creates the default policy.
func NewDesirePolicy(cfg ReplyConfig) *DesirePolicy {
	return &DesirePolicy{
		cfg:    cfg.Effective(),
		states: make(map[string]*ConversationState),
		now:    time.Now,
	}
}

// SetConfig replaces the scoring parameters.
func (p *DesirePolicy) SetConfig(cfg ReplyConfig) {
	p.mu.Lock()
	p.cfg = cfg.Effective()
	p.mu.Unlock()
}

func (p *DesirePolicy) state(convID string) *ConversationState {
	st, ok := p.states[convID]
	if !ok {
		st = &ConversationState{}
		p.states[convID] = st
	}
	return st
}

// ShouldReply implements ReplyPolicy.
func (p *DesirePolicy) ShouldReply(msg *channels.IncomingMessage) ReplyDecision {
	p.mu.Lock()
	defer p.mu.Unlock()

	convID := ConversationID(msg)
	st := p.state(convID)
	now := p.now()

	if !st.LastMessageAt.IsZero() {
		gap := now.Sub(st.LastMessageAt)
		if st.AvgInterval == 0 {
			st.AvgInterval = gap
		} else {
			st.AvgInterval = (st.AvgInterval*3 + gap) / 4
		}
	}
	st.LastMessageAt = now
	st.MessageCount++

	dec := ReplyDecision{
		ConversationID:  convID,
		Threshold:       p.cfg.Threshold,
		ExplicitMention: msg.MentionsSelf(),
	}

	switch {
	case !msg.IsGroup():
		dec.Mandatory, dec.NeedReply, dec.Probability = true, true, 1
		dec.Reason = "private chat"
		st.lastRaw = 1
	case dec.ExplicitMention:
		dec.Mandatory, dec.NeedReply, dec.Probability = true, true, 1
		dec.Reason = "mentioned"
		st.lastRaw = 1
	default:
		raw := p.score(st, now)
		st.lastRaw = raw
		dec.Probability = raw * (1 - st.Desire)
		dec.NeedReply = dec.Probability >= dec.Threshold
		if dec.NeedReply {
			dec.Reason = "desire above threshold"
		} else {
			dec.Reason = "desire below threshold"
		}
	}

	if !dec.NeedReply {
		st.ConsecutiveIgnored++
	}
	dec.State = *st
	return dec
}

// score computes the undamped probability of a group message.
func (p *DesirePolicy) score(st *ConversationState, now time.Time) float64 {
	prob := p.cfg.BaseProbability
	prob += math.Min(float64(st.ConsecutiveIgnored)*p.cfg.IgnoredStep, p.cfg.IgnoredCap)
	if st.LastReplyAt.IsZero() || now.Sub(st.LastReplyAt) >= p.cfg.QuietPeriod {
		prob += p.cfg.QuietBonus
	}
	if st.AvgInterval > 0 && st.AvgInterval < p.cfg.FastPace {
		prob -= p.cfg.FastPacePenalty
	}
	return math.Max(0, math.Min(1, prob))
}

// ReduceDesireAndRecalculate implements ReplyPolicy.
func (p *DesirePolicy) ReduceDesireAndRecalculate(convID string, msg *channels.IncomingMessage, fraction float64) ReplyDecision {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(convID)
	fraction = math.Max(0, math.Min(1, fraction))
	st.Desire = 1 - (1-st.Desire)*(1-fraction)

	dec := ReplyDecision{
		ConversationID:  convID,
		Threshold:       p.cfg.Threshold,
		Probability:     st.lastRaw * (1 - st.Desire),
		ExplicitMention: msg != nil && msg.MentionsSelf(),
	}
	dec.NeedReply = dec.Probability >= dec.Threshold
	if dec.NeedReply {
		dec.Reason = "desire still above threshold after reduction"
	} else {
		dec.Reason = "desire reduced below threshold"
	}
	dec.State = *st
	return dec
}

// ResetConversationState implements ReplyPolicy.
func (p *DesirePolicy) ResetConversationState(convID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state(convID)
	st.ConsecutiveIgnored = 0
	st.Desire = 0
	st.LastReplyAt = p.now()
}

// State returns a copy of the accounting for convID.
func (p *DesirePolicy) State(convID string) (ConversationState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[convID]
	if !ok {
		return ConversationState{}, false
	}
	return *st, true
}
