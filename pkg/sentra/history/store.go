package history

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

// PairStatus is the lifecycle state of a conversation pair.
type PairStatus string

const (
	PairOpen      PairStatus = "open"
	PairFinished  PairStatus = "finished"
	PairCancelled PairStatus = "cancelled"
)

// ErrPairNotFound is returned when a pair id is not open in the group.
var ErrPairNotFound = errors.New("conversation pair not found")

// Pair is one user/assistant exchange.
type Pair struct {
	ID               string     `json:"pair_id"`
	GroupID          string     `json:"group_id"`
	SenderID         string     `json:"sender_id"`
	UserContent      string     `json:"user_content"`
	AssistantContent string     `json:"assistant_content"`
	Status           PairStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       time.Time  `json:"finished_at,omitempty"`
}

// Config configures the history store.
type Config struct {
	// Path is the SQLite file. Empty keeps history in memory only.
	Path string `yaml:"path"`

	// MaxConversationPairs bounds finished pairs kept per group (default: 20).
	MaxConversationPairs int `yaml:"max_conversation_pairs"`

	// MaxPendingMessages bounds the pending queue per group; the oldest
	// non-processing message is dropped first (default: 100).
	MaxPendingMessages int `yaml:"max_pending_messages"`

	// MaxContextMessages bounds the messages rendered into
	// <sentra-pending-messages> (default: 10).
	MaxContextMessages int `yaml:"max_context_messages"`

	// CacheTTL is how long run message cache rows are kept (default: 24h).
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Effective returns a copy with default values filled in for zero fields.
func (c Config) Effective() Config {
	out := c
	if out.MaxConversationPairs <= 0 {
		out.MaxConversationPairs = 20
	}
	if out.MaxPendingMessages <= 0 {
		out.MaxPendingMessages = 100
	}
	if out.MaxContextMessages <= 0 {
		out.MaxContextMessages = 10
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = 24 * time.Hour
	}
	return out
}

// PairStore persists finished pairs.
type PairStore interface {
	SavePair(pair Pair) error
	LoadRecent(groupID string, limit int) ([]Pair, error)
}

type pendingEntry struct {
	senderID   string
	summary    string
	msg        *channels.IncomingMessage
	receivedAt time.Time
	processing bool
}

type groupState struct {
	pending  []*pendingEntry
	finished []Pair
	open     map[string]*Pair
	loaded   bool
}

// Store is the in-memory history manager with optional persistence.
type Store struct {
	cfg     Config
	persist PairStore
	logger  *slog.Logger

	mu     sync.Mutex
	groups map[string]*groupState
}

// NewStore creates a history store. persist may be nil.
func NewStore(cfg Config, persist PairStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:     cfg.Effective(),
		persist: persist,
		logger:  logger.With("component", "history"),
		groups:  make(map[string]*groupState),
	}
}

// group returns the state for groupID, loading persisted pairs on first use.
// Caller must hold s.mu.
func (s *Store) group(groupID string) *groupState {
	g, ok := s.groups[groupID]
	if !ok {
		g = &groupState{open: make(map[string]*Pair)}
		s.groups[groupID] = g
	}
	if !g.loaded {
		g.loaded = true
		if s.persist != nil {
			pairs, err := s.persist.LoadRecent(groupID, s.cfg.MaxConversationPairs)
			if err != nil {
				s.logger.Warn("failed to load conversation pairs", "group", groupID, "error", err)
			} else {
				g.finished = pairs
			}
		}
	}
	return g
}

// AddPendingMessage records a received message for the group.
func (s *Store) AddPendingMessage(groupID, summary string, msg *channels.IncomingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	g.pending = append(g.pending, &pendingEntry{
		senderID:   msg.SenderID.String(),
		summary:    summary,
		msg:        msg,
		receivedAt: time.Now(),
	})
	for len(g.pending) > s.cfg.MaxPendingMessages {
		idx := -1
		for i, e := range g.pending {
			if !e.processing {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		g.pending = append(g.pending[:idx], g.pending[idx+1:]...)
	}
}

// StartProcessingMessages marks the sender's pending messages as being
// answered by the current turn.
func (s *Store) StartProcessingMessages(groupID, senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.group(groupID).pending {
		if e.senderID == senderID {
			e.processing = true
		}
	}
}

// GetPendingMessagesBySender returns the sender's unanswered messages in
// arrival order, including ones already marked as processing.
func (s *Store) GetPendingMessagesBySender(groupID, senderID string) []*channels.IncomingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*channels.IncomingMessage
	for _, e := range s.group(groupID).pending {
		if e.senderID == senderID {
			out = append(out, e.msg)
		}
	}
	return out
}

// GetConversationHistory returns finished pairs as alternating user and
// assistant messages, oldest first.
func (s *Store) GetConversationHistory(groupID string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	out := make([]protocol.Message, 0, len(g.finished)*2)
	for _, p := range g.finished {
		out = append(out,
			protocol.Message{Role: protocol.RoleUser, Content: p.UserContent},
			protocol.Message{Role: protocol.RoleAssistant, Content: p.AssistantContent},
		)
	}
	return out
}

// GetPendingMessagesContext renders the group's other unanswered messages
// as <sentra-pending-messages>. The sender's latest message is excluded
// since it becomes the user question. Returns "" when there is nothing.
func (s *Store) GetPendingMessagesContext(groupID, senderID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	latest := -1
	for i, e := range g.pending {
		if e.senderID == senderID {
			latest = i
		}
	}

	var items []protocol.PendingItem
	for i, e := range g.pending {
		if i == latest {
			continue
		}
		text := strings.TrimSpace(e.summary)
		if text == "" {
			text = e.msg.Content()
		}
		if text == "" {
			continue
		}
		items = append(items, protocol.PendingItem{
			SenderID:   e.senderID,
			SenderName: e.msg.SenderName,
			Text:       text,
			Time:       e.msg.TimeStr,
		})
	}
	if n := s.cfg.MaxContextMessages; len(items) > n {
		items = items[len(items)-n:]
	}
	return protocol.BuildPendingMessagesBlock(items)
}

// StartAssistantMessage opens a pair for the sender's turn and returns its id.
func (s *Store) StartAssistantMessage(groupID, senderID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.group(groupID).open[id] = &Pair{
		ID:        id,
		GroupID:   groupID,
		SenderID:  senderID,
		Status:    PairOpen,
		CreatedAt: time.Now(),
	}
	return id
}

// AppendToAssistantMessage appends model output to an open pair.
func (s *Store) AppendToAssistantMessage(groupID, pairID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.group(groupID).open[pairID]
	if !ok {
		return ErrPairNotFound
	}
	if p.AssistantContent != "" {
		p.AssistantContent += "\n"
	}
	p.AssistantContent += text
	return nil
}

// FinishConversationPair closes an open pair with the final user content and
// moves it into history. The sender's processing messages are released.
// Returns false when the pair is not open (already finished or cancelled).
func (s *Store) FinishConversationPair(groupID, pairID, userContent string) bool {
	s.mu.Lock()
	g := s.group(groupID)
	p, ok := g.open[pairID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(g.open, pairID)

	p.UserContent = userContent
	p.Status = PairFinished
	p.FinishedAt = time.Now()
	g.finished = append(g.finished, *p)
	if over := len(g.finished) - s.cfg.MaxConversationPairs; over > 0 {
		g.finished = append([]Pair(nil), g.finished[over:]...)
	}

	kept := g.pending[:0]
	for _, e := range g.pending {
		if e.processing && e.senderID == p.SenderID {
			continue
		}
		kept = append(kept, e)
	}
	g.pending = kept
	pair := *p
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SavePair(pair); err != nil {
			s.logger.Warn("pair finished but not persisted", "group", groupID, "pair", pairID, "error", err)
		}
	}
	return true
}

// CancelConversationPairByID discards an open pair. The sender's processing
// messages go back to pending so later turns still see them as context.
func (s *Store) CancelConversationPairByID(groupID, pairID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	p, ok := g.open[pairID]
	if !ok {
		return false
	}
	delete(g.open, pairID)
	p.Status = PairCancelled
	for _, e := range g.pending {
		if e.senderID == p.SenderID {
			e.processing = false
		}
	}
	return true
}

// Pairs returns a copy of the finished pairs of a group.
func (s *Store) Pairs(groupID string) []Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Pair(nil), s.group(groupID).finished...)
}

// Stats summarizes the in-memory state.
type Stats struct {
	Groups   int `json:"groups"`
	Pending  int `json:"pending"`
	Open     int `json:"open_pairs"`
	Finished int `json:"finished_pairs"`
}

// Stats returns counts across all groups.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Groups: len(s.groups)}
	for _, g := range s.groups {
		st.Pending += len(g.pending)
		st.Open += len(g.open)
		st.Finished += len(g.finished)
	}
	return st
}

// SetMaxConversationPairs updates the history bound at runtime.
func (s *Store) SetMaxConversationPairs(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.MaxConversationPairs = n
	s.mu.Unlock()
}
