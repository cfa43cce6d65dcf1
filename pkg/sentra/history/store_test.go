package history

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

func msg(sender, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		Type:     channels.ChatGroup,
		SenderID: channels.ID(sender),
		GroupID:  "g1",
		Text:     text,
	}
}

type memPairs struct {
	saved []Pair
}

func (m *memPairs) SavePair(p Pair) error { m.saved = append(m.saved, p); return nil }

func (m *memPairs) LoadRecent(groupID string, limit int) ([]Pair, error) {
	var out []Pair
	for _, p := range m.saved {
		if p.GroupID == groupID {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func TestStorePairLifecycle(t *testing.T) {
	t.Parallel()

	persist := &memPairs{}
	s := NewStore(Config{}, persist, nil)
	s.AddPendingMessage("G:g1", "", msg("u1", "hello"))
	s.AddPendingMessage("G:g1", "", msg("u2", "other"))
	s.StartProcessingMessages("G:g1", "u1")

	id := s.StartAssistantMessage("G:g1", "u1")
	if err := s.AppendToAssistantMessage("G:g1", id, "part one"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendToAssistantMessage("G:g1", id, "part two"); err != nil {
		t.Fatalf("append: %v", err)
	}

	if !s.FinishConversationPair("G:g1", id, "question") {
		t.Fatal("first finish should succeed")
	}
	if s.FinishConversationPair("G:g1", id, "question") {
		t.Error("a pair must not be finished twice")
	}
	if s.CancelConversationPairByID("G:g1", id) {
		t.Error("a finished pair must not be cancellable")
	}

	hist := s.GetConversationHistory("G:g1")
	want := []protocol.Message{
		{Role: protocol.RoleUser, Content: "question"},
		{Role: protocol.RoleAssistant, Content: "part one\npart two"},
	}
	if len(hist) != 2 || hist[0] != want[0] || hist[1] != want[1] {
		t.Errorf("history = %+v, want %+v", hist, want)
	}

	if got := s.GetPendingMessagesBySender("G:g1", "u1"); len(got) != 0 {
		t.Errorf("u1 pending after finish = %d, want 0", len(got))
	}
	if got := s.GetPendingMessagesBySender("G:g1", "u2"); len(got) != 1 {
		t.Errorf("u2 pending = %d, want 1", len(got))
	}
	if len(persist.saved) != 1 || persist.saved[0].SenderID != "u1" {
		t.Errorf("persisted = %+v", persist.saved)
	}
}

func TestStoreCancelReturnsMessagesToPending(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{}, nil, nil)
	s.AddPendingMessage("G:g1", "", msg("u1", "hello"))
	s.StartProcessingMessages("G:g1", "u1")
	id := s.StartAssistantMessage("G:g1", "u1")

	if !s.CancelConversationPairByID("G:g1", id) {
		t.Fatal("cancel should succeed")
	}
	if s.FinishConversationPair("G:g1", id, "x") {
		t.Error("a cancelled pair must not be finished")
	}
	if got := s.GetPendingMessagesBySender("G:g1", "u1"); len(got) != 1 {
		t.Errorf("pending = %d, want 1", len(got))
	}
	if got := s.GetConversationHistory("G:g1"); len(got) != 0 {
		t.Errorf("history = %+v, want empty", got)
	}
	if err := s.AppendToAssistantMessage("G:g1", id, "late"); err != ErrPairNotFound {
		t.Errorf("append after cancel = %v, want ErrPairNotFound", err)
	}
}

func TestStoreMaxConversationPairs(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{MaxConversationPairs: 2}, nil, nil)
	for _, q := range []string{"a", "b", "c"} {
		id := s.StartAssistantMessage("U:u1", "u1")
		_ = s.AppendToAssistantMessage("U:u1", id, "r"+q)
		s.FinishConversationPair("U:u1", id, q)
	}
	hist := s.GetConversationHistory("U:u1")
	if len(hist) != 4 || hist[0].Content != "b" || hist[2].Content != "c" {
		t.Errorf("history = %+v", hist)
	}
}

func TestStorePendingContext(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{}, nil, nil)
	if got := s.GetPendingMessagesContext("G:g1", "u1"); got != "" {
		t.Errorf("empty context = %q", got)
	}

	s.AddPendingMessage("G:g1", "", msg("u2", "someone else"))
	s.AddPendingMessage("G:g1", "", msg("u1", "earlier"))
	s.AddPendingMessage("G:g1", "[image]", msg("u1", ""))

	got := s.GetPendingMessagesContext("G:g1", "u1")
	if !strings.Contains(got, "someone else") || !strings.Contains(got, "earlier") {
		t.Errorf("context missing messages:\n%s", got)
	}
	if strings.Contains(got, "[image]") {
		t.Errorf("context should exclude the sender's latest message:\n%s", got)
	}
	if !strings.Contains(got, "<total_count>2</total_count>") {
		t.Errorf("unexpected count:\n%s", got)
	}
}

func TestStorePendingBound(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{MaxPendingMessages: 2}, nil, nil)
	s.AddPendingMessage("G:g1", "", msg("u1", "one"))
	s.StartProcessingMessages("G:g1", "u1")
	s.AddPendingMessage("G:g1", "", msg("u2", "two"))
	s.AddPendingMessage("G:g1", "", msg("u2", "three"))

	if got := s.GetPendingMessagesBySender("G:g1", "u1"); len(got) != 1 {
		t.Errorf("processing message must survive trimming, got %d", len(got))
	}
	got := s.GetPendingMessagesBySender("G:g1", "u2")
	if len(got) != 1 || got[0].Text != "three" {
		t.Errorf("u2 pending = %+v", got)
	}
}

func TestSQLitePersistence(t *testing.T) {
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "sentra.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	defer db.Close()

	pairs := NewSQLitePairStore(db, nil)
	s := NewStore(Config{MaxConversationPairs: 5}, pairs, nil)
	for _, q := range []string{"a", "b", "c"} {
		id := s.StartAssistantMessage("G:g1", "u1")
		_ = s.AppendToAssistantMessage("G:g1", id, "r"+q)
		s.FinishConversationPair("G:g1", id, q)
	}

	reloaded := NewStore(Config{MaxConversationPairs: 2}, pairs, nil)
	hist := reloaded.GetConversationHistory("G:g1")
	if len(hist) != 4 || hist[0].Content != "b" || hist[3].Content != "rc" {
		t.Errorf("reloaded history = %+v", hist)
	}

	removed, err := pairs.Rotate(1)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if removed != 2 {
		t.Errorf("Rotate removed %d, want 2", removed)
	}
	groups, err := pairs.Groups()
	if err != nil || len(groups) != 1 || groups[0] != "G:g1" {
		t.Errorf("Groups = %v, %v", groups, err)
	}
}

func TestMessageCache(t *testing.T) {
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "sentra.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	defer db.Close()

	cache := NewMessageCache(db)
	if err := cache.Save("run-1", msg("u1", "cached text")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := cache.Load("run-1")
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if got.Text != "cached text" || got.SenderID != "u1" {
		t.Errorf("loaded = %+v", got)
	}

	if missing, err := cache.Load("nope"); err != nil || missing != nil {
		t.Errorf("Load missing = %v, %v", missing, err)
	}

	if n, err := cache.Sweep(time.Hour); err != nil || n != 0 {
		t.Errorf("Sweep(1h) = %d, %v; want 0", n, err)
	}
	if n, err := cache.Sweep(-time.Hour); err != nil || n != 1 {
		t.Errorf("Sweep(-1h) = %d, %v; want 1", n, err)
	}
}
