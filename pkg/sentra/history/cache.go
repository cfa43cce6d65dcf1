package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/channels"
)

// MessageCache stores the message that triggered each engine run.
type MessageCache struct {
	db *sql.DB
}

// NewMessageCache creates a cache over the message_cache table.
func NewMessageCache(db *sql.DB) *MessageCache {
	return &MessageCache{db: db}
}

// Save records msg under runID, replacing any previous row.
func (c *MessageCache) Save(runID string, msg *channels.IncomingMessage) error {
	payload, err := json.Marshal(msg.Fields())
	if err != nil {
		return fmt.Errorf("marshal cached message: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO message_cache (run_id, group_id, sender_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, msg.GroupID.String(), msg.SenderID.String(), string(payload),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save cached message: %w", err)
	}
	return nil
}

// Load returns the message cached under runID, or nil when absent.
func (c *MessageCache) Load(runID string) (*channels.IncomingMessage, error) {
	var payload string
	err := c.db.QueryRow(`SELECT payload FROM message_cache WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cached message: %w", err)
	}
	var msg channels.IncomingMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("decode cached message: %w", err)
	}
	return &msg, nil
}

// Sweep deletes rows older than ttl and returns how many were removed.
func (c *MessageCache) Sweep(ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).UTC().Format(timeLayout)
	res, err := c.db.Exec(`DELETE FROM message_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep message cache: %w", err)
	}
	return res.RowsAffected()
}
