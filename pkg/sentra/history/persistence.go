package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// SQLitePairStore persists finished pairs in the conversation_pairs table.
type SQLitePairStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePairStore creates a pair store. The tables must already exist
// (created by OpenDatabase).
func NewSQLitePairStore(db *sql.DB, logger *slog.Logger) *SQLitePairStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLitePairStore{db: db, logger: logger}
}

// SavePair inserts a finished pair.
func (p *SQLitePairStore) SavePair(pair Pair) error {
	_, err := p.db.Exec(`
		INSERT INTO conversation_pairs (pair_id, group_id, sender_id, user_content, assistant_content, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pair.ID,
		pair.GroupID,
		pair.SenderID,
		pair.UserContent,
		pair.AssistantContent,
		pair.CreatedAt.UTC().Format(timeLayout),
		pair.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		p.logger.Error("failed to save conversation pair", "group", pair.GroupID, "pair", pair.ID, "err", err)
		return fmt.Errorf("save conversation pair: %w", err)
	}
	return nil
}

// LoadRecent returns the newest limit pairs of a group in chronological order.
func (p *SQLitePairStore) LoadRecent(groupID string, limit int) ([]Pair, error) {
	rows, err := p.db.Query(`
		SELECT pair_id, group_id, sender_id, user_content, assistant_content, created_at, finished_at
		FROM (
			SELECT * FROM conversation_pairs
			WHERE group_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("load conversation pairs: %w", err)
	}
	defer rows.Close()
	return scanPairs(rows)
}

// Groups returns every group id with stored pairs.
func (p *SQLitePairStore) Groups() ([]string, error) {
	rows, err := p.db.Query(`SELECT DISTINCT group_id FROM conversation_pairs ORDER BY group_id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Rotate keeps only the newest keep pairs of every group. Returns the number
// of rows removed.
func (p *SQLitePairStore) Rotate(keep int) (int64, error) {
	res, err := p.db.Exec(`
		DELETE FROM conversation_pairs
		WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY group_id ORDER BY id DESC) AS rn
				FROM conversation_pairs
			) WHERE rn <= ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("rotate conversation pairs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		p.logger.Info("conversation pairs rotated", "kept_per_group", keep, "removed", n)
	}
	return n, nil
}

func scanPairs(rows *sql.Rows) ([]Pair, error) {
	var pairs []Pair
	for rows.Next() {
		var (
			pair               Pair
			created, finished string
		)
		if err := rows.Scan(&pair.ID, &pair.GroupID, &pair.SenderID, &pair.UserContent, &pair.AssistantContent, &created, &finished); err != nil {
			return nil, fmt.Errorf("scan conversation pair: %w", err)
		}
		pair.CreatedAt, _ = time.Parse(timeLayout, created)
		pair.FinishedAt, _ = time.Parse(timeLayout, finished)
		pair.Status = PairFinished
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}
