// Package conversation records question/answer exchanges. Records are
// append-only: once written they are never mutated.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Conversation is one question/answer exchange.
type Conversation struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	UserID          string    `json:"user_id"`
	Question        string    `json:"question"`
	Answer          string    `json:"answer"`
	SourceRecordIDs []string  `json:"source_record_ids"`
	Unsupported     bool      `json:"unsupported"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists conversations in SQLite.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    user_id           TEXT NOT NULL,
    question          TEXT NOT NULL,
    answer            TEXT NOT NULL,
    source_record_ids TEXT NOT NULL DEFAULT '[]',
    unsupported       INTEGER NOT NULL DEFAULT 0,
    created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_conversations_tenant_user
    ON conversations(tenant_id, user_id, created_at);
`

// NewStore initializes the conversations table on a shared database handle.
func NewStore(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("initializing conversations schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append writes one conversation. A missing ID or timestamp is filled in.
func (s *Store) Append(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.SourceRecordIDs == nil {
		c.SourceRecordIDs = []string{}
	}
	sources, err := json.Marshal(c.SourceRecordIDs)
	if err != nil {
		return fmt.Errorf("encoding source record ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, user_id, question, answer, source_record_ids, unsupported, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.UserID, c.Question, c.Answer, string(sources), c.Unsupported, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending conversation: %w", err)
	}
	return nil
}

// ListByUser returns a user's conversations, newest first.
func (s *Store) ListByUser(ctx context.Context, tenantID, userID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, tenant_id, user_id, question, answer, source_record_ids, unsupported, created_at
		FROM conversations
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		tenantID, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c       Conversation
			sources string
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.UserID, &c.Question, &c.Answer,
			&sources, &c.Unsupported, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &c.SourceRecordIDs); err != nil {
			return nil, fmt.Errorf("decoding source record ids: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns the number of conversations in a tenant.
func (s *Store) Count(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM conversations WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return n, nil
}
