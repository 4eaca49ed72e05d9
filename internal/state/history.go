package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flitsinc/go-relay/internal/chat"
)

// HistoryDB persists chat history in SQLite. Each Save rewrites the table
// inside one transaction, so readers see either the old or the new history.
type HistoryDB struct {
	db *sql.DB
}

func NewHistoryDB(db *sql.DB) *HistoryDB {
	return &HistoryDB{db: db}
}

func (h *HistoryDB) Load(ctx context.Context) (chat.Snapshot, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT id, text, origin, created_at, correlation_id, complete, streaming FROM messages ORDER BY position ASC`)
	if err != nil {
		return chat.Snapshot{}, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var snap chat.Snapshot
	for rows.Next() {
		var m chat.Message
		var origin, createdAtStr string
		var correlationID sql.NullString
		var complete, streaming int
		if err := rows.Scan(&m.ID, &m.Text, &origin, &createdAtStr, &correlationID, &complete, &streaming); err != nil {
			return chat.Snapshot{}, fmt.Errorf("scan message: %w", err)
		}
		m.Origin = chat.Origin(origin)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		m.CorrelationID = correlationID.String
		m.Complete = complete != 0
		m.Streaming = streaming != 0
		snap.Messages = append(snap.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return chat.Snapshot{}, fmt.Errorf("iterate messages: %w", err)
	}

	var updated string
	err = h.db.QueryRowContext(ctx, `SELECT value FROM history_meta WHERE key = 'updated'`).Scan(&updated)
	if err != nil && err != sql.ErrNoRows {
		return chat.Snapshot{}, fmt.Errorf("load history meta: %w", err)
	}
	snap.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	return snap, nil
}

func (h *HistoryDB) Save(ctx context.Context, snap chat.Snapshot) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("reset messages: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, position, text, origin, created_at, correlation_id, complete, streaming)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range snap.Messages {
		_, err := stmt.ExecContext(ctx, m.ID, i, m.Text, string(m.Origin), m.CreatedAt.UTC().Format(time.RFC3339Nano),
			nullString(m.CorrelationID), boolInt(m.Complete), boolInt(m.Streaming))
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	updated := snap.Updated
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO history_meta (key, value) VALUES ('updated', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, updated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("update history meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
