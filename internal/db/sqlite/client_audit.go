package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
)

type auditRow struct {
	ID           int64  `db:"id"`
	ChatID       int64  `db:"chat_id"`
	ActorID      int64  `db:"actor_id"`
	Action       string `db:"action"`
	TargetUserID int64  `db:"target_user_id"`
	Extra        string `db:"extra"`
	TraceID      string `db:"trace_id"`
	CreatedAt    int64  `db:"created_at"`
}

func (c *sqliteClient) AddAudit(ctx context.Context, entry *db.AuditEntry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	extra := entry.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	result, err := c.db.ExecContext(ctx, `
		INSERT INTO audit_log (chat_id, actor_id, action, target_user_id, extra, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ChatID, entry.ActorID, entry.Action, entry.TargetUserID, string(data), entry.TraceID, entry.CreatedAt.Unix())
	if err != nil {
		return err
	}
	entry.ID, err = result.LastInsertId()
	return err
}

func (c *sqliteClient) ListAudit(ctx context.Context, chatID int64, limit int) ([]*db.AuditEntry, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	err := c.db.SelectContext(ctx, &rows, `
		SELECT id, chat_id, actor_id, action, target_user_id, extra, trace_id, created_at
		FROM audit_log
		WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]*db.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry := &db.AuditEntry{
			ID:           row.ID,
			ChatID:       row.ChatID,
			ActorID:      row.ActorID,
			Action:       row.Action,
			TargetUserID: row.TargetUserID,
			TraceID:      row.TraceID,
			CreatedAt:    time.Unix(row.CreatedAt, 0).UTC(),
		}
		_ = json.Unmarshal([]byte(row.Extra), &entry.Extra)
		entries = append(entries, entry)
	}
	return entries, nil
}
