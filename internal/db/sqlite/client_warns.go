package sqlite

import (
	"context"
	"time"
)

func (c *sqliteClient) AddWarn(ctx context.Context, chatID, userID int64, at time.Time) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO warns (chat_id, user_id, created_at) VALUES (?, ?, ?)`, chatID, userID, at.Unix()); err != nil {
		return 0, err
	}
	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM warns WHERE chat_id = ? AND user_id = ?`, chatID, userID); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (c *sqliteClient) CountWarns(ctx context.Context, chatID, userID int64) (int, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var count int
	err := c.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM warns WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return count, err
}

func (c *sqliteClient) RemoveLatestWarn(ctx context.Context, chatID, userID int64) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	result, err := c.db.ExecContext(ctx, `
		DELETE FROM warns WHERE id = (
			SELECT id FROM warns WHERE chat_id = ? AND user_id = ? ORDER BY id DESC LIMIT 1
		)
	`, chatID, userID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (c *sqliteClient) ResetWarns(ctx context.Context, chatID, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `DELETE FROM warns WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}
