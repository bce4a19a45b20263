package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (c *sqliteClient) GetSetting(ctx context.Context, chatID int64, key string) ([]byte, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var value string
	err := c.db.GetContext(ctx, &value, `SELECT value FROM group_settings WHERE group_id = ? AND key = ?`, chatID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get setting %s for chat %d: %w", key, chatID, err)
	}
	return []byte(value), nil
}

func (c *sqliteClient) SetSetting(ctx context.Context, chatID int64, key string, value []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO group_settings (group_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := c.db.ExecContext(ctx, query, chatID, key, string(value), time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to set setting %s for chat %d: %w", key, chatID, err)
	}
	return nil
}

func (c *sqliteClient) DeleteSetting(ctx context.Context, chatID int64, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `DELETE FROM group_settings WHERE group_id = ? AND key = ?`, chatID, key)
	return err
}
