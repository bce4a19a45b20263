package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/iamwavecut/ngguard/internal/db"
)

type violatorRow struct {
	UserID         int64         `db:"user_id"`
	ViolationCount int           `db:"violation_count"`
	FirstViolation int64         `db:"first_violation"`
	LastViolation  int64         `db:"last_violation"`
	MatchedWords   string        `db:"matched_words"`
	Action         string        `db:"action"`
	ExpiresAt      sql.NullInt64 `db:"expires_at"`
}

func (r violatorRow) toEntity() *db.GlobalViolator {
	v := &db.GlobalViolator{
		UserID:         r.UserID,
		ViolationCount: r.ViolationCount,
		FirstViolation: time.Unix(r.FirstViolation, 0).UTC(),
		LastViolation:  time.Unix(r.LastViolation, 0).UTC(),
		Action:         db.Action(r.Action),
	}
	if r.MatchedWords != "" {
		_ = json.Unmarshal([]byte(r.MatchedWords), &v.MatchedWords)
	}
	if r.ExpiresAt.Valid {
		expiresAt := time.Unix(r.ExpiresAt.Int64, 0).UTC()
		v.ExpiresAt = &expiresAt
	}
	return v
}

func violatorArgs(v *db.GlobalViolator) ([]any, error) {
	words := v.MatchedWords
	if words == nil {
		words = []string{}
	}
	matched, err := json.Marshal(words)
	if err != nil {
		return nil, err
	}
	var expiresAt sql.NullInt64
	if v.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: v.ExpiresAt.Unix(), Valid: true}
	}
	return []any{
		v.ViolationCount,
		v.FirstViolation.Unix(),
		v.LastViolation.Unix(),
		string(matched),
		string(v.Action),
		expiresAt,
		v.UserID,
	}, nil
}

const violatorColumns = `user_id, violation_count, first_violation, last_violation, matched_words, action, expires_at`

// UpsertViolator applies merge inside a transaction. When another connection writes the
// same user first, the insert fails on the primary key or on a stale snapshot; the loser
// re-reads the stored row and merges into it.
func (c *sqliteClient) UpsertViolator(ctx context.Context, userID int64, merge db.ViolatorMerge) (*db.GlobalViolator, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	v, err := c.upsertViolatorTx(ctx, userID, merge)
	if isWriteConflict(err) {
		v, err = c.upsertViolatorTx(ctx, userID, merge)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert violator %d: %w", userID, err)
	}
	return v, nil
}

func (c *sqliteClient) upsertViolatorTx(ctx context.Context, userID int64, merge db.ViolatorMerge) (*db.GlobalViolator, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getViolator(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	next := merge(current)
	if next == nil {
		return current, tx.Commit()
	}
	next.UserID = userID
	args, err := violatorArgs(next)
	if err != nil {
		return nil, err
	}

	if current == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO global_violators (violation_count, first_violation, last_violation, matched_words, action, expires_at, user_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, args...)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE global_violators
			SET violation_count = ?,
				first_violation = ?,
				last_violation = ?,
				matched_words = ?,
				action = ?,
				expires_at = ?
			WHERE user_id = ?
		`, args...)
	}
	if err != nil {
		return nil, err
	}
	return next, tx.Commit()
}

func (c *sqliteClient) GetViolator(ctx context.Context, userID int64) (*db.GlobalViolator, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return getViolator(ctx, c.db, userID)
}

func getViolator(ctx context.Context, q sqlx.QueryerContext, userID int64) (*db.GlobalViolator, error) {
	var row violatorRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+violatorColumns+` FROM global_violators WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toEntity(), nil
}

func (c *sqliteClient) DeleteViolator(ctx context.Context, userID int64) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	result, err := c.db.ExecContext(ctx, `DELETE FROM global_violators WHERE user_id = ?`, userID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (c *sqliteClient) ListViolators(ctx context.Context, limit int) ([]*db.GlobalViolator, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var rows []violatorRow
	err := c.db.SelectContext(ctx, &rows, `
		SELECT `+violatorColumns+`
		FROM global_violators
		ORDER BY last_violation DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	violators := make([]*db.GlobalViolator, 0, len(rows))
	for _, row := range rows {
		violators = append(violators, row.toEntity())
	}
	return violators, nil
}

func (c *sqliteClient) DeleteExpiredViolators(ctx context.Context, now time.Time) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	result, err := c.db.ExecContext(ctx, `DELETE FROM global_violators WHERE expires_at IS NOT NULL AND expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (c *sqliteClient) ClearViolators(ctx context.Context) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	result, err := c.db.ExecContext(ctx, `DELETE FROM global_violators`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func isWriteConflict(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlitedrv.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_BUSY_SNAPSHOT:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
