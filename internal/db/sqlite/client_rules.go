package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

type ruleRow struct {
	ID         int64             `db:"id"`
	ChatID     int64             `db:"chat_id"`
	Kind       string            `db:"kind"`
	Pattern    string            `db:"pattern"`
	Action     string            `db:"action"`
	ReplyText  string            `db:"reply_text"`
	Escalation db.RuleEscalation `db:"escalation"`
	CreatedAt  int64             `db:"created_at"`
}

func (r ruleRow) toEntity() *db.ContentRule {
	return &db.ContentRule{
		ID:         r.ID,
		ChatID:     r.ChatID,
		Kind:       db.RuleKind(r.Kind),
		Pattern:    r.Pattern,
		Action:     db.Action(r.Action),
		ReplyText:  r.ReplyText,
		Escalation: r.Escalation,
		CreatedAt:  time.Unix(r.CreatedAt, 0).UTC(),
	}
}

func (c *sqliteClient) CreateRule(ctx context.Context, rule *db.ContentRule) (*db.ContentRule, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var count int
	if err := c.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM content_rules WHERE chat_id = ?`, rule.ChatID); err != nil {
		return nil, err
	}
	if count >= db.MaxRulesPerChat {
		return nil, fmt.Errorf("chat %d already has %d rules: %w", rule.ChatID, count, ngerrors.ErrInvalidInput)
	}

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO content_rules (chat_id, kind, pattern, action, reply_text, escalation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := c.db.ExecContext(ctx, query,
		rule.ChatID,
		string(rule.Kind),
		rule.Pattern,
		string(rule.Action),
		rule.ReplyText,
		rule.Escalation,
		rule.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	rule.ID = id
	return rule, nil
}

func (c *sqliteClient) ListRules(ctx context.Context, chatID int64) ([]*db.ContentRule, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var rows []ruleRow
	err := c.db.SelectContext(ctx, &rows, `
		SELECT id, chat_id, kind, pattern, action, reply_text, escalation, created_at
		FROM content_rules
		WHERE chat_id = ?
		ORDER BY id
	`, chatID)
	if err != nil {
		return nil, err
	}
	rules := make([]*db.ContentRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, row.toEntity())
	}
	return rules, nil
}

func (c *sqliteClient) DeleteRule(ctx context.Context, chatID int64, ruleID int64) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	result, err := c.db.ExecContext(ctx, `DELETE FROM content_rules WHERE chat_id = ? AND id = ?`, chatID, ruleID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}
