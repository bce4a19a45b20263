package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
)

type jobRow struct {
	ID          int64         `db:"id"`
	ChatID      int64         `db:"chat_id"`
	Kind        string        `db:"kind"`
	Payload     db.JobPayload `db:"payload"`
	RunAt       int64         `db:"run_at"`
	IntervalSec int64         `db:"interval_sec"`
	Paused      bool          `db:"paused"`
}

func (r jobRow) toEntity() *db.AutomationJob {
	return &db.AutomationJob{
		ID:          r.ID,
		ChatID:      r.ChatID,
		Kind:        db.JobKind(r.Kind),
		Payload:     r.Payload,
		RunAt:       time.Unix(r.RunAt, 0).UTC(),
		IntervalSec: r.IntervalSec,
		Paused:      r.Paused,
	}
}

const jobColumns = `id, chat_id, kind, payload, run_at, interval_sec, paused`

func (c *sqliteClient) CreateJob(ctx context.Context, job *db.AutomationJob) (*db.AutomationJob, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO automation_jobs (chat_id, kind, payload, run_at, interval_sec, paused)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := c.db.ExecContext(ctx, query,
		job.ChatID,
		string(job.Kind),
		job.Payload,
		job.RunAt.Unix(),
		job.IntervalSec,
		job.Paused,
	)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	job.ID = id
	return job, nil
}

func (c *sqliteClient) GetJob(ctx context.Context, id int64) (*db.AutomationJob, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var row jobRow
	err := c.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM automation_jobs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toEntity(), nil
}

func (c *sqliteClient) ListJobs(ctx context.Context) ([]*db.AutomationJob, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var rows []jobRow
	if err := c.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM automation_jobs ORDER BY run_at, id`); err != nil {
		return nil, err
	}
	return jobsFromRows(rows), nil
}

func (c *sqliteClient) ListJobsByChat(ctx context.Context, chatID int64) ([]*db.AutomationJob, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var rows []jobRow
	err := c.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM automation_jobs WHERE chat_id = ? ORDER BY run_at, id`, chatID)
	if err != nil {
		return nil, err
	}
	return jobsFromRows(rows), nil
}

func (c *sqliteClient) UpdateJob(ctx context.Context, job *db.AutomationJob) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		UPDATE automation_jobs
		SET payload = ?,
			run_at = ?,
			interval_sec = ?,
			paused = ?
		WHERE id = ?
	`
	_, err := c.db.ExecContext(ctx, query,
		job.Payload,
		job.RunAt.Unix(),
		job.IntervalSec,
		job.Paused,
		job.ID,
	)
	return err
}

func (c *sqliteClient) DeleteJob(ctx context.Context, id int64) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	result, err := c.db.ExecContext(ctx, `DELETE FROM automation_jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func jobsFromRows(rows []jobRow) []*db.AutomationJob {
	jobs := make([]*db.AutomationJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toEntity())
	}
	return jobs
}
