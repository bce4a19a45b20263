package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

func TestSettingsMissingKeyReturnsNil(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	value, err := client.GetSetting(ctx, -100, db.SettingsKeyLinks)
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if value != nil {
		t.Fatalf("expected nil for missing setting, got %q", value)
	}

	if err := client.SetSetting(ctx, -100, db.SettingsKeyLinks, []byte(`{"block_all":true}`)); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	if err := client.SetSetting(ctx, -100, db.SettingsKeyLinks, []byte(`{"block_all":false}`)); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	value, err = client.GetSetting(ctx, -100, db.SettingsKeyLinks)
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if string(value) != `{"block_all":false}` {
		t.Fatalf("unexpected value: %q", value)
	}
}

func TestRulesKeepCreationOrderAndEscalation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	first, err := client.CreateRule(ctx, &db.ContentRule{
		ChatID:  -1,
		Kind:    db.RuleKindWord,
		Pattern: "casino",
		Action:  db.ActionDelete,
		Escalation: db.RuleEscalation{
			Threshold:   2,
			CooldownSec: 300,
			Action:      db.ActionMute,
		},
	})
	if err != nil {
		t.Fatalf("create first rule: %v", err)
	}
	if _, err := client.CreateRule(ctx, &db.ContentRule{
		ChatID:    -1,
		Kind:      db.RuleKindRegex,
		Pattern:   `free\s+money`,
		Action:    db.ActionReply,
		ReplyText: "no",
	}); err != nil {
		t.Fatalf("create second rule: %v", err)
	}

	rules, err := client.ListRules(ctx, -1)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].ID != first.ID || rules[0].Pattern != "casino" {
		t.Fatalf("unexpected first rule: %#v", rules[0])
	}
	if !rules[0].Escalation.Enabled() || rules[0].Escalation.Action != db.ActionMute {
		t.Fatalf("escalation not persisted: %#v", rules[0].Escalation)
	}
	if rules[1].Escalation.Enabled() {
		t.Fatalf("unexpected escalation on second rule: %#v", rules[1].Escalation)
	}

	deleted, err := client.DeleteRule(ctx, -1, first.ID)
	if err != nil || !deleted {
		t.Fatalf("delete rule: deleted=%v err=%v", deleted, err)
	}
	deleted, err = client.DeleteRule(ctx, -1, first.ID)
	if err != nil || deleted {
		t.Fatalf("second delete should be a no-op: deleted=%v err=%v", deleted, err)
	}
}

func TestRulesLimitPerChat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	for i := 0; i < db.MaxRulesPerChat; i++ {
		if _, err := client.CreateRule(ctx, &db.ContentRule{ChatID: 5, Kind: db.RuleKindWord, Pattern: "w", Action: db.ActionDelete}); err != nil {
			t.Fatalf("create rule %d: %v", i, err)
		}
	}
	_, err := client.CreateRule(ctx, &db.ContentRule{ChatID: 5, Kind: db.RuleKindWord, Pattern: "w", Action: db.ActionDelete})
	if !errors.Is(err, ngerrors.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput over the limit, got %v", err)
	}
}

func TestJobsRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	runAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	unpin := false
	job, err := client.CreateJob(ctx, &db.AutomationJob{
		ChatID:      -42,
		Kind:        db.JobKindRotatePin,
		Payload:     db.JobPayload{Text: "pinned", UnpinPrevious: &unpin},
		RunAt:       runAt,
		IntervalSec: 3600,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := client.CreateJob(ctx, &db.AutomationJob{
		ChatID: -42,
		Kind:   db.JobKindAnnounce,
		RunAt:  runAt.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create second job: %v", err)
	}

	got, err := client.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got == nil || !got.RunAt.Equal(runAt) || got.Payload.ShouldUnpinPrevious() {
		t.Fatalf("unexpected job: %#v", got)
	}

	got.Payload.LastPinned = 77
	got.Paused = true
	if err := client.UpdateJob(ctx, got); err != nil {
		t.Fatalf("update job: %v", err)
	}

	jobs, err := client.ListJobsByChat(ctx, -42)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Kind != db.JobKindAnnounce {
		t.Fatalf("expected jobs ordered by run_at, got %#v", jobs)
	}
	if jobs[1].Payload.LastPinned != 77 || !jobs[1].Paused {
		t.Fatalf("update not persisted: %#v", jobs[1])
	}

	if _, err := client.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	missing, err := client.GetJob(ctx, job.ID)
	if err != nil || missing != nil {
		t.Fatalf("expected missing job to be nil,nil: %#v %v", missing, err)
	}
}

func TestViolatorUpsertAndExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiresAt := now.Add(time.Hour)

	merge := func(current *db.GlobalViolator) *db.GlobalViolator {
		if current == nil {
			return &db.GlobalViolator{
				ViolationCount: 1,
				FirstViolation: now,
				LastViolation:  now,
				MatchedWords:   []string{"spam"},
				Action:         db.ActionMute,
				ExpiresAt:      &expiresAt,
			}
		}
		current.ViolationCount++
		return current
	}

	if _, err := client.UpsertViolator(ctx, 10, merge); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	v, err := client.UpsertViolator(ctx, 10, merge)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if v.ViolationCount != 2 {
		t.Fatalf("expected count 2, got %d", v.ViolationCount)
	}

	stored, err := client.GetViolator(ctx, 10)
	if err != nil {
		t.Fatalf("get violator: %v", err)
	}
	if stored == nil || stored.ExpiresAt == nil || !stored.ExpiresAt.Equal(expiresAt) || len(stored.MatchedWords) != 1 {
		t.Fatalf("unexpected stored violator: %#v", stored)
	}

	removed, err := client.DeleteExpiredViolators(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired violator removed, got %d", removed)
	}
}

func TestViolatorUpsertMergesConcurrentInsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	client, err := NewSQLiteClient(ctx, dir, "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	// a second process sharing the database file
	other, err := sqlx.ConnectContext(ctx, "sqlite", filepath.Join(dir, "test.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open second connection: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var seen []*db.GlobalViolator
	merge := func(current *db.GlobalViolator) *db.GlobalViolator {
		seen = append(seen, current)
		if len(seen) == 1 {
			_, err := other.ExecContext(ctx, `
				INSERT INTO global_violators (user_id, violation_count, first_violation, last_violation, matched_words, action, expires_at)
				VALUES (?, 1, ?, ?, '["scam"]', 'ban', NULL)
			`, 10, now.Unix(), now.Unix())
			if err != nil {
				t.Errorf("concurrent insert: %v", err)
			}
		}
		if current == nil {
			return &db.GlobalViolator{
				ViolationCount: 1,
				FirstViolation: now,
				LastViolation:  now,
				MatchedWords:   []string{"spam"},
				Action:         db.ActionMute,
			}
		}
		current.ViolationCount++
		current.MatchedWords = append(current.MatchedWords, "spam")
		return current
	}

	v, err := client.UpsertViolator(ctx, 10, merge)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(seen) != 2 || seen[0] != nil || seen[1] == nil {
		t.Fatalf("expected a retry that sees the concurrent row, merge saw %v", seen)
	}
	if v.ViolationCount != 2 || v.Action != db.ActionBan {
		t.Fatalf("unexpected merged violator: %#v", v)
	}

	stored, err := client.GetViolator(ctx, 10)
	if err != nil {
		t.Fatalf("get violator: %v", err)
	}
	if stored == nil || stored.ViolationCount != 2 || len(stored.MatchedWords) != 2 || stored.ExpiresAt != nil {
		t.Fatalf("unexpected stored violator: %#v", stored)
	}
}

func TestWarnsCountAndReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		count, err := client.AddWarn(ctx, -7, 9, now)
		if err != nil {
			t.Fatalf("add warn: %v", err)
		}
		if count != i {
			t.Fatalf("expected count %d, got %d", i, count)
		}
	}
	removed, err := client.RemoveLatestWarn(ctx, -7, 9)
	if err != nil || !removed {
		t.Fatalf("remove latest warn: removed=%v err=%v", removed, err)
	}
	if count, _ := client.CountWarns(ctx, -7, 9); count != 2 {
		t.Fatalf("expected 2 warns after unwarn, got %d", count)
	}
	if err := client.ResetWarns(ctx, -7, 9); err != nil {
		t.Fatalf("reset warns: %v", err)
	}
	if count, _ := client.CountWarns(ctx, -7, 9); count != 0 {
		t.Fatalf("expected 0 warns after reset, got %d", count)
	}
}

func TestAuditListNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	for _, action := range []string{"antispam.warn", "antispam.mute"} {
		if err := client.AddAudit(ctx, &db.AuditEntry{ChatID: -3, Action: action, TargetUserID: 4, Extra: map[string]any{"seconds": 60}}); err != nil {
			t.Fatalf("add audit: %v", err)
		}
	}
	entries, err := client.ListAudit(ctx, -3, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != "antispam.mute" {
		t.Fatalf("unexpected entries: %#v", entries)
	}
	if entries[0].Extra["seconds"] != float64(60) {
		t.Fatalf("unexpected extra: %#v", entries[0].Extra)
	}
}
