package moderation

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/policy"
)

// DefaultManualMute applies when an admin mutes without a duration.
const DefaultManualMute = 10 * time.Minute

// Warn issues an admin warn, escalating to a mute at the chat's warn limit.
func (e *Executor) Warn(ctx context.Context, chatID, actorID, userID int64, now time.Time) (WarnResult, error) {
	result, err := e.warns.Warn(ctx, chatID, userID, now)
	if err != nil {
		return result, errors.WithMessage(err, "warn")
	}
	e.manualAudit(ctx, chatID, actorID, userID, db.ActionWarn, map[string]any{
		"warns": result.Count,
		"muted": result.Muted,
	}, now)
	return result, nil
}

// Unwarn removes the latest warn. It reports false when the user had none.
func (e *Executor) Unwarn(ctx context.Context, chatID, actorID, userID int64, now time.Time) (bool, error) {
	removed, err := e.warns.Unwarn(ctx, chatID, userID)
	if err != nil {
		return false, errors.WithMessage(err, "unwarn")
	}
	if removed {
		e.manualAudit(ctx, chatID, actorID, userID, "unwarn", nil, now)
	}
	return removed, nil
}

// Mute restricts userID for d. A zero d means DefaultManualMute and a negative d mutes
// without an end date.
func (e *Executor) Mute(ctx context.Context, chatID, actorID, userID int64, d time.Duration, now time.Time) (time.Time, error) {
	if d == 0 {
		d = DefaultManualMute
	}
	until := untilAfter(now, d)
	if err := e.gateway.RestrictMember(ctx, chatID, userID, false, until); err != nil {
		return time.Time{}, errors.WithMessage(err, "mute")
	}
	e.manualAudit(ctx, chatID, actorID, userID, db.ActionMute, map[string]any{"until": until.Unix()}, now)
	return until, nil
}

// Unmute restores the chat's default permissions for userID.
func (e *Executor) Unmute(ctx context.Context, chatID, actorID, userID int64, now time.Time) error {
	if err := e.gateway.RestoreMember(ctx, chatID, userID); err != nil {
		return errors.WithMessage(err, "unmute")
	}
	e.manualAudit(ctx, chatID, actorID, userID, "unmute", nil, now)
	return nil
}

// Ban bans userID for d. A non-positive d bans without an end date.
func (e *Executor) Ban(ctx context.Context, chatID, actorID, userID int64, d time.Duration, now time.Time) (time.Time, error) {
	until := untilAfter(now, d)
	if err := e.gateway.BanMember(ctx, chatID, userID, until); err != nil {
		return time.Time{}, errors.WithMessage(err, "ban")
	}
	e.manualAudit(ctx, chatID, actorID, userID, db.ActionBan, map[string]any{"until": until.Unix()}, now)
	return until, nil
}

func (e *Executor) Unban(ctx context.Context, chatID, actorID, userID int64, onlyIfBanned bool, now time.Time) error {
	if err := e.gateway.UnbanMember(ctx, chatID, userID, onlyIfBanned); err != nil {
		return errors.WithMessage(err, "unban")
	}
	e.manualAudit(ctx, chatID, actorID, userID, "unban", nil, now)
	return nil
}

func (e *Executor) manualAudit(ctx context.Context, chatID, actorID, userID int64, action db.Action, extra map[string]any, now time.Time) {
	observability.RecordModerationAction(string(policy.StageManual), string(action))
	e.record(ctx, &db.AuditEntry{
		ChatID:       chatID,
		ActorID:      actorID,
		Action:       auditAction(policy.StageManual, action),
		TargetUserID: userID,
		Extra:        extra,
		CreatedAt:    now,
	})
}
