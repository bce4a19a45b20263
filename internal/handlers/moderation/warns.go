package moderation

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/db"
)

type WarnResult struct {
	Count int
	Limit int
	Muted bool
	Until time.Time
}

// WarnTracker keeps persistent warn counts. Reaching the chat's warn limit mutes
// the user once for the antispam mute duration and clears the count.
type WarnTracker struct {
	store    db.WarnStore
	settings settingsSource
	gateway  ChatGateway
}

func NewWarnTracker(store db.WarnStore, settings settingsSource, gateway ChatGateway) *WarnTracker {
	return &WarnTracker{
		store:    store,
		settings: settings,
		gateway:  gateway,
	}
}

func (w *WarnTracker) getLogEntry() *log.Entry {
	return log.WithField("object", "WarnTracker")
}

// AddWarn appends a warn row and returns the new count.
func (w *WarnTracker) AddWarn(ctx context.Context, chatID, userID int64, now time.Time) (int, error) {
	return w.store.AddWarn(ctx, chatID, userID, now)
}

// Warn records a warn and escalates when the limit is reached.
func (w *WarnTracker) Warn(ctx context.Context, chatID, userID int64, now time.Time) (WarnResult, error) {
	limit := w.settings.Moderation(ctx, chatID).WarnLimit
	count, err := w.AddWarn(ctx, chatID, userID, now)
	if err != nil {
		return WarnResult{Limit: limit}, err
	}
	result := WarnResult{Count: count, Limit: limit}
	if count < limit {
		return result, nil
	}
	until, err := w.Escalate(ctx, chatID, userID, now)
	result.Muted = true
	result.Until = until
	return result, err
}

// Escalate mutes the user for the chat's mute duration and clears their warns.
// A failed mute is logged; the reset still happens.
func (w *WarnTracker) Escalate(ctx context.Context, chatID, userID int64, now time.Time) (time.Time, error) {
	until := untilAfter(now, w.settings.Antispam(ctx, chatID).MuteDuration())
	if err := w.gateway.RestrictMember(ctx, chatID, userID, false, until); err != nil {
		w.getLogEntry().WithFields(log.Fields{
			"method":  "Escalate",
			"chat_id": chatID,
			"user_id": userID,
			"error":   err.Error(),
		}).Error("warn limit mute failed")
	}
	return until, w.store.ResetWarns(ctx, chatID, userID)
}

// Unwarn removes the most recent warn. It reports false when there was none.
func (w *WarnTracker) Unwarn(ctx context.Context, chatID, userID int64) (bool, error) {
	return w.store.RemoveLatestWarn(ctx, chatID, userID)
}

func (w *WarnTracker) Count(ctx context.Context, chatID, userID int64) (int, error) {
	return w.store.CountWarns(ctx, chatID, userID)
}

func (w *WarnTracker) Reset(ctx context.Context, chatID, userID int64) error {
	return w.store.ResetWarns(ctx, chatID, userID)
}
