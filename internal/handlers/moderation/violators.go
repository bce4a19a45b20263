package moderation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/iamwavecut/tool"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/policy"
	"github.com/iamwavecut/ngguard/internal/state"
)

const (
	violatorMuteFallback = time.Hour
	violatorBanFallback  = 24 * time.Hour
	joinRequestKickDelay = 500 * time.Millisecond
	notifiedCacheSize    = 10000
	notifiedCacheTTL     = 24 * time.Hour

	textViolatorMuted      = `{{ .user }} is muted for blacklisted content ({{ .words }}).`
	textViolatorBanned     = `{{ .user }} is banned for blacklisted content ({{ .words }}).`
	textViolatorWarned     = `{{ .user }}, your message contained blacklisted content ({{ .words }}) and was removed.`
	textViolatorJoinWarn   = `Admins, {{ .user }} joined and has a record of blacklisted content ({{ .words }}).`
	textViolatorJoinMuted  = `{{ .user }} joined and was muted for blacklisted content ({{ .words }}).`
	textViolatorJoinBanned = `{{ .user }} was removed for blacklisted content ({{ .words }}).`
)

// Violators enforces the bot-wide violator list in every chat.
type Violators struct {
	store    db.ViolatorStore
	executor *Executor
	// notified remembers (chat, user) pairs that already got the mute notice.
	notifiedMu sync.Mutex
	notified   *expirable.LRU[string, int64]
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewViolators(store db.ViolatorStore, executor *Executor) *Violators {
	return &Violators{
		store:    store,
		executor: executor,
		notified: expirable.NewLRU[string, int64](notifiedCacheSize, nil, notifiedCacheTTL),
		sleep:    sleepContext,
	}
}

func (v *Violators) getLogEntry() *log.Entry {
	return log.WithField("object", "Violators")
}

// MergeViolation builds the update Record applies. Severity only goes up. Expiry
// only moves later, and an indefinite record stays indefinite.
func MergeViolation(word string, action db.Action, duration time.Duration, now time.Time) db.ViolatorMerge {
	return func(current *db.GlobalViolator) *db.GlobalViolator {
		var expiresAt *time.Time
		if duration > 0 {
			t := now.Add(duration)
			expiresAt = &t
		}

		if current == nil {
			next := &db.GlobalViolator{
				ViolationCount: 1,
				FirstViolation: now,
				LastViolation:  now,
				Action:         action,
				ExpiresAt:      expiresAt,
			}
			if word != "" {
				next.MatchedWords = []string{word}
			}
			return next
		}

		next := *current
		next.ViolationCount++
		next.LastViolation = now
		next.MatchedWords = appendWord(current.MatchedWords, word)
		if action.Severity() > current.Action.Severity() {
			next.Action = action
		}
		switch {
		case current.ExpiresAt == nil:
		case expiresAt == nil:
			next.ExpiresAt = nil
		case expiresAt.After(*current.ExpiresAt):
			next.ExpiresAt = expiresAt
		}
		return &next
	}
}

func appendWord(words []string, word string) []string {
	out := append([]string(nil), words...)
	if word == "" {
		return out
	}
	for _, w := range out {
		if w == word {
			return out
		}
	}
	out = append(out, word)
	if len(out) > db.MaxViolatorWords {
		out = out[len(out)-db.MaxViolatorWords:]
	}
	return out
}

// Record upserts a violation for userID. A zero duration means the penalty does not expire.
func (v *Violators) Record(ctx context.Context, userID int64, word string, action db.Action, duration time.Duration, now time.Time) (*db.GlobalViolator, error) {
	if action.Severity() < 0 {
		action = db.ActionWarn
	}
	return v.store.UpsertViolator(ctx, userID, MergeViolation(word, action, duration, now))
}

// Check returns the active record for userID. Expired records are deleted and reported as absent.
func (v *Violators) Check(ctx context.Context, userID int64, now time.Time) (*db.GlobalViolator, error) {
	rec, err := v.store.GetViolator(ctx, userID)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Expired(now) {
		if _, err := v.store.DeleteViolator(ctx, userID); err != nil {
			return nil, err
		}
		v.forgetNotified(userID)
		return nil, nil
	}
	return rec, nil
}

// OnMessage re-applies a stored mute or ban in the message's chat. Warn records do not act here.
func (v *Violators) OnMessage(ctx context.Context, msg *Message, traceID string) (*policy.Decision, error) {
	rec, err := v.Check(ctx, msg.UserID, msg.Timestamp)
	if err != nil || rec == nil {
		return nil, err
	}

	vars := map[string]any{
		"user":  displayName(msg.SenderName, msg.UserID),
		"words": wordsPreview(rec.MatchedWords),
	}
	decision := &policy.Decision{
		Stage:   policy.StageGlobalViolator,
		Action:  rec.Action,
		Reason:  "global violator",
		Matched: strings.Join(rec.MatchedWords, ", "),
	}

	switch rec.Action {
	case db.ActionMute:
		until := violatorUntil(rec, msg.Timestamp, violatorMuteFallback)
		v.executor.mute(ctx, msg.ChatID, msg.UserID, until)
		v.executor.deleteMessage(ctx, msg.ChatID, msg.MessageID)
		if v.markNotified(msg.ChatID, msg.UserID) {
			v.executor.notify(ctx, msg.ChatID, 0, tool.ExecTemplate(textViolatorMuted, vars))
		}
	case db.ActionBan:
		until := violatorUntil(rec, msg.Timestamp, violatorBanFallback)
		v.executor.ban(ctx, msg.ChatID, msg.UserID, until)
		v.executor.notify(ctx, msg.ChatID, 0, tool.ExecTemplate(textViolatorBanned, vars))
	default:
		return nil, nil
	}

	v.audit(ctx, msg.ChatID, msg.UserID, decision, traceID, msg.Timestamp)
	return decision, nil
}

// OnJoin applies the stored penalty to a member who just joined. Warn records produce an admin notice.
func (v *Violators) OnJoin(ctx context.Context, ev JoinEvent) error {
	if ev.Event != MemberJoined {
		return nil
	}
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	rec, err := v.Check(ctx, ev.UserID, now)
	if err != nil || rec == nil {
		return err
	}

	vars := map[string]any{
		"user":  displayName(ev.UserName, ev.UserID),
		"words": wordsPreview(rec.MatchedWords),
	}
	switch rec.Action {
	case db.ActionWarn:
		v.executor.notify(ctx, ev.ChatID, 0, tool.ExecTemplate(textViolatorJoinWarn, vars))
	case db.ActionMute:
		v.executor.mute(ctx, ev.ChatID, ev.UserID, violatorUntil(rec, now, violatorMuteFallback))
		v.executor.notify(ctx, ev.ChatID, 0, tool.ExecTemplate(textViolatorJoinMuted, vars))
	case db.ActionBan:
		v.executor.ban(ctx, ev.ChatID, ev.UserID, violatorUntil(rec, now, violatorBanFallback))
		v.executor.notify(ctx, ev.ChatID, 0, tool.ExecTemplate(textViolatorJoinBanned, vars))
	default:
		return nil
	}
	v.audit(ctx, ev.ChatID, ev.UserID, &policy.Decision{
		Stage:  policy.StageGlobalViolator,
		Action: rec.Action,
		Reason: "violator joined",
	}, "", now)
	return nil
}

// OnJoinRequest approves and then bans a banned violator, so they see the removal.
// It reports whether the request was handled.
func (v *Violators) OnJoinRequest(ctx context.Context, req JoinRequest) (bool, error) {
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	rec, err := v.Check(ctx, req.UserID, now)
	if err != nil || rec == nil || rec.Action != db.ActionBan {
		return false, err
	}

	entry := v.getLogEntry().WithFields(log.Fields{
		"method":  "OnJoinRequest",
		"chat_id": req.ChatID,
		"user_id": req.UserID,
	})
	if err := v.executor.gateway.ApproveJoinRequest(ctx, req.ChatID, req.UserID); err != nil {
		entry.WithField("error", err.Error()).Error("approve failed")
	}
	if err := v.sleep(ctx, joinRequestKickDelay); err != nil {
		return true, err
	}
	v.executor.ban(ctx, req.ChatID, req.UserID, violatorUntil(rec, now, violatorBanFallback))
	v.executor.notify(ctx, req.ChatID, 0, tool.ExecTemplate(textViolatorJoinBanned, map[string]any{
		"user":  displayName(req.UserName, req.UserID),
		"words": wordsPreview(rec.MatchedWords),
	}))
	entry.Info("kicked global violator after join request")
	v.audit(ctx, req.ChatID, req.UserID, &policy.Decision{
		Stage:  policy.StageGlobalViolator,
		Action: db.ActionBan,
		Reason: "violator join request",
	}, "", now)
	return true, nil
}

// MatchBlacklist checks the message against the global blacklist. A hit records a
// violation and enforces the merged penalty in this chat.
func (v *Violators) MatchBlacklist(ctx context.Context, msg *Message, traceID string) (*policy.Decision, error) {
	blacklist := v.executor.settings.GlobalBlacklist(ctx)
	word := matchWord(blacklist.Words, msg.Text)
	if word == "" {
		return nil, nil
	}
	action := blacklist.Action
	if action == "" {
		action = db.ActionWarn
	}
	rec, err := v.Record(ctx, msg.UserID, word, action, blacklist.Duration(), msg.Timestamp)
	if err != nil {
		return nil, err
	}

	decision := &policy.Decision{
		Stage:   policy.StageBlacklist,
		Action:  rec.Action,
		Reason:  "global blacklist",
		Matched: word,
	}
	vars := map[string]any{
		"user":  displayName(msg.SenderName, msg.UserID),
		"words": wordsPreview(rec.MatchedWords),
	}

	v.executor.deleteMessage(ctx, msg.ChatID, msg.MessageID)
	switch rec.Action {
	case db.ActionMute:
		v.executor.mute(ctx, msg.ChatID, msg.UserID, violatorUntil(rec, msg.Timestamp, violatorMuteFallback))
		v.markNotified(msg.ChatID, msg.UserID)
		v.executor.notify(ctx, msg.ChatID, 0, tool.ExecTemplate(textViolatorMuted, vars))
	case db.ActionBan:
		v.executor.ban(ctx, msg.ChatID, msg.UserID, violatorUntil(rec, msg.Timestamp, violatorBanFallback))
		v.executor.notify(ctx, msg.ChatID, 0, tool.ExecTemplate(textViolatorBanned, vars))
	default:
		v.executor.notify(ctx, msg.ChatID, 0, tool.ExecTemplate(textViolatorWarned, vars))
	}
	v.audit(ctx, msg.ChatID, msg.UserID, decision, traceID, msg.Timestamp)
	return decision, nil
}

func (v *Violators) List(ctx context.Context, limit int) ([]*db.GlobalViolator, error) {
	return v.store.ListViolators(ctx, limit)
}

func (v *Violators) Remove(ctx context.Context, userID int64) (bool, error) {
	removed, err := v.store.DeleteViolator(ctx, userID)
	if err != nil {
		return false, err
	}
	v.forgetNotified(userID)
	return removed, nil
}

func (v *Violators) Clear(ctx context.Context) (int64, error) {
	n, err := v.store.ClearViolators(ctx)
	if err != nil {
		return 0, err
	}
	v.notified.Purge()
	return n, nil
}

// CleanupExpired deletes every record whose expiry has passed.
func (v *Violators) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := v.store.DeleteExpiredViolators(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		v.getLogEntry().WithFields(log.Fields{
			"method":  "CleanupExpired",
			"removed": n,
		}).Info("expired violators removed")
	}
	return n, nil
}

// markNotified records the mute notice for (chat, user) and reports whether it is the first one.
func (v *Violators) markNotified(chatID, userID int64) bool {
	key := state.Key("violator_notified", chatID, userID)
	v.notifiedMu.Lock()
	defer v.notifiedMu.Unlock()
	if v.notified.Contains(key) {
		return false
	}
	v.notified.Add(key, userID)
	return true
}

func (v *Violators) forgetNotified(userID int64) {
	for _, key := range v.notified.Keys() {
		if id, ok := v.notified.Peek(key); ok && id == userID {
			v.notified.Remove(key)
		}
	}
}

func (v *Violators) audit(ctx context.Context, chatID, userID int64, d *policy.Decision, traceID string, now time.Time) {
	observability.RecordModerationAction(string(d.Stage), string(d.Action))
	v.executor.record(ctx, &db.AuditEntry{
		ChatID:       chatID,
		Action:       auditAction(d.Stage, d.Action),
		TargetUserID: userID,
		Extra:        map[string]any{"reason": d.Reason, "matched": d.Matched},
		TraceID:      traceID,
		CreatedAt:    now,
	})
}

func violatorUntil(rec *db.GlobalViolator, now time.Time, fallback time.Duration) time.Time {
	if rec.ExpiresAt != nil {
		return *rec.ExpiresAt
	}
	return now.Add(fallback)
}

func wordsPreview(words []string) string {
	if len(words) <= 3 {
		return strings.Join(words, ", ")
	}
	return strings.Join(words[:3], ", ") + "..."
}

func matchWord(words []string, text string) string {
	if text == "" {
		return ""
	}
	lowered := strings.ToLower(text)
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" && strings.Contains(lowered, w) {
			return w
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
