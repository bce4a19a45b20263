package moderation

import (
	"context"
	"strconv"
	"time"

	"github.com/iamwavecut/tool"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/policy"
)

const (
	textWarned       = `{{ .user }}, your message broke the chat rules and was removed.`
	textWarnedKept   = `{{ .user }}, this message breaks the chat rules.`
	textMuted        = `{{ .user }} has been muted{{ if .until }} until {{ .until }}{{ end }}.`
	textBanned       = `{{ .user }} has been banned{{ if .until }} until {{ .until }}{{ end }}.`
	textFloodWarn    = `{{ .user }}, slow down please. Further flooding will get you muted.`
	textWarnLimitHit = `{{ .user }} reached {{ .limit }} warnings and has been muted{{ if .until }} until {{ .until }}{{ end }}.`

	untilLayout = "2006-01-02 15:04 MST"
)

// Executor turns decisions into chat gateway calls. Gateway failures are logged
// and never returned from Execute.
type Executor struct {
	gateway  ChatGateway
	settings settingsSource
	warns    *WarnTracker
	audit    db.AuditStore
}

func NewExecutor(gateway ChatGateway, settings settingsSource, warns *WarnTracker, audit db.AuditStore) *Executor {
	return &Executor{
		gateway:  gateway,
		settings: settings,
		warns:    warns,
		audit:    audit,
	}
}

func (e *Executor) getLogEntry() *log.Entry {
	return log.WithField("object", "Executor")
}

// Execute applies d to msg: delete first, then act. It returns the actions that were attempted.
func (e *Executor) Execute(ctx context.Context, msg *Message, d *policy.Decision, traceID string) []db.Action {
	if d == nil || msg == nil || d.Action == db.ActionAllow {
		return nil
	}
	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	var attempted []db.Action
	deleted := false
	if d.Deletes() && e.deletesOffense(ctx, msg.ChatID, d.Action) {
		e.deleteMessage(ctx, msg.ChatID, msg.MessageID)
		attempted = append(attempted, db.ActionDelete)
		deleted = true
	}

	replyTo := 0
	if !deleted {
		replyTo = msg.MessageID
	}
	user := displayName(msg.SenderName, msg.UserID)
	extra := map[string]any{
		"reason": d.Reason,
	}
	if d.Matched != "" {
		extra["matched"] = d.Matched
	}
	if d.RuleID != 0 {
		extra["rule_id"] = d.RuleID
	}
	if d.Escalated {
		extra["escalated"] = true
	}

	switch d.Action {
	case db.ActionDelete:
	case db.ActionWarn:
		attempted = append(attempted, db.ActionWarn)
		if d.KeepMessage {
			e.notify(ctx, msg.ChatID, replyTo, tool.ExecTemplate(textFloodWarn, map[string]any{"user": user}))
			break
		}
		warned := textWarned
		if !deleted {
			warned = textWarnedKept
		}
		e.notify(ctx, msg.ChatID, replyTo, tool.ExecTemplate(warned, map[string]any{"user": user}))
		if e.warns != nil {
			result, err := e.warns.Warn(ctx, msg.ChatID, msg.UserID, now)
			if err != nil {
				e.getLogEntry().WithFields(log.Fields{
					"method":  "Execute",
					"chat_id": msg.ChatID,
					"user_id": msg.UserID,
					"error":   err.Error(),
				}).Error("failed to record warn")
			}
			extra["warns"] = result.Count
			if result.Muted {
				attempted = append(attempted, db.ActionMute)
				extra["warn_limit_mute"] = true
				e.notify(ctx, msg.ChatID, 0, tool.ExecTemplate(textWarnLimitHit, map[string]any{
					"user":  user,
					"limit": result.Limit,
					"until": formatUntil(result.Until),
				}))
			}
		}
	case db.ActionMute:
		attempted = append(attempted, db.ActionMute)
		until := untilAfter(now, e.settings.Antispam(ctx, msg.ChatID).MuteDuration())
		e.mute(ctx, msg.ChatID, msg.UserID, until)
		extra["until"] = until.Unix()
		e.notify(ctx, msg.ChatID, replyTo, tool.ExecTemplate(textMuted, map[string]any{
			"user":  user,
			"until": formatUntil(until),
		}))
	case db.ActionBan:
		attempted = append(attempted, db.ActionBan)
		until := untilAfter(now, e.settings.Antispam(ctx, msg.ChatID).BanDuration())
		e.ban(ctx, msg.ChatID, msg.UserID, until)
		extra["until"] = until.Unix()
		e.notify(ctx, msg.ChatID, replyTo, tool.ExecTemplate(textBanned, map[string]any{
			"user":  user,
			"until": formatUntil(until),
		}))
	case db.ActionReply:
		if d.ReplyText == "" {
			return attempted
		}
		attempted = append(attempted, db.ActionReply)
		e.notify(ctx, msg.ChatID, msg.MessageID, d.ReplyText)
	default:
		e.getLogEntry().WithFields(log.Fields{
			"method":  "Execute",
			"chat_id": msg.ChatID,
			"action":  d.Action,
		}).Warn("unknown action")
		return attempted
	}

	observability.RecordModerationAction(string(d.Stage), string(d.Action))
	e.record(ctx, &db.AuditEntry{
		ChatID:       msg.ChatID,
		ActorID:      0,
		Action:       auditAction(d.Stage, d.Action),
		TargetUserID: msg.UserID,
		Extra:        extra,
		TraceID:      traceID,
		CreatedAt:    now,
	})
	return attempted
}

// deletesOffense reports whether a punishing decision also removes the message.
// A plain delete always does; warn, mute and ban follow the chat's delete_offense.
func (e *Executor) deletesOffense(ctx context.Context, chatID int64, action db.Action) bool {
	if action == db.ActionDelete {
		return true
	}
	return e.settings.Moderation(ctx, chatID).DeleteOffense
}

func (e *Executor) deleteMessage(ctx context.Context, chatID int64, messageID int) bool {
	if messageID == 0 {
		return false
	}
	if err := e.gateway.DeleteMessage(ctx, chatID, messageID); err != nil {
		e.getLogEntry().WithFields(log.Fields{
			"method":     "deleteMessage",
			"chat_id":    chatID,
			"message_id": messageID,
			"error":      err.Error(),
		}).Error("delete failed")
		return false
	}
	return true
}

func (e *Executor) mute(ctx context.Context, chatID, userID int64, until time.Time) bool {
	if err := e.gateway.RestrictMember(ctx, chatID, userID, false, until); err != nil {
		e.getLogEntry().WithFields(log.Fields{
			"method":  "mute",
			"chat_id": chatID,
			"user_id": userID,
			"error":   err.Error(),
		}).Error("restrict failed")
		return false
	}
	return true
}

func (e *Executor) ban(ctx context.Context, chatID, userID int64, until time.Time) bool {
	if err := e.gateway.BanMember(ctx, chatID, userID, until); err != nil {
		e.getLogEntry().WithFields(log.Fields{
			"method":  "ban",
			"chat_id": chatID,
			"user_id": userID,
			"error":   err.Error(),
		}).Error("ban failed")
		return false
	}
	return true
}

// notify sends text to the chat, as a reply when replyTo is set.
func (e *Executor) notify(ctx context.Context, chatID int64, replyTo int, text string) {
	if text == "" {
		return
	}
	var err error
	if replyTo != 0 {
		_, err = e.gateway.ReplyMessage(ctx, chatID, replyTo, text)
	} else {
		_, err = e.gateway.SendMessage(ctx, chatID, text)
	}
	if err != nil {
		e.getLogEntry().WithFields(log.Fields{
			"method":  "notify",
			"chat_id": chatID,
			"error":   err.Error(),
		}).Error("send failed")
	}
}

func (e *Executor) record(ctx context.Context, entry *db.AuditEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.AddAudit(ctx, entry); err != nil {
		e.getLogEntry().WithFields(log.Fields{
			"method":  "record",
			"chat_id": entry.ChatID,
			"error":   err.Error(),
		}).Error("audit write failed")
	}
}

func auditAction(stage policy.Stage, action db.Action) string {
	return string(stage) + "." + string(action)
}

// untilAfter returns now+d, or the zero time (no end date) for a non-positive d.
func untilAfter(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}

func formatUntil(until time.Time) string {
	if until.IsZero() {
		return ""
	}
	return until.UTC().Format(untilLayout)
}

func displayName(name string, userID int64) string {
	if name != "" {
		return name
	}
	return "user " + strconv.FormatInt(userID, 10)
}
