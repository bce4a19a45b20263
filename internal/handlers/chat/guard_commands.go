package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/bot"
	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/policy/permissions"
)

const (
	textReplyToTarget  = `Reply to a message of the user you want to act on.`
	textBadDuration    = `Invalid duration. Use 30s, 10m, 2h, 3d or perm.`
	textWarnedCount    = `{{ .user }} warned ({{ .count }}/{{ .limit }}).`
	textWarnLimit      = `{{ .user }} reached the warn limit and has been muted{{ if .until }} until {{ .until }}{{ end }}.`
	textUnwarned       = `Removed the latest warning of {{ .user }}.`
	textNoWarns        = `{{ .user }} has no warnings.`
	textMutedBy        = `{{ .user }} muted{{ if .until }} until {{ .until }}{{ end }}.`
	textUnmuted        = `{{ .user }} can write again.`
	textBannedBy       = `{{ .user }} banned{{ if .until }} until {{ .until }}{{ end }}.`
	textUnbanned       = `{{ .user }} unbanned.`
	textScheduledUndo  = `{{ .kind }} for {{ .user }} scheduled as job #{{ .id }} at {{ .at }}.`
	textAnnounceUsage  = `Usage: /announce <delay> [every <interval>] <text>, or reply to a message to repost it.`
	textRotatePinUsage = `Usage: /rotatepin <interval> <text>`
	textJobCreated     = `Job #{{ .id }} ({{ .kind }}) scheduled for {{ .at }}{{ if .every }}, repeating every {{ .every }}{{ end }}.`
	textNoJobs         = `No scheduled jobs in this chat.`
	textJobUsage       = `Usage: /{{ .command }} <job id>`
	textJobNotFound    = `Job #{{ .id }} not found.`
	textJobPaused      = `Job #{{ .id }} paused.`
	textJobResumed     = `Job #{{ .id }} resumed.`
	textJobDeleted     = `Job #{{ .id }} deleted.`
	textNoResult       = `No moderation record for that message.`
	textResultPassed   = `Message passed every check.`
	textResultDecided  = `Stage {{ .stage }}: {{ .action }} ({{ .reason }}){{ if .matched }}, matched "{{ .matched }}"{{ end }}.`

	timeLayout = "2006-01-02 15:04 MST"
)

var durationRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// commandRoles lists the served commands and the role each one requires.
var commandRoles = map[string]permissions.Role{
	"warn":      permissions.RoleModerator,
	"unwarn":    permissions.RoleModerator,
	"mute":      permissions.RoleModerator,
	"unmute":    permissions.RoleModerator,
	"ban":       permissions.RoleModerator,
	"unban":     permissions.RoleModerator,
	"announce":  permissions.RoleModerator,
	"rotatepin": permissions.RoleModerator,
	"jobs":      permissions.RoleModerator,
	"jobpause":  permissions.RoleModerator,
	"jobdel":    permissions.RoleModerator,
	"why":       permissions.RoleModerator,
	"listrules": permissions.RoleModerator,
	"addrule":   permissions.RoleManager,
	"delrule":   permissions.RoleManager,
	"antispam":  permissions.RoleManager,
}

// ParseDuration reads 30s, 10m, 2h, 3d. perm, permanent and forever return a negative
// duration, meaning no end date.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "perm", "permanent", "forever":
		return -1, nil
	}
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: duration %q", ngerrors.ErrInvalidInput, raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q", ngerrors.ErrInvalidInput, raw)
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit, nil
}

// handleCommand serves admin commands. It reports false for unknown commands and
// for senders below the command's role, so the message goes through the pipeline.
func (g *Guard) handleCommand(ctx context.Context, msg *api.Message, chat *api.Chat, user *api.User) (bool, error) {
	command := msg.Command()
	required, ok := commandRoles[command]
	if !ok {
		return false, nil
	}
	if !g.role(ctx, chat.ID, user.ID).Allows(required) {
		return false, nil
	}

	entry := g.getLogEntry().WithFields(log.Fields{
		"method":  "handleCommand",
		"command": command,
		"chat_id": chat.ID,
		"user_id": user.ID,
	})
	args := strings.Fields(msg.CommandArguments())
	var err error
	switch command {
	case "warn", "unwarn", "mute", "unmute", "ban", "unban":
		err = g.moderationCommand(ctx, command, msg, chat, user, args)
	case "announce":
		err = g.announceCommand(ctx, msg, chat, args)
	case "rotatepin":
		err = g.rotatePinCommand(ctx, msg, chat, args)
	case "jobs":
		err = g.jobsCommand(ctx, msg, chat)
	case "jobpause", "jobdel":
		err = g.jobControlCommand(ctx, command, msg, chat, args)
	case "why":
		g.whyCommand(ctx, msg, chat)
	case "addrule":
		err = g.addRuleCommand(ctx, msg, chat, msg.CommandArguments())
	case "listrules":
		err = g.listRulesCommand(ctx, msg, chat)
	case "delrule":
		err = g.deleteRuleCommand(ctx, msg, chat, args)
	case "antispam":
		err = g.antispamCommand(ctx, msg, chat, args)
	}
	if err != nil {
		entry.WithField("error", err.Error()).Error("command failed")
	}
	return true, err
}

func (g *Guard) moderationCommand(ctx context.Context, command string, msg *api.Message, chat *api.Chat, actor *api.User, args []string) error {
	if msg.ReplyToMessage == nil || msg.ReplyToMessage.From == nil {
		g.reply(ctx, msg, textReplyToTarget)
		return nil
	}
	target := msg.ReplyToMessage.From
	now := g.now()
	vars := map[string]any{"user": bot.GetFullName(target)}

	var d time.Duration
	if len(args) > 0 {
		parsed, err := ParseDuration(args[0])
		if err != nil {
			g.reply(ctx, msg, textBadDuration)
			return nil
		}
		d = parsed
	}

	switch command {
	case "warn":
		result, err := g.moderator.Warn(ctx, chat.ID, actor.ID, target.ID, now)
		if err != nil {
			return err
		}
		vars["count"] = result.Count
		vars["limit"] = result.Limit
		if result.Muted {
			vars["until"] = formatTime(result.Until)
			g.reply(ctx, msg, tool.ExecTemplate(textWarnLimit, vars))
			return nil
		}
		g.reply(ctx, msg, tool.ExecTemplate(textWarnedCount, vars))
	case "unwarn":
		removed, err := g.moderator.Unwarn(ctx, chat.ID, actor.ID, target.ID, now)
		if err != nil {
			return err
		}
		if !removed {
			g.reply(ctx, msg, tool.ExecTemplate(textNoWarns, vars))
			return nil
		}
		g.reply(ctx, msg, tool.ExecTemplate(textUnwarned, vars))
	case "mute":
		until, err := g.moderator.Mute(ctx, chat.ID, actor.ID, target.ID, d, now)
		if err != nil {
			return err
		}
		vars["until"] = formatTime(until)
		g.reply(ctx, msg, tool.ExecTemplate(textMutedBy, vars))
	case "ban":
		until, err := g.moderator.Ban(ctx, chat.ID, actor.ID, target.ID, d, now)
		if err != nil {
			return err
		}
		g.deleteMessage(ctx, chat.ID, msg.ReplyToMessage.MessageID)
		vars["until"] = formatTime(until)
		g.reply(ctx, msg, tool.ExecTemplate(textBannedBy, vars))
	case "unmute", "unban":
		if d > 0 {
			return g.scheduleUndo(ctx, command, msg, chat, target, now.Add(d))
		}
		if command == "unmute" {
			if err := g.moderator.Unmute(ctx, chat.ID, actor.ID, target.ID, now); err != nil {
				return err
			}
			g.reply(ctx, msg, tool.ExecTemplate(textUnmuted, vars))
			return nil
		}
		if err := g.moderator.Unban(ctx, chat.ID, actor.ID, target.ID, true, now); err != nil {
			return err
		}
		g.reply(ctx, msg, tool.ExecTemplate(textUnbanned, vars))
	}
	return nil
}

// scheduleUndo turns "/unmute 2h" and "/unban 2h" into timed jobs.
func (g *Guard) scheduleUndo(ctx context.Context, command string, msg *api.Message, chat *api.Chat, target *api.User, at time.Time) error {
	kind := db.JobKindTimedUnmute
	if command == "unban" {
		kind = db.JobKindTimedUnban
	}
	job, err := g.jobs.Create(ctx, &db.AutomationJob{
		ChatID:  chat.ID,
		Kind:    kind,
		RunAt:   at,
		Payload: db.JobPayload{UserID: target.ID},
	})
	if err != nil {
		return errors.WithMessage(err, "schedule "+command)
	}
	g.reply(ctx, msg, tool.ExecTemplate(textScheduledUndo, map[string]any{
		"kind": command,
		"user": bot.GetFullName(target),
		"id":   job.ID,
		"at":   formatTime(job.RunAt),
	}))
	return nil
}

func (g *Guard) announceCommand(ctx context.Context, msg *api.Message, chat *api.Chat, args []string) error {
	if len(args) == 0 {
		g.reply(ctx, msg, textAnnounceUsage)
		return nil
	}
	delay, err := ParseDuration(args[0])
	if err != nil || delay < 0 {
		g.reply(ctx, msg, textAnnounceUsage)
		return nil
	}
	args = args[1:]

	var interval time.Duration
	if len(args) >= 2 && strings.EqualFold(args[0], "every") {
		interval, err = ParseDuration(args[1])
		if err != nil || interval < 0 {
			g.reply(ctx, msg, textAnnounceUsage)
			return nil
		}
		args = args[2:]
	}

	job := &db.AutomationJob{
		ChatID:      chat.ID,
		Kind:        db.JobKindAnnounce,
		RunAt:       g.now().Add(delay),
		IntervalSec: int64(interval / time.Second),
		Payload:     db.JobPayload{Text: strings.Join(args, " ")},
	}
	if job.Payload.Text == "" && msg.ReplyToMessage != nil {
		job.Payload.Copy = &db.CopySource{ChatID: chat.ID, MessageID: msg.ReplyToMessage.MessageID}
	}
	return g.createJob(ctx, msg, job, textAnnounceUsage)
}

func (g *Guard) rotatePinCommand(ctx context.Context, msg *api.Message, chat *api.Chat, args []string) error {
	if len(args) < 2 {
		g.reply(ctx, msg, textRotatePinUsage)
		return nil
	}
	interval, err := ParseDuration(args[0])
	if err != nil || interval <= 0 {
		g.reply(ctx, msg, textRotatePinUsage)
		return nil
	}
	return g.createJob(ctx, msg, &db.AutomationJob{
		ChatID:      chat.ID,
		Kind:        db.JobKindRotatePin,
		RunAt:       g.now(),
		IntervalSec: int64(interval / time.Second),
		Payload:     db.JobPayload{Text: strings.Join(args[1:], " ")},
	}, textRotatePinUsage)
}

func (g *Guard) createJob(ctx context.Context, msg *api.Message, job *db.AutomationJob, usage string) error {
	created, err := g.jobs.Create(ctx, job)
	if errors.Is(err, ngerrors.ErrInvalidInput) {
		g.reply(ctx, msg, usage)
		return nil
	}
	if err != nil {
		return err
	}
	vars := map[string]any{
		"id":   created.ID,
		"kind": created.Kind,
		"at":   formatTime(created.RunAt),
	}
	if created.Repeating() {
		vars["every"] = created.Interval().String()
	}
	g.reply(ctx, msg, tool.ExecTemplate(textJobCreated, vars))
	return nil
}

func (g *Guard) jobsCommand(ctx context.Context, msg *api.Message, chat *api.Chat) error {
	jobs, err := g.jobs.List(ctx, chat.ID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		g.reply(ctx, msg, textNoJobs)
		return nil
	}
	lines := make([]string, 0, len(jobs))
	for _, job := range jobs {
		lines = append(lines, FormatJob(job))
	}
	g.reply(ctx, msg, strings.Join(lines, "\n"))
	return nil
}

// FormatJob renders one job as a single status line.
func FormatJob(job *db.AutomationJob) string {
	line := fmt.Sprintf("#%d %s next %s", job.ID, job.Kind, formatTime(job.RunAt))
	if job.Repeating() {
		line += " every " + job.Interval().String()
	}
	if job.Paused {
		line += " [paused]"
	}
	return line
}

func (g *Guard) jobControlCommand(ctx context.Context, command string, msg *api.Message, chat *api.Chat, args []string) error {
	var id int64
	if len(args) > 0 {
		id, _ = strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	}
	if id <= 0 {
		g.reply(ctx, msg, tool.ExecTemplate(textJobUsage, map[string]any{"command": command}))
		return nil
	}
	vars := map[string]any{"id": id}

	job, err := g.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.ChatID != chat.ID {
		g.reply(ctx, msg, tool.ExecTemplate(textJobNotFound, vars))
		return nil
	}

	if command == "jobdel" {
		if _, err := g.jobs.Delete(ctx, id); err != nil {
			return err
		}
		g.reply(ctx, msg, tool.ExecTemplate(textJobDeleted, vars))
		return nil
	}
	toggled, err := g.jobs.Toggle(ctx, id)
	if err != nil {
		return err
	}
	if toggled.Paused {
		g.reply(ctx, msg, tool.ExecTemplate(textJobPaused, vars))
		return nil
	}
	g.reply(ctx, msg, tool.ExecTemplate(textJobResumed, vars))
	return nil
}

// whyCommand explains what the pipeline did with the replied-to message.
func (g *Guard) whyCommand(ctx context.Context, msg *api.Message, chat *api.Chat) {
	if msg.ReplyToMessage == nil {
		g.reply(ctx, msg, textReplyToTarget)
		return
	}
	result, ok := g.results.Get(resultKey(chat.ID, msg.ReplyToMessage.MessageID))
	if !ok {
		g.reply(ctx, msg, textNoResult)
		return
	}
	if !result.Decided() {
		g.reply(ctx, msg, textResultPassed)
		return
	}
	d := result.Decision
	g.reply(ctx, msg, tool.ExecTemplate(textResultDecided, map[string]any{
		"stage":   d.Stage,
		"action":  d.Action,
		"reason":  d.Reason,
		"matched": d.Matched,
	}))
}

func (g *Guard) reply(ctx context.Context, msg *api.Message, text string) {
	if _, err := g.gateway.ReplyMessage(ctx, msg.Chat.ID, msg.MessageID, text); err != nil {
		g.getLogEntry().WithFields(log.Fields{
			"method":  "reply",
			"chat_id": msg.Chat.ID,
			"error":   err.Error(),
		}).Error("reply failed")
	}
}

func (g *Guard) deleteMessage(ctx context.Context, chatID int64, messageID int) {
	if err := g.gateway.DeleteMessage(ctx, chatID, messageID); err != nil {
		g.getLogEntry().WithFields(log.Fields{
			"method":     "deleteMessage",
			"chat_id":    chatID,
			"message_id": messageID,
			"error":      err.Error(),
		}).Warn("delete failed")
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
