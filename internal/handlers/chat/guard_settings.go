package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"
	"github.com/pkg/errors"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const (
	textAddRuleUsage  = `Usage: /addrule <word|regex> <delete|warn|mute|ban|reply> <pattern> [| reply text]`
	textRuleRejected  = `Rule rejected: {{ .reason }}`
	textRuleAdded     = `Rule added: {{ .rule }}`
	textNoRules       = `No content rules in this chat.`
	textDelRuleUsage  = `Usage: /delrule <rule id>`
	textRuleDeleted   = `Rule #{{ .id }} deleted.`
	textRuleNotFound  = `Rule #{{ .id }} not found.`
	textAntispamUsage = `Usage: /antispam [lenient|normal|strict]`
	textAntispam      = `Antispam {{ .preset }}: {{ .threshold }} messages in {{ .window }}, mute {{ .mute }}, ban {{ .ban }}.`
)

// addRuleCommand reads "<kind> <action> <pattern> [| reply text]". The pattern may
// contain spaces; everything after the first "|" is the reply text.
func (g *Guard) addRuleCommand(ctx context.Context, msg *api.Message, chat *api.Chat, raw string) error {
	fields := strings.Fields(raw)
	if len(fields) < 3 {
		g.reply(ctx, msg, textAddRuleUsage)
		return nil
	}
	rest := strings.Join(fields[2:], " ")
	pattern, replyText, _ := strings.Cut(rest, "|")

	rule := &db.ContentRule{
		ChatID:    chat.ID,
		Kind:      db.RuleKind(strings.ToLower(fields[0])),
		Action:    db.Action(strings.ToLower(fields[1])),
		Pattern:   strings.TrimSpace(pattern),
		ReplyText: strings.TrimSpace(replyText),
	}
	created, err := g.rules.AddRule(ctx, rule)
	if errors.Is(err, ngerrors.ErrInvalidInput) {
		g.reply(ctx, msg, tool.ExecTemplate(textRuleRejected, map[string]any{"reason": err.Error()}))
		return nil
	}
	if err != nil {
		return errors.WithMessage(err, "add rule")
	}
	g.reply(ctx, msg, tool.ExecTemplate(textRuleAdded, map[string]any{"rule": FormatRule(created)}))
	return nil
}

func (g *Guard) listRulesCommand(ctx context.Context, msg *api.Message, chat *api.Chat) error {
	list, err := g.rules.Rules(ctx, chat.ID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		g.reply(ctx, msg, textNoRules)
		return nil
	}
	lines := make([]string, 0, len(list))
	for _, r := range list {
		lines = append(lines, FormatRule(r))
	}
	g.reply(ctx, msg, strings.Join(lines, "\n"))
	return nil
}

func (g *Guard) deleteRuleCommand(ctx context.Context, msg *api.Message, chat *api.Chat, args []string) error {
	var id int64
	if len(args) > 0 {
		id, _ = strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	}
	if id <= 0 {
		g.reply(ctx, msg, textDelRuleUsage)
		return nil
	}
	vars := map[string]any{"id": id}
	deleted, err := g.rules.DeleteRule(ctx, chat.ID, id)
	if err != nil {
		return err
	}
	if !deleted {
		g.reply(ctx, msg, tool.ExecTemplate(textRuleNotFound, vars))
		return nil
	}
	g.reply(ctx, msg, tool.ExecTemplate(textRuleDeleted, vars))
	return nil
}

// antispamCommand shows the chat's flood limits, or applies a named preset.
func (g *Guard) antispamCommand(ctx context.Context, msg *api.Message, chat *api.Chat, args []string) error {
	var (
		cfg db.AntispamSettings
		err error
	)
	switch len(args) {
	case 0:
		cfg = g.antispam.Antispam(ctx, chat.ID)
	case 1:
		cfg, err = g.antispam.ApplyPreset(ctx, chat.ID, strings.ToLower(args[0]))
		if errors.Is(err, ngerrors.ErrInvalidInput) {
			g.reply(ctx, msg, textAntispamUsage)
			return nil
		}
		if err != nil {
			return errors.WithMessage(err, "apply preset")
		}
	default:
		g.reply(ctx, msg, textAntispamUsage)
		return nil
	}
	g.reply(ctx, msg, tool.ExecTemplate(textAntispam, antispamVars(cfg)))
	return nil
}

func antispamVars(cfg db.AntispamSettings) map[string]any {
	preset := cfg.Preset
	if preset == "" {
		preset = db.PresetCustom
	}
	return map[string]any{
		"preset":    preset,
		"threshold": cfg.Threshold,
		"window":    cfg.Window().String(),
		"mute":      penaltyLength(cfg.MuteDuration()),
		"ban":       penaltyLength(cfg.BanDuration()),
	}
}

func penaltyLength(d time.Duration) string {
	if d <= 0 {
		return "forever"
	}
	return d.String()
}

// FormatRule renders one content rule as a single line.
func FormatRule(r *db.ContentRule) string {
	line := fmt.Sprintf("#%d %s %q -> %s", r.ID, r.Kind, r.Pattern, r.Action)
	if r.ReplyText != "" {
		line += fmt.Sprintf(" %q", r.ReplyText)
	}
	if r.Escalation.Enabled() {
		line += fmt.Sprintf(" (x%d in %s -> %s)", r.Escalation.Threshold, r.Escalation.Cooldown(), r.Escalation.Action)
	}
	return line
}
