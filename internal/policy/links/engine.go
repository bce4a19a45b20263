package links

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/policy"
)

type settingsSource interface {
	LinkPolicy(ctx context.Context, chatID int64) db.LinkPolicy
	Night(ctx context.Context, chatID int64) db.NightWindow
}

// Input is the part of a message the link policy looks at.
type Input struct {
	ChatID         int64
	UserID         int64
	Text           string
	ChatUsername   string
	SenderUsername string
}

type Engine struct {
	settings settingsSource
}

func NewEngine(settings settingsSource) *Engine {
	return &Engine{settings: settings}
}

func (e *Engine) getLogEntry() *log.Entry {
	return log.WithField("object", "LinkEngine")
}

// Evaluate applies the chat's link policy to in.Text and returns the first decided action.
func (e *Engine) Evaluate(ctx context.Context, in Input, now time.Time) *policy.Decision {
	items := Extract(in.Text)
	if len(items) == 0 {
		return nil
	}
	p := e.settings.LinkPolicy(ctx, in.ChatID)
	night := e.settings.Night(ctx, in.ChatID)
	if NightActive(night, now) && night.BlockAll {
		e.getLogEntry().WithFields(log.Fields{
			"method":  "Evaluate",
			"chat_id": in.ChatID,
		}).Trace("night window forces block_all")
		p.BlockAll = true
	}
	return Decide(p, in, items)
}

// Decide runs the precedence chain over items: self links, allowlist, category
// override, then block_all or denylist falling back to the policy action.
func Decide(p db.LinkPolicy, in Input, items []Item) *policy.Decision {
	chatUsername := strings.ToLower(strings.TrimPrefix(in.ChatUsername, "@"))
	senderUsername := strings.ToLower(strings.TrimPrefix(in.SenderUsername, "@"))

	for _, item := range items {
		if item.Kind == ItemURL && item.Host == "" {
			continue
		}
		if isSelf(item, chatUsername, senderUsername) {
			continue
		}
		if matchesList(p.Allowlist, item) {
			continue
		}
		if action, ok := p.Types[item.Category]; ok && action != "" {
			if action == db.ActionAllow {
				continue
			}
			return &policy.Decision{
				Stage:   policy.StageLinks,
				Action:  action,
				Reason:  "link category " + string(item.Category),
				Matched: item.Raw,
			}
		}
		if p.BlockAll || matchesList(p.Denylist, item) {
			reason := "denylisted link"
			if p.BlockAll {
				reason = "links blocked"
			}
			return &policy.Decision{
				Stage:   policy.StageLinks,
				Action:  p.DefaultAction(),
				Reason:  reason,
				Matched: item.Raw,
			}
		}
	}
	return nil
}

func isSelf(item Item, chatUsername, senderUsername string) bool {
	switch item.Kind {
	case ItemMention:
		return senderUsername != "" && item.Username == senderUsername
	case ItemURL:
		return chatUsername != "" && item.Category == db.LinkCategoryTelegram && item.Username == chatUsername
	}
	return false
}

func matchesList(list []string, item Item) bool {
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if item.Kind == ItemMention {
			if strings.TrimPrefix(entry, "@") == item.Username && strings.HasPrefix(entry, "@") {
				return true
			}
			continue
		}
		if strings.HasPrefix(entry, "@") {
			continue
		}
		if hostMatches(item.Host, normalizeEntry(entry)) {
			return true
		}
	}
	return false
}

func normalizeEntry(entry string) string {
	if i := strings.Index(entry, "://"); i >= 0 {
		entry = entry[i+3:]
	}
	if i := strings.IndexByte(entry, '/'); i >= 0 {
		entry = entry[:i]
	}
	return normalizeHost(entry)
}

func hostMatches(host, domain string) bool {
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
