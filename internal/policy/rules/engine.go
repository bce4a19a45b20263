package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/policy"
	"github.com/iamwavecut/ngguard/internal/state"
)

const (
	rulesCacheSize = 1024
	rulesCacheTTL  = 30 * time.Second

	patternCacheSize = 2048
	patternCacheTTL  = time.Hour
)

type compiledPattern struct {
	re  *regexp.Regexp
	err error
}

// Engine matches messages against a chat's content rules, first match wins.
type Engine struct {
	store    db.RuleStore
	hits     state.WindowStore
	cache    *expirable.LRU[int64, []*db.ContentRule]
	patterns *expirable.LRU[string, compiledPattern]
}

func NewEngine(store db.RuleStore, hits state.WindowStore) *Engine {
	return &Engine{
		store:    store,
		hits:     hits,
		cache:    expirable.NewLRU[int64, []*db.ContentRule](rulesCacheSize, nil, rulesCacheTTL),
		patterns: expirable.NewLRU[string, compiledPattern](patternCacheSize, nil, patternCacheTTL),
	}
}

func (e *Engine) getLogEntry() *log.Entry {
	return log.WithField("object", "RuleEngine")
}

// AddRule validates and stores rule.
func (e *Engine) AddRule(ctx context.Context, rule *db.ContentRule) (*db.ContentRule, error) {
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	if rule.Kind == db.RuleKindWord {
		rule.Pattern = strings.ToLower(strings.TrimSpace(rule.Pattern))
	}
	created, err := e.store.CreateRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	e.cache.Remove(rule.ChatID)
	return created, nil
}

func (e *Engine) DeleteRule(ctx context.Context, chatID, ruleID int64) (bool, error) {
	deleted, err := e.store.DeleteRule(ctx, chatID, ruleID)
	if err != nil {
		return false, err
	}
	e.cache.Remove(chatID)
	return deleted, nil
}

func (e *Engine) Rules(ctx context.Context, chatID int64) ([]*db.ContentRule, error) {
	if rules, ok := e.cache.Get(chatID); ok {
		return rules, nil
	}
	rules, err := e.store.ListRules(ctx, chatID)
	if err != nil {
		return nil, err
	}
	e.cache.Add(chatID, rules)
	return rules, nil
}

// Evaluate returns the decision of the first rule matching text, or nil.
func (e *Engine) Evaluate(ctx context.Context, chatID, userID int64, text string, now time.Time) (*policy.Decision, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	rules, err := e.Rules(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	lowered := strings.ToLower(text)
	for _, rule := range rules {
		if !e.matches(rule, text, lowered) {
			continue
		}
		decision := &policy.Decision{
			Stage:     policy.StageContentRules,
			Action:    rule.Action,
			Reason:    "content rule",
			Matched:   rule.Pattern,
			RuleID:    rule.ID,
			ReplyText: rule.ReplyText,
		}
		if rule.Escalation.Enabled() {
			key := state.Key("rule", chatID, userID, rule.ID)
			hits, err := e.hits.Hit(ctx, key, now, rule.Escalation.Cooldown())
			if err != nil {
				return decision, fmt.Errorf("record rule hit: %w", err)
			}
			if hits >= rule.Escalation.Threshold {
				decision.Action = rule.Escalation.Action
				decision.Escalated = true
				if err := e.hits.Reset(ctx, key); err != nil {
					return decision, fmt.Errorf("reset rule hits: %w", err)
				}
			}
		}
		return decision, nil
	}
	return nil, nil
}

func (e *Engine) matches(rule *db.ContentRule, text, lowered string) bool {
	switch rule.Kind {
	case db.RuleKindWord:
		pattern := strings.ToLower(rule.Pattern)
		return pattern != "" && strings.Contains(lowered, pattern)
	case db.RuleKindRegex:
		re, err := e.compile(rule.Pattern)
		if err != nil {
			e.getLogEntry().WithFields(log.Fields{
				"method":  "matches",
				"rule_id": rule.ID,
				"error":   err.Error(),
			}).Debug("skipping malformed pattern")
			return false
		}
		return re.MatchString(text)
	}
	return false
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	if compiled, ok := e.patterns.Get(pattern); ok {
		return compiled.re, compiled.err
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		err = fmt.Errorf("%w: %v", ngerrors.ErrInvalidConfig, err)
	}
	e.patterns.Add(pattern, compiledPattern{re: re, err: err})
	return re, err
}

// ValidateRule checks kind, action and escalation of rule. Regex patterns are not
// compiled here; a pattern that fails later simply never matches.
func ValidateRule(rule *db.ContentRule) error {
	if rule == nil {
		return ngerrors.ErrInvalidInput
	}
	if _, err := db.ParseRuleKind(string(rule.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ngerrors.ErrInvalidInput, err)
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("%w: empty pattern", ngerrors.ErrInvalidInput)
	}
	switch rule.Action {
	case db.ActionDelete, db.ActionWarn, db.ActionMute, db.ActionBan:
	case db.ActionReply:
		if strings.TrimSpace(rule.ReplyText) == "" {
			return fmt.Errorf("%w: reply rule without text", ngerrors.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unsupported rule action %q", ngerrors.ErrInvalidInput, rule.Action)
	}
	if rule.Escalation.Enabled() {
		switch rule.Escalation.Action {
		case db.ActionDelete, db.ActionWarn, db.ActionMute, db.ActionBan:
		default:
			return fmt.Errorf("%w: unsupported escalation action %q", ngerrors.ErrInvalidInput, rule.Escalation.Action)
		}
	}
	return nil
}
