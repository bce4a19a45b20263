package settings

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

// Bundle is the portable form of one chat's moderation setup.
type Bundle struct {
	Antispam   db.AntispamSettings   `yaml:"antispam"`
	Links      db.LinkPolicy         `yaml:"links"`
	Night      db.NightWindow        `yaml:"night"`
	Locks      db.LockSettings       `yaml:"locks"`
	Moderation db.ModerationSettings `yaml:"moderation"`
	Rules      []*db.ContentRule     `yaml:"rules,omitempty"`
}

type ruleManager interface {
	Rules(ctx context.Context, chatID int64) ([]*db.ContentRule, error)
	AddRule(ctx context.Context, rule *db.ContentRule) (*db.ContentRule, error)
	DeleteRule(ctx context.Context, chatID, ruleID int64) (bool, error)
}

// ExportBundle collects the effective settings and rules of chatID.
func (s *Service) ExportBundle(ctx context.Context, rules ruleManager, chatID int64) (*Bundle, error) {
	list, err := rules.Rules(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Antispam:   s.Antispam(ctx, chatID),
		Links:      s.LinkPolicy(ctx, chatID),
		Night:      s.Night(ctx, chatID),
		Locks:      s.Locks(ctx, chatID),
		Moderation: s.Moderation(ctx, chatID),
		Rules:      list,
	}, nil
}

// ImportBundle replaces chatID's settings and rules with b. Everything is validated
// before anything is written.
func (s *Service) ImportBundle(ctx context.Context, rules ruleManager, chatID int64, b *Bundle) error {
	if b == nil {
		return fmt.Errorf("%w: empty bundle", ngerrors.ErrInvalidInput)
	}
	if len(b.Rules) > db.MaxRulesPerChat {
		return fmt.Errorf("%w: %d rules, at most %d allowed", ngerrors.ErrInvalidInput, len(b.Rules), db.MaxRulesPerChat)
	}
	blobs := []struct {
		key   string
		value any
	}{
		{db.SettingsKeyAntispam, b.Antispam},
		{db.SettingsKeyLinks, b.Links},
		{db.SettingsKeyNight, b.Night},
		{db.SettingsKeyLocks, b.Locks},
		{db.SettingsKeyModeration, b.Moderation},
	}
	for _, blob := range blobs {
		if err := s.validate.Struct(blob.value); err != nil {
			return fmt.Errorf("%w: %s: %v", ngerrors.ErrInvalidConfig, blob.key, err)
		}
	}

	for _, blob := range blobs {
		if err := s.Set(ctx, chatID, blob.key, blob.value); err != nil {
			return err
		}
	}

	existing, err := rules.Rules(ctx, chatID)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if _, err := rules.DeleteRule(ctx, chatID, rule.ID); err != nil {
			return err
		}
	}
	for _, rule := range b.Rules {
		r := *rule
		r.ID = 0
		r.ChatID = chatID
		if _, err := rules.AddRule(ctx, &r); err != nil {
			return err
		}
	}
	s.getLogEntry().WithFields(log.Fields{
		"method":  "ImportBundle",
		"chat_id": chatID,
		"rules":   len(b.Rules),
	}).Info("bundle imported")
	return nil
}

func (b *Bundle) Marshal() ([]byte, error) {
	return yaml.Marshal(b)
}

// ParseBundle reads a YAML bundle. Missing sections keep their defaults. A named
// antispam preset supplies the antispam values; explicit values override it and
// turn the preset into custom.
func ParseBundle(data []byte) (*Bundle, error) {
	b := &Bundle{
		Antispam:   db.DefaultAntispamSettings(),
		Links:      db.DefaultLinkPolicy(),
		Night:      db.DefaultNightWindow(),
		Moderation: db.DefaultModerationSettings(),
	}
	named, err := bundlePreset(data)
	if err != nil {
		return nil, err
	}
	if named != nil {
		b.Antispam = *named
	}
	if err := yaml.UnmarshalStrict(data, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ngerrors.ErrInvalidInput, err)
	}
	if named != nil && b.Antispam != *named {
		b.Antispam.Preset = db.PresetCustom
	}
	return b, nil
}

// bundlePreset returns the antispam preset named in data, or nil when the bundle
// names none or names custom.
func bundlePreset(data []byte) (*db.AntispamSettings, error) {
	var head struct {
		Antispam struct {
			Preset string `yaml:"preset"`
		} `yaml:"antispam"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ngerrors.ErrInvalidInput, err)
	}
	name := head.Antispam.Preset
	if name == "" || name == db.PresetCustom {
		return nil, nil
	}
	preset, err := db.AntispamPreset(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ngerrors.ErrInvalidInput, err)
	}
	return &preset, nil
}

// ParseBlacklist reads the global blacklist from YAML and normalizes its words.
func ParseBlacklist(data []byte) (db.GlobalBlacklist, error) {
	list := db.DefaultGlobalBlacklist()
	if err := yaml.UnmarshalStrict(data, &list); err != nil {
		return db.GlobalBlacklist{}, fmt.Errorf("%w: %v", ngerrors.ErrInvalidInput, err)
	}
	list.Words = normalizeWords(list.Words)
	return list, nil
}

func normalizeWords(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
