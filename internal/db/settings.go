package db

import (
	"fmt"
	"time"
)

const (
	SettingsKeyAntispam        = "antispam"
	SettingsKeyLinks           = "links"
	SettingsKeyNight           = "links.night"
	SettingsKeyModeration      = "moderation"
	SettingsKeyLocks           = "locks"
	SettingsKeyGlobalBlacklist = "global_blacklist"

	PresetLenient = "lenient"
	PresetNormal  = "normal"
	PresetStrict  = "strict"
	PresetCustom  = "custom"
)

type (
	AntispamSettings struct {
		WindowSec   int    `json:"window_sec" yaml:"window_sec" validate:"min=1,max=3600"`
		Threshold   int    `json:"threshold" yaml:"threshold" validate:"min=1,max=1000"`
		MuteSeconds int    `json:"mute_seconds" yaml:"mute_seconds" validate:"min=0"`
		BanSeconds  int    `json:"ban_seconds" yaml:"ban_seconds" validate:"min=0"`
		Preset      string `json:"preset,omitempty" yaml:"preset,omitempty" validate:"omitempty,oneof=lenient normal strict custom"`
	}

	LinkCategory string

	LinkPolicy struct {
		Denylist  []string                `json:"denylist" yaml:"denylist,omitempty"`
		Allowlist []string                `json:"allowlist" yaml:"allowlist,omitempty"`
		Action    Action                  `json:"action" yaml:"action" validate:"omitempty,oneof=delete warn mute ban"`
		BlockAll  bool                    `json:"block_all" yaml:"block_all"`
		Types     map[LinkCategory]Action `json:"types" yaml:"types,omitempty" validate:"dive,keys,oneof=invites telegram shorteners usernames other,endkeys,oneof=delete warn mute ban allow"`
	}

	NightWindow struct {
		Enabled     bool `json:"enabled" yaml:"enabled"`
		FromHour    int  `json:"from_h" yaml:"from_h" validate:"min=0,max=23"`
		ToHour      int  `json:"to_h" yaml:"to_h" validate:"min=0,max=23"`
		TZOffsetMin int  `json:"tz_offset_min" yaml:"tz_offset_min" validate:"min=-840,max=840"`
		BlockAll    bool `json:"block_all" yaml:"block_all"`
	}

	ModerationSettings struct {
		WarnLimit     int  `json:"warn_limit" yaml:"warn_limit" validate:"min=1,max=100"`
		DeleteOffense bool `json:"delete_offense" yaml:"delete_offense"`
	}

	LockSettings struct {
		Forwards Action            `json:"forwards,omitempty" yaml:"forwards,omitempty" validate:"omitempty,oneof=delete warn mute ban"`
		Media    map[string]Action `json:"media,omitempty" yaml:"media,omitempty" validate:"dive,keys,oneof=photo video animation document sticker voice audio video_note,endkeys,oneof=delete warn mute ban"`
	}

	GlobalBlacklist struct {
		Words       []string `json:"words" yaml:"words"`
		Action      Action   `json:"action" yaml:"action" validate:"omitempty,oneof=warn mute ban"`
		DurationSec int      `json:"duration_sec,omitempty" yaml:"duration_sec,omitempty" validate:"min=0"`
	}
)

const (
	LinkCategoryInvites    LinkCategory = "invites"
	LinkCategoryTelegram   LinkCategory = "telegram"
	LinkCategoryShorteners LinkCategory = "shorteners"
	LinkCategoryUsernames  LinkCategory = "usernames"
	LinkCategoryOther      LinkCategory = "other"
)

var antispamPresets = map[string]AntispamSettings{
	PresetLenient: {WindowSec: 5, Threshold: 12, MuteSeconds: 30, BanSeconds: 300, Preset: PresetLenient},
	PresetNormal:  {WindowSec: 5, Threshold: 8, MuteSeconds: 60, BanSeconds: 600, Preset: PresetNormal},
	PresetStrict:  {WindowSec: 5, Threshold: 5, MuteSeconds: 180, BanSeconds: 1800, Preset: PresetStrict},
}

func DefaultAntispamSettings() AntispamSettings {
	return antispamPresets[PresetNormal]
}

func AntispamPreset(name string) (AntispamSettings, error) {
	preset, ok := antispamPresets[name]
	if !ok {
		return AntispamSettings{}, fmt.Errorf("unknown antispam preset %q", name)
	}
	return preset, nil
}

func (s AntispamSettings) Window() time.Duration {
	return time.Duration(s.WindowSec) * time.Second
}

func (s AntispamSettings) MuteDuration() time.Duration {
	return time.Duration(s.MuteSeconds) * time.Second
}

func (s AntispamSettings) BanDuration() time.Duration {
	return time.Duration(s.BanSeconds) * time.Second
}

func DefaultLinkPolicy() LinkPolicy {
	return LinkPolicy{Action: ActionDelete}
}

// DefaultAction is the action applied for block_all and denylist hits.
func (p LinkPolicy) DefaultAction() Action {
	if p.Action == "" {
		return ActionDelete
	}
	return p.Action
}

func DefaultNightWindow() NightWindow {
	return NightWindow{FromHour: 0, ToHour: 6, BlockAll: true}
}

func DefaultModerationSettings() ModerationSettings {
	return ModerationSettings{WarnLimit: 3, DeleteOffense: true}
}

func DefaultGlobalBlacklist() GlobalBlacklist {
	return GlobalBlacklist{Action: ActionWarn}
}

func (b GlobalBlacklist) Duration() time.Duration {
	return time.Duration(b.DurationSec) * time.Second
}
