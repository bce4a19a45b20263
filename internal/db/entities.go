package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type (
	Action   string
	RuleKind string
	JobKind  string

	ContentRule struct {
		ID         int64          `yaml:"-"`
		ChatID     int64          `yaml:"-"`
		Kind       RuleKind       `yaml:"kind"`
		Pattern    string         `yaml:"pattern"`
		Action     Action         `yaml:"action"`
		ReplyText  string         `yaml:"reply_text,omitempty"`
		Escalation RuleEscalation `yaml:"escalation,omitempty"`
		CreatedAt  time.Time      `yaml:"-"`
	}

	// RuleEscalation is active only when threshold, cooldown and action are all set.
	RuleEscalation struct {
		Threshold   int    `json:"threshold" yaml:"threshold"`
		CooldownSec int    `json:"cooldown" yaml:"cooldown"`
		Action      Action `json:"action" yaml:"action"`
	}

	WarnRecord struct {
		ID        int64
		ChatID    int64
		UserID    int64
		CreatedAt time.Time
	}

	GlobalViolator struct {
		UserID         int64
		ViolationCount int
		FirstViolation time.Time
		LastViolation  time.Time
		MatchedWords   []string
		Action         Action
		ExpiresAt      *time.Time
	}

	AutomationJob struct {
		ID          int64
		ChatID      int64
		Kind        JobKind
		Payload     JobPayload
		RunAt       time.Time
		IntervalSec int64
		Paused      bool
	}

	JobPayload struct {
		Text          string      `json:"text,omitempty"`
		Copy          *CopySource `json:"copy,omitempty"`
		Notify        *JobNotify  `json:"notify,omitempty"`
		UnpinPrevious *bool       `json:"unpin_previous,omitempty"`
		LastPinned    int         `json:"last_pinned,omitempty"`
		UserID        int64       `json:"user_id,omitempty"`
	}

	CopySource struct {
		ChatID    int64 `json:"chat_id"`
		MessageID int   `json:"message_id"`
	}

	JobNotify struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text,omitempty"`
	}

	AuditEntry struct {
		ID           int64
		ChatID       int64
		ActorID      int64
		Action       string
		TargetUserID int64
		Extra        map[string]any
		TraceID      string
		CreatedAt    time.Time
	}
)

const (
	ActionDelete Action = "delete"
	ActionWarn   Action = "warn"
	ActionMute   Action = "mute"
	ActionBan    Action = "ban"
	ActionReply  Action = "reply"
	ActionAllow  Action = "allow"

	RuleKindWord  RuleKind = "word"
	RuleKindRegex RuleKind = "regex"

	JobKindAnnounce    JobKind = "announce"
	JobKindRotatePin   JobKind = "rotate_pin"
	JobKindTimedUnmute JobKind = "timed_unmute"
	JobKindTimedUnban  JobKind = "timed_unban"

	MaxRulesPerChat    = 100
	MaxViolatorWords   = 10
	GlobalSettingsChat = 0
)

func ParseAction(s string) (Action, error) {
	a := Action(s)
	switch a {
	case ActionDelete, ActionWarn, ActionMute, ActionBan, ActionReply, ActionAllow:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Severity orders violator penalties: warn < mute < ban. Other actions rank below warn.
func (a Action) Severity() int {
	switch a {
	case ActionWarn:
		return 0
	case ActionMute:
		return 1
	case ActionBan:
		return 2
	}
	return -1
}

func ParseRuleKind(s string) (RuleKind, error) {
	k := RuleKind(s)
	switch k {
	case RuleKindWord, RuleKindRegex:
		return k, nil
	}
	return "", fmt.Errorf("unknown rule kind %q", s)
}

func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(s)
	switch k {
	case JobKindAnnounce, JobKindRotatePin, JobKindTimedUnmute, JobKindTimedUnban:
		return k, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

func (e RuleEscalation) Enabled() bool {
	return e.Threshold > 0 && e.CooldownSec > 0 && e.Action != ""
}

func (e RuleEscalation) Cooldown() time.Duration {
	return time.Duration(e.CooldownSec) * time.Second
}

func (e RuleEscalation) Value() (driver.Value, error) {
	if !e.Enabled() {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (e *RuleEscalation) Scan(v any) error {
	if v == nil {
		*e = RuleEscalation{}
		return nil
	}
	switch data := v.(type) {
	case string:
		return json.Unmarshal([]byte(data), e)
	case []byte:
		return json.Unmarshal(data, e)
	default:
		return fmt.Errorf("cannot scan type %T into RuleEscalation", v)
	}
}

func (p JobPayload) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (p *JobPayload) Scan(v any) error {
	if v == nil {
		*p = JobPayload{}
		return nil
	}
	switch data := v.(type) {
	case string:
		return json.Unmarshal([]byte(data), p)
	case []byte:
		return json.Unmarshal(data, p)
	default:
		return fmt.Errorf("cannot scan type %T into JobPayload", v)
	}
}

func (p JobPayload) ShouldUnpinPrevious() bool {
	return p.UnpinPrevious == nil || *p.UnpinPrevious
}

func (j *AutomationJob) Repeating() bool {
	return j.IntervalSec > 0
}

func (j *AutomationJob) Interval() time.Duration {
	return time.Duration(j.IntervalSec) * time.Second
}

// Expired reports whether an expiring record has passed its deadline.
func (v *GlobalViolator) Expired(now time.Time) bool {
	return v.ExpiresAt != nil && now.After(*v.ExpiresAt)
}
