package db

import (
	"context"
	"time"
)

type SettingsStore interface {
	GetSetting(ctx context.Context, chatID int64, key string) ([]byte, error)
	SetSetting(ctx context.Context, chatID int64, key string, value []byte) error
	DeleteSetting(ctx context.Context, chatID int64, key string) error
}

type RuleStore interface {
	CreateRule(ctx context.Context, rule *ContentRule) (*ContentRule, error)
	ListRules(ctx context.Context, chatID int64) ([]*ContentRule, error)
	DeleteRule(ctx context.Context, chatID int64, ruleID int64) (bool, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, job *AutomationJob) (*AutomationJob, error)
	GetJob(ctx context.Context, id int64) (*AutomationJob, error)
	ListJobs(ctx context.Context) ([]*AutomationJob, error)
	ListJobsByChat(ctx context.Context, chatID int64) ([]*AutomationJob, error)
	UpdateJob(ctx context.Context, job *AutomationJob) error
	DeleteJob(ctx context.Context, id int64) (bool, error)
}

// ViolatorMerge receives the stored record (nil on first violation) and returns the record to persist.
type ViolatorMerge func(current *GlobalViolator) *GlobalViolator

type ViolatorStore interface {
	UpsertViolator(ctx context.Context, userID int64, merge ViolatorMerge) (*GlobalViolator, error)
	GetViolator(ctx context.Context, userID int64) (*GlobalViolator, error)
	DeleteViolator(ctx context.Context, userID int64) (bool, error)
	ListViolators(ctx context.Context, limit int) ([]*GlobalViolator, error)
	DeleteExpiredViolators(ctx context.Context, now time.Time) (int64, error)
	ClearViolators(ctx context.Context) (int64, error)
}

type WarnStore interface {
	AddWarn(ctx context.Context, chatID, userID int64, at time.Time) (int, error)
	CountWarns(ctx context.Context, chatID, userID int64) (int, error)
	RemoveLatestWarn(ctx context.Context, chatID, userID int64) (bool, error)
	ResetWarns(ctx context.Context, chatID, userID int64) error
}

type AuditStore interface {
	AddAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, chatID int64, limit int) ([]*AuditEntry, error)
}

type Client interface {
	SettingsStore
	RuleStore
	JobStore
	ViolatorStore
	WarnStore
	AuditStore
	Close() error
}
