package policy

import (
	"github.com/iamwavecut/ngguard/internal/db"
)

type Stage string

const (
	StageGlobalViolator Stage = "global_violator"
	StageBlacklist      Stage = "blacklist"
	StageLocks          Stage = "locks"
	StageLinks          Stage = "links"
	StageContentRules   Stage = "content_rules"
	StageFlood          Stage = "flood"
	StageManual         Stage = "manual"
)

// Decision is the action one pipeline stage settled on for a message.
type Decision struct {
	Stage     Stage
	Action    db.Action
	Reason    string
	Matched   string
	RuleID    int64
	ReplyText string
	Escalated bool
	// KeepMessage leaves the triggering message in place. Notices are sent as
	// replies to it and a warn is not recorded.
	KeepMessage bool
}

// Deletes reports whether executing the decision removes the triggering message.
func (d *Decision) Deletes() bool {
	if d == nil || d.KeepMessage {
		return false
	}
	switch d.Action {
	case db.ActionDelete, db.ActionWarn, db.ActionMute, db.ActionBan:
		return true
	case db.ActionReply, db.ActionAllow:
		return false
	}
	return false
}
