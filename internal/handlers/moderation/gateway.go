package moderation

import (
	"context"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
)

// ChatGateway is the set of outbound chat operations the policy engine needs.
// A zero until means the restriction has no end date.
type ChatGateway interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	RestrictMember(ctx context.Context, chatID, userID int64, canSend bool, until time.Time) error
	RestoreMember(ctx context.Context, chatID, userID int64) error
	BanMember(ctx context.Context, chatID, userID int64, until time.Time) error
	UnbanMember(ctx context.Context, chatID, userID int64, onlyIfBanned bool) error
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	ReplyMessage(ctx context.Context, chatID int64, replyTo int, text string) (int, error)
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
	DeclineJoinRequest(ctx context.Context, chatID, userID int64) error
}

type settingsSource interface {
	Antispam(ctx context.Context, chatID int64) db.AntispamSettings
	LinkPolicy(ctx context.Context, chatID int64) db.LinkPolicy
	Night(ctx context.Context, chatID int64) db.NightWindow
	Moderation(ctx context.Context, chatID int64) db.ModerationSettings
	Locks(ctx context.Context, chatID int64) db.LockSettings
	GlobalBlacklist(ctx context.Context) db.GlobalBlacklist
}

// Message is an inbound chat message reduced to what moderation looks at.
type Message struct {
	ChatID         int64
	ChatUsername   string
	UserID         int64
	SenderUsername string
	SenderName     string
	MessageID      int
	Text           string
	IsForwarded    bool
	MediaKind      string
	Timestamp      time.Time
}

type MemberEvent string

const (
	MemberJoined   MemberEvent = "joined"
	MemberLeft     MemberEvent = "left"
	MemberPromoted MemberEvent = "promoted"
	MemberDemoted  MemberEvent = "demoted"
)

type JoinEvent struct {
	ChatID    int64
	UserID    int64
	UserName  string
	Event     MemberEvent
	Timestamp time.Time
}

type JoinRequest struct {
	ChatID    int64
	UserID    int64
	UserName  string
	Timestamp time.Time
}
