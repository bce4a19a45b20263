package handlers

import (
	"context"
	"strconv"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/bot"
	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/handlers/moderation"
	"github.com/iamwavecut/ngguard/internal/policy/permissions"
)

const (
	roleCacheSize    = 4096
	roleCacheTTL     = 20 * time.Second
	resultsCacheSize = 1000
	resultsCacheTTL  = time.Hour
)

type messagePipeline interface {
	Process(ctx context.Context, msg *moderation.Message) *moderation.ProcessingResult
}

type joinEnforcer interface {
	OnJoin(ctx context.Context, ev moderation.JoinEvent) error
	OnJoinRequest(ctx context.Context, req moderation.JoinRequest) (bool, error)
}

type manualModerator interface {
	Warn(ctx context.Context, chatID, actorID, userID int64, now time.Time) (moderation.WarnResult, error)
	Unwarn(ctx context.Context, chatID, actorID, userID int64, now time.Time) (bool, error)
	Mute(ctx context.Context, chatID, actorID, userID int64, d time.Duration, now time.Time) (time.Time, error)
	Unmute(ctx context.Context, chatID, actorID, userID int64, now time.Time) error
	Ban(ctx context.Context, chatID, actorID, userID int64, d time.Duration, now time.Time) (time.Time, error)
	Unban(ctx context.Context, chatID, actorID, userID int64, onlyIfBanned bool, now time.Time) error
}

type jobManager interface {
	Create(ctx context.Context, job *db.AutomationJob) (*db.AutomationJob, error)
	Get(ctx context.Context, id int64) (*db.AutomationJob, error)
	List(ctx context.Context, chatID int64) ([]*db.AutomationJob, error)
	Toggle(ctx context.Context, id int64) (*db.AutomationJob, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

type ruleManager interface {
	Rules(ctx context.Context, chatID int64) ([]*db.ContentRule, error)
	AddRule(ctx context.Context, rule *db.ContentRule) (*db.ContentRule, error)
	DeleteRule(ctx context.Context, chatID, ruleID int64) (bool, error)
}

type antispamManager interface {
	Antispam(ctx context.Context, chatID int64) db.AntispamSettings
	ApplyPreset(ctx context.Context, chatID int64, name string) (db.AntispamSettings, error)
}

type guardGateway interface {
	ReplyMessage(ctx context.Context, chatID int64, replyTo int, text string) (int, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	GetMember(ctx context.Context, chatID, userID int64) (*api.ChatMember, error)
}

// Guard turns Telegram updates into moderation input and serves the admin commands.
type Guard struct {
	gateway   guardGateway
	pipeline  messagePipeline
	violators joinEnforcer
	moderator manualModerator
	jobs      jobManager
	rules     ruleManager
	antispam  antispamManager
	roles     *expirable.LRU[string, permissions.Role]
	results   *expirable.LRU[string, *moderation.ProcessingResult]
	now       func() time.Time
}

func NewGuard(
	gateway guardGateway,
	pipeline messagePipeline,
	violators joinEnforcer,
	moderator manualModerator,
	jobs jobManager,
	rules ruleManager,
	antispam antispamManager,
) *Guard {
	g := &Guard{
		gateway:   gateway,
		pipeline:  pipeline,
		violators: violators,
		moderator: moderator,
		jobs:      jobs,
		rules:     rules,
		antispam:  antispam,
		roles:     expirable.NewLRU[string, permissions.Role](roleCacheSize, nil, roleCacheTTL),
		results:   expirable.NewLRU[string, *moderation.ProcessingResult](resultsCacheSize, nil, resultsCacheTTL),
		now:       time.Now,
	}
	g.getLogEntry().Debug("created new guard")
	return g
}

func (g *Guard) getLogEntry() *log.Entry {
	return log.WithField("object", "Guard")
}

func (g *Guard) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	switch {
	case u.ChatJoinRequest != nil:
		return false, g.handleJoinRequest(ctx, u.ChatJoinRequest)
	case u.ChatMember != nil:
		return false, g.handleMemberUpdate(ctx, u.ChatMember)
	}

	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || chat == nil || user == nil || !isGroup(chat) {
		return true, nil
	}
	if len(msg.NewChatMembers) > 0 {
		return false, g.handleNewMembers(ctx, msg, chat)
	}
	if msg.IsAutomaticForward || msg.SenderChat != nil {
		return true, nil
	}

	if u.Message != nil && msg.IsCommand() {
		handled, err := g.handleCommand(ctx, msg, chat, user)
		if handled {
			return false, err
		}
	}

	result := g.pipeline.Process(ctx, ToMessage(msg))
	if result != nil {
		g.results.Add(resultKey(chat.ID, msg.MessageID), result)
	}
	return !result.Decided(), nil
}

func (g *Guard) handleJoinRequest(ctx context.Context, req *api.ChatJoinRequest) error {
	handled, err := g.violators.OnJoinRequest(ctx, moderation.JoinRequest{
		ChatID:    req.Chat.ID,
		UserID:    req.From.ID,
		UserName:  bot.GetFullName(&req.From),
		Timestamp: time.Unix(int64(req.Date), 0),
	})
	if handled {
		g.getLogEntry().WithFields(log.Fields{
			"method":  "handleJoinRequest",
			"chat_id": req.Chat.ID,
			"user_id": req.From.ID,
		}).Debug("join request handled by violator enforcement")
	}
	return err
}

func (g *Guard) handleMemberUpdate(ctx context.Context, upd *api.ChatMemberUpdated) error {
	ev, ok := ToJoinEvent(upd)
	if !ok {
		return nil
	}
	g.roles.Remove(memberKey(ev.ChatID, ev.UserID))
	if upd.NewChatMember.User != nil && upd.NewChatMember.User.IsBot {
		return nil
	}
	return g.violators.OnJoin(ctx, ev)
}

func (g *Guard) handleNewMembers(ctx context.Context, msg *api.Message, chat *api.Chat) error {
	for i := range msg.NewChatMembers {
		member := &msg.NewChatMembers[i]
		if member.IsBot {
			continue
		}
		if err := g.violators.OnJoin(ctx, moderation.JoinEvent{
			ChatID:    chat.ID,
			UserID:    member.ID,
			UserName:  bot.GetFullName(member),
			Event:     moderation.MemberJoined,
			Timestamp: time.Unix(int64(msg.Date), 0),
		}); err != nil {
			return err
		}
	}
	return nil
}

// role returns what userID may do in chatID. Lookups are cached briefly.
func (g *Guard) role(ctx context.Context, chatID, userID int64) permissions.Role {
	key := memberKey(chatID, userID)
	if cached, ok := g.roles.Get(key); ok {
		return cached
	}
	member, err := g.gateway.GetMember(ctx, chatID, userID)
	if err != nil {
		g.getLogEntry().WithFields(log.Fields{
			"method":  "role",
			"chat_id": chatID,
			"user_id": userID,
			"error":   err.Error(),
		}).Warn("failed to get chat member")
		return permissions.RoleMember
	}
	role := permissions.RoleOf(member)
	g.roles.Add(key, role)
	return role
}

// ToMessage reduces a Telegram message to moderation input.
func ToMessage(msg *api.Message) *moderation.Message {
	m := &moderation.Message{
		ChatID:       msg.Chat.ID,
		ChatUsername: msg.Chat.UserName,
		MessageID:    msg.MessageID,
		Text:         bot.MessageText(msg),
		IsForwarded:  msg.ForwardOrigin != nil,
		MediaKind:    mediaKind(msg),
		Timestamp:    time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		m.UserID = msg.From.ID
		m.SenderUsername = msg.From.UserName
		m.SenderName = bot.GetFullName(msg.From)
	}
	return m
}

// ToJoinEvent classifies a membership change. Only transitions into or out of the chat
// and admin promotions are reported.
func ToJoinEvent(upd *api.ChatMemberUpdated) (moderation.JoinEvent, bool) {
	if upd == nil || upd.NewChatMember.User == nil {
		return moderation.JoinEvent{}, false
	}
	ev := moderation.JoinEvent{
		ChatID:    upd.Chat.ID,
		UserID:    upd.NewChatMember.User.ID,
		UserName:  bot.GetFullName(upd.NewChatMember.User),
		Timestamp: time.Unix(int64(upd.Date), 0),
	}
	wasIn := isPresent(upd.OldChatMember)
	isIn := isPresent(upd.NewChatMember)
	switch {
	case !wasIn && isIn:
		ev.Event = moderation.MemberJoined
	case wasIn && !isIn:
		ev.Event = moderation.MemberLeft
	case !upd.OldChatMember.IsAdministrator() && upd.NewChatMember.IsAdministrator():
		ev.Event = moderation.MemberPromoted
	case upd.OldChatMember.IsAdministrator() && !upd.NewChatMember.IsAdministrator():
		ev.Event = moderation.MemberDemoted
	default:
		return moderation.JoinEvent{}, false
	}
	return ev, true
}

func isPresent(member api.ChatMember) bool {
	switch member.Status {
	case "left", "kicked", "":
		return false
	case "restricted":
		return member.IsMember
	}
	return true
}

func mediaKind(msg *api.Message) string {
	switch t := bot.GetMessageType(msg); t {
	case bot.MessageTypePhoto, bot.MessageTypeVideo, bot.MessageTypeAnimation, bot.MessageTypeDocument,
		bot.MessageTypeSticker, bot.MessageTypeVoice, bot.MessageTypeAudio, bot.MessageTypeVideoNote:
		return string(t)
	}
	return ""
}

func isGroup(chat *api.Chat) bool {
	return chat.Type == "group" || chat.Type == "supergroup"
}

func memberKey(chatID, userID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(userID, 10)
}

func resultKey(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}
