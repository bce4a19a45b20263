package telegram

import (
	"context"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/iamwavecut/ngguard/internal/automation"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/handlers/moderation"
	"github.com/iamwavecut/ngguard/internal/observability"
)

var (
	_ moderation.ChatGateway = (*Operations)(nil)
	_ automation.ChatGateway = (*Operations)(nil)
)

// Operations is the chat gateway over the Bot API. Every call waits on a shared
// rate limiter; failures are counted and rights errors map to ErrNoPrivileges.
type Operations struct {
	bot     *api.BotAPI
	limiter *rate.Limiter
}

// NewOperations paces outbound calls to perSecond. Zero disables pacing.
func NewOperations(bot *api.BotAPI, perSecond int) *Operations {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return &Operations{bot: bot, limiter: limiter}
}

func (o *Operations) getLogEntry() *log.Entry {
	return log.WithField("object", "TelegramOperations")
}

func (o *Operations) request(ctx context.Context, op string, c api.Chattable) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := o.bot.Request(c); err != nil {
		return o.fail(op, err)
	}
	return nil
}

func (o *Operations) send(ctx context.Context, op string, c api.Chattable) (int, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	msg, err := o.bot.Send(c)
	if err != nil {
		return 0, o.fail(op, err)
	}
	return msg.MessageID, nil
}

func (o *Operations) call(ctx context.Context, op, endpoint string, params api.Params) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := o.bot.MakeRequest(endpoint, params); err != nil {
		return o.fail(op, err)
	}
	return nil
}

func (o *Operations) fail(op string, err error) error {
	observability.RecordGatewayError(op)
	err = ngerrors.WithPrivilegeError(err, op)
	if ngerrors.IsPrivilege(err) {
		o.getLogEntry().WithFields(log.Fields{
			"method": op,
			"error":  err.Error(),
		}).Warn("missing rights")
	}
	return err
}

func untilUnix(until time.Time) int64 {
	if until.IsZero() {
		return 0
	}
	return until.Unix()
}

func (o *Operations) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return o.request(ctx, "delete_message", api.NewDeleteMessage(chatID, messageID))
}

// RestrictMember mutes (canSend false) or lifts every send restriction until the given time.
func (o *Operations) RestrictMember(ctx context.Context, chatID, userID int64, canSend bool, until time.Time) error {
	permissions := &api.ChatPermissions{}
	if canSend {
		permissions = fullPermissions()
	}
	return o.request(ctx, "restrict_member", api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		Permissions: permissions,
		UntilDate:   untilUnix(until),

		UseIndependentChatPermissions: true,
	})
}

// RestoreMember gives userID the chat's default permissions back.
func (o *Operations) RestoreMember(ctx context.Context, chatID, userID int64) error {
	permissions := fullPermissions()
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	chat, err := o.bot.GetChat(api.ChatInfoConfig{
		ChatConfig: api.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		o.getLogEntry().WithFields(log.Fields{
			"method":  "RestoreMember",
			"chat_id": chatID,
			"error":   err.Error(),
		}).Warn("failed to read chat defaults, restoring full permissions")
	} else if chat.Permissions != nil {
		permissions = chat.Permissions
	}
	return o.request(ctx, "restore_member", api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		Permissions: permissions,
	})
}

func (o *Operations) BanMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	return o.request(ctx, "ban_member", api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		UntilDate:      untilUnix(until),
		RevokeMessages: true,
	})
}

func (o *Operations) UnbanMember(ctx context.Context, chatID, userID int64, onlyIfBanned bool) error {
	return o.request(ctx, "unban_member", api.UnbanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		OnlyIfBanned: onlyIfBanned,
	})
}

func (o *Operations) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	msg := api.NewMessage(chatID, text)
	msg.LinkPreviewOptions.IsDisabled = true
	return o.send(ctx, "send_message", msg)
}

func (o *Operations) ReplyMessage(ctx context.Context, chatID int64, replyTo int, text string) (int, error) {
	msg := api.NewMessage(chatID, text)
	msg.ReplyParameters.MessageID = replyTo
	msg.ReplyParameters.ChatID = chatID
	msg.ReplyParameters.AllowSendingWithoutReply = true
	msg.LinkPreviewOptions.IsDisabled = true
	return o.send(ctx, "reply_message", msg)
}

// CopyMessage copies messageID from fromChatID into chatID and returns the new message id.
func (o *Operations) CopyMessage(ctx context.Context, chatID, fromChatID int64, messageID int) (int, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	copied, err := o.bot.CopyMessage(api.NewCopyMessage(chatID, fromChatID, messageID))
	if err != nil {
		return 0, o.fail("copy_message", err)
	}
	return copied.MessageID, nil
}

func (o *Operations) PinMessage(ctx context.Context, chatID int64, messageID int, silent bool) error {
	params := api.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	params.AddBool("disable_notification", silent)
	return o.call(ctx, "pin_message", "pinChatMessage", params)
}

func (o *Operations) UnpinMessage(ctx context.Context, chatID int64, messageID int) error {
	params := api.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	return o.call(ctx, "unpin_message", "unpinChatMessage", params)
}

func (o *Operations) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	return o.request(ctx, "approve_join_request", api.ApproveChatJoinRequestConfig{
		ChatConfig: api.ChatConfig{ChatID: chatID},
		UserID:     userID,
	})
}

func (o *Operations) DeclineJoinRequest(ctx context.Context, chatID, userID int64) error {
	return o.request(ctx, "decline_join_request", api.DeclineChatJoinRequest{
		ChatConfig: api.ChatConfig{ChatID: chatID},
		UserID:     userID,
	})
}

func fullPermissions() *api.ChatPermissions {
	return &api.ChatPermissions{
		CanSendMessages:       true,
		CanSendAudios:         true,
		CanSendDocuments:      true,
		CanSendPhotos:         true,
		CanSendVideos:         true,
		CanSendVideoNotes:     true,
		CanSendVoiceNotes:     true,
		CanSendPolls:          true,
		CanSendOtherMessages:  true,
		CanAddWebPagePreviews: true,
		CanInviteUsers:        true,
	}
}

// GetMember returns userID's membership in chatID.
func (o *Operations) GetMember(ctx context.Context, chatID, userID int64) (*api.ChatMember, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	member, err := o.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
	})
	if err != nil {
		return nil, o.fail("get_member", err)
	}
	return &member, nil
}
