package bot

import (
	"context"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	UpdateTimeout = 5 * time.Minute
)

type (
	UpdateProcessor struct {
		updateHandlers []Handler
		now            func() time.Time
	}

	MessageType string
)

const (
	MessageTypeText      MessageType = "text"
	MessageTypeAnimation MessageType = "animation"
	MessageTypeAudio     MessageType = "audio"
	MessageTypeContact   MessageType = "contact"
	MessageTypeDice      MessageType = "dice"
	MessageTypeDocument  MessageType = "document"
	MessageTypeLocation  MessageType = "location"
	MessageTypePhoto     MessageType = "photo"
	MessageTypePoll      MessageType = "poll"
	MessageTypeSticker   MessageType = "sticker"
	MessageTypeStory     MessageType = "story"
	MessageTypeVenue     MessageType = "venue"
	MessageTypeVideo     MessageType = "video"
	MessageTypeVideoNote MessageType = "video_note"
	MessageTypeVoice     MessageType = "voice"
)

func NewUpdateProcessor(handlers ...Handler) *UpdateProcessor {
	enabled := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		if h == nil {
			log.Warn("skipping nil update handler")
			continue
		}
		enabled = append(enabled, h)
	}
	return &UpdateProcessor{
		updateHandlers: enabled,
		now:            time.Now,
	}
}

// Process runs u through the handler chain. Updates older than UpdateTimeout are dropped.
func (up *UpdateProcessor) Process(ctx context.Context, u *api.Update) error {
	if u == nil {
		return errors.New("update is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	updateTime := UpdateTime(u, up.now())
	if age := up.now().Sub(updateTime); age > UpdateTimeout {
		log.WithFields(log.Fields{
			"update_id":   u.UpdateID,
			"update_time": updateTime,
			"age":         age,
		}).Debug("skipping outdated update")
		return nil
	}

	chat := UpdateChat(u)
	user := UpdateUser(u)

	for _, handler := range up.updateHandlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		proceed, err := handler.Handle(ctx, u, chat, user)
		if err != nil {
			return errors.WithMessage(err, "handling error")
		}
		if !proceed {
			log.Trace("not proceeding")
			return nil
		}
	}
	return nil
}

// UpdateTime returns the platform timestamp of u, or fallback when it carries none.
func UpdateTime(u *api.Update, fallback time.Time) time.Time {
	var date int
	switch {
	case u.Message != nil:
		date = u.Message.Date
	case u.EditedMessage != nil:
		date = u.EditedMessage.Date
	case u.ChatJoinRequest != nil:
		date = u.ChatJoinRequest.Date
	case u.ChatMember != nil:
		date = u.ChatMember.Date
	}
	if date == 0 {
		return fallback
	}
	return time.Unix(int64(date), 0)
}

func UpdateChat(u *api.Update) *api.Chat {
	if chat := u.FromChat(); chat != nil {
		return chat
	}
	switch {
	case u.ChatJoinRequest != nil:
		return &u.ChatJoinRequest.Chat
	case u.MyChatMember != nil:
		return &u.MyChatMember.Chat
	case u.ChatMember != nil:
		return &u.ChatMember.Chat
	}
	return nil
}

func UpdateUser(u *api.Update) *api.User {
	if user := u.SentFrom(); user != nil {
		return user
	}
	switch {
	case u.ChatJoinRequest != nil:
		return &u.ChatJoinRequest.From
	case u.MyChatMember != nil:
		return &u.MyChatMember.From
	case u.ChatMember != nil:
		return &u.ChatMember.From
	}
	return nil
}

// GetUpdatesChans long-polls bot for updates. The error channel receives exactly one
// value before both channels close.
func GetUpdatesChans(ctx context.Context, bot *api.BotAPI, config api.UpdateConfig) (<-chan api.Update, <-chan error) {
	ch := make(chan api.Update, bot.Buffer)
	chErr := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(chErr)
		for {
			if err := ctx.Err(); err != nil {
				chErr <- err
				return
			}
			updates, err := bot.GetUpdates(config)
			if err != nil {
				chErr <- err
				return
			}

			for _, update := range updates {
				if update.UpdateID >= config.Offset {
					config.Offset = update.UpdateID + 1
					select {
					case ch <- update:
					case <-ctx.Done():
						chErr <- ctx.Err()
						return
					}
				}
			}
		}
	}()

	return ch, chErr
}

// PollingSource adapts GetUpdatesChans to an UpdateSource with a long-poll timeout in seconds.
func PollingSource(bot *api.BotAPI, timeout int) UpdateSource {
	return func(ctx context.Context) (<-chan api.Update, <-chan error) {
		config := api.NewUpdate(0)
		config.Timeout = timeout
		config.AllowedUpdates = []string{"message", "edited_message", "chat_member", "chat_join_request"}
		return GetUpdatesChans(ctx, bot, config)
	}
}

func GetUN(user *api.User) string {
	if user == nil {
		return ""
	}
	userName := user.UserName
	if len(userName) == 0 {
		userName = user.FirstName + " " + user.LastName
		userName = strings.TrimSpace(userName)
	}
	return userName
}

func GetFullName(user *api.User) string {
	if user == nil {
		return ""
	}
	fullName := user.FirstName + " " + user.LastName
	fullName = strings.TrimSpace(fullName)
	if len(fullName) == 0 {
		fullName = user.UserName
	}
	return fullName
}

// MessageText joins text and caption, the parts content policies read.
func MessageText(msg *api.Message) string {
	if msg == nil {
		return ""
	}
	return strings.TrimSpace(msg.Text + " " + msg.Caption)
}

func GetMessageType(msg *api.Message) MessageType {
	switch {
	case msg.Animation != nil:
		return MessageTypeAnimation
	case msg.Audio != nil:
		return MessageTypeAudio
	case msg.Contact != nil:
		return MessageTypeContact
	case msg.Dice != nil:
		return MessageTypeDice
	case msg.Document != nil:
		return MessageTypeDocument
	case msg.Location != nil:
		return MessageTypeLocation
	case msg.Photo != nil:
		return MessageTypePhoto
	case msg.Poll != nil:
		return MessageTypePoll
	case msg.Sticker != nil:
		return MessageTypeSticker
	case msg.Story != nil:
		return MessageTypeStory
	case msg.Venue != nil:
		return MessageTypeVenue
	case msg.Video != nil:
		return MessageTypeVideo
	case msg.VideoNote != nil:
		return MessageTypeVideoNote
	case msg.Voice != nil:
		return MessageTypeVoice
	default:
		return MessageTypeText
	}
}
