package bot

import (
	"context"

	api "github.com/OvyFlash/telegram-bot-api"
)

// Handler processes one update. Returning proceed=false stops the handler chain.
type Handler interface {
	Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error)
}

// UpdateSource yields updates until it fails. The error channel carries one value.
type UpdateSource func(ctx context.Context) (<-chan api.Update, <-chan error)

type processor interface {
	Process(ctx context.Context, u *api.Update) error
}
