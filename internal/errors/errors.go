package errors

import (
	"context"
	"errors"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Common error types
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidConfig = errors.New("invalid config")
	ErrDatabaseError = errors.New("database error")
	ErrNotFound      = errors.New("not found")
	ErrNoPrivileges  = errors.New("no privileges")
	ErrInternal      = errors.New("internal error")
)

var privilegeMarkers = []string{
	"not enough rights",
	"CHAT_ADMIN_REQUIRED",
	"need administrator rights",
}

// WithPrivilegeError tags Bot API rights failures with ErrNoPrivileges.
func WithPrivilegeError(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range privilegeMarkers {
		if strings.Contains(msg, marker) {
			return pkgerrors.WithMessage(errors.Join(ErrNoPrivileges, err), op)
		}
	}
	return pkgerrors.WithMessage(err, op)
}

func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func IsPrivilege(err error) bool {
	return errors.Is(err, ErrNoPrivileges)
}
