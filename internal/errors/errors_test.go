package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWithPrivilegeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantPrivilege bool
	}{
		{
			name:          "rights failure",
			err:           errors.New("Bad Request: not enough rights to restrict/unrestrict chat member"),
			wantPrivilege: true,
		},
		{
			name:          "admin required",
			err:           errors.New("Bad Request: CHAT_ADMIN_REQUIRED"),
			wantPrivilege: true,
		},
		{
			name:          "other failure",
			err:           errors.New("Bad Request: message to delete not found"),
			wantPrivilege: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := WithPrivilegeError(tt.err, "restrict")
			if IsPrivilege(got) != tt.wantPrivilege {
				t.Fatalf("IsPrivilege(%v) = %v, want %v", got, !tt.wantPrivilege, tt.wantPrivilege)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("expected wrapped error to keep cause %v", tt.err)
			}
		})
	}

	if WithPrivilegeError(nil, "ban") != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestIsCanceled(t *testing.T) {
	t.Parallel()

	if !IsCanceled(fmt.Errorf("wrapped: %w", context.Canceled)) {
		t.Fatalf("expected wrapped context.Canceled to be recognised")
	}
	if IsCanceled(errors.New("boom")) {
		t.Fatalf("unexpected cancel for plain error")
	}
}
