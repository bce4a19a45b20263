package telegram

import (
	"context"
	"testing"
	"time"
)

func TestUntilUnix(t *testing.T) {
	t.Parallel()

	if got := untilUnix(time.Time{}); got != 0 {
		t.Fatalf("zero until should be 0, got %d", got)
	}
	until := time.Unix(1700000000, 0)
	if got := untilUnix(until); got != 1700000000 {
		t.Fatalf("unexpected unix until: %d", got)
	}
}

func TestFullPermissionsAllowSending(t *testing.T) {
	t.Parallel()

	p := fullPermissions()
	if !p.CanSendMessages || !p.CanSendPhotos || !p.CanSendOtherMessages || !p.CanAddWebPagePreviews {
		t.Fatalf("expected send permissions to be granted: %+v", p)
	}
	if p.CanPinMessages || p.CanChangeInfo {
		t.Fatalf("admin-like permissions must stay off: %+v", p)
	}
}

func TestNewOperationsPacing(t *testing.T) {
	t.Parallel()

	unlimited := NewOperations(nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 100 {
		if err := unlimited.limiter.Wait(ctx); err != nil {
			t.Fatalf("unlimited limiter should not block: %v", err)
		}
	}

	paced := NewOperations(nil, 2)
	if paced.limiter.Burst() != 2 {
		t.Fatalf("expected burst 2, got %d", paced.limiter.Burst())
	}
}
