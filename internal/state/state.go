// Package state keeps the soft, process-lifetime counters used by the policy engines:
// sliding windows of hit timestamps keyed by chat/user/rule.
package state

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// WindowStore records hits into per-key sliding windows.
type WindowStore interface {
	// Hit appends now to the window of key, drops entries older than window
	// (strictly: now - t > window) and returns the number of retained entries.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	// Reset empties the window of key.
	Reset(ctx context.Context, key string) error
}

// Key joins key parts into a stable window key, e.g. Key("flood", chatID, userID).
func Key(scope string, ids ...int64) string {
	var b strings.Builder
	b.WriteString(scope)
	for _, id := range ids {
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}
