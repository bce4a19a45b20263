package flood

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/state"
)

type Strike int

const (
	StrikeWarn Strike = iota
	StrikeMute
	StrikeBan
)

func (s Strike) Action() db.Action {
	switch s {
	case StrikeWarn:
		return db.ActionWarn
	case StrikeMute:
		return db.ActionMute
	default:
		return db.ActionBan
	}
}

type Verdict struct {
	Tripped bool
	Strike  Strike
	Count   int
}

type strikeCounter struct {
	mu    sync.Mutex
	level Strike
}

// Limiter detects message floods per (chat, user) and escalates repeated trips
// warn, mute, ban. A ban restarts the ladder at warn.
type Limiter struct {
	windows state.WindowStore
	strikes *xsync.Map[string, *strikeCounter]
}

func NewLimiter(windows state.WindowStore) *Limiter {
	return &Limiter{
		windows: windows,
		strikes: xsync.NewMap[string, *strikeCounter](),
	}
}

// RecordAndCheck appends now to the (chat, user) window and reports whether the
// window length reached the threshold.
func (l *Limiter) RecordAndCheck(ctx context.Context, chatID, userID int64, now time.Time, cfg db.AntispamSettings) (bool, error) {
	count, err := l.windows.Hit(ctx, state.Key("flood", chatID, userID), now, cfg.Window())
	if err != nil {
		return false, err
	}
	return count >= cfg.Threshold, nil
}

// Check records the message and, on trip, returns the strike to apply. The window is
// cleared on every trip.
func (l *Limiter) Check(ctx context.Context, chatID, userID int64, now time.Time, cfg db.AntispamSettings) (Verdict, error) {
	key := state.Key("flood", chatID, userID)
	count, err := l.windows.Hit(ctx, key, now, cfg.Window())
	if err != nil {
		return Verdict{}, err
	}
	if count < cfg.Threshold {
		return Verdict{Count: count}, nil
	}

	counter, _ := l.strikes.LoadOrCompute(key, func() (*strikeCounter, bool) {
		return &strikeCounter{}, false
	})
	counter.mu.Lock()
	strike := counter.level
	if strike >= StrikeBan {
		counter.level = StrikeWarn
	} else {
		counter.level++
	}
	counter.mu.Unlock()

	if err := l.windows.Reset(ctx, key); err != nil {
		return Verdict{Tripped: true, Strike: strike, Count: count}, err
	}
	return Verdict{Tripped: true, Strike: strike, Count: count}, nil
}
