package state

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const maxWindowEntries = 1024

type window struct {
	mu    sync.Mutex
	times []time.Time
}

// MemoryWindowStore keeps windows in process memory. Each key has its own lock,
// so unrelated chats never contend.
type MemoryWindowStore struct {
	windows *xsync.Map[string, *window]
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		windows: xsync.NewMap[string, *window](),
	}
}

func (s *MemoryWindowStore) Hit(_ context.Context, key string, now time.Time, span time.Duration) (int, error) {
	w, _ := s.windows.LoadOrCompute(key, func() (*window, bool) {
		return &window{}, false
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	// Hits may arrive out of order (edited messages carry their original date),
	// so every entry is checked, not only a leading run.
	kept := w.times[:0]
	for _, t := range w.times {
		if now.Sub(t) <= span {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	if len(w.times) > maxWindowEntries {
		w.times = append(w.times[:0], w.times[len(w.times)-maxWindowEntries:]...)
	}
	return len(w.times), nil
}

func (s *MemoryWindowStore) Reset(_ context.Context, key string) error {
	if w, ok := s.windows.Load(key); ok {
		w.mu.Lock()
		w.times = w.times[:0]
		w.mu.Unlock()
	}
	return nil
}

// Sweep drops windows whose newest entry is older than idle.
func (s *MemoryWindowStore) Sweep(now time.Time, idle time.Duration) int {
	removed := 0
	s.windows.Range(func(key string, w *window) bool {
		w.mu.Lock()
		stale := true
		for _, t := range w.times {
			if now.Sub(t) <= idle {
				stale = false
				break
			}
		}
		w.mu.Unlock()
		if stale {
			s.windows.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (s *MemoryWindowStore) Len() int {
	return s.windows.Size()
}
