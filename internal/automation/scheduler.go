package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/db"
)

const (
	// KindCleanup names the periodic violator cleanup timer.
	KindCleanup db.JobKind = "cleanup"
	// KindSweep names the periodic sweep of idle in-memory windows.
	KindSweep db.JobKind = "sweep"
)

// JobName identifies a timer for cancellation.
type JobName struct {
	Kind db.JobKind
	ID   int64
}

func (n JobName) String() string {
	return fmt.Sprintf("%s:%d", n.Kind, n.ID)
}

type Task func(ctx context.Context)

type timerEntry struct {
	cancel context.CancelFunc
}

// Scheduler runs named one-shot and repeating timers. Registering a name that
// is already scheduled replaces the previous timer.
type Scheduler struct {
	mu      sync.Mutex
	entries map[JobName]*timerEntry

	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
	wg        sync.WaitGroup
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		entries: map[JobName]*timerEntry{},
	}
}

func (s *Scheduler) getLogEntry() *log.Entry {
	return log.WithField("object", "Scheduler")
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.started = true
	return nil
}

// Stop cancels every timer and waits for running tasks to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.runCancel
	s.entries = map[JobName]*timerEntry{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// RunOnce fires task after delay. A non-positive delay fires right away.
func (s *Scheduler) RunOnce(delay time.Duration, name JobName, task Task) bool {
	return s.schedule(name, delay, 0, task)
}

// RunRepeating fires task after firstDelay and then every interval.
func (s *Scheduler) RunRepeating(interval, firstDelay time.Duration, name JobName, task Task) bool {
	if interval <= 0 {
		return s.schedule(name, firstDelay, 0, task)
	}
	return s.schedule(name, firstDelay, interval, task)
}

// Cancel stops the timer registered under name. It reports whether one existed.
func (s *Scheduler) Cancel(name JobName) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

func (s *Scheduler) Scheduled(name JobName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) schedule(name JobName, delay, interval time.Duration, task Task) bool {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.getLogEntry().WithFields(log.Fields{
			"method": "schedule",
			"name":   name.String(),
		}).Warn("scheduler is not running")
		return false
	}
	if prev, ok := s.entries[name]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(s.runCtx)
	e := &timerEntry{cancel: cancel}
	s.entries[name] = e
	s.mu.Unlock()

	if delay < 0 {
		delay = 0
	}

	s.wg.Go(func() {
		defer cancel()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			s.run(ctx, name, task)
			if interval <= 0 {
				s.release(name, e)
				return
			}
			timer.Reset(interval)
		}
	})
	return true
}

func (s *Scheduler) release(name JobName, e *timerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[name] == e {
		delete(s.entries, name)
	}
}

func (s *Scheduler) run(ctx context.Context, name JobName, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.getLogEntry().WithFields(log.Fields{
				"method": "run",
				"name":   name.String(),
				"panic":  r,
			}).Error("task panicked")
		}
	}()
	if ctx.Err() != nil {
		return
	}
	task(ctx)
}
