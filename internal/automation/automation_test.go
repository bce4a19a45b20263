package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

type jobStoreStub struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]db.AutomationJob
}

func newJobStoreStub() *jobStoreStub {
	return &jobStoreStub{jobs: map[int64]db.AutomationJob{}}
}

func (s *jobStoreStub) CreateJob(_ context.Context, job *db.AutomationJob) (*db.AutomationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	s.jobs[job.ID] = *job
	out := *job
	return &out, nil
}

func (s *jobStoreStub) GetJob(_ context.Context, id int64) (*db.AutomationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (s *jobStoreStub) ListJobs(_ context.Context) ([]*db.AutomationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.AutomationJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		job := job
		out = append(out, &job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *jobStoreStub) ListJobsByChat(ctx context.Context, chatID int64) ([]*db.AutomationJob, error) {
	all, _ := s.ListJobs(ctx)
	var out []*db.AutomationJob
	for _, job := range all {
		if job.ChatID == chatID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *jobStoreStub) UpdateJob(_ context.Context, job *db.AutomationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return nil
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *jobStoreStub) DeleteJob(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok, nil
}

func (s *jobStoreStub) get(id int64) (db.AutomationJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

type gatewayStub struct {
	mu     sync.Mutex
	calls  []string
	nextID int
	events chan string
	fail   error
}

func newGatewayStub() *gatewayStub {
	return &gatewayStub{events: make(chan string, 64)}
}

func (g *gatewayStub) add(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
	g.events <- call
}

func (g *gatewayStub) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *gatewayStub) SendMessage(_ context.Context, chatID int64, text string) (int, error) {
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.mu.Unlock()
	g.add(fmt.Sprintf("send:%d:%s", chatID, text))
	return id, g.fail
}

func (g *gatewayStub) CopyMessage(_ context.Context, chatID, fromChatID int64, messageID int) (int, error) {
	g.add(fmt.Sprintf("copy:%d:%d:%d", chatID, fromChatID, messageID))
	return 0, g.fail
}

func (g *gatewayStub) PinMessage(_ context.Context, chatID int64, messageID int, silent bool) error {
	g.add(fmt.Sprintf("pin:%d:%d:%t", chatID, messageID, silent))
	return g.fail
}

func (g *gatewayStub) UnpinMessage(_ context.Context, chatID int64, messageID int) error {
	g.add(fmt.Sprintf("unpin:%d:%d", chatID, messageID))
	return g.fail
}

func (g *gatewayStub) RestoreMember(_ context.Context, chatID, userID int64) error {
	g.add(fmt.Sprintf("restore:%d:%d", chatID, userID))
	return g.fail
}

func (g *gatewayStub) UnbanMember(_ context.Context, chatID, userID int64, onlyIfBanned bool) error {
	g.add(fmt.Sprintf("unban:%d:%d:%t", chatID, userID, onlyIfBanned))
	return g.fail
}

func waitEvent(t *testing.T, events <-chan string) string {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for gateway call")
		return ""
	}
}

func expectQuiet(t *testing.T, events <-chan string, d time.Duration) {
	t.Helper()
	select {
	case e := <-events:
		t.Fatalf("unexpected gateway call %q", e)
	case <-time.After(d):
	}
}

type serviceFixture struct {
	store     *jobStoreStub
	gateway   *gatewayStub
	scheduler *Scheduler
	service   *Service
	now       time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:     newJobStoreStub(),
		gateway:   newGatewayStub(),
		scheduler: NewScheduler(),
		now:       time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := f.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() { _ = f.scheduler.Stop(context.Background()) })
	f.service = NewService(f.store, f.gateway, f.scheduler, nil, 0)
	f.service.now = func() time.Time { return f.now }
	return f
}

func TestSchedulerRunOnceAndCancel(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	if s.RunOnce(0, JobName{Kind: db.JobKindAnnounce, ID: 1}, func(context.Context) {}) {
		t.Fatalf("scheduling before start must fail")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	fired := make(chan JobName, 4)
	first := JobName{Kind: db.JobKindAnnounce, ID: 1}
	second := JobName{Kind: db.JobKindAnnounce, ID: 2}
	s.RunOnce(10*time.Millisecond, first, func(context.Context) { fired <- first })
	s.RunOnce(time.Hour, second, func(context.Context) { fired <- second })

	select {
	case got := <-fired:
		if got != first {
			t.Fatalf("unexpected fire %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("one-shot did not fire")
	}

	if !s.Cancel(second) {
		t.Fatalf("expected pending timer to be canceled")
	}
	if s.Cancel(second) {
		t.Fatalf("second cancel must report false")
	}
	if s.Len() != 0 {
		t.Fatalf("expected no timers left, got %d", s.Len())
	}
}

func TestSchedulerReplaceAndRepeat(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	name := JobName{Kind: db.JobKindRotatePin, ID: 9}
	var replaced, repeated atomic.Int32
	s.RunOnce(50*time.Millisecond, name, func(context.Context) { replaced.Add(1) })
	s.RunRepeating(10*time.Millisecond, 0, name, func(context.Context) { repeated.Add(1) })

	deadline := time.Now().Add(2 * time.Second)
	for repeated.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if repeated.Load() < 3 {
		t.Fatalf("repeating timer fired %d times", repeated.Load())
	}
	if replaced.Load() != 0 {
		t.Fatalf("replaced timer must not fire")
	}
	if name.String() != "rotate_pin:9" {
		t.Fatalf("unexpected name %q", name.String())
	}
}

func TestRearmAfterRestart(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	interval := time.Hour
	stored, _ := f.store.CreateJob(context.Background(), &db.AutomationJob{
		ChatID:      -100,
		Kind:        db.JobKindAnnounce,
		Payload:     db.JobPayload{Text: "daily"},
		RunAt:       f.now.Add(-2 * interval),
		IntervalSec: int64(interval / time.Second),
	})

	n, err := f.service.LoadAll(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("load all: %d %v", n, err)
	}
	if got := waitEvent(t, f.gateway.events); got != "send:-100:daily" {
		t.Fatalf("unexpected call %q", got)
	}
	expectQuiet(t, f.gateway.events, 100*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, _ := f.store.get(stored.ID)
		if job.RunAt.Equal(f.now.Add(interval)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run_at = %v, want now + interval", job.RunAt)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !f.scheduler.Scheduled(JobName{Kind: db.JobKindAnnounce, ID: stored.ID}) {
		t.Fatalf("repeating job must stay armed")
	}
}

func TestRunPausedRepeatingOnlyAdvances(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	job, _ := f.store.CreateJob(context.Background(), &db.AutomationJob{
		ChatID:      -100,
		Kind:        db.JobKindAnnounce,
		Payload:     db.JobPayload{Text: "hi"},
		RunAt:       f.now,
		IntervalSec: 600,
		Paused:      true,
	})

	if err := f.service.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.gateway.Calls()) != 0 {
		t.Fatalf("paused job must not act: %v", f.gateway.Calls())
	}
	stored, _ := f.store.get(job.ID)
	if !stored.RunAt.Equal(f.now.Add(10 * time.Minute)) {
		t.Fatalf("run_at = %v", stored.RunAt)
	}
}

func TestRunOneShotDeletesAndCancels(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	job, err := f.service.Create(context.Background(), &db.AutomationJob{
		ChatID:  -100,
		Kind:    db.JobKindTimedUnban,
		Payload: db.JobPayload{UserID: 42},
		RunAt:   f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	name := JobName{Kind: db.JobKindTimedUnban, ID: job.ID}
	if !f.scheduler.Scheduled(name) {
		t.Fatalf("created job must be armed")
	}

	if err := f.service.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := f.gateway.Calls(); len(got) != 1 || got[0] != "unban:-100:42:true" {
		t.Fatalf("calls = %v", got)
	}
	if _, ok := f.store.get(job.ID); ok {
		t.Fatalf("one-shot row must be deleted")
	}
	if f.scheduler.Scheduled(name) {
		t.Fatalf("one-shot timer must be canceled")
	}

	if err := f.service.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("missing row must be a no-op: %v", err)
	}
	if len(f.gateway.Calls()) != 1 {
		t.Fatalf("missing row must not act")
	}
}

func TestRunEffectFailureStillReschedules(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	f.gateway.fail = errors.New("not enough rights")
	job, _ := f.store.CreateJob(context.Background(), &db.AutomationJob{
		ChatID:      -100,
		Kind:        db.JobKindTimedUnmute,
		Payload:     db.JobPayload{UserID: 7},
		RunAt:       f.now,
		IntervalSec: 60,
	})
	if err := f.service.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	stored, _ := f.store.get(job.ID)
	if !stored.RunAt.Equal(f.now.Add(time.Minute)) {
		t.Fatalf("run_at = %v", stored.RunAt)
	}
}

func TestRotatePin(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	job, _ := f.store.CreateJob(context.Background(), &db.AutomationJob{
		ChatID:      -100,
		Kind:        db.JobKindRotatePin,
		Payload:     db.JobPayload{Text: "rules"},
		RunAt:       f.now,
		IntervalSec: 3600,
	})

	for i := 0; i < 2; i++ {
		if err := f.service.Run(context.Background(), job.ID); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	want := []string{
		"send:-100:rules", "pin:-100:1:true",
		"send:-100:rules", "pin:-100:2:true", "unpin:-100:1",
	}
	got := f.gateway.Calls()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	stored, _ := f.store.get(job.ID)
	if stored.Payload.LastPinned != 2 {
		t.Fatalf("last pinned = %d", stored.Payload.LastPinned)
	}
}

func TestRotatePinKeepsPreviousWhenAsked(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	keep := false
	job, _ := f.store.CreateJob(context.Background(), &db.AutomationJob{
		ChatID:      -100,
		Kind:        db.JobKindRotatePin,
		Payload:     db.JobPayload{Text: "rules", UnpinPrevious: &keep, LastPinned: 5},
		RunAt:       f.now,
		IntervalSec: 3600,
	})
	if err := f.service.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, call := range f.gateway.Calls() {
		if call == "unpin:-100:5" {
			t.Fatalf("previous pin must stay")
		}
	}
}

func TestNotifyFiresOnce(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	job, _ := f.store.CreateJob(context.Background(), &db.AutomationJob{
		ChatID: -100,
		Kind:   db.JobKindAnnounce,
		Payload: db.JobPayload{
			Copy:   &db.CopySource{ChatID: -300, MessageID: 11},
			Notify: &db.JobNotify{ChatID: 555, Text: "done"},
		},
		RunAt:       f.now,
		IntervalSec: 60,
	})

	for i := 0; i < 2; i++ {
		if err := f.service.Run(context.Background(), job.ID); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	want := []string{"copy:-100:-300:11", "send:555:done", "copy:-100:-300:11"}
	if got := f.gateway.Calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	stored, _ := f.store.get(job.ID)
	if stored.Payload.Notify != nil {
		t.Fatalf("notify must be stripped after firing")
	}
}

func TestDeleteCancelsTimer(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	f.service.now = time.Now
	job, err := f.service.Create(context.Background(), &db.AutomationJob{
		ChatID:  -100,
		Kind:    db.JobKindAnnounce,
		Payload: db.JobPayload{Text: "later"},
		RunAt:   time.Now().Add(50 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	deleted, err := f.service.Delete(context.Background(), job.ID)
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	expectQuiet(t, f.gateway.events, 150*time.Millisecond)

	if deleted, _ := f.service.Delete(context.Background(), job.ID); deleted {
		t.Fatalf("unknown job must report false")
	}
}

func TestToggle(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	job, _ := f.store.CreateJob(context.Background(), &db.AutomationJob{
		ChatID: -100, Kind: db.JobKindAnnounce, Payload: db.JobPayload{Text: "x"}, RunAt: f.now.Add(time.Hour),
	})
	toggled, err := f.service.Toggle(context.Background(), job.ID)
	if err != nil || !toggled.Paused {
		t.Fatalf("toggle: %+v %v", toggled, err)
	}
	toggled, _ = f.service.Toggle(context.Background(), job.ID)
	if toggled.Paused {
		t.Fatalf("second toggle must resume")
	}
	if _, err := f.service.Toggle(context.Background(), 999); !errors.Is(err, ngerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestValidateJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		job  db.AutomationJob
		ok   bool
	}{
		{name: "announce text", job: db.AutomationJob{ChatID: 1, Kind: db.JobKindAnnounce, Payload: db.JobPayload{Text: "a"}}, ok: true},
		{name: "announce copy", job: db.AutomationJob{ChatID: 1, Kind: db.JobKindAnnounce, Payload: db.JobPayload{Copy: &db.CopySource{ChatID: 2, MessageID: 3}}}, ok: true},
		{name: "announce empty", job: db.AutomationJob{ChatID: 1, Kind: db.JobKindAnnounce}},
		{name: "unknown kind", job: db.AutomationJob{ChatID: 1, Kind: "dance", Payload: db.JobPayload{Text: "a"}}},
		{name: "unmute without user", job: db.AutomationJob{ChatID: 1, Kind: db.JobKindTimedUnmute}},
		{name: "negative interval", job: db.AutomationJob{ChatID: 1, Kind: db.JobKindRotatePin, Payload: db.JobPayload{Text: "a"}, IntervalSec: -1}},
		{name: "no chat", job: db.AutomationJob{Kind: db.JobKindTimedUnban, Payload: db.JobPayload{UserID: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			job := tt.job
			err := ValidateJob(&job)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ngerrors.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

type cleanerStub struct {
	calls atomic.Int32
}

func (c *cleanerStub) CleanupExpired(context.Context, time.Time) (int64, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestServiceStartRegistersCleanup(t *testing.T) {
	t.Parallel()

	scheduler := NewScheduler()
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	defer func() { _ = scheduler.Stop(context.Background()) }()

	cleaner := &cleanerStub{}
	svc := NewService(newJobStoreStub(), newGatewayStub(), scheduler, cleaner, 10*time.Millisecond)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for cleaner.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cleaner.calls.Load() < 2 {
		t.Fatalf("cleanup ran %d times", cleaner.calls.Load())
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if scheduler.Scheduled(JobName{Kind: KindCleanup}) {
		t.Fatalf("cleanup timer must be canceled on stop")
	}
}
