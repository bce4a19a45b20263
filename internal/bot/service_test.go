package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
)

type recordingProcessor struct {
	mu      sync.Mutex
	seen    map[int64][]int
	total   int
	done    chan struct{}
	expect  int
	panicOn int
}

func newRecordingProcessor(expect int) *recordingProcessor {
	return &recordingProcessor{
		seen:   make(map[int64][]int),
		done:   make(chan struct{}),
		expect: expect,
	}
}

func (p *recordingProcessor) Process(_ context.Context, u *api.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chat := UpdateChat(u)
	p.seen[chat.ID] = append(p.seen[chat.ID], u.UpdateID)
	p.total++
	if p.total == p.expect {
		close(p.done)
	}
	if u.UpdateID == p.panicOn {
		panic("processor exploded")
	}
	return nil
}

func joinRequest(updateID int, chatID int64) api.Update {
	return api.Update{
		UpdateID: updateID,
		ChatJoinRequest: &api.ChatJoinRequest{
			Chat: api.Chat{ID: chatID},
			From: api.User{ID: int64(updateID)},
		},
	}
}

func staticSource(updates []api.Update) UpdateSource {
	var once sync.Once
	return func(ctx context.Context) (<-chan api.Update, <-chan error) {
		ch := make(chan api.Update, len(updates))
		errs := make(chan error, 1)
		once.Do(func() {
			for _, u := range updates {
				ch <- u
			}
		})
		go func() {
			<-ctx.Done()
			errs <- ctx.Err()
			close(ch)
		}()
		return ch, errs
	}
}

func TestServiceKeepsPerChatOrder(t *testing.T) {
	t.Parallel()

	chats := []int64{-1001, -1002, -1003, -1004}
	var updates []api.Update
	id := 1
	for range 25 {
		for _, chat := range chats {
			updates = append(updates, joinRequest(id, chat))
			id++
		}
	}

	p := newRecordingProcessor(len(updates))
	p.panicOn = 7
	s := NewService(staticSource(updates), p, 3)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d updates", len(updates))
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, chat := range chats {
		ids := p.seen[chat]
		if len(ids) != 25 {
			t.Fatalf("chat %d got %d updates", chat, len(ids))
		}
		for i := 1; i < len(ids); i++ {
			if ids[i] <= ids[i-1] {
				t.Fatalf("chat %d processed out of order: %v", chat, ids)
			}
		}
	}
}

func TestServiceResubscribesAfterSourceError(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	source := func(ctx context.Context) (<-chan api.Update, <-chan error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		ch := make(chan api.Update, 1)
		errs := make(chan error, 1)
		if n == 1 {
			errs <- errors.New("conflict")
			close(ch)
			return ch, errs
		}
		ch <- joinRequest(100, -5)
		go func() {
			<-ctx.Done()
			errs <- ctx.Err()
		}()
		return ch, errs
	}

	p := newRecordingProcessor(1)
	s := NewService(source, p, 1)
	s.retryDelay = 10 * time.Millisecond
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("update after resubscribe was not processed")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestServiceStopWhileDispatching(t *testing.T) {
	t.Parallel()

	source := func(ctx context.Context) (<-chan api.Update, <-chan error) {
		ch := make(chan api.Update)
		errs := make(chan error, 1)
		go func() {
			defer close(ch)
			for i := 1; ; i++ {
				select {
				case ch <- joinRequest(i, int64(-i)):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}()
		return ch, errs
	}

	p := newRecordingProcessor(-1)
	for range 50 {
		s := NewService(source, p, 2)
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		time.Sleep(200 * time.Microsecond)
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.Stop(stopCtx)
		cancel()
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	}
}

func TestShardIndex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		update  api.Update
		workers int
		want    int
	}{
		{name: "single worker", update: joinRequest(1, -1007), workers: 1, want: 0},
		{name: "no chat", update: api.Update{UpdateID: 1}, workers: 4, want: 0},
		{name: "stable for chat", update: joinRequest(2, 10), workers: 4, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ShardIndex(tt.update, tt.workers); got != tt.want {
				t.Fatalf("ShardIndex() = %d, want %d", got, tt.want)
			}
		})
	}
}

type stepHandler struct {
	proceed bool
	err     error
	calls   int
}

func (h *stepHandler) Handle(context.Context, *api.Update, *api.Chat, *api.User) (bool, error) {
	h.calls++
	return h.proceed, h.err
}

func TestUpdateProcessorChain(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	fresh := api.Update{
		UpdateID: 1,
		ChatJoinRequest: &api.ChatJoinRequest{
			Chat: api.Chat{ID: -1},
			From: api.User{ID: 2},
			Date: int(now.Add(-time.Minute).Unix()),
		},
	}
	stale := fresh
	staleReq := *fresh.ChatJoinRequest
	staleReq.Date = int(now.Add(-time.Hour).Unix())
	stale.ChatJoinRequest = &staleReq

	first := &stepHandler{proceed: false}
	second := &stepHandler{proceed: true}
	up := NewUpdateProcessor(first, nil, second)
	up.now = func() time.Time { return now }

	if err := up.Process(context.Background(), &fresh); err != nil {
		t.Fatalf("process: %v", err)
	}
	if first.calls != 1 || second.calls != 0 {
		t.Fatalf("chain must stop when a handler declines: %d %d", first.calls, second.calls)
	}

	if err := up.Process(context.Background(), &stale); err != nil {
		t.Fatalf("process stale: %v", err)
	}
	if first.calls != 1 {
		t.Fatalf("stale update must be skipped")
	}

	failing := NewUpdateProcessor(&stepHandler{err: errors.New("boom")})
	failing.now = up.now
	if err := failing.Process(context.Background(), &fresh); err == nil {
		t.Fatalf("handler error must surface")
	}
	if err := failing.Process(context.Background(), nil); err == nil {
		t.Fatalf("nil update must fail")
	}
}
