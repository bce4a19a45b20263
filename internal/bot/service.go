package bot

import (
	"context"
	"strconv"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/infra"
)

const (
	shardQueueSize   = 64
	sourceRetryDelay = 3 * time.Second
)

// Service reads updates from a source and fans them out to a fixed pool of workers.
// Updates of one chat always land on the same worker, so a chat is handled in order.
type Service struct {
	source     UpdateSource
	processor  processor
	workers    int
	retryDelay time.Duration

	mu        sync.Mutex
	started   bool
	runCancel context.CancelFunc
	readerWG  sync.WaitGroup
	workerWG  sync.WaitGroup
	shards    []chan api.Update
}

func NewService(source UpdateSource, processor processor, workers int) *Service {
	if workers < 1 {
		workers = 1
	}
	return &Service{
		source:     source,
		processor:  processor,
		workers:    workers,
		retryDelay: sourceRetryDelay,
	}
}

func (s *Service) getLogEntry() *log.Entry {
	return log.WithField("object", "UpdateService")
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCancel = cancel
	s.shards = make([]chan api.Update, s.workers)
	for i := range s.shards {
		shard := make(chan api.Update, shardQueueSize)
		s.shards[i] = shard
		id := "update_worker_" + strconv.Itoa(i)
		s.workerWG.Go(func() {
			for u := range shard {
				infra.RunProtected(id, func() {
					s.handle(runCtx, &u)
				})
			}
		})
	}
	shards := s.shards
	s.readerWG.Go(func() {
		s.read(runCtx, shards)
	})
	s.started = true
	s.getLogEntry().WithField("workers", s.workers).Info("update service started")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.runCancel
	shards := s.shards
	s.runCancel = nil
	s.shards = nil
	s.mu.Unlock()

	cancel()
	s.readerWG.Wait()
	for _, shard := range shards {
		close(shard)
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) read(ctx context.Context, shards []chan api.Update) {
	for {
		updates, errs := s.source(ctx)
		err := s.consume(ctx, shards, updates, errs)
		if ctx.Err() != nil {
			return
		}
		entry := s.getLogEntry().WithField("method", "read")
		if err != nil {
			entry = entry.WithField("error", err.Error())
		}
		entry.Error("update source failed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Service) consume(ctx context.Context, shards []chan api.Update, updates <-chan api.Update, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case u, ok := <-updates:
			if !ok {
				return <-errs
			}
			if !dispatch(ctx, shards, u) {
				return ctx.Err()
			}
		}
	}
}

// dispatch uses the shard set of the run that owns ctx; Stop may already have
// detached it from the service.
func dispatch(ctx context.Context, shards []chan api.Update, u api.Update) bool {
	shard := shards[ShardIndex(u, len(shards))]
	select {
	case shard <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) handle(ctx context.Context, u *api.Update) {
	if err := s.processor.Process(ctx, u); err != nil && !ngerrors.IsCanceled(err) {
		s.getLogEntry().WithFields(log.Fields{
			"method":    "handle",
			"update_id": u.UpdateID,
			"error":     err.Error(),
		}).Error("cant process update")
	}
}

// ShardIndex maps u to a worker by chat id. Updates without a chat go to worker 0.
func ShardIndex(u api.Update, workers int) int {
	if workers <= 1 {
		return 0
	}
	chat := UpdateChat(&u)
	if chat == nil {
		return 0
	}
	return int(uint64(chat.ID) % uint64(workers))
}
