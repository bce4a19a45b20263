package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iamwavecut/tool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/observability"
)

const textJobNotify = `Scheduled {{ .kind }} #{{ .id }} has run in chat {{ .chat_id }}.`

// ChatGateway is the part of the chat transport that job effects use.
type ChatGateway interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	CopyMessage(ctx context.Context, chatID, fromChatID int64, messageID int) (int, error)
	PinMessage(ctx context.Context, chatID int64, messageID int, silent bool) error
	UnpinMessage(ctx context.Context, chatID int64, messageID int) error
	RestoreMember(ctx context.Context, chatID, userID int64) error
	UnbanMember(ctx context.Context, chatID, userID int64, onlyIfBanned bool) error
}

type violatorCleaner interface {
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service persists automation jobs and keeps one scheduler timer per job.
type Service struct {
	store           db.JobStore
	gateway         ChatGateway
	scheduler       *Scheduler
	cleaner         violatorCleaner
	cleanupInterval time.Duration
	now             func() time.Time

	mu      sync.Mutex
	started bool
}

func NewService(store db.JobStore, gateway ChatGateway, scheduler *Scheduler, cleaner violatorCleaner, cleanupInterval time.Duration) *Service {
	return &Service{
		store:           store,
		gateway:         gateway,
		scheduler:       scheduler,
		cleaner:         cleaner,
		cleanupInterval: cleanupInterval,
		now:             time.Now,
	}
}

func (s *Service) getLogEntry() *log.Entry {
	return log.WithField("object", "AutomationService")
}

func nameOf(job *db.AutomationJob) JobName {
	return JobName{Kind: job.Kind, ID: job.ID}
}

// Start re-arms every stored job and registers the violator cleanup.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.LoadAll(ctx); err != nil {
		return err
	}
	if s.cleaner != nil && s.cleanupInterval > 0 {
		s.scheduler.RunRepeating(s.cleanupInterval, s.cleanupInterval, JobName{Kind: KindCleanup}, s.cleanup)
	}
	s.started = true
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.scheduler.Cancel(JobName{Kind: KindCleanup})
	return nil
}

// LoadAll arms a timer for every stored job with delay max(0, run_at-now).
func (s *Service) LoadAll(ctx context.Context) (int, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "load jobs")
	}
	now := s.now()
	for _, job := range jobs {
		s.arm(job, now)
	}
	s.getLogEntry().WithFields(log.Fields{
		"method": "LoadAll",
		"count":  len(jobs),
	}).Info("automation jobs armed")
	return len(jobs), nil
}

// Create validates and stores job, then arms its timer. A zero RunAt means now.
func (s *Service) Create(ctx context.Context, job *db.AutomationJob) (*db.AutomationJob, error) {
	now := s.now()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if err := ValidateJob(job); err != nil {
		return nil, err
	}
	created, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}
	s.arm(created, now)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*db.AutomationJob, error) {
	return s.store.GetJob(ctx, id)
}

// Delete cancels the job's timer and removes the row. It reports false for an unknown id.
func (s *Service) Delete(ctx context.Context, id int64) (bool, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	s.scheduler.Cancel(nameOf(job))
	return s.store.DeleteJob(ctx, id)
}

// Toggle flips the paused flag and returns the updated job.
func (s *Service) Toggle(ctx context.Context, id int64) (*db.AutomationJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %d", ngerrors.ErrNotFound, id)
	}
	job.Paused = !job.Paused
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// List returns the jobs of chatID, or every job when chatID is zero.
func (s *Service) List(ctx context.Context, chatID int64) ([]*db.AutomationJob, error) {
	if chatID == 0 {
		return s.store.ListJobs(ctx)
	}
	return s.store.ListJobsByChat(ctx, chatID)
}

func (s *Service) arm(job *db.AutomationJob, now time.Time) {
	delay := job.RunAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	id := job.ID
	task := func(ctx context.Context) {
		if err := s.Run(ctx, id); err != nil && !ngerrors.IsCanceled(err) {
			s.getLogEntry().WithFields(log.Fields{
				"method": "arm",
				"job_id": id,
				"error":  err.Error(),
			}).Error("job run failed")
		}
	}
	if job.Repeating() {
		s.scheduler.RunRepeating(job.Interval(), delay, nameOf(job), task)
		return
	}
	s.scheduler.RunOnce(delay, nameOf(job), task)
}

// Run fires job id. A missing row is a no-op. Paused repeating jobs only move
// run_at forward. Effects are best effort; rescheduling or deletion always follows.
func (s *Service) Run(ctx context.Context, id int64) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	now := s.now()
	entry := s.getLogEntry().WithFields(log.Fields{
		"method":  "Run",
		"job_id":  job.ID,
		"chat_id": job.ChatID,
		"kind":    job.Kind,
	})

	if job.Paused && job.Repeating() {
		job.RunAt = now.Add(job.Interval())
		entry.Debug("paused job skipped")
		return s.store.UpdateJob(ctx, job)
	}

	observability.RecordJobFired(string(job.Kind))
	s.execute(ctx, job, entry)

	if notify := job.Payload.Notify; notify != nil {
		text := notify.Text
		if text == "" {
			text = tool.ExecTemplate(textJobNotify, map[string]any{
				"kind":    job.Kind,
				"id":      job.ID,
				"chat_id": job.ChatID,
			})
		}
		if _, err := s.gateway.SendMessage(ctx, notify.ChatID, text); err != nil {
			entry.WithField("error", err.Error()).Error("notify failed")
		}
		job.Payload.Notify = nil
	}

	if job.Repeating() {
		job.RunAt = now.Add(job.Interval())
		return s.store.UpdateJob(ctx, job)
	}
	if _, err := s.store.DeleteJob(ctx, job.ID); err != nil {
		return err
	}
	s.scheduler.Cancel(nameOf(job))
	return nil
}

func (s *Service) execute(ctx context.Context, job *db.AutomationJob, entry *log.Entry) {
	p := &job.Payload
	switch job.Kind {
	case db.JobKindAnnounce:
		if p.Copy != nil {
			if _, err := s.gateway.CopyMessage(ctx, job.ChatID, p.Copy.ChatID, p.Copy.MessageID); err != nil {
				entry.WithField("error", err.Error()).Error("copy failed")
			}
			return
		}
		if _, err := s.gateway.SendMessage(ctx, job.ChatID, p.Text); err != nil {
			entry.WithField("error", err.Error()).Error("announce failed")
		}
	case db.JobKindRotatePin:
		messageID, err := s.gateway.SendMessage(ctx, job.ChatID, p.Text)
		if err != nil {
			entry.WithField("error", err.Error()).Error("rotate pin send failed")
			return
		}
		if err := s.gateway.PinMessage(ctx, job.ChatID, messageID, true); err != nil {
			entry.WithField("error", err.Error()).Error("pin failed")
		}
		if p.ShouldUnpinPrevious() && p.LastPinned != 0 {
			if err := s.gateway.UnpinMessage(ctx, job.ChatID, p.LastPinned); err != nil {
				entry.WithField("error", err.Error()).Warn("unpin previous failed")
			}
		}
		p.LastPinned = messageID
	case db.JobKindTimedUnmute:
		if err := s.gateway.RestoreMember(ctx, job.ChatID, p.UserID); err != nil {
			entry.WithField("error", err.Error()).Error("timed unmute failed")
		}
	case db.JobKindTimedUnban:
		if err := s.gateway.UnbanMember(ctx, job.ChatID, p.UserID, true); err != nil {
			entry.WithField("error", err.Error()).Error("timed unban failed")
		}
	default:
		entry.Warn("unknown job kind")
	}
}

func (s *Service) cleanup(ctx context.Context) {
	if _, err := s.cleaner.CleanupExpired(ctx, s.now()); err != nil && !ngerrors.IsCanceled(err) {
		s.getLogEntry().WithFields(log.Fields{
			"method": "cleanup",
			"error":  err.Error(),
		}).Error("violator cleanup failed")
	}
}

// ValidateJob checks the kind-specific payload requirements.
func ValidateJob(job *db.AutomationJob) error {
	if job.ChatID == 0 {
		return fmt.Errorf("%w: chat id is required", ngerrors.ErrInvalidInput)
	}
	if _, err := db.ParseJobKind(string(job.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ngerrors.ErrInvalidInput, err)
	}
	if job.IntervalSec < 0 {
		return fmt.Errorf("%w: negative interval", ngerrors.ErrInvalidInput)
	}
	p := job.Payload
	switch job.Kind {
	case db.JobKindAnnounce:
		if strings.TrimSpace(p.Text) == "" && p.Copy == nil {
			return fmt.Errorf("%w: announce needs text or a message to copy", ngerrors.ErrInvalidInput)
		}
	case db.JobKindRotatePin:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: rotate_pin needs text", ngerrors.ErrInvalidInput)
		}
	case db.JobKindTimedUnmute, db.JobKindTimedUnban:
		if p.UserID == 0 {
			return fmt.Errorf("%w: %s needs a user id", ngerrors.ErrInvalidInput, job.Kind)
		}
	}
	return nil
}
