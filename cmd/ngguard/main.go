package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/automation"
	"github.com/iamwavecut/ngguard/internal/bot"
	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/db/sqlite"
	handlers "github.com/iamwavecut/ngguard/internal/handlers/chat"
	"github.com/iamwavecut/ngguard/internal/handlers/moderation"
	"github.com/iamwavecut/ngguard/internal/infra"
	"github.com/iamwavecut/ngguard/internal/infrastructure/telegram"
	"github.com/iamwavecut/ngguard/internal/lifecycle"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/policy/flood"
	"github.com/iamwavecut/ngguard/internal/policy/links"
	"github.com/iamwavecut/ngguard/internal/policy/rules"
	"github.com/iamwavecut/ngguard/internal/settings"
	"github.com/iamwavecut/ngguard/internal/state"
)

const (
	pollTimeout     = 60
	shutdownTimeout = 10 * time.Second
	sweepInterval   = 10 * time.Minute
	sweepIdle       = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	log.SetFormatter(&config.LogFormatter{NoColor: cfg.LogNoColor})
	log.SetOutput(os.Stdout)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("cant load config")
	}
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithField("error", err.Error()).Fatal("ngguard stopped with error")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		return err
	}
	if log.Level(cfg.LogLevel) == log.TraceLevel {
		botAPI.Debug = true
	}
	defer botAPI.StopReceivingUpdates()

	dir, err := infra.EnsureDir(cfg.DotPath)
	if err != nil {
		return err
	}
	store, err := sqlite.NewSQLiteClient(ctx, dir, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	scheduler := automation.NewScheduler()
	var windows state.WindowStore
	var sweeper lifecycle.Component
	if cfg.Redis.URL != "" {
		redisWindows, err := state.NewRedisWindowStore(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer func() { _ = redisWindows.Close() }()
		windows = redisWindows
	} else {
		memoryWindows := state.NewMemoryWindowStore()
		windows = memoryWindows
		sweeper = &windowSweeper{scheduler: scheduler, windows: memoryWindows}
	}

	settingsService := settings.NewService(store, cfg.Settings.CacheSize, cfg.Settings.CacheTTL)
	ops := telegram.NewOperations(botAPI, cfg.APIRate)

	warns := moderation.NewWarnTracker(store, settingsService, ops)
	executor := moderation.NewExecutor(ops, settingsService, warns, store)
	violators := moderation.NewViolators(store, executor)
	ruleEngine := rules.NewEngine(store, windows)
	pipeline := moderation.NewPipeline(
		settingsService,
		violators,
		links.NewEngine(settingsService),
		ruleEngine,
		flood.NewLimiter(windows),
		executor,
	)

	jobs := automation.NewService(store, ops, scheduler, violators, cfg.Automation.CleanupInterval)
	guard := handlers.NewGuard(ops, pipeline, violators, executor, jobs, ruleEngine, settingsService)
	updates := bot.NewService(bot.PollingSource(botAPI, pollTimeout), bot.NewUpdateProcessor(guard), cfg.Workers)

	runtime := lifecycle.NewRuntime(
		observability.NewServer(cfg.Metrics.Addr),
		scheduler,
		jobs,
	)
	runtime.Register(sweeper)
	runtime.Register(updates)

	if err := runtime.Start(ctx); err != nil {
		return err
	}
	log.WithField("bot", botAPI.Self.UserName).Info("ngguard started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go infra.GoRecoverable(3, "monitor_executable", func() {
		select {
		case <-infra.MonitorExecutable(runCtx):
			if runCtx.Err() == nil {
				log.Warn("executable file was modified, shutting down")
				cancel()
			}
		case <-runCtx.Done():
		}
	})

	<-runCtx.Done()
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return runtime.Stop(stopCtx)
}

// windowSweeper drops idle in-memory windows on a timer.
type windowSweeper struct {
	scheduler *automation.Scheduler
	windows   *state.MemoryWindowStore
}

func (w *windowSweeper) Name() string { return "window_sweeper" }

func (w *windowSweeper) Start(context.Context) error {
	w.scheduler.RunRepeating(sweepInterval, sweepInterval, automation.JobName{Kind: automation.KindSweep}, func(context.Context) {
		if removed := w.windows.Sweep(time.Now(), sweepIdle); removed > 0 {
			log.WithField("removed", removed).Debug("swept idle windows")
		}
	})
	return nil
}

func (w *windowSweeper) Stop(context.Context) error {
	w.scheduler.Cancel(automation.JobName{Kind: automation.KindSweep})
	return nil
}
