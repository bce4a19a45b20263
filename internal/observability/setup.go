package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const TracerName = "github.com/iamwavecut/ngguard"

var (
	registerOnce sync.Once

	moderationActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_actions_total",
			Help: "Moderation actions executed, by pipeline stage and action",
		},
		[]string{"stage", "action"},
	)

	gatewayErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Failed chat gateway calls",
		},
		[]string{"op"},
	)

	automationJobsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_jobs_fired_total",
			Help: "Automation jobs fired, by kind",
		},
		[]string{"kind"},
	)

	messageProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "message_processing_duration_seconds",
			Help:    "Time spent processing messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			moderationActionsTotal,
			gatewayErrorsTotal,
			automationJobsFiredTotal,
			messageProcessingDuration,
		)
	})
}

// Server exposes /metrics and owns the process tracer provider.
type Server struct {
	addr     string
	logger   *zap.Logger
	provider *sdktrace.TracerProvider
	http     *http.Server

	mu      sync.Mutex
	started bool
}

func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

func (s *Server) getLogEntry() *log.Entry {
	return log.WithField("object", "MetricsServer")
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	s.logger = logger

	register()

	s.provider = sdktrace.NewTracerProvider()
	otel.SetTracerProvider(s.provider)

	if s.addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.http = &http.Server{
			Addr:              s.addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          zap.NewStdLog(logger),
		}
		go func() {
			if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.getLogEntry().WithField("error", err.Error()).Error("metrics server failed")
			}
		}()
	}

	s.started = true
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	var stopErr error
	if s.http != nil {
		stopErr = errors.Join(stopErr, s.http.Shutdown(ctx))
	}
	if s.provider != nil {
		stopErr = errors.Join(stopErr, s.provider.Shutdown(ctx))
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	return stopErr
}

func RecordModerationAction(stage, action string) {
	moderationActionsTotal.WithLabelValues(stage, action).Inc()
}

func RecordGatewayError(op string) {
	gatewayErrorsTotal.WithLabelValues(op).Inc()
}

func RecordJobFired(kind string) {
	automationJobsFiredTotal.WithLabelValues(kind).Inc()
}

// StartMessageProcessing returns a function that records the elapsed time under the given status.
func StartMessageProcessing() func(status string) {
	start := time.Now()
	return func(status string) {
		messageProcessingDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}
