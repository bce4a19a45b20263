package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runtime starts components in registration order and stops the started ones in reverse.
type Runtime struct {
	mu         sync.Mutex
	components []Component
	started    []Component
}

func NewRuntime(components ...Component) *Runtime {
	r := &Runtime{}
	for _, c := range components {
		r.Register(c)
	}
	return r
}

func (r *Runtime) getLogEntry() *log.Entry {
	return log.WithField("object", "Runtime")
}

// Register appends component. Nil components are ignored so optional ones can be passed as is.
func (r *Runtime) Register(component Component) {
	if component == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = append(r.components, component)
}

func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, component := range r.components {
		began := time.Now()
		if err := component.Start(ctx); err != nil {
			stopErr := r.stopStarted(ctx)
			return errors.Join(fmt.Errorf("start %s: %w", Name(component), err), stopErr)
		}
		r.started = append(r.started, component)
		r.getLogEntry().WithFields(log.Fields{
			"component": Name(component),
			"took":      time.Since(began).String(),
		}).Debug("component started")
	}
	return nil
}

// Stop stops every started component, newest first. A second call is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopStarted(ctx)
}

func (r *Runtime) stopStarted(ctx context.Context) error {
	var stopErr error
	for i := len(r.started) - 1; i >= 0; i-- {
		component := r.started[i]
		if err := component.Stop(ctx); err != nil {
			r.getLogEntry().WithFields(log.Fields{
				"component": Name(component),
				"error":     err.Error(),
			}).Warn("component stop failed")
			stopErr = errors.Join(stopErr, fmt.Errorf("stop %s: %w", Name(component), err))
		}
	}
	r.started = nil
	return stopErr
}

// Name returns the component's own name when it has one, its type otherwise.
func Name(component Component) string {
	if named, ok := component.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", component)
}
