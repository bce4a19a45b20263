package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type testComponent struct {
	name      string
	startErr  error
	stopErr   error
	events    *[]string
	startCall int
	stopCall  int
}

func (c *testComponent) Name() string { return c.name }

func (c *testComponent) Start(context.Context) error {
	c.startCall++
	if c.events != nil {
		*c.events = append(*c.events, "start:"+c.name)
	}
	return c.startErr
}

func (c *testComponent) Stop(context.Context) error {
	c.stopCall++
	if c.events != nil {
		*c.events = append(*c.events, "stop:"+c.name)
	}
	return c.stopErr
}

type anonymousComponent struct{}

func (anonymousComponent) Start(context.Context) error { return nil }
func (anonymousComponent) Stop(context.Context) error  { return nil }

func TestRuntimeStartStopOrder(t *testing.T) {
	t.Parallel()

	var events []string
	c1 := &testComponent{name: "scheduler", events: &events}
	c2 := &testComponent{name: "jobs", events: &events}
	c3 := &testComponent{name: "updates", events: &events}

	runtime := NewRuntime(c1, nil, c2)
	runtime.Register(nil)
	runtime.Register(c3)
	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	if err := runtime.Stop(context.Background()); err != nil {
		t.Fatalf("stop runtime: %v", err)
	}
	if err := runtime.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	expected := []string{
		"start:scheduler", "start:jobs", "start:updates",
		"stop:updates", "stop:jobs", "stop:scheduler",
	}
	if !reflect.DeepEqual(events, expected) {
		t.Fatalf("unexpected order: got %v want %v", events, expected)
	}
}

func TestRuntimeStartFailureStopsStartedComponents(t *testing.T) {
	t.Parallel()

	var events []string
	startErr := errors.New("boom")
	c1 := &testComponent{name: "scheduler", events: &events}
	c2 := &testComponent{name: "jobs", events: &events, startErr: startErr}
	c3 := &testComponent{name: "updates", events: &events}

	runtime := NewRuntime(c1, c2, c3)
	err := runtime.Start(context.Background())
	if !errors.Is(err, startErr) {
		t.Fatalf("unexpected start error: %v", err)
	}
	if !strings.Contains(err.Error(), "start jobs") {
		t.Fatalf("error should name the component: %v", err)
	}
	if c1.stopCall != 1 || c2.stopCall != 0 || c3.startCall != 0 {
		t.Fatalf("unexpected calls: c1.stop=%d c2.stop=%d c3.start=%d", c1.stopCall, c2.stopCall, c3.startCall)
	}
	if want := []string{"start:scheduler", "start:jobs", "stop:scheduler"}; !reflect.DeepEqual(events, want) {
		t.Fatalf("unexpected events: %v", events)
	}

	if err := runtime.Stop(context.Background()); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
	if c1.stopCall != 1 {
		t.Fatalf("component stopped twice")
	}
}

func TestRuntimeStopJoinsErrors(t *testing.T) {
	t.Parallel()

	errA, errB := errors.New("a"), errors.New("b")
	runtime := NewRuntime(
		&testComponent{name: "a", stopErr: errA},
		&testComponent{name: "b", stopErr: errB},
	)
	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := runtime.Stop(context.Background())
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both stop errors, got %v", err)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := Name(&testComponent{name: "x"}); got != "x" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := Name(anonymousComponent{}); got != "lifecycle.anonymousComponent" {
		t.Fatalf("unexpected type name %q", got)
	}
}
