package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"councilbot/internal/eventbus"
	logx "councilbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func fastRetry() TaskOptions {
	return TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var calls atomic.Int32
	done := make(chan struct{})
	err := s.Enqueue(Task{Name: "flaky", Opt: fastRetry(), Run: func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never succeeded")
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Attempts != 3 || h.Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var calls atomic.Int32
	permanent := errors.New("poll message missing")
	if err := s.Enqueue(Task{Name: "permanent", Opt: fastRetry(), Run: func(ctx context.Context) error {
		calls.Add(1)
		return NoRetry(permanent)
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if got := s.Snapshot().History[0].Error; got != permanent.Error() {
		t.Fatalf("recorded error = %q", got)
	}
}

func TestPanicIsRecoveredAndWorkerSurvives(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	if err := s.Enqueue(Task{Name: "boom", Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		panic("kaboom")
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ran := make(chan struct{})
	if err := s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error {
		close(ran)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 2 })
	if h := s.Snapshot().History[0]; h.Name != "boom" || h.Error != "panic: kaboom" {
		t.Fatalf("history[0] = %+v", h)
	}
}

func TestOverlapSkipSameKey(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	block := Task{Name: "reconcile", Key: "g/u", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(block); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	dup := Task{Name: "reconcile", Key: "g/u", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }}
	if err := s.Enqueue(dup); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v, want ErrOverlapSkip", err)
	}
	other := dup
	other.Key = "g/other"
	if err := s.Enqueue(other); err != nil {
		t.Fatalf("different key should be accepted: %v", err)
	}
	close(release)
	waitFor(t, func() bool { return len(s.Snapshot().History) == 2 })
	if err := s.Enqueue(dup); err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
}

func TestEnqueueStates(t *testing.T) {
	t.Parallel()
	disabled := New(Config{}, logx.Nop(), nil)
	if err := disabled.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	if err := stopped.Enqueue(Task{Name: " ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("blank name should be rejected")
	}
}

func TestBackoffHonoursRetryAfterBound(t *testing.T) {
	t.Parallel()
	opt := (TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}).withDefaults(Config{RetryMax: 3})
	if d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), nil); d != time.Second {
		t.Fatalf("retry-after delay = %v, want capped 1s", d)
	}
	if d := backoffDelayWithHint(opt, 3, errors.New("x"), nil); d != 400*time.Millisecond {
		t.Fatalf("third retry delay = %v, want 400ms", d)
	}
}
