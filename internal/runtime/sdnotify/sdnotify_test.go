package sdnotify

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "councilbot/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestLifecycleStates(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{log: logx.Nop(), notify: rec.notify}

	n.Ready()
	n.Reloading(func() {})
	n.Status("3 votes open")
	n.Stopping()

	want := []string{"READY=1", "RELOADING=1", "READY=1", "STATUS=3 votes open", "STOPPING=1"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Parallel()
	n := &Notifier{log: logx.Nop(), notify: (&recorder{}).notify,
		watchdogInterval: func() (time.Duration, error) { return 0, nil }}
	if err := n.Watchdog(context.Background()); err != nil {
		t.Fatalf("watchdog: %v", err)
	}
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{log: logx.Nop(), notify: rec.notify,
		watchdogInterval: func() (time.Duration, error) { return 10 * time.Millisecond, nil }}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = n.Watchdog(ctx)
	if len(rec.snapshot()) == 0 {
		t.Fatalf("expected watchdog pings")
	}
}
