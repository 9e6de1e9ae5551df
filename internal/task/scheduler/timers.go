package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"councilbot/internal/clock"
	"councilbot/internal/task/engine"
	logx "councilbot/pkg/logx"
)

// DefaultBusyRetry is how long a fired deadline waits before re-arming when
// the engine queue is full.
const DefaultBusyRetry = 5 * time.Second

// TimerInfo describes one armed deadline.
type TimerInfo[K comparable] struct {
	Key  K
	Name string
	At   time.Time
}

// Timers is a registry of one-shot deadlines keyed by K.
//
// At most one timer is armed per key. Arm replaces and disposes any previous
// timer for the key; every arm bumps a version so a callback from a replaced
// timer that already started is dropped. On fire the entry is removed and
// its task is handed to the Runner.
type Timers[K comparable] struct {
	clock     clock.Clock
	runner    Runner
	log       logx.Logger
	busyRetry time.Duration

	mu      sync.Mutex
	seq     uint64
	entries map[K]*timerEntry
	closed  bool

	warn warnThrottle
}

type timerEntry struct {
	ver   uint64
	at    time.Time
	task  engine.Task
	timer clock.Timer
}

func NewTimers[K comparable](clk clock.Clock, runner Runner, log logx.Logger) *Timers[K] {
	if clk == nil {
		clk = clock.Real()
	}
	return &Timers[K]{
		clock:     clk,
		runner:    runner,
		log:       log,
		busyRetry: DefaultBusyRetry,
		entries:   make(map[K]*timerEntry),
	}
}

// SetBusyRetry overrides DefaultBusyRetry; d <= 0 disables re-arming.
func (t *Timers[K]) SetBusyRetry(d time.Duration) {
	t.mu.Lock()
	t.busyRetry = d
	t.mu.Unlock()
}

// Arm schedules task at at, replacing any timer armed for key. A deadline in
// the past fires as soon as the clock allows. It returns false after Stop.
func (t *Timers[K]) Arm(key K, at time.Time, task engine.Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.armLocked(key, at, task)
	return true
}

func (t *Timers[K]) armLocked(key K, at time.Time, task engine.Task) {
	if prev, ok := t.entries[key]; ok {
		prev.timer.Stop()
	}
	t.seq++
	ver := t.seq
	e := &timerEntry{ver: ver, at: at, task: task}
	t.entries[key] = e
	e.timer = t.clock.AfterFunc(at.Sub(t.clock.Now()), func() { t.fire(key, ver) })
}

func (t *Timers[K]) fire(key K, ver uint64) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.ver != ver || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	retry := t.busyRetry
	t.mu.Unlock()

	err := t.runner.Enqueue(e.task)
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrQueueFull) && retry > 0 {
		t.mu.Lock()
		if _, rearmed := t.entries[key]; !rearmed && !t.closed {
			t.armLocked(key, t.clock.Now().Add(retry), e.task)
		}
		t.mu.Unlock()
	}
	t.warn.report(t.log, e.task.Name, fmt.Errorf("%v: %w", key, err))
}

// Cancel disposes the timer for key. It reports whether one was armed.
func (t *Timers[K]) Cancel(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// Deadline returns the armed deadline for key.
func (t *Timers[K]) Deadline(key K) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

func (t *Timers[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Pending lists armed deadlines, soonest first.
func (t *Timers[K]) Pending() []TimerInfo[K] {
	t.mu.Lock()
	out := make([]TimerInfo[K], 0, len(t.entries))
	for k, e := range t.entries {
		out = append(out, TimerInfo[K]{Key: k, Name: e.task.Name, At: e.at})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Stop disposes every timer and rejects further Arm calls.
func (t *Timers[K]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}
