package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"councilbot/internal/task/engine"
	logx "councilbot/pkg/logx"
)

// Config controls the cron service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/London"
}

// Runner accepts triggered work. *engine.Service satisfies it.
type Runner interface {
	Enqueue(t engine.Task) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(t engine.Task) error

func (f RunnerFunc) Enqueue(t engine.Task) error { return f(t) }

// Inline runs every task synchronously on the caller's goroutine. Tests use it
// with a fake clock to make timer-driven work deterministic.
var Inline Runner = RunnerFunc(func(t engine.Task) error {
	ctx := context.Background()
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	return t.Run(ctx)
})

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	runner Runner

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	warn warnThrottle
}

// ScheduleInfo describes a registered cron schedule.
type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

const enqueueWarnThrottle = 5 * time.Second

// warnThrottle rate-limits enqueue warnings per name.
type warnThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func (w *warnThrottle) report(log logx.Logger, name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		log.Debug("trigger skipped", logx.String("name", name), logx.Err(err))
		return
	}
	now := time.Now()
	w.mu.Lock()
	if w.last == nil {
		w.last = make(map[string]time.Time)
	}
	if last := w.last[name]; !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		w.mu.Unlock()
		return
	}
	w.last[name] = now
	w.mu.Unlock()
	log.Warn("failed to enqueue triggered task", logx.String("name", name), logx.Err(err))
}
