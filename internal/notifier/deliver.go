package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

const (
	sendTimeout     = 10 * time.Second
	historyCap      = 300
	defaultBackoff  = 500 * time.Millisecond
	defaultMaxDelay = 10 * time.Second
)

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

// send delivers one job, retrying transient failures with jittered backoff.
// Missing permissions and vanished targets are final.
func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	msg := j.n.Message
	if msg.Content != "" {
		msg.Content = prefixForPriority(j.n.Priority) + msg.Content
	}

	attempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil && lim.Wait(ctx) != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = deliver(callCtx, sender, j.n, msg)
		cancel()
		if err == nil {
			s.appendHistory(target(j.n), msg.Content)
			s.publish("notifier.sent", j.n, j.dedupKey, nil)
			return
		}
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if permanent(err) || attempt == attempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}

	s.log.Warn("notification dropped", logx.String("target", target(j.n)), logx.Err(err))
	s.publish("notifier.failed", j.n, j.dedupKey, err)
}

func permanent(err error) bool {
	return errors.Is(err, kit.ErrForbidden) || errors.Is(err, kit.ErrNotFound)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func deliver(ctx context.Context, sender Sender, n kit.Notification, msg kit.Message) error {
	if n.UserID != "" {
		return sender.SendDirect(ctx, n.UserID, msg)
	}
	_, err := sender.SendMessage(ctx, n.ChannelID, msg)
	return err
}

func target(n kit.Notification) string {
	if n.UserID != "" {
		return "user:" + n.UserID
	}
	return "channel:" + n.ChannelID
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(target, text string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Target: target, Text: text})
	if over := len(s.history) - historyCap; over > 0 {
		s.history = s.history[over:]
	}
}

// Direct delivers synchronously without queueing, dedup or retry. It serves
// when the async pipeline is disabled.
type Direct struct {
	Sender Sender
}

func (d Direct) Notify(ctx context.Context, n kit.Notification) error {
	if n.ChannelID == "" && n.UserID == "" {
		return ErrNoTarget
	}
	return deliver(ctx, d.Sender, n, n.Message)
}

// prefixForPriority marks urgent messages: 9+ is an alarm, 7+ a warning.
func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, with ±30% jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base, maxD := cfg.RetryBase, cfg.RetryMaxDelay
	if base <= 0 {
		base = defaultBackoff
	}
	if maxD <= 0 {
		maxD = defaultMaxDelay
	}
	d := base
	for i := 1; i < attempt && d < maxD; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, maxD)) * (0.7 + rand.Float64()*0.6))
	return max(0, min(d, maxD))
}
