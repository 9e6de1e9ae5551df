package roles

import (
	"context"
	"errors"
	"time"

	"councilbot/internal/eventbus"
	"councilbot/internal/model"
	"councilbot/internal/storage"
	"councilbot/internal/task/engine"
	logx "councilbot/pkg/logx"
)

// considerLocked arms the expiry timer for p when it expires before the armed fact.
func (s *Service) considerLocked(p *model.PersistingRole) {
	if p.RemoveAt == nil || p.ExpiryProcessed {
		return
	}
	if s.armedID != "" && !p.RemoveAt.Before(s.armedAt) {
		return
	}
	s.armLocked(p)
}

// rearmLocked arms the timer for the soonest unprocessed expiry in the store,
// or disarms it when none remain.
func (s *Service) rearmLocked(ctx context.Context) error {
	next, err := s.store.NextExpiry(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		s.timers.Cancel(expiryKey)
		s.armedID, s.armedAt = "", time.Time{}
		return nil
	}
	if err != nil {
		return err
	}
	s.armLocked(next)
	return nil
}

func (s *Service) armLocked(p *model.PersistingRole) {
	if s.armAtLocked(p.ID, *p.RemoveAt) {
		s.armedID, s.armedAt = p.ID, *p.RemoveAt
	}
}

func (s *Service) armAtLocked(id string, at time.Time) bool {
	return s.timers.Arm(expiryKey, at, engine.Task{
		Name:    "roles.expire",
		Key:     "roles.expire:" + id,
		Timeout: s.timeout,
		Opt:     engine.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			s.onExpiry(ctx, id)
			return nil
		},
	})
}

// retryLocked re-runs the expiry for id after the retry delay. The fact
// stays unprocessed in the store, so a sooner grant may take the timer and
// the next rearm still finds it.
func (s *Service) retryLocked(id string) {
	at := s.clock.Now().Add(s.retry)
	if s.armAtLocked(id, at) {
		s.armedID, s.armedAt = id, at
		s.log.Info("expiry retry armed", logx.String("id", id), logx.Time("at", at))
	}
}

// onExpiry marks the fact processed, arms the next expiry, then revokes. A
// failed revoke resets the fact so the next reconciliation retries it. Store
// failures arm a retry instead of refiring immediately.
func (s *Service) onExpiry(ctx context.Context, id string) {
	s.gate.Lock()
	if s.armedID == id {
		s.armedID = ""
	}
	failed := false
	p, err := s.store.Get(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p = nil
	case err != nil:
		s.log.Warn("load expiring role failed", logx.String("id", id), logx.Err(err))
		p, failed = nil, true
	case !p.ExpiryProcessed:
		if err := s.store.SetExpiryProcessed(ctx, id, true); err != nil {
			s.log.Warn("mark role expiry failed", logx.String("id", id), logx.Err(err))
			p, failed = nil, true
		}
	default:
		p = nil
	}
	if !failed {
		if err := s.rearmLocked(ctx); err != nil {
			s.log.Warn("rearm expiry timer failed", logx.Err(err))
			failed = true
		}
	}
	if failed {
		s.retryLocked(id)
	}
	s.gate.Unlock()

	if p == nil {
		return
	}
	s.publish(eventbus.RoleExpired, p)
	res, err := s.CheckMemberRoles(ctx, p.GuildID, p.UserID, p.RoleID)
	if err == nil || res.Absent {
		return
	}
	s.log.Warn("revoke of expired role failed",
		logx.String("guild", p.GuildID), logx.String("user", p.UserID),
		logx.String("role", p.RoleID), logx.Err(err))
	if rerr := s.markProcessed(ctx, id, false); rerr != nil && !isGone(rerr) {
		s.log.Warn("reset role expiry failed", logx.String("id", id), logx.Err(rerr))
	}
}
