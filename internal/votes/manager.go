// Package votes runs the lifetime of council votes: the reminder before a
// vote closes, the close itself, and the tally that decides the application.
//
// Each vote unit (one requested role) has at most one armed timer. A unit is
// finalized at most once; concurrent closes for the same unit serialize on a
// per-unit gate and the loser observes the unit already closed.
package votes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"councilbot/internal/clock"
	"councilbot/internal/config"
	"councilbot/internal/eventbus"
	"councilbot/internal/model"
	"councilbot/internal/roles"
	"councilbot/internal/runtime/keylock"
	"councilbot/internal/storage"
	"councilbot/internal/task/engine"
	"councilbot/internal/task/scheduler"
	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

const reopenTimeout = 10 * time.Second

var (
	ErrStopped = errors.New("vote manager stopped")
	ErrNotOpen = errors.New("vote is not open")
)

// Store is the persistence the vote services need. *storage.RequestRepository satisfies it.
type Store interface {
	GetUnit(ctx context.Context, key model.UnitKey) (*model.RequestedRole, error)
	SaveUnit(ctx context.Context, u *model.RequestedRole) error
	SaveUnitResult(ctx context.Context, u *model.RequestedRole) error
	IncrementAccepted(ctx context.Context, requestID string) error
	ListOpen(ctx context.Context) ([]model.RequestedRole, error)
	ListOpenForRole(ctx context.Context, guildID, roleID, excludeUserID string) ([]model.RequestedRole, error)
}

type ApplicableRoles interface {
	Get(ctx context.Context, guildID, roleID string) (*model.ApplicableRole, error)
}

// Platform is the slice of transport.Client used by votes.
type Platform interface {
	WaitReady(ctx context.Context) error
	Channel(ctx context.Context, channelID string) (kit.Channel, error)
	Role(ctx context.Context, guildID, roleID string) (kit.Role, error)
	Member(ctx context.Context, guildID, userID string) (kit.Member, error)
	PollMessage(ctx context.Context, channelID, messageID string, fresh bool) (kit.Poll, error)
	EndPoll(ctx context.Context, channelID, messageID string) error
	PollVoters(ctx context.Context, channelID, messageID string, answerID int) ([]kit.User, error)
	AddThreadMember(ctx context.Context, threadID, userID string) error
}

type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type RoleGranter interface {
	AddPersistingRole(ctx context.Context, g roles.Grant) (*model.PersistingRole, error)
}

// Settings supplies live vote configuration. *config.Live satisfies it.
type Settings interface {
	Votes() config.VoteSettings
}

type Options struct {
	Clock  clock.Clock
	Runner scheduler.Runner
	Bus    eventbus.Bus
	Log    logx.Logger
	// TaskTimeout bounds one reminder or finalization.
	TaskTimeout time.Duration
}

// Manager schedules and closes votes.
type Manager struct {
	store     Store
	platform  Platform
	notifier  Notifier
	settings  Settings
	finalizer *Finalizer
	clock     clock.Clock
	runner    scheduler.Runner
	bus       eventbus.Bus
	log       logx.Logger
	timeout   time.Duration

	timers *scheduler.Timers[model.UnitKey]
	gates  keylock.Map

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewManager(store Store, platform Platform, notifier Notifier, settings Settings, finalizer *Finalizer, opt Options) *Manager {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Runner == nil {
		opt.Runner = scheduler.Inline
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.TaskTimeout <= 0 {
		opt.TaskTimeout = 2 * time.Minute
	}
	log := opt.Log.With(logx.String("comp", "votes"))
	return &Manager{
		store:     store,
		platform:  platform,
		notifier:  notifier,
		settings:  settings,
		finalizer: finalizer,
		clock:     opt.Clock,
		runner:    opt.Runner,
		bus:       opt.Bus,
		log:       log,
		timeout:   opt.TaskTimeout,
		timers:    scheduler.NewTimers[model.UnitKey](opt.Clock, opt.Runner, log),
	}
}

// Start waits for the platform and re-schedules every open vote.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.platform.WaitReady(ctx); err != nil {
		return err
	}
	open, err := m.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("load open votes: %w", err)
	}
	for i := range open {
		if err := m.StartVoteTimer(&open[i]); err != nil {
			m.log.Warn("vote not rescheduled", unitFields(&open[i], err)...)
		}
	}
	m.log.Info("open votes rescheduled", logx.Int("count", len(open)))
	return nil
}

// Stop disposes every timer, refuses new work and waits for finalizations
// already in progress until ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.timers.Stop()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartVoteTimer schedules u from its deadline T and the live ping lead L.
// Before T-L a reminder timer is armed; between T-L and T the close timer is
// armed and the reminder goes out now; at or after T the close timer is armed
// in the past so finalization runs on the task engine as soon as possible.
func (m *Manager) StartVoteTimer(u *model.RequestedRole) error {
	if !u.IsOpen() {
		return ErrNotOpen
	}
	if m.isClosed() {
		return ErrStopped
	}
	key := u.Key()
	deadline := *u.ExpiresAt
	pingAt := deadline.Add(-m.settings.Votes().PingBeforeClose)
	now := m.clock.Now()

	var ok bool
	switch {
	case now.Before(pingAt):
		ok = m.timers.Arm(key, pingAt, m.pingTask(key, deadline))
	case now.Before(deadline):
		if ok = m.timers.Arm(key, deadline, m.finalTask(key)); ok {
			m.enqueueReminder(*u)
		}
	default:
		ok = m.timers.Arm(key, deadline, m.finalTask(key))
	}
	if !ok {
		return ErrStopped
	}
	m.publish(eventbus.VoteScheduled, key)
	m.log.Debug("vote scheduled", logx.String("unit", key.String()), logx.Time("expires_at", deadline))
	return nil
}

// RemoveTimer disposes the unit's timer, reporting whether one was armed.
func (m *Manager) RemoveTimer(requestID, roleID string) bool {
	return m.timers.Cancel(model.UnitKey{RequestID: requestID, RoleID: roleID})
}

// Pending lists armed timers.
func (m *Manager) Pending() []scheduler.TimerInfo[model.UnitKey] {
	return m.timers.Pending()
}

// FinalizePoll closes the unit and tallies it. A unit that is already closed,
// cancelled or gone yields Outcome.Skipped and a nil error. A transient
// failure reopens the unit, re-arms it after the retry delay and returns the
// error.
//
// Once admitted, finalization runs detached from ctx's cancellation, bounded
// by the task timeout, so shutdown or a caller timeout cannot strand a unit
// closed without a result.
func (m *Manager) FinalizePoll(ctx context.Context, requestID, roleID string) (Outcome, error) {
	key := model.UnitKey{RequestID: requestID, RoleID: roleID}
	if !m.enter() {
		return Outcome{Key: key, Skipped: true}, ErrStopped
	}
	defer m.inflight.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	unlock := m.gates.Lock(key.String())
	defer unlock()
	m.timers.Cancel(key)

	u, err := m.store.GetUnit(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		m.log.Debug("finalize skipped; unit gone", logx.String("unit", key.String()))
		return Outcome{Key: key, Skipped: true}, nil
	}
	if err != nil {
		m.retryLater(key, err)
		return Outcome{Key: key}, fmt.Errorf("load unit: %w", err)
	}
	if u.ClosedAt != nil || u.CancelledAt != nil {
		m.log.Debug("finalize skipped; unit already closed", logx.String("unit", key.String()))
		return Outcome{Key: key, Skipped: true}, nil
	}

	open := *u
	now := m.clock.Now()
	u.ClosedAt = &now
	if err := m.store.SaveUnit(ctx, u); err != nil {
		m.retryLater(key, err)
		return Outcome{Key: key}, fmt.Errorf("close unit: %w", err)
	}

	out, err := m.finalizer.Finalize(ctx, u)
	if err != nil {
		// ctx may have run out during the tally; the reopen gets its own budget.
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), reopenTimeout)
		defer rcancel()
		m.reopen(rctx, &open, err)
		return out, err
	}
	m.publish(eventbus.VoteFinalized, out)
	return out, nil
}

// reopen restores the unit as it was before closing and arms a retry.
func (m *Manager) reopen(ctx context.Context, open *model.RequestedRole, cause error) {
	log := m.log.With(logx.String("unit", open.Key().String()))
	open.ClosedAt = nil
	if err := m.store.SaveUnit(ctx, open); err != nil {
		log.Error("reopen after failed finalization failed; vote left closed without a result",
			logx.Err(err), logx.String("cause", cause.Error()))
		return
	}
	log.Warn("finalization failed; vote reopened", logx.Err(cause))
	m.publish(eventbus.VoteReopened, open.Key())
	m.retryLater(open.Key(), cause)
}

func (m *Manager) retryLater(key model.UnitKey, cause error) {
	at := m.clock.Now().Add(m.settings.Votes().RetryDelay)
	if m.timers.Arm(key, at, m.finalTask(key)) {
		m.log.Info("finalization retry armed", logx.String("unit", key.String()),
			logx.Time("at", at), logx.Err(cause))
	}
}

// pingTask arms the close timer and then sends the reminder, so a failed
// reminder never leaves the vote without a close timer. If the unit cannot be
// loaded the reminder is retried later, but never past deadline: the close
// always stays at the unit's expiry.
func (m *Manager) pingTask(key model.UnitKey, deadline time.Time) engine.Task {
	return engine.Task{
		Name:    "votes.ping",
		Key:     "votes.ping:" + key.String(),
		Timeout: m.timeout,
		Opt:     engine.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			u, err := m.store.GetUnit(ctx, key)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					m.retryPing(key, deadline, err)
				}
				return nil
			}
			if !u.IsOpen() {
				return nil
			}
			if !m.timers.Arm(key, *u.ExpiresAt, m.finalTask(key)) {
				return nil
			}
			m.remind(ctx, u)
			return nil
		},
	}
}

func (m *Manager) retryPing(key model.UnitKey, deadline time.Time, cause error) {
	log := m.log.With(logx.String("unit", key.String()))
	at := m.clock.Now().Add(m.settings.Votes().RetryDelay)
	if at.Before(deadline) {
		if m.timers.Arm(key, at, m.pingTask(key, deadline)) {
			log.Warn("load unit for reminder failed; reminder retry armed", logx.Time("at", at), logx.Err(cause))
		}
		return
	}
	if m.timers.Arm(key, deadline, m.finalTask(key)) {
		log.Warn("load unit for reminder failed; close armed at expiry", logx.Time("at", deadline), logx.Err(cause))
	}
}

func (m *Manager) finalTask(key model.UnitKey) engine.Task {
	return engine.Task{
		Name:    "votes.finalize",
		Key:     "votes.finalize:" + key.String(),
		Timeout: m.timeout,
		Opt:     engine.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			out, err := m.FinalizePoll(ctx, key.RequestID, key.RoleID)
			if err != nil && !errors.Is(err, ErrStopped) {
				m.log.Warn("scheduled finalization failed", logx.String("unit", key.String()), logx.Err(err))
			} else if err == nil && !out.Skipped {
				m.log.Debug("scheduled finalization done", logx.String("unit", key.String()))
			}
			return nil
		},
	}
}

func (m *Manager) enqueueReminder(u model.RequestedRole) {
	err := m.runner.Enqueue(engine.Task{
		Name:    "votes.remind",
		Key:     "votes.remind:" + u.Key().String(),
		Timeout: m.timeout,
		Opt:     engine.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			m.remind(ctx, &u)
			return nil
		},
	})
	if err != nil {
		m.log.Warn("reminder not queued", unitFields(&u, err)...)
	}
}

// remind posts the closing reminder in the vote thread. The dedup key keeps a
// restart from pinging the council twice for the same vote.
func (m *Manager) remind(ctx context.Context, u *model.RequestedRole) {
	msg := ReminderMessage(m.settings.Votes().CouncilRoleID, u.RoleID, *u.ExpiresAt)
	err := m.notifier.Notify(ctx, kit.Notification{
		ChannelID: u.ThreadID,
		Message:   msg,
		DedupKey:  fmt.Sprintf("ping:%s:%s", u.RequestID, u.RoleID),
		Priority:  5,
	})
	if err != nil {
		m.log.Warn("vote reminder not sent", unitFields(u, err)...)
		return
	}
	m.publish(eventbus.VotePinged, u.Key())
}

// ReminderMessage pings the council role when configured, else the role
// being voted on, else @here.
func ReminderMessage(councilRoleID, roleID string, closesAt time.Time) kit.Message {
	ping := councilRoleID
	if ping == "" {
		ping = roleID
	}
	msg := kit.Message{}
	mention := "@here"
	if ping != "" {
		mention = kit.RoleMention(ping)
		msg.Mentions.Roles = []string{ping}
	} else {
		msg.Mentions.Everyone = true
	}
	msg.Content = fmt.Sprintf("%s This vote will close %s.", mention, kit.RelativeTime(closesAt))
	return msg
}

func (m *Manager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.inflight.Add(1)
	return true
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.clock.Now(), Data: data})
}

func unitFields(u *model.RequestedRole, err error) []logx.Field {
	return []logx.Field{
		logx.String("request", u.RequestID),
		logx.String("role", u.RoleID),
		logx.String("user", u.UserID),
		logx.Err(err),
	}
}
