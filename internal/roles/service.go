// Package roles keeps persisting-role facts and converges members' actual
// Discord roles toward them.
//
// A fact says "user U should hold role R in guild G until T (or forever)".
// Reconciliation only touches roles some fact manages; a single expiry timer
// tracks the soonest unprocessed expiry across all facts.
package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"councilbot/internal/clock"
	"councilbot/internal/eventbus"
	"councilbot/internal/model"
	"councilbot/internal/runtime/keylock"
	"councilbot/internal/storage"
	"councilbot/internal/task/engine"
	"councilbot/internal/task/scheduler"
	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
	"councilbot/pkg/timespan"
)

var (
	// ErrDuplicate rejects a grant already covered by an existing fact.
	ErrDuplicate = errors.New("member already has a persisting role covering that time")
	// ErrInvalidSpan wraps timespan parse errors.
	ErrInvalidSpan = errors.New("invalid expiry")
)

const expiryKey = "persisting-role-expiry"

// Store is the persistence the service needs. *storage.PersistingRoleRepository satisfies it.
type Store interface {
	Insert(ctx context.Context, p *model.PersistingRole) error
	InsertMany(ctx context.Context, ps []*model.PersistingRole) error
	Get(ctx context.Context, id string) (*model.PersistingRole, error)
	ListForMember(ctx context.Context, guildID, userID, roleID string) ([]model.PersistingRole, error)
	ListByGuild(ctx context.Context, guildID string) ([]model.PersistingRole, error)
	DeleteMatching(ctx context.Context, guildID, userID, roleID string) ([]string, error)
	NextExpiry(ctx context.Context) (*model.PersistingRole, error)
	SetExpiryProcessed(ctx context.Context, id string, processed bool) error
}

// Platform is the slice of transport.Client used for role edits.
type Platform interface {
	WaitReady(ctx context.Context) error
	Guilds() []string
	Member(ctx context.Context, guildID, userID string) (kit.Member, error)
	Members(ctx context.Context, guildID string) ([]kit.Member, error)
	AddRoles(ctx context.Context, guildID, userID string, roleIDs []string) error
	RemoveRoles(ctx context.Context, guildID, userID string, roleIDs []string) error
}

// Grant describes a fact to add.
type Grant struct {
	GuildID  string
	UserID   string
	RoleID   string
	RemoveAt *time.Time
	AddedBy  string
}

// Result reports what one reconciliation changed.
type Result struct {
	Granted []string
	Revoked []string
	// Absent is set when the member is not in the guild.
	Absent bool
}

type Options struct {
	Clock  clock.Clock
	Runner scheduler.Runner
	Bus    eventbus.Bus
	Log    logx.Logger
	// TaskTimeout bounds background reconciliation and expiry tasks.
	TaskTimeout time.Duration
	// RetryDelay spaces expiry attempts while the store is failing.
	RetryDelay time.Duration
}

// Service owns persisting roles. It is safe for concurrent use.
type Service struct {
	store    Store
	platform Platform
	clock    clock.Clock
	runner   scheduler.Runner
	bus      eventbus.Bus
	log      logx.Logger
	timeout  time.Duration
	retry    time.Duration

	// gate serializes store mutations with the armed-expiry bookkeeping.
	gate    sync.Mutex
	armedID string
	armedAt time.Time
	timers  *scheduler.Timers[string]

	members keylock.Map
}

func New(store Store, platform Platform, opt Options) *Service {
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
		opt.TaskTimeout = 30 * time.Second
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = time.Minute
	}
	log := opt.Log.With(logx.String("comp", "roles"))
	return &Service{
		store:    store,
		platform: platform,
		clock:    opt.Clock,
		runner:   opt.Runner,
		bus:      opt.Bus,
		log:      log,
		timeout:  opt.TaskTimeout,
		retry:    opt.RetryDelay,
		timers:   scheduler.NewTimers[string](opt.Clock, opt.Runner, log),
	}
}

// Start waits for the platform, reconciles every guild and arms the expiry timer.
func (s *Service) Start(ctx context.Context) error {
	if err := s.platform.WaitReady(ctx); err != nil {
		return err
	}
	if err := s.ReconcileAll(ctx); err != nil {
		s.log.Warn("startup reconciliation incomplete", logx.Err(err))
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.rearmLocked(ctx)
}

// Stop disposes the expiry timer.
func (s *Service) Stop() {
	s.timers.Stop()
}

// AddPersistingRole stores one fact and reconciles the member.
func (s *Service) AddPersistingRole(ctx context.Context, g Grant) (*model.PersistingRole, error) {
	p := s.fact(g)
	s.gate.Lock()
	if err := s.store.Insert(ctx, p); err != nil {
		s.gate.Unlock()
		return nil, err
	}
	s.considerLocked(p)
	s.gate.Unlock()

	s.publish(eventbus.RoleGranted, p)
	if _, err := s.CheckMemberRoles(ctx, g.GuildID, g.UserID); err != nil {
		s.log.Warn("reconcile after grant failed", memberFields(g.GuildID, g.UserID, err)...)
	}
	return p, nil
}

// AddPersistingRoles stores all facts in one transaction and reconciles each member once.
func (s *Service) AddPersistingRoles(ctx context.Context, grants []Grant) ([]*model.PersistingRole, error) {
	if len(grants) == 0 {
		return nil, nil
	}
	facts := make([]*model.PersistingRole, 0, len(grants))
	for _, g := range grants {
		facts = append(facts, s.fact(g))
	}
	s.gate.Lock()
	if err := s.store.InsertMany(ctx, facts); err != nil {
		s.gate.Unlock()
		return nil, err
	}
	for _, p := range facts {
		s.considerLocked(p)
	}
	s.gate.Unlock()

	seen := map[model.MemberKey]bool{}
	for _, p := range facts {
		s.publish(eventbus.RoleGranted, p)
		k := p.Member()
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, err := s.CheckMemberRoles(ctx, k.GuildID, k.UserID); err != nil {
			s.log.Warn("reconcile after grant failed", memberFields(k.GuildID, k.UserID, err)...)
		}
	}
	return facts, nil
}

// GrantFor parses expireIn and adds a fact unless an existing one already
// covers the requested time.
func (s *Service) GrantFor(ctx context.Context, guildID, userID, roleID, expireIn, by string) (*model.PersistingRole, error) {
	span, err := timespan.Parse(expireIn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpan, err)
	}
	existing, err := s.store.ListForMember(ctx, guildID, userID, roleID)
	if err != nil {
		return nil, err
	}
	removeAt := span.Until(s.clock.Now())
	if covered(existing, removeAt) {
		return nil, ErrDuplicate
	}
	return s.AddPersistingRole(ctx, Grant{GuildID: guildID, UserID: userID, RoleID: roleID, RemoveAt: removeAt, AddedBy: by})
}

// covered reports whether an existing fact already lasts at least until removeAt.
func covered(existing []model.PersistingRole, removeAt *time.Time) bool {
	for _, e := range existing {
		if e.RemoveAt == nil {
			return true
		}
		if removeAt != nil && e.RemoveAt.After(*removeAt) {
			return true
		}
	}
	return false
}

// RemovePersistingRoles deletes a member's facts for roleID and revokes the role.
func (s *Service) RemovePersistingRoles(ctx context.Context, guildID, userID, roleID string) (int, error) {
	s.gate.Lock()
	ids, err := s.store.DeleteMatching(ctx, guildID, userID, roleID)
	if err != nil {
		s.gate.Unlock()
		return 0, err
	}
	for _, id := range ids {
		if id == s.armedID {
			if err := s.rearmLocked(ctx); err != nil {
				s.log.Warn("rearm after remove failed", logx.Err(err))
			}
			break
		}
	}
	s.gate.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := s.CheckMemberRoles(ctx, guildID, userID, roleID); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}

// GetPersistingRoles lists a member's facts newest first; roleID may be empty.
func (s *Service) GetPersistingRoles(ctx context.Context, guildID, userID, roleID string) ([]model.PersistingRole, error) {
	return s.store.ListForMember(ctx, guildID, userID, roleID)
}

// HandleMemberEvent schedules a reconciliation for join and update events.
func (s *Service) HandleMemberEvent(u kit.Update) {
	if u.Member == nil || (u.Kind != kit.UpdateMemberJoin && u.Kind != kit.UpdateMemberUpdate) {
		return
	}
	guildID, userID := u.Member.GuildID, u.Member.User.ID
	if guildID == "" {
		guildID = u.GuildID
	}
	err := s.runner.Enqueue(engine.Task{
		Name:    "roles.reconcile",
		Key:     "roles.reconcile:" + guildID + ":" + userID,
		Timeout: s.timeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapAllow},
		Run: func(ctx context.Context) error {
			_, err := s.CheckMemberRoles(ctx, guildID, userID)
			return err
		},
	})
	if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Warn("member reconcile not queued", memberFields(guildID, userID, err)...)
	}
}

// ArmedExpiry reports the fact the expiry timer is armed for.
func (s *Service) ArmedExpiry() (id string, at time.Time, ok bool) {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.armedID, s.armedAt, s.armedID != ""
}

func (s *Service) fact(g Grant) *model.PersistingRole {
	return &model.PersistingRole{
		GuildID:   g.GuildID,
		UserID:    g.UserID,
		RoleID:    g.RoleID,
		RemoveAt:  g.RemoveAt,
		AddedBy:   g.AddedBy,
		CreatedAt: s.clock.Now(),
	}
}

func (s *Service) publish(typ string, p *model.PersistingRole) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: *p})
}

func memberFields(guildID, userID string, err error) []logx.Field {
	return []logx.Field{logx.String("guild", guildID), logx.String("user", userID), logx.Err(err)}
}

// isGone reports platform errors that mean the member or role no longer exists.
func isGone(err error) bool {
	return errors.Is(err, kit.ErrNotFound) || errors.Is(err, storage.ErrNotFound)
}

func joinIDs(ids []string) string { return strings.Join(ids, ",") }
