// Package router dispatches platform updates: slash commands and components
// go to the review and role services, member events to role reconciliation.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"councilbot/internal/clock"
	"councilbot/internal/config"
	"councilbot/internal/model"
	"councilbot/internal/review"
	"councilbot/internal/roles"
	kit "councilbot/internal/transport"
	"councilbot/internal/votes"
	logx "councilbot/pkg/logx"
)

// Platform is the slice of transport.Client the router calls directly.
type Platform interface {
	Respond(ctx context.Context, in *kit.Interaction, resp kit.Response) error
	Member(ctx context.Context, guildID, userID string) (kit.Member, error)
}

// Roles is the persisting-role surface. *roles.Service satisfies it.
type Roles interface {
	GrantFor(ctx context.Context, guildID, userID, roleID, expireIn, by string) (*model.PersistingRole, error)
	RemovePersistingRoles(ctx context.Context, guildID, userID, roleID string) (int, error)
	GetPersistingRoles(ctx context.Context, guildID, userID, roleID string) ([]model.PersistingRole, error)
	HandleMemberEvent(u kit.Update)
}

// Reviews is the application workflow. *review.Service satisfies it.
type Reviews interface {
	Start(ctx context.Context, in review.StartInput) (*review.StartResult, error)
	FindForButton(ctx context.Context, ownerID, actorID, threadID string) (*model.ReviewRequest, error)
	Submit(ctx context.Context, requestID string, actor kit.User) (*model.ReviewRequest, error)
	Cancel(ctx context.Context, requestID string, actor kit.User) (*model.ReviewRequest, error)
	AllowResubmit(ctx context.Context, guildID, userID, roleID, approverID string) (int, error)
	History(ctx context.Context, guildID, userID string) ([]model.ReviewRequest, error)
	EndEarly(ctx context.Context, threadID string) (votes.Outcome, *model.RequestedRole, error)

	AddApplicableRole(ctx context.Context, a model.ApplicableRole) (*model.ApplicableRole, error)
	EditApplicableRole(ctx context.Context, guildID, roleID string, e review.ApplicableRoleEdit) (*model.ApplicableRole, error)
	RemoveApplicableRole(ctx context.Context, guildID, roleID string) error
	ListApplicableRoles(ctx context.Context, guildID string) ([]model.ApplicableRole, error)
	PostSetup(ctx context.Context, guildID, channelID string) (string, error)
	RepostSetup(ctx context.Context, guildID, channelID, oldMessageID string) error
}

// Settings is the live vote configuration. *config.Live satisfies it.
type Settings interface {
	Votes() config.VoteSettings
	UpdateVotes(ctx context.Context, fn func(*config.VoteSettings)) (config.VoteSettings, error)
	Save() error
}

var (
	_ Roles    = (*roles.Service)(nil)
	_ Reviews  = (*review.Service)(nil)
	_ Settings = (*config.Live)(nil)
)

type Options struct {
	Clock clock.Clock
	Log   logx.Logger
	Audit Auditor
	// Workers defaults to NumCPU, at least 2.
	Workers   int
	QueueSize int
	// Timeout bounds one handler.
	Timeout time.Duration
}

// Request is one routed interaction.
type Request struct {
	In    *kit.Interaction
	Route string
	ReqID string
	Log   logx.Logger
}

type Router struct {
	platform Platform
	roles    Roles
	reviews  Reviews
	settings Settings

	clock   clock.Clock
	log     logx.Logger
	audit   Auditor
	workers int
	timeout time.Duration

	commands   map[string]route
	components []componentRoute

	jobs chan func()
}

func New(platform Platform, r Roles, reviews Reviews, settings Settings, opt Options) *Router {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = max(runtime.NumCPU(), 2)
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 2 * time.Minute
	}
	rt := &Router{
		platform: platform,
		roles:    r,
		reviews:  reviews,
		settings: settings,
		clock:    opt.Clock,
		log:      opt.Log.With(logx.String("comp", "router")),
		audit:    opt.Audit,
		workers:  opt.Workers,
		timeout:  opt.Timeout,
		jobs:     make(chan func(), opt.QueueSize),
	}
	rt.commands = rt.commandRoutes()
	rt.components = rt.componentRoutes()
	return rt
}

// Run consumes updates until ctx ends or updates is closed, then waits for
// in-flight handlers.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	r.log.Info("dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var wg sync.WaitGroup
	wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic in dispatch worker", logx.Int("worker", idx), logx.Any("panic", rec),
						logx.Stack(string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		close(r.jobs)
		wg.Wait()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("updates channel closed")
				return nil
			}
			r.route(ctx, up, r.enqueue)
		}
	}
}

func (r *Router) enqueue(ctx context.Context, in *kit.Interaction, job func()) {
	select {
	case r.jobs <- job:
	default:
		_ = r.platform.Respond(ctx, in, kit.Response{Content: "Busy, try again in a moment.", Ephemeral: true})
	}
}

// Dispatch handles one update on the calling goroutine.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	r.route(ctx, up, func(_ context.Context, _ *kit.Interaction, job func()) { job() })
}

type runFunc func(ctx context.Context, in *kit.Interaction, job func())

func (r *Router) route(ctx context.Context, up kit.Update, run runFunc) {
	switch up.Kind {
	case kit.UpdateMemberJoin, kit.UpdateMemberUpdate:
		r.roles.HandleMemberEvent(up)
	case kit.UpdateInteraction:
		if up.Interaction != nil {
			r.routeInteraction(ctx, up.Interaction, run)
		}
	}
}

func (r *Router) routeInteraction(ctx context.Context, in *kit.Interaction, run runFunc) {
	var (
		name string
		rt   route
		ok   bool
	)
	switch in.Kind {
	case kit.InteractionCommand:
		name = strings.TrimSpace(in.Command + " " + in.Subcommand)
		rt, ok = r.commands[name]
	case kit.InteractionComponent:
		for _, c := range r.components {
			if c.match(in.CustomID) {
				name, rt, ok = c.name, c.route, true
				break
			}
		}
	}
	if !ok {
		r.log.Debug("unrouted interaction", logx.String("command", in.Command), logx.String("custom_id", in.CustomID))
		return
	}

	req := &Request{In: in, Route: name, ReqID: uuid.NewString()[:8]}
	req.Log = r.log.With(logx.String("rid", req.ReqID), logx.String("route", name))

	mw := []Middleware{MWRequestLog(r.clock)}
	if rt.access != accessEveryone {
		mw = append(mw, MWAudit(r.audit, r.clock))
	}
	mw = append(mw, r.MWReply(), MWPanicRecover(), MWTimeout(r.timeout))
	final := Chain(r.guard(rt), mw...)

	run(ctx, in, func() { _ = final(ctx, req) })
}

// guard checks the guild context and permissions, and defers the reply for
// slow routes.
func (r *Router) guard(rt route) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		in := req.In
		if in.GuildID == "" {
			return errGuildOnly
		}
		switch rt.access {
		case accessManageRoles:
			if !in.CanManageRoles {
				return errNoPermission("Manage Roles")
			}
		case accessAdmin:
			if !in.IsAdmin {
				return errNoPermission("Administrator")
			}
		}
		if rt.deferred {
			if err := r.platform.Respond(ctx, in, kit.Response{Defer: true, Ephemeral: rt.ephemeral}); err != nil {
				req.Log.Debug("defer failed", logx.Err(err))
			}
		}
		return rt.handle(ctx, req)
	}
}
