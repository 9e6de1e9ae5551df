// Package discord adapts a discordgo session to transport.Client.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "councilbot/internal/runtime/supervisor"
	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

type Config struct {
	Token string
	// GuildIDs limits command registration; empty means every joined guild.
	GuildIDs []string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	s       *discordgo.Session
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	ready     chan struct{}
	readyOnce sync.Once

	// deferred tracks interactions acknowledged with Defer so the next Respond edits instead.
	deferred sync.Map

	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages
	s.StateEnabled = true

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, s: s, ready: make(chan struct{})}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Session exposes the raw session for diagnostics.
func (a *Adapter) Session() *discordgo.Session { return a.s }

func (a *Adapter) registerHandlers() {
	a.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.log.Info("gateway ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
		a.readyOnce.Do(func() { close(a.ready) })
		a.sendUpdate(kit.Update{Kind: kit.UpdateReady})
	})
	a.s.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.Member == nil {
			return
		}
		mem := toMember(m.GuildID, m.Member)
		a.sendUpdate(kit.Update{Kind: kit.UpdateMemberJoin, GuildID: m.GuildID, Member: &mem})
	})
	a.s.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if m.Member == nil {
			return
		}
		mem := toMember(m.GuildID, m.Member)
		a.sendUpdate(kit.Update{Kind: kit.UpdateMemberUpdate, GuildID: m.GuildID, Member: &mem})
	})
	a.s.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		if m.Member == nil {
			return
		}
		mem := toMember(m.GuildID, m.Member)
		a.sendUpdate(kit.Update{Kind: kit.UpdateMemberRemoved, GuildID: m.GuildID, Member: &mem})
	})
	a.s.AddHandler(func(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
		in := toInteraction(ic.Interaction)
		if in == nil {
			return
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateInteraction, GuildID: in.GuildID, Interaction: in})
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	if err := a.s.Open(); err != nil {
		var nilOut chan<- kit.Update
		a.out.Store(nilOut)
		a.runMu.Unlock()
		return err
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("discord stop error", logx.Err(err))
		}
	}
	if err := a.s.Close(); err != nil {
		a.log.Debug("gateway close", logx.Err(err))
	}
	return nil
}

func (a *Adapter) WaitReady(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the first gateway READY has been received.
func (a *Adapter) Ready() bool {
	select {
	case <-a.ready:
		return true
	default:
		return false
	}
}

func (a *Adapter) BotUserID() string {
	if a.s.State == nil || a.s.State.User == nil {
		return ""
	}
	return a.s.State.User.ID
}

func (a *Adapter) Guilds() []string {
	if a.s.State == nil {
		return nil
	}
	a.s.State.RLock()
	defer a.s.State.RUnlock()
	out := make([]string, 0, len(a.s.State.Guilds))
	for _, g := range a.s.State.Guilds {
		out = append(out, g.ID)
	}
	return out
}

var _ kit.Client = (*Adapter)(nil)
