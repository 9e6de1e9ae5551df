package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"councilbot/internal/clock"
	"councilbot/internal/storage"
	logx "councilbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs outermost.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(clk clock.Clock) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := clk.Now()
			err := next(ctx, req)
			fields := []logx.Field{
				logx.String("kind", string(req.In.Kind)),
				logx.String("guild", req.In.GuildID),
				logx.String("channel", req.In.ChannelID),
				logx.String("user", req.In.User.ID),
				logx.String("route", req.Route),
				logx.Duration("dur", clk.Now().Sub(start)),
			}
			if err != nil {
				req.Log.Warn("request failed", append(fields, logx.Err(err))...)
			} else {
				req.Log.Info("request ok", fields...)
			}
			return err
		}
	}
}

// MWReply turns a handler error into a reply to the member. The error still
// propagates for logging and audit.
func (r *Router) MWReply() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil {
				r.replyError(ctx, req, err)
			}
			return err
		}
	}
}

// Auditor records administrative actions. *storage.AuditRepository satisfies it.
type Auditor interface {
	Append(ctx context.Context, e storage.AuditEntry) error
}

// MWAudit appends one audit entry per admin request.
func MWAudit(a Auditor, clk clock.Clock) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if a == nil {
				return err
			}
			e := storage.AuditEntry{
				At:      clk.Now(),
				GuildID: req.In.GuildID,
				ActorID: req.In.User.ID,
				Action:  req.Route,
				Target:  auditTarget(req.In.Options),
				OK:      err == nil,
			}
			if err != nil {
				e.Detail = err.Error()
			}
			// ctx may already be past its deadline when the handler timed out.
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if aerr := a.Append(actx, e); aerr != nil {
				req.Log.Warn("audit append failed", logx.Err(aerr))
			}
			return err
		}
	}
}

func auditTarget(opts map[string]string) string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+opts[k])
	}
	return strings.Join(parts, " ")
}
