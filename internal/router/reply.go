package router

import (
	"context"
	"errors"

	"councilbot/internal/review"
	"councilbot/internal/roles"
	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

var (
	errGuildOnly     = &review.UserError{Title: "Server Only", Message: "This must be used in a server."}
	errNoRoles       = &review.UserError{Title: "No Roles Selected", Message: "You must apply for at least one role."}
	errBotPermission = &review.UserError{Title: "No Manage Roles Permission", Message: "The bot must have the `manage roles` or `administrator` permission."}
)

func errNoPermission(perm string) *review.UserError {
	return review.Userf("No Permissions", "You need the `%s` permission to do that.", perm)
}

// describe maps err to the title and text shown to the member. Unknown errors
// are never shown raw.
func describe(err error) (title, message string) {
	if ue, ok := review.AsUserError(err); ok {
		return ue.Title, ue.Message
	}
	switch {
	case errors.Is(err, roles.ErrDuplicate):
		return "Duplicate Role Persist", "There's already a role persist for this role for at least the time requested."
	case errors.Is(err, roles.ErrInvalidSpan):
		return "Invalid Time", "Expire in format `1d 3hr 5min` or `permanent`."
	case errors.Is(err, kit.ErrForbidden):
		return errBotPermission.Title, errBotPermission.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed Out", "That took too long. Try again later."
	}
	return "Error", "Something went wrong. The error was logged."
}

func (r *Router) replyError(ctx context.Context, req *Request, err error) {
	title, msg := describe(err)
	// the handler context may have timed out
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	r.reply(rctx, req, kit.Response{
		Embed:     &kit.Embed{Title: title, Description: msg, Color: kit.ColorRed},
		Ephemeral: true,
	})
}

func (r *Router) reply(ctx context.Context, req *Request, resp kit.Response) {
	if err := r.platform.Respond(ctx, req.In, resp); err != nil {
		req.Log.Warn("reply failed", logx.Err(err))
	}
}

func (r *Router) replyEmbed(ctx context.Context, req *Request, color int, title, desc string, ephemeral bool) {
	r.reply(ctx, req, kit.Response{
		Embed:     &kit.Embed{Title: title, Description: desc, Color: color},
		Ephemeral: ephemeral,
	})
}
