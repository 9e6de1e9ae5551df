package router

import (
	"context"
	"errors"
	"fmt"

	"councilbot/internal/model"
	"councilbot/internal/review"
	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

func (r *Router) voteEndEarly(ctx context.Context, req *Request) error {
	out, u, err := r.reviews.EndEarly(ctx, req.In.ChannelID)
	if err != nil {
		return err
	}
	if out.Skipped {
		return review.ErrNoOpenVote
	}
	desc := "This poll was ended early."
	if u.ExpiresAt != nil {
		desc = fmt.Sprintf("This poll was supposed to end %s.", kit.RelativeTime(*u.ExpiresAt))
	}
	switch {
	case out.ClosedUnderError:
		desc += "\nThe vote was closed with an error."
	case out.Accepted != nil && *out.Accepted:
		desc += fmt.Sprintf("\nAccepted `%d-%d`.", out.Yes, out.No)
	case out.Accepted != nil:
		desc += fmt.Sprintf("\nRejected `%d-%d`.", out.Yes, out.No)
	}
	r.replyEmbed(ctx, req, kit.ColorGreen, "Ended Poll Early", desc, false)
	return nil
}

func (r *Router) voteAllowResubmit(ctx context.Context, req *Request) error {
	in := req.In
	userID, roleID := in.Option("user"), in.Option("role")
	n, err := r.reviews.AllowResubmit(ctx, in.GuildID, userID, roleID, in.User.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		r.replyEmbed(ctx, req, kit.ColorRed, "No Active Request Restrictions",
			fmt.Sprintf("%s doesn't have any review request restrictions for %s.", mention(userID), kit.RoleMention(roleID)), true)
		return nil
	}
	plural := "s"
	if n == 1 {
		plural = ""
	}
	r.replyEmbed(ctx, req, kit.ColorGreen, "Lifted Request Restrictions",
		fmt.Sprintf("Lifted restrictions from %d previous request%s.", n, plural), false)
	return nil
}

func (r *Router) voteView(ctx context.Context, req *Request) error {
	in := req.In
	userID := in.Option("user")
	history, err := r.reviews.History(ctx, in.GuildID, userID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		r.replyEmbed(ctx, req, kit.ColorRed, "No History",
			fmt.Sprintf("%s doesn't have any review requests.", mention(userID)), true)
		return nil
	}
	present := map[string]bool{}
	voter := func(v model.Vote) string {
		ok, seen := present[v.UserID]
		if !seen {
			_, err := r.platform.Member(ctx, in.GuildID, v.UserID)
			ok = err == nil
			if err != nil && !errors.Is(err, kit.ErrNotFound) {
				req.Log.Debug("voter lookup failed", logx.Err(err))
			}
			present[v.UserID] = ok
		}
		if ok {
			return mention(v.UserID)
		}
		return fmt.Sprintf("%s (%s)", v.GlobalName, v.UserName)
	}
	desc := review.FormatHistory(history, kit.RoleMention, voter)
	r.replyEmbed(ctx, req, kit.ColorGreen, "Review Request History", desc, true)
	return nil
}
