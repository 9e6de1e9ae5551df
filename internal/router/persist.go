package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"councilbot/internal/model"
	"councilbot/internal/roles"
	kit "councilbot/internal/transport"
)

const maxDescription = 4096

func (r *Router) rolePersistAdd(ctx context.Context, req *Request) error {
	in := req.In
	userID, roleID := in.Option("user"), in.Option("role")
	expireIn := in.Option("expire-in")
	if expireIn == "" {
		expireIn = "permanent"
	}
	p, err := r.roles.GrantFor(ctx, in.GuildID, userID, roleID, expireIn, in.User.ID)
	if errors.Is(err, roles.ErrDuplicate) {
		r.replyEmbed(ctx, req, kit.ColorRed, "Duplicate Role Persist",
			fmt.Sprintf("There's already a role persist for this role on %s for at least the time requested.", mention(userID)), true)
		return nil
	}
	if err != nil {
		return err
	}
	until := "it's removed"
	if p.RemoveAt != nil {
		until = kit.LongTime(*p.RemoveAt)
	}
	r.replyEmbed(ctx, req, kit.ColorGreen, "Added Persisting Role",
		fmt.Sprintf("%s will have %s until %s.", mention(userID), kit.RoleMention(roleID), until), false)
	return nil
}

func (r *Router) rolePersistRemove(ctx context.Context, req *Request) error {
	in := req.In
	userID, roleID := in.Option("user"), in.Option("role")
	n, err := r.roles.RemovePersistingRoles(ctx, in.GuildID, userID, roleID)
	if err != nil {
		return err
	}
	switch n {
	case 0:
		r.replyEmbed(ctx, req, kit.ColorRed, "No Persisting Role",
			fmt.Sprintf("There isn't a persisting %s on %s.", kit.RoleMention(roleID), mention(userID)), true)
	case 1:
		r.replyEmbed(ctx, req, kit.ColorGreen, "Removed Persisting Role",
			fmt.Sprintf("Removed persisting %s from %s.", kit.RoleMention(roleID), mention(userID)), false)
	default:
		r.replyEmbed(ctx, req, kit.ColorGreen, "Removed Persisting Roles",
			fmt.Sprintf("Removed %d persisting %s's from %s.", n, kit.RoleMention(roleID), mention(userID)), false)
	}
	return nil
}

func (r *Router) rolePersistCheck(ctx context.Context, req *Request) error {
	in := req.In
	userID := in.Option("user")
	facts, err := r.roles.GetPersistingRoles(ctx, in.GuildID, userID, "")
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		r.replyEmbed(ctx, req, kit.ColorGreen, "No Persisting Roles",
			fmt.Sprintf("There aren't any persisting roles on %s.", mention(userID)), true)
		return nil
	}

	var history []model.ReviewRequest
	for _, f := range facts {
		if f.AddedBy == "" {
			if history, err = r.reviews.History(ctx, in.GuildID, userID); err != nil {
				return err
			}
			break
		}
	}
	desc := FormatPersisting(r.clock.Now(), facts, func(roleID string) *model.RequestedRole {
		return lastClosedVote(history, roleID)
	})
	r.replyEmbed(ctx, req, kit.ColorGreen, "Persisting Roles", desc, true)
	return nil
}

// lastClosedVote finds the newest closed vote for roleID. history is newest first.
func lastClosedVote(history []model.ReviewRequest, roleID string) *model.RequestedRole {
	for i := range history {
		for j := range history[i].Roles {
			u := &history[i].Roles[j]
			if u.RoleID == roleID && u.ClosedAt != nil {
				return u
			}
		}
	}
	return nil
}

// FormatPersisting renders a member's active persisting roles. vote resolves
// the tally behind a role granted by vote, or nil.
func FormatPersisting(now time.Time, facts []model.PersistingRole, vote func(roleID string) *model.RequestedRole) string {
	active := 0
	for _, f := range facts {
		if !f.IsExpired(now) {
			active++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**%d Active Role", active)
	if active != 1 {
		b.WriteString("s")
	}
	b.WriteString("**")

	for _, f := range facts {
		if f.IsExpired(now) {
			continue
		}
		var row strings.Builder
		fmt.Fprintf(&row, "\n\n%s %s", ClockEmoji(now, f), kit.RoleMention(f.RoleID))
		if f.RemoveAt != nil {
			fmt.Fprintf(&row, " | Expires %s", kit.RelativeTime(*f.RemoveAt))
		}
		if f.AddedBy != "" {
			fmt.Fprintf(&row, "\nAdded by %s", mention(f.AddedBy))
		} else {
			row.WriteString("\nAdded by vote")
			if u := vote(f.RoleID); u != nil && u.YesVotes+u.NoVotes > 0 {
				fmt.Fprintf(&row, " `%d-%d`", u.YesVotes, u.NoVotes)
			}
		}
		fmt.Fprintf(&row, " at %s", kit.LongTime(f.CreatedAt))

		if b.Len()+row.Len() > maxDescription {
			if b.Len() <= maxDescription-3 {
				b.WriteString("...")
			}
			break
		}
		b.WriteString(row.String())
	}
	return b.String()
}

// ClockEmoji picks a clock face by how much of the role's lifetime has passed,
// from twelve o'clock at the start to eleven near the end.
func ClockEmoji(now time.Time, p model.PersistingRole) string {
	if p.RemoveAt == nil {
		return ":infinity:"
	}
	total := p.RemoveAt.Sub(p.CreatedAt)
	progress := 1.0
	if total > 0 {
		progress = 1 - float64(p.RemoveAt.Sub(now))/float64(total)
	}
	progress = math.Min(math.Max(progress, 0), 1)
	face := (int(math.Round(11*progress)) + 11) % 12
	return fmt.Sprintf(":clock%d:", face+1)
}

func mention(userID string) string { return kit.User{ID: userID}.Mention() }
