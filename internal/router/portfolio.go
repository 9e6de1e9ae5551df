package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"councilbot/internal/config"
	"councilbot/internal/model"
	"councilbot/internal/review"
	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

const settingCouncilRole = "council-role"

// ---- components ----

func (r *Router) startPortfolio(ctx context.Context, req *Request) error {
	in := req.In
	if len(in.Values) == 0 {
		return errNoRoles
	}
	var held []string
	if in.Member != nil {
		held = in.Member.Roles
	}
	res, err := r.reviews.Start(ctx, review.StartInput{
		GuildID:   in.GuildID,
		ChannelID: in.ChannelID,
		User:      in.User,
		HeldRoles: held,
		RoleIDs:   in.Values,
	})
	if err != nil {
		return err
	}
	var fields []kit.EmbedField
	for _, rej := range res.Rejections {
		fields = append(fields, kit.EmbedField{Name: rej.RoleName, Value: string(rej.Reason), Inline: true})
	}
	if res.Request == nil {
		r.reply(ctx, req, kit.Response{Ephemeral: true, Embed: &kit.Embed{
			Title: errNoRoles.Title, Description: errNoRoles.Message, Color: kit.ColorRed, Fields: fields,
		}})
		return nil
	}
	r.reply(ctx, req, kit.Response{Ephemeral: true, Embed: &kit.Embed{
		Title:       "Portfolio Started",
		Description: fmt.Sprintf("Post your portfolio in %s and click **Submit** when you're done.", kit.ChannelMention(res.Thread.ID)),
		Color:       kit.ColorGreen,
		Fields:      fields,
	}})

	// Keep the role select below the new start message.
	if in.MessageID != "" {
		if err := r.reviews.RepostSetup(ctx, in.GuildID, in.ChannelID, in.MessageID); err != nil {
			req.Log.Warn("repost setup message failed", logx.Err(err))
		}
	}
	return nil
}

func (r *Router) submitPortfolio(ctx context.Context, req *Request) error {
	in := req.In
	owner := strings.TrimPrefix(in.CustomID, review.SubmitButtonPrefix)
	found, err := r.reviews.FindForButton(ctx, owner, in.User.ID, in.ChannelID)
	if err != nil {
		return err
	}
	submitted, err := r.reviews.Submit(ctx, found.ID, in.User)
	if err != nil {
		return err
	}
	desc := "Your portfolio was submitted for review."
	for _, u := range submitted.Roles {
		if u.ExpiresAt != nil {
			desc += fmt.Sprintf(" Voting closes %s.", kit.RelativeTime(*u.ExpiresAt))
			break
		}
	}
	r.replyEmbed(ctx, req, kit.ColorGreen, "Submitted", desc, true)
	return nil
}

func (r *Router) cancelPortfolio(ctx context.Context, req *Request) error {
	in := req.In
	owner := strings.TrimPrefix(in.CustomID, review.CancelButtonPrefix)
	found, err := r.reviews.FindForButton(ctx, owner, in.User.ID, in.ChannelID)
	if err != nil {
		return err
	}
	if _, err := r.reviews.Cancel(ctx, found.ID, in.User); err != nil {
		return err
	}
	// The thread holding the button may be gone already.
	r.replyEmbed(ctx, req, kit.ColorGrey, "Cancelled", "Your review request was cancelled.", true)
	return nil
}

// ---- applicable roles ----

func optInt(in *kit.Interaction, name string) (*int, error) {
	raw, ok := in.Options[name]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return nil, review.Userf("Error", "Out of range net votes: `%s`. Must be an integer greater than or equal to 0.", raw)
	}
	return &n, nil
}

func optString(in *kit.Interaction, name string) *string {
	raw, ok := in.Options[name]
	if !ok || raw == "" {
		return nil
	}
	return &raw
}

func (r *Router) applicableAdd(ctx context.Context, req *Request) error {
	in := req.In
	net, err := optInt(in, "net-votes-required")
	if err != nil {
		return err
	}
	a := model.ApplicableRole{
		GuildID:     in.GuildID,
		RoleID:      in.Option("role"),
		Emoji:       in.Option("emoji"),
		Description: in.Option("description"),
		AddedBy:     in.User.ID,
	}
	if net != nil {
		a.NetVotesRequired = *net
	}
	if _, err := r.reviews.AddApplicableRole(ctx, a); err != nil {
		return err
	}
	r.replyEmbed(ctx, req, kit.ColorGreen, "Added Applicable Role",
		fmt.Sprintf("%s has been added as a role that can be applied for.", kit.RoleMention(a.RoleID)), false)
	return nil
}

func (r *Router) applicableEdit(ctx context.Context, req *Request) error {
	in := req.In
	net, err := optInt(in, "net-votes-required")
	if err != nil {
		return err
	}
	roleID := in.Option("role")
	edit := review.ApplicableRoleEdit{
		Emoji:            optString(in, "emoji"),
		Description:      optString(in, "description"),
		NetVotesRequired: net,
	}
	if _, err := r.reviews.EditApplicableRole(ctx, in.GuildID, roleID, edit); err != nil {
		return err
	}
	r.replyEmbed(ctx, req, kit.ColorGreen, "Updated Applicable Role",
		fmt.Sprintf("%s has been modified.", kit.RoleMention(roleID)), false)
	return nil
}

func (r *Router) applicableRemove(ctx context.Context, req *Request) error {
	in := req.In
	roleID := in.Option("role")
	if err := r.reviews.RemoveApplicableRole(ctx, in.GuildID, roleID); err != nil {
		return err
	}
	r.replyEmbed(ctx, req, kit.ColorGreen, "Removed Applicable Role",
		fmt.Sprintf("%s is no longer a role that can be applied for.", kit.RoleMention(roleID)), false)
	return nil
}

func (r *Router) applicableList(ctx context.Context, req *Request) error {
	listed, err := r.reviews.ListApplicableRoles(ctx, req.In.GuildID)
	if err != nil {
		return err
	}
	if len(listed) == 0 {
		return review.ErrNoRoles
	}
	def := r.settings.Votes().NetVotesRequired
	var b strings.Builder
	for _, a := range listed {
		net := fmt.Sprintf("%d net votes", a.NetVotesRequired)
		if a.NetVotesRequired == 0 {
			net = fmt.Sprintf("%d net votes (default)", def)
		}
		fmt.Fprintf(&b, "%s %s - %s | %s\n", a.Emoji, kit.RoleMention(a.RoleID), a.Description, net)
	}
	r.replyEmbed(ctx, req, kit.ColorBrand, "Applicable Roles", strings.TrimSuffix(b.String(), "\n"), true)
	return nil
}

// ---- setup & configuration ----

func (r *Router) setupRoleSelect(ctx context.Context, req *Request) error {
	if _, err := r.reviews.PostSetup(ctx, req.In.GuildID, req.In.ChannelID); err != nil {
		return err
	}
	r.replyEmbed(ctx, req, kit.ColorGreen, "Role Select Posted", "The role selection message was posted.", true)
	return nil
}

func (r *Router) configSetRole(ctx context.Context, req *Request) error {
	in := req.In
	setting, roleID := in.Option("setting"), in.Option("role")
	if setting != settingCouncilRole {
		r.replyEmbed(ctx, req, kit.ColorRed, "No Setting Found",
			fmt.Sprintf("There isn't a role setting called `%s`.", setting), true)
		return nil
	}
	old := r.settings.Votes().CouncilRoleID
	if _, err := r.settings.UpdateVotes(ctx, func(s *config.VoteSettings) { s.CouncilRoleID = roleID }); err != nil {
		return err
	}
	desc := fmt.Sprintf("Set the value of Council Role:\n**%s -> %s**", roleOrNone(old), kit.RoleMention(roleID))
	if err := r.settings.Save(); err != nil {
		req.Log.Error("config save failed", logx.Err(err))
		desc += "\nThe change is live but could not be written to the config file."
	}
	r.replyEmbed(ctx, req, kit.ColorGreen, "Set Configuration Value", desc, false)
	return nil
}

func roleOrNone(roleID string) string {
	if roleID == "" {
		return "`none`"
	}
	return kit.RoleMention(roleID)
}
