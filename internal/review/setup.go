package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"councilbot/internal/model"
	"councilbot/internal/storage"
	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

const (
	MaxEmojiLen       = 32
	MaxDescriptionLen = 100
	maxEmbedText      = 4096
)

var (
	ErrRoleListed    = &UserError{Title: "Already Added", Message: "That role can already be applied for."}
	ErrRoleNotListed = &UserError{Title: "Not Added", Message: "That role is not a role that can be applied for."}
	ErrNoChanges     = &UserError{Title: "No Changes Made", Message: "You did not specify any optional arguments."}
)

// ApplicableRoleEdit carries the optional fields of an edit. Nil leaves a field unchanged.
type ApplicableRoleEdit struct {
	Emoji            *string
	Description      *string
	NetVotesRequired *int
}

func validateApplicable(emoji, description string, net int) error {
	if utf8.RuneCountInString(emoji) > MaxEmojiLen {
		return Userf("Error", "Emoji must be at most %d characters.", MaxEmojiLen)
	}
	if strings.TrimSpace(description) == "" || utf8.RuneCountInString(description) > MaxDescriptionLen {
		return Userf("Error", "Description must be 1 to %d characters.", MaxDescriptionLen)
	}
	if net < 0 {
		return Userf("Error", "Out of range net votes: `%d`. Must be an integer greater than or equal to 0.", net)
	}
	return nil
}

// AddApplicableRole lists a role on the setup message.
func (s *Service) AddApplicableRole(ctx context.Context, a model.ApplicableRole) (*model.ApplicableRole, error) {
	a.Emoji = strings.TrimSpace(a.Emoji)
	if err := validateApplicable(a.Emoji, a.Description, a.NetVotesRequired); err != nil {
		return nil, err
	}
	if err := s.applicable.Add(ctx, &a); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrRoleListed
		}
		return nil, err
	}
	s.log.Info("applicable role added", logx.String("guild", a.GuildID), logx.String("role", a.RoleID))
	return &a, nil
}

// EditApplicableRole changes the given fields of a listed role.
func (s *Service) EditApplicableRole(ctx context.Context, guildID, roleID string, e ApplicableRoleEdit) (*model.ApplicableRole, error) {
	if e.Emoji == nil && e.Description == nil && e.NetVotesRequired == nil {
		return nil, ErrNoChanges
	}
	a, err := s.applicable.Get(ctx, guildID, roleID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRoleNotListed
	}
	if err != nil {
		return nil, err
	}
	if e.Emoji != nil {
		a.Emoji = strings.TrimSpace(*e.Emoji)
	}
	if e.Description != nil {
		a.Description = *e.Description
	}
	if e.NetVotesRequired != nil {
		a.NetVotesRequired = *e.NetVotesRequired
	}
	if err := validateApplicable(a.Emoji, a.Description, a.NetVotesRequired); err != nil {
		return nil, err
	}
	if err := s.applicable.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) RemoveApplicableRole(ctx context.Context, guildID, roleID string) error {
	ok, err := s.applicable.Remove(ctx, guildID, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoleNotListed
	}
	s.log.Info("applicable role removed", logx.String("guild", guildID), logx.String("role", roleID))
	return nil
}

func (s *Service) ListApplicableRoles(ctx context.Context, guildID string) ([]model.ApplicableRole, error) {
	return s.applicable.List(ctx, guildID)
}

// SetupMessage builds the "Apply for Membership" message with one select
// option per applicable role. Roles deleted from the guild are unlisted.
func (s *Service) SetupMessage(ctx context.Context, guildID string) (kit.Message, error) {
	listed, err := s.applicable.List(ctx, guildID)
	if err != nil {
		return kit.Message{}, err
	}
	sel := &kit.Select{CustomID: StartPortfolioMenu, Placeholder: "Choose roles to apply for", MinValues: 1}
	for _, a := range listed {
		role, err := s.platform.Role(ctx, guildID, a.RoleID)
		if errors.Is(err, kit.ErrNotFound) {
			s.log.Warn("applicable role missing from guild; unlisting", logx.String("role", a.RoleID),
				logx.String("description", a.Description))
			if _, err := s.applicable.Remove(ctx, guildID, a.RoleID); err != nil {
				s.log.Warn("unlist missing role failed", logx.Err(err))
			}
			continue
		}
		if err != nil {
			return kit.Message{}, fmt.Errorf("load role %s: %w", a.RoleID, err)
		}
		sel.Options = append(sel.Options, kit.SelectOption{
			Label:       role.Name,
			Value:       a.RoleID,
			Description: a.Description,
			Emoji:       a.Emoji,
		})
	}
	if len(sel.Options) == 0 {
		return kit.Message{}, ErrNoRoles
	}
	sel.MaxValues = len(sel.Options)
	return kit.Message{
		Embed: &kit.Embed{
			Title: "Apply for Membership",
			Description: "Choose which roles you'd like to apply to, " +
				"then present your portfolio in your personal application thread.",
			Color: kit.ColorBrand,
		},
		Select: sel,
	}, nil
}

// PostSetup sends a fresh setup message to channelID.
func (s *Service) PostSetup(ctx context.Context, guildID, channelID string) (string, error) {
	msg, err := s.SetupMessage(ctx, guildID)
	if err != nil {
		return "", err
	}
	return s.platform.SendMessage(ctx, channelID, msg)
}

// RepostSetup moves the setup message to the bottom of its channel after a
// member used it, so it stays below the portfolio start messages.
func (s *Service) RepostSetup(ctx context.Context, guildID, channelID, oldMessageID string) error {
	if _, err := s.PostSetup(ctx, guildID, channelID); err != nil {
		return err
	}
	s.deleteMessage(ctx, channelID, oldMessageID)
	return nil
}

// FormatHistory renders requests for the vote history view. roleName and
// voterMention resolve display text; the result is capped at the embed limit.
func FormatHistory(requests []model.ReviewRequest, roleName func(roleID string) string, voterMention func(v model.Vote) string) string {
	var b strings.Builder
	for _, req := range requests {
		if b.Len() != 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Request at %s.\n**Roles**\n", kit.LongTime(req.StartedAt))
		for _, u := range req.Roles {
			fmt.Fprintf(&b, "__%s__", roleName(u.RoleID))
			switch {
			case u.CancelledAt != nil || (req.CancelledAt != nil && u.SubmittedAt == nil):
				b.WriteString(" - Cancelled.\n")
				continue
			case u.ClosedUnderError:
				b.WriteString(" - Closed by error.\n")
				continue
			case u.ClosedAt == nil && u.SubmittedAt != nil:
				fmt.Fprintf(&b, " - Open, closes %s.\n", kit.RelativeTime(*u.ExpiresAt))
				continue
			case u.SubmittedAt == nil:
				b.WriteString(" - Not submitted.\n")
				continue
			}
			fmt.Fprintf(&b, " `%d-%d`\n", u.YesVotes, u.NoVotes)
			for _, v := range u.Votes {
				if v.Yes {
					b.WriteString(":white_check_mark: ")
				} else {
					b.WriteString(":x: ")
				}
				b.WriteString(voterMention(v))
				b.WriteString("\n")
			}
		}
		if b.Len() >= maxEmbedText {
			break
		}
	}
	return truncate(b.String(), maxEmbedText)
}
