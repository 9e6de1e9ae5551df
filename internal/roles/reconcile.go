package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"councilbot/internal/eventbus"
	"councilbot/internal/model"
	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

// CheckMemberRoles converges one member toward their facts. Roles in force are
// treated as managed even when no remaining fact mentions them, so a removed
// fact's role is revoked.
func (s *Service) CheckMemberRoles(ctx context.Context, guildID, userID string, force ...string) (Result, error) {
	unlock := s.members.Lock(guildID + ":" + userID)
	defer unlock()

	member, err := s.platform.Member(ctx, guildID, userID)
	if errors.Is(err, kit.ErrNotFound) {
		return Result{Absent: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load member: %w", err)
	}
	facts, err := s.store.ListForMember(ctx, guildID, userID, "")
	if err != nil {
		return Result{}, fmt.Errorf("load facts: %w", err)
	}
	return s.reconcile(ctx, member, facts, force)
}

// plan is the role diff for one member.
type plan struct {
	grant  []string
	revoke []string
}

// diff computes grant = desired-actual and revoke = (managed-desired) ∩ actual.
// A role is desired while any fact for it is unexpired. It is managed when a
// fact for it is unexpired or expired but not yet processed, or when forced.
func diff(now time.Time, actual []string, facts []model.PersistingRole, force []string) plan {
	desired := map[string]bool{}
	managed := map[string]bool{}
	for _, f := range facts {
		if !f.IsExpired(now) {
			desired[f.RoleID] = true
			managed[f.RoleID] = true
		} else if !f.ExpiryProcessed {
			managed[f.RoleID] = true
		}
	}
	for _, r := range force {
		managed[r] = true
	}
	held := map[string]bool{}
	for _, r := range actual {
		held[r] = true
	}

	var p plan
	for r := range desired {
		if !held[r] {
			p.grant = append(p.grant, r)
		}
	}
	for r := range managed {
		if !desired[r] && held[r] {
			p.revoke = append(p.revoke, r)
		}
	}
	sort.Strings(p.grant)
	sort.Strings(p.revoke)
	return p
}

func (s *Service) reconcile(ctx context.Context, member kit.Member, facts []model.PersistingRole, force []string) (Result, error) {
	now := s.clock.Now()
	p := diff(now, member.Roles, facts, force)
	guildID, userID := member.GuildID, member.User.ID

	var res Result
	var errs []error
	if len(p.grant) > 0 {
		if err := s.platform.AddRoles(ctx, guildID, userID, p.grant); err != nil {
			errs = append(errs, fmt.Errorf("grant %s: %w", joinIDs(p.grant), err))
		} else {
			res.Granted = p.grant
		}
	}
	revokeFailed := false
	if len(p.revoke) > 0 {
		if err := s.platform.RemoveRoles(ctx, guildID, userID, p.revoke); err != nil {
			revokeFailed = true
			errs = append(errs, fmt.Errorf("revoke %s: %w", joinIDs(p.revoke), err))
		} else {
			res.Revoked = p.revoke
		}
	}

	pendingRevoke := map[string]bool{}
	if revokeFailed {
		for _, r := range p.revoke {
			pendingRevoke[r] = true
		}
	}
	for _, f := range facts {
		if !f.IsExpired(now) || f.ExpiryProcessed || pendingRevoke[f.RoleID] {
			continue
		}
		if err := s.markProcessed(ctx, f.ID, true); err != nil && !isGone(err) {
			errs = append(errs, err)
		}
	}

	if len(res.Granted) > 0 || len(res.Revoked) > 0 {
		s.log.Info("member roles reconciled",
			logx.String("guild", guildID), logx.String("user", userID),
			logx.Any("granted", res.Granted), logx.Any("revoked", res.Revoked))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.RoleReconciled, Time: now, Data: res})
		}
	}
	return res, errors.Join(errs...)
}

func (s *Service) markProcessed(ctx context.Context, id string, processed bool) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.store.SetExpiryProcessed(ctx, id, processed)
}

// ReconcileAll converges every member with facts in every guild. Failures are
// logged per member and the sweep continues.
func (s *Service) ReconcileAll(ctx context.Context) error {
	var errs []error
	for _, guildID := range s.platform.Guilds() {
		if err := s.reconcileGuild(ctx, guildID); err != nil {
			errs = append(errs, fmt.Errorf("guild %s: %w", guildID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) reconcileGuild(ctx context.Context, guildID string) error {
	members, err := s.platform.Members(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	byUser := make(map[string]kit.Member, len(members))
	for _, m := range members {
		if m.GuildID == "" {
			m.GuildID = guildID
		}
		byUser[m.User.ID] = m
	}
	facts, err := s.store.ListByGuild(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load facts: %w", err)
	}
	grouped := map[string][]model.PersistingRole{}
	var order []string
	for _, f := range facts {
		if _, ok := grouped[f.UserID]; !ok {
			order = append(order, f.UserID)
		}
		grouped[f.UserID] = append(grouped[f.UserID], f)
	}

	for _, userID := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		member, ok := byUser[userID]
		if !ok {
			continue
		}
		unlock := s.members.Lock(guildID + ":" + userID)
		_, err := s.reconcile(ctx, member, grouped[userID], nil)
		unlock()
		if err != nil {
			s.log.Warn("member reconcile failed", memberFields(guildID, userID, err)...)
		}
	}
	return nil
}
