package votes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"councilbot/internal/model"
	"councilbot/internal/roles"
	"councilbot/internal/storage"
	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

// Answer labels on the council poll. Answers are resolved by label, not position.
const (
	YesText = "Yes"
	NoText  = "No"
)

// Accepted is the acceptance rule: the net margin meets required, or every
// vote cast is a yes.
func Accepted(yes, no, required int) bool {
	return yes-no >= required || (yes > 0 && no == 0)
}

// Outcome describes one finalization.
type Outcome struct {
	Key              model.UnitKey
	Accepted         *bool
	Yes              int
	No               int
	ClosedUnderError bool
	// Skipped is set when the unit was already closed, cancelled or missing.
	Skipped bool
}

// Finalizer tallies a closed unit's poll and applies the result.
type Finalizer struct {
	store      Store
	applicable ApplicableRoles
	platform   Platform
	grants     RoleGranter
	notifier   Notifier
	settings   Settings
	log        logx.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewFinalizer(store Store, applicable ApplicableRoles, platform Platform, grants RoleGranter, notifier Notifier, settings Settings, log logx.Logger) *Finalizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Finalizer{
		store:      store,
		applicable: applicable,
		platform:   platform,
		grants:     grants,
		notifier:   notifier,
		settings:   settings,
		log:        log.With(logx.String("comp", "finalizer")),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalize tallies u, whose ClosedAt is already set and persisted.
//
// Unrecoverable data problems close the unit with error and return a nil
// error. Any returned error is transient: nothing about the result has been
// persisted and the caller may reopen the unit.
func (f *Finalizer) Finalize(ctx context.Context, u *model.RequestedRole) (Outcome, error) {
	out := Outcome{Key: u.Key()}
	log := f.log.With(logx.String("request", u.RequestID), logx.String("role", u.RoleID), logx.String("user", u.UserID))

	if _, err := f.platform.Channel(ctx, u.ThreadID); err != nil {
		if errors.Is(err, kit.ErrNotFound) {
			return f.closeWithError(ctx, log, u, "voting thread missing")
		}
		return out, fmt.Errorf("load thread: %w", err)
	}
	if u.PollMessageID == nil || *u.PollMessageID == "" {
		return f.closeWithError(ctx, log, u, "poll message not set")
	}
	role, err := f.applicable.Get(ctx, u.GuildID, u.RoleID)
	if errors.Is(err, storage.ErrNotFound) {
		return f.closeWithError(ctx, log, u, "role can no longer be applied for")
	}
	if err != nil {
		return out, fmt.Errorf("load applicable role: %w", err)
	}

	poll, err := f.settledPoll(ctx, log, u.ThreadID, *u.PollMessageID)
	if errors.Is(err, kit.ErrNotFound) {
		return f.closeWithError(ctx, log, u, "poll message missing")
	}
	if err != nil {
		return out, err
	}

	yesID, noID := answerIDs(log, poll)
	yesVoters, err := f.platform.PollVoters(ctx, u.ThreadID, *u.PollMessageID, yesID)
	if err != nil {
		return out, fmt.Errorf("load yes voters: %w", err)
	}
	noVoters, err := f.platform.PollVoters(ctx, u.ThreadID, *u.PollMessageID, noID)
	if err != nil {
		return out, fmt.Errorf("load no voters: %w", err)
	}

	settings := f.settings.Votes()
	required := role.NetVotesRequired
	if required == 0 {
		required = settings.NetVotesRequired
	}
	accepted := Accepted(len(yesVoters), len(noVoters), required)

	_, err = f.platform.Member(ctx, u.GuildID, u.UserID)
	left := errors.Is(err, kit.ErrNotFound)
	if err != nil && !left {
		return out, fmt.Errorf("load applicant: %w", err)
	}

	u.YesVotes, u.NoVotes = len(yesVoters), len(noVoters)
	u.Accepted = &accepted
	u.ClosedUnderError = left
	u.Votes = tallyVotes(yesVoters, noVoters)
	if err := f.store.SaveUnitResult(ctx, u); err != nil {
		return out, fmt.Errorf("save result: %w", err)
	}
	out.Yes, out.No, out.Accepted = u.YesVotes, u.NoVotes, u.Accepted
	log.Info("vote tallied", logx.Int("yes", out.Yes), logx.Int("no", out.No),
		logx.Int("required", required), logx.Bool("accepted", accepted))

	if left {
		log.Warn("applicant left before the vote closed")
		out.ClosedUnderError = true
		return out, nil
	}

	if accepted {
		if err := f.store.IncrementAccepted(ctx, u.RequestID); err != nil {
			log.Warn("increment accepted count failed", logx.Err(err))
		}
		if _, err := f.grants.AddPersistingRole(ctx, roles.Grant{GuildID: u.GuildID, UserID: u.UserID, RoleID: u.RoleID}); err != nil {
			log.Error("grant of accepted role failed", logx.Err(err))
		}
	}

	f.notifyApplicant(ctx, log, u, accepted)

	if accepted {
		f.joinOpenThreads(ctx, log, u)
	}
	return out, nil
}

// settledPoll ends the poll if needed and re-fetches it, bypassing caches,
// until the platform reports the tally final or attempts run out.
func (f *Finalizer) settledPoll(ctx context.Context, log logx.Logger, channelID, messageID string) (kit.Poll, error) {
	poll, err := f.platform.PollMessage(ctx, channelID, messageID, true)
	if err != nil {
		return kit.Poll{}, err
	}
	if poll.Finalized {
		return poll, nil
	}
	if err := f.platform.EndPoll(ctx, channelID, messageID); err != nil {
		if errors.Is(err, kit.ErrPollExpired) {
			log.Debug("poll already expired")
		} else {
			log.Warn("end poll failed", logx.Err(err))
		}
	}

	settings := f.settings.Votes()
	attempts := settings.RefetchAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := f.sleep(ctx, settings.RefetchDelay); err != nil {
				return kit.Poll{}, err
			}
		}
		poll, err = f.platform.PollMessage(ctx, channelID, messageID, true)
		if err != nil {
			return kit.Poll{}, err
		}
		if poll.Finalized {
			return poll, nil
		}
	}
	log.Warn("poll tally not marked final after refetch; using voter lists as fetched",
		logx.Int("attempts", attempts))
	return poll, nil
}

func answerIDs(log logx.Logger, poll kit.Poll) (yes, no int) {
	yes, no = 1, 2
	if a, ok := poll.AnswerByText(YesText); ok {
		yes = a.ID
	} else {
		log.Warn("poll has no Yes answer; assuming id 1")
	}
	if a, ok := poll.AnswerByText(NoText); ok {
		no = a.ID
	} else {
		log.Warn("poll has no No answer; assuming id 2")
	}
	return yes, no
}

// tallyVotes lists yes voters first, then no voters, indexed in that order.
func tallyVotes(yes, no []kit.User) []model.Vote {
	out := make([]model.Vote, 0, len(yes)+len(no))
	add := func(u kit.User, v bool) {
		global := u.GlobalName
		if global == "" {
			global = u.Name
		}
		out = append(out, model.Vote{Index: len(out), UserID: u.ID, UserName: u.Name, GlobalName: global, Yes: v})
	}
	for _, u := range yes {
		add(u, true)
	}
	for _, u := range no {
		add(u, false)
	}
	return out
}

func (f *Finalizer) closeWithError(ctx context.Context, log logx.Logger, u *model.RequestedRole, reason string) (Outcome, error) {
	log.Warn("vote closed with error", logx.String("reason", reason))
	u.ClosedUnderError = true
	if err := f.store.SaveUnit(ctx, u); err != nil {
		u.ClosedUnderError = false
		return Outcome{Key: u.Key()}, fmt.Errorf("save errored unit: %w", err)
	}
	return Outcome{Key: u.Key(), ClosedUnderError: true}, nil
}

func (f *Finalizer) notifyApplicant(ctx context.Context, log logx.Logger, u *model.RequestedRole, accepted bool) {
	roleName := u.RoleID
	if r, err := f.platform.Role(ctx, u.GuildID, u.RoleID); err == nil && r.Name != "" {
		roleName = r.Name
	}
	embed := &kit.Embed{Title: roleName + " Application Results"}
	if accepted {
		embed.Description = fmt.Sprintf("You were accepted for the %s role.", roleName)
		embed.Color = kit.ColorGreen
	} else {
		embed.Description = fmt.Sprintf("Unfortunately, you did not meet the criteria for the %s role. Please try again at a later date.", roleName)
		embed.Color = kit.ColorGold
	}
	err := f.notifier.Notify(ctx, kit.Notification{
		UserID:   u.UserID,
		Message:  kit.Message{Embed: embed},
		DedupKey: "result:" + u.Key().String(),
	})
	if err != nil {
		log.Warn("decision DM not sent", logx.Err(err))
	}
}

// joinOpenThreads adds a newly accepted member to the other open votes for
// the same role. Failures are per thread.
func (f *Finalizer) joinOpenThreads(ctx context.Context, log logx.Logger, u *model.RequestedRole) {
	open, err := f.store.ListOpenForRole(ctx, u.GuildID, u.RoleID, u.UserID)
	if err != nil {
		log.Warn("list open votes for role failed", logx.Err(err))
		return
	}
	seen := map[string]bool{}
	for _, other := range open {
		if other.ThreadID == "" || seen[other.ThreadID] {
			continue
		}
		seen[other.ThreadID] = true
		if err := f.platform.AddThreadMember(ctx, other.ThreadID, u.UserID); err != nil {
			log.Warn("add to open vote thread failed", logx.String("thread", other.ThreadID), logx.Err(err))
		}
	}
}
