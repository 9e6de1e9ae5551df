package review

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"councilbot/internal/clock"
	"councilbot/internal/config"
	"councilbot/internal/model"
	"councilbot/internal/storage"
	"councilbot/internal/storage/storagetest"
	kit "councilbot/internal/transport"
	"councilbot/internal/transport/transporttest"
	"councilbot/internal/votes"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type settings struct {
	v      config.VoteSettings
	review string
}

func (s *settings) Votes() config.VoteSettings { return s.v }
func (s *settings) ReviewChannelID() string    { return s.review }

type stubVotes struct {
	mu        sync.Mutex
	started   []model.UnitKey
	removed   []model.UnitKey
	finalized []model.UnitKey
}

func (v *stubVotes) StartVoteTimer(u *model.RequestedRole) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.started = append(v.started, u.Key())
	return nil
}

func (v *stubVotes) RemoveTimer(requestID, roleID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removed = append(v.removed, model.UnitKey{RequestID: requestID, RoleID: roleID})
	return false
}

func (v *stubVotes) FinalizePoll(_ context.Context, requestID, roleID string) (votes.Outcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := model.UnitKey{RequestID: requestID, RoleID: roleID}
	v.finalized = append(v.finalized, k)
	return votes.Outcome{Key: k}, nil
}

type fixture struct {
	clk      *clock.Fake
	fake     *transporttest.Fake
	store    *storage.Store
	settings *settings
	votes    *stubVotes
	svc      *Service
}

var applicant = kit.User{ID: "u1", Name: "ana", GlobalName: "Ana"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	fake := transporttest.NewFake(clk.Now)
	st := storagetest.New(t)
	s := &settings{v: config.DefaultVoteSettings(), review: "review"}
	v := &stubVotes{}
	svc := New(st.Requests, st.ApplicableRoles, fake, v, s, Options{Clock: clk})

	fake.AddGuild("g")
	fake.AddChannel(kit.Channel{ID: "apply", GuildID: "g"})
	fake.AddChannel(kit.Channel{ID: "review", GuildID: "g"})
	fake.AddMember("g", applicant)
	for _, r := range []struct{ id, name string }{{"artist", "Artist"}, {"coder", "Coder"}} {
		fake.AddRole("g", r.id, r.name)
		require.NoError(t, st.ApplicableRoles.Add(context.Background(), &model.ApplicableRole{
			GuildID: "g", RoleID: r.id, Emoji: "⭐", Description: r.name + " work",
		}))
	}
	return &fixture{clk: clk, fake: fake, store: st, settings: s, votes: v, svc: svc}
}

func (f *fixture) start(t *testing.T, held []string, roles ...string) *StartResult {
	t.Helper()
	res, err := f.svc.Start(context.Background(), StartInput{
		GuildID: "g", ChannelID: "apply", User: applicant, HeldRoles: held, RoleIDs: roles,
	})
	require.NoError(t, err)
	return res
}

func TestValidateVoteDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      time.Duration
		want    time.Duration
		wantErr bool
	}{
		{29 * time.Minute, 0, true},
		{30 * time.Minute, time.Hour, false},
		{90 * time.Minute, 2 * time.Hour, false},
		{72 * time.Hour, 72 * time.Hour, false},
		{7 * 24 * time.Hour, 7 * 24 * time.Hour, false},
		{7*24*time.Hour + 31*time.Minute, 0, true},
	}
	for _, c := range cases {
		got, err := ValidateVoteDuration(c.in)
		if c.wantErr {
			assert.ErrorIs(t, err, ErrInvalidVoteDuration, "%s", c.in)
			continue
		}
		require.NoError(t, err, "%s", c.in)
		assert.Equal(t, c.want, got, "%s", c.in)
	}
}

func TestNewYesNoPoll(t *testing.T) {
	t.Parallel()
	p, err := NewYesNoPoll("Accept?", 20*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, p.Duration, "rounds up to the one hour minimum")
	require.Len(t, p.Answers, 2)
	assert.Equal(t, votes.YesText, p.Answers[0].Text)
	assert.Equal(t, "✅", p.Answers[0].Emoji)
	assert.Equal(t, votes.NoText, p.Answers[1].Text)

	_, err = NewYesNoPoll("Accept?", 8*24*time.Hour)
	assert.ErrorIs(t, err, ErrInvalidVoteDuration)

	_, err = NewYesNoPoll(strings.Repeat("q", MaxQuestionLen+1), time.Hour)
	assert.ErrorIs(t, err, ErrQuestionTooLong)
}

func TestStartOpensPortfolio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	res := f.start(t, nil, "artist", "coder")

	require.NotNil(t, res.Request)
	assert.Empty(t, res.Rejections)
	assert.Equal(t, "Ana Portfolio", res.Thread.Name)
	assert.True(t, f.fake.ThreadHasMember(res.Thread.ID, "u1"))
	assert.Len(t, res.Request.Roles, 2)
	assert.Equal(t, 2, res.Request.RolesAppliedFor)

	msgs := f.fake.ChannelMessages(res.Thread.ID)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Message.Buttons, 2)
	assert.Equal(t, SubmitButtonPrefix+"u1", msgs[0].Message.Buttons[0].CustomID)
	assert.Equal(t, CancelButtonPrefix+"u1", msgs[0].Message.Buttons[1].CustomID)

	start := f.fake.ChannelMessages("apply")
	require.Len(t, start, 1)
	assert.Contains(t, start[0].Message.Embed.Description, kit.ChannelMention(res.Thread.ID))

	got, err := f.svc.FindForButton(context.Background(), "u1", "u1", res.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Request.ID, got.ID)
	_, err = f.svc.FindForButton(context.Background(), "u1", "intruder", res.Thread.ID)
	assert.ErrorIs(t, err, ErrNotApplicant)
}

func TestStartFiltersHeldAndAppliedRoles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.start(t, nil, "coder")
	require.NotNil(t, first.Request)

	res := f.start(t, []string{"artist"}, "artist", "coder", "unknown")
	assert.Nil(t, res.Request)
	require.Len(t, res.Rejections, 2)
	assert.Equal(t, RejectHeld, res.Rejections[0].Reason)
	assert.Equal(t, "Artist", res.Rejections[0].RoleName)
	assert.Equal(t, RejectApplied, res.Rejections[1].Reason)
}

func TestStartCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	closedVote := func(f *fixture) {
		res := f.start(t, nil, "artist")
		u := &res.Request.Roles[0]
		now := f.clk.Now()
		u.SubmittedAt, u.ExpiresAt, u.ClosedAt = &now, &now, &now
		u.Accepted = model.Ptr(false)
		require.NoError(t, f.store.Requests.SaveUnit(ctx, u))
	}

	t.Run("inside cooldown", func(t *testing.T) {
		f := newFixture(t)
		f.settings.v.TimeBetweenApplications = 30 * 24 * time.Hour
		closedVote(f)
		f.clk.Advance(29 * 24 * time.Hour)
		assert.Nil(t, f.start(t, nil, "artist").Request)
	})
	t.Run("after cooldown", func(t *testing.T) {
		f := newFixture(t)
		f.settings.v.TimeBetweenApplications = 30 * 24 * time.Hour
		closedVote(f)
		f.clk.Advance(30 * 24 * time.Hour)
		assert.NotNil(t, f.start(t, nil, "artist").Request)
	})
	t.Run("zero cooldown needs approval", func(t *testing.T) {
		f := newFixture(t)
		f.settings.v.TimeBetweenApplications = 0
		closedVote(f)
		f.clk.Advance(365 * 24 * time.Hour)
		assert.Nil(t, f.start(t, nil, "artist").Request)

		n, err := f.svc.AllowResubmit(ctx, "g", "u1", "artist", "admin")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.NotNil(t, f.start(t, nil, "artist").Request)
	})
	t.Run("cancelled never blocks", func(t *testing.T) {
		f := newFixture(t)
		res := f.start(t, nil, "artist")
		_, err := f.svc.Cancel(ctx, res.Request.ID, applicant)
		require.NoError(t, err)
		assert.NotNil(t, f.start(t, nil, "artist").Request)
	})
}

func TestStartNoApplicableRoles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Start(context.Background(), StartInput{GuildID: "g", ChannelID: "apply", User: applicant, RoleIDs: []string{"nope"}})
	assert.ErrorIs(t, err, ErrNoRoles)
}

func TestSubmitOpensOneVotePerRole(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.settings.v.CouncilRoleID = "council"
	f.settings.v.RemoveApplicantFromThread = true
	res := f.start(t, nil, "artist", "coder")

	_, err := f.svc.Submit(ctx, res.Request.ID, kit.User{ID: "someone"})
	assert.ErrorIs(t, err, ErrNotApplicant)

	req, err := f.svc.Submit(ctx, res.Request.ID, applicant)
	require.NoError(t, err)
	assert.Len(t, f.votes.started, 2)

	portfolio, err := f.fake.Channel(ctx, res.Thread.ID)
	require.NoError(t, err)
	assert.True(t, portfolio.Locked)
	assert.False(t, f.fake.ThreadHasMember(res.Thread.ID, "u1"))

	for _, u := range req.Roles {
		stored, err := f.store.Requests.GetUnit(ctx, u.Key())
		require.NoError(t, err)
		assert.Equal(t, model.UnitOpen, stored.State())
		assert.True(t, stored.ExpiresAt.Equal(epoch.Add(config.DefaultVoteTime)))
		require.NotNil(t, stored.PollMessageID)

		poll := f.fake.Poll(*stored.PollMessageID)
		require.NotNil(t, poll)
		assert.Equal(t, stored.ThreadID, poll.ChannelID)
		assert.Contains(t, poll.Question, "Should Ana become a member?")

		msgs := f.fake.ChannelMessages(stored.ThreadID)
		require.NotEmpty(t, msgs)
		assert.True(t, strings.HasPrefix(msgs[0].Message.Content, kit.RoleMention("council")))
	}

	_, err = f.svc.Submit(ctx, res.Request.ID, applicant)
	assert.ErrorIs(t, err, ErrSubmitted)
	_, err = f.svc.Cancel(ctx, res.Request.ID, applicant)
	require.NoError(t, err)
	_, err = f.fake.Channel(ctx, res.Thread.ID)
	assert.NoError(t, err, "a submitted portfolio is kept")
}

func TestConcurrentSubmitOpensVotesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	res := f.start(t, nil, "artist", "coder")

	const presses = 4
	errs := make(chan error, presses)
	var wg sync.WaitGroup
	for i := 0; i < presses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), res.Request.ID, applicant)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrSubmitted)
	}
	assert.Equal(t, 1, ok)
	f.votes.mu.Lock()
	defer f.votes.mu.Unlock()
	assert.Len(t, f.votes.started, 2, "one vote per role")
}

func TestSubmitSchedulesUnitsWhosePollFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	res := f.start(t, nil, "artist")
	f.fake.SetFail(func(op string) error {
		if op == "CreatePoll" {
			return errors.New("rate limited")
		}
		return nil
	})

	_, err := f.svc.Submit(ctx, res.Request.ID, applicant)
	require.NoError(t, err)
	u, err := f.store.Requests.GetUnit(ctx, res.Request.Roles[0].Key())
	require.NoError(t, err)
	assert.NotNil(t, u.SubmittedAt)
	assert.Nil(t, u.PollMessageID)
	assert.Len(t, f.votes.started, 1)
}

func TestSubmitRejectsBadVoteTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.settings.v.VoteTime = 10 * 24 * time.Hour
	res := f.start(t, nil, "artist")
	_, err := f.svc.Submit(context.Background(), res.Request.ID, applicant)
	assert.ErrorIs(t, err, ErrInvalidVoteDuration)
	assert.Empty(t, f.votes.started)
}

func TestCancelRemovesPortfolio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	res := f.start(t, nil, "artist")

	_, err := f.svc.Cancel(ctx, res.Request.ID, applicant)
	require.NoError(t, err)
	_, err = f.fake.Channel(ctx, res.Thread.ID)
	assert.ErrorIs(t, err, kit.ErrNotFound)
	assert.Empty(t, f.fake.ChannelMessages("apply"))

	u, err := f.store.Requests.GetUnit(ctx, res.Request.Roles[0].Key())
	require.NoError(t, err)
	assert.Equal(t, model.UnitCancelled, u.State())
	assert.Len(t, f.votes.removed, 1)

	_, err = f.svc.Cancel(ctx, res.Request.ID, applicant)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestEndEarly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.EndEarly(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrNoOpenVote)

	res := f.start(t, nil, "artist")
	req, err := f.svc.Submit(ctx, res.Request.ID, applicant)
	require.NoError(t, err)
	_, u, err := f.svc.EndEarly(ctx, req.Roles[0].ThreadID)
	require.NoError(t, err)
	assert.Equal(t, req.Roles[0].Key(), u.Key())
	assert.Equal(t, []model.UnitKey{u.Key()}, f.votes.finalized)
}

func TestApplicableRoleAdmin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddApplicableRole(ctx, model.ApplicableRole{GuildID: "g", RoleID: "artist", Description: "x"})
	assert.ErrorIs(t, err, ErrRoleListed)
	_, err = f.svc.AddApplicableRole(ctx, model.ApplicableRole{GuildID: "g", RoleID: "mod", Description: strings.Repeat("d", MaxDescriptionLen+1)})
	_, isUser := AsUserError(err)
	assert.True(t, isUser)
	_, err = f.svc.AddApplicableRole(ctx, model.ApplicableRole{GuildID: "g", RoleID: "mod", Description: "Mods", NetVotesRequired: -1})
	assert.Error(t, err)

	_, err = f.svc.EditApplicableRole(ctx, "g", "artist", ApplicableRoleEdit{})
	assert.ErrorIs(t, err, ErrNoChanges)
	edited, err := f.svc.EditApplicableRole(ctx, "g", "artist", ApplicableRoleEdit{NetVotesRequired: model.Ptr(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, edited.NetVotesRequired)
	assert.Equal(t, "Artist work", edited.Description)

	require.NoError(t, f.svc.RemoveApplicableRole(ctx, "g", "coder"))
	assert.ErrorIs(t, f.svc.RemoveApplicableRole(ctx, "g", "coder"), ErrRoleNotListed)

	listed, err := f.svc.ListApplicableRoles(ctx, "g")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "artist", listed[0].RoleID)
}

func TestSetupMessageUnlistsDeletedRoles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.fake.DeleteRole("g", "coder")

	msg, err := f.svc.SetupMessage(ctx, "g")
	require.NoError(t, err)
	require.NotNil(t, msg.Select)
	assert.Equal(t, StartPortfolioMenu, msg.Select.CustomID)
	require.Len(t, msg.Select.Options, 1)
	assert.Equal(t, "Artist", msg.Select.Options[0].Label)
	assert.Equal(t, 1, msg.Select.MaxValues)

	_, err = f.store.ApplicableRoles.Get(ctx, "g", "coder")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	f.fake.DeleteRole("g", "artist")
	_, err = f.svc.SetupMessage(ctx, "g")
	assert.ErrorIs(t, err, ErrNoRoles)
}

func TestRepostSetupMovesMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	old, err := f.svc.PostSetup(ctx, "g", "apply")
	require.NoError(t, err)

	require.NoError(t, f.svc.RepostSetup(ctx, "g", "apply", old))
	msgs := f.fake.ChannelMessages("apply")
	require.Len(t, msgs, 1)
	assert.NotEqual(t, old, msgs[0].ID)
}

func TestFormatHistory(t *testing.T) {
	t.Parallel()
	closed := epoch.Add(time.Hour)
	reqs := []model.ReviewRequest{{
		StartedAt: epoch,
		Roles: []model.RequestedRole{
			{RoleID: "artist", SubmittedAt: &epoch, ExpiresAt: &closed, ClosedAt: &closed, Accepted: model.Ptr(true), YesVotes: 1,
				Votes: []model.Vote{{UserID: "v1", GlobalName: "Vee", UserName: "v1", Yes: true}}},
			{RoleID: "coder", SubmittedAt: &epoch, ClosedAt: &closed, ClosedUnderError: true},
		},
	}}
	text := FormatHistory(reqs, func(id string) string { return "@" + id }, func(v model.Vote) string { return v.GlobalName })
	assert.Contains(t, text, "__@artist__ `1-0`")
	assert.Contains(t, text, ":white_check_mark: Vee")
	assert.Contains(t, text, "__@coder__ - Closed by error.")
}
