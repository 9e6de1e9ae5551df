package roles

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"councilbot/internal/clock"
	"councilbot/internal/model"
	"councilbot/internal/storage"
	"councilbot/internal/storage/storagetest"
	"councilbot/internal/task/engine"
	"councilbot/internal/task/scheduler"
	kit "councilbot/internal/transport"
	"councilbot/internal/transport/transporttest"
)

type fixture struct {
	clk   *clock.Fake
	fake  *transporttest.Fake
	store *storage.Store
	svc   *Service
}

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	fake := transporttest.NewFake(clk.Now)
	st := storagetest.New(t)
	svc := New(st.PersistingRoles, fake, Options{Clock: clk, Runner: scheduler.Inline})
	t.Cleanup(svc.Stop)
	return &fixture{clk: clk, fake: fake, store: st, svc: svc}
}

func (f *fixture) member(userID string, roles ...string) {
	f.fake.AddMember("g", kit.User{ID: userID, Name: userID}, roles...)
}

func at(d time.Duration) *time.Time {
	t := epoch.Add(d)
	return &t
}

func TestAddPersistingRoleGrantsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.member("u")

	_, err := f.svc.AddPersistingRole(ctx, Grant{GuildID: "g", UserID: "u", RoleID: "r1", AddedBy: "admin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, f.fake.MemberRoles("g", "u"))

	edits := f.fake.Edits()
	res, err := f.svc.CheckMemberRoles(ctx, "g", "u")
	require.NoError(t, err)
	assert.Empty(t, res.Granted)
	assert.Empty(t, res.Revoked)
	assert.Equal(t, edits, f.fake.Edits(), "a converged member needs no edits")
}

func TestReconcileLeavesUnmanagedRolesAlone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.member("u", "unmanaged", "old")

	// An expired, already processed fact no longer manages its role.
	require.NoError(t, f.store.PersistingRoles.Insert(ctx, &model.PersistingRole{
		GuildID: "g", UserID: "u", RoleID: "old", RemoveAt: at(-time.Hour), ExpiryProcessed: true, CreatedAt: epoch,
	}))
	res, err := f.svc.CheckMemberRoles(ctx, "g", "u")
	require.NoError(t, err)
	assert.Empty(t, res.Revoked)
	assert.Equal(t, []string{"old", "unmanaged"}, f.fake.MemberRoles("g", "u"))
}

func TestExpiredUnprocessedFactIsRevokedAndMarked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.member("u", "r1")

	p := &model.PersistingRole{GuildID: "g", UserID: "u", RoleID: "r1", RemoveAt: at(-time.Minute), CreatedAt: epoch}
	require.NoError(t, f.store.PersistingRoles.Insert(ctx, p))

	res, err := f.svc.CheckMemberRoles(ctx, "g", "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.Revoked)
	assert.Empty(t, f.fake.MemberRoles("g", "u"))

	got, err := f.store.PersistingRoles.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.ExpiryProcessed)
}

func TestFailedRevokeKeepsFactUnprocessed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.member("u", "r1")
	p := &model.PersistingRole{GuildID: "g", UserID: "u", RoleID: "r1", RemoveAt: at(-time.Minute), CreatedAt: epoch}
	require.NoError(t, f.store.PersistingRoles.Insert(ctx, p))

	f.fake.SetFail(func(op string) error {
		if op == "RemoveRoles" {
			return errors.New("rate limited")
		}
		return nil
	})
	_, err := f.svc.CheckMemberRoles(ctx, "g", "u")
	require.Error(t, err)

	got, err := f.store.PersistingRoles.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.ExpiryProcessed)
}

func TestExpiryTimerRevokesAtDeadline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.member("u")

	_, err := f.svc.AddPersistingRole(ctx, Grant{GuildID: "g", UserID: "u", RoleID: "r1", RemoveAt: at(2 * time.Hour)})
	require.NoError(t, err)
	_, err = f.svc.AddPersistingRole(ctx, Grant{GuildID: "g", UserID: "u", RoleID: "r2", RemoveAt: at(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, f.fake.MemberRoles("g", "u"))

	_, armedAt, ok := f.svc.ArmedExpiry()
	require.True(t, ok)
	assert.WithinDuration(t, epoch.Add(time.Hour), armedAt, 0)

	f.clk.Advance(time.Hour)
	assert.Equal(t, []string{"r1"}, f.fake.MemberRoles("g", "u"))
	_, armedAt, ok = f.svc.ArmedExpiry()
	require.True(t, ok)
	assert.WithinDuration(t, epoch.Add(2*time.Hour), armedAt, 0)

	f.clk.Advance(time.Hour)
	assert.Empty(t, f.fake.MemberRoles("g", "u"))
	_, _, ok = f.svc.ArmedExpiry()
	assert.False(t, ok)
}

func TestRemovePersistingRolesRevokesAndRearms(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.member("u")

	soon, err := f.svc.AddPersistingRole(ctx, Grant{GuildID: "g", UserID: "u", RoleID: "r1", RemoveAt: at(time.Hour)})
	require.NoError(t, err)
	_, err = f.svc.AddPersistingRole(ctx, Grant{GuildID: "g", UserID: "u", RoleID: "r2", RemoveAt: at(3 * time.Hour)})
	require.NoError(t, err)
	id, _, _ := f.svc.ArmedExpiry()
	require.Equal(t, soon.ID, id)

	n, err := f.svc.RemovePersistingRoles(ctx, "g", "u", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"r2"}, f.fake.MemberRoles("g", "u"))
	_, armedAt, ok := f.svc.ArmedExpiry()
	require.True(t, ok)
	assert.WithinDuration(t, epoch.Add(3*time.Hour), armedAt, 0)

	n, err = f.svc.RemovePersistingRoles(ctx, "g", "u", "r1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGrantForDuplicates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		existing string
		request  string
		dup      bool
	}{
		{"forever covers forever", "permanent", "permanent", true},
		{"forever covers finite", "permanent", "1d", true},
		{"longer finite covers shorter", "2d", "1d", true},
		{"shorter finite does not cover longer", "1d", "2d", false},
		{"finite does not cover forever", "1d", "permanent", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()
			f.member("u")
			_, err := f.svc.GrantFor(ctx, "g", "u", "r", tc.existing, "admin")
			require.NoError(t, err)
			_, err = f.svc.GrantFor(ctx, "g", "u", "r", tc.request, "admin")
			if tc.dup {
				assert.ErrorIs(t, err, ErrDuplicate)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGrantForRejectsBadSpan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.GrantFor(context.Background(), "g", "u", "r", "soon", "admin")
	assert.ErrorIs(t, err, ErrInvalidSpan)
}

func TestAbsentMemberIsNotAnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	res, err := f.svc.CheckMemberRoles(context.Background(), "g", "ghost")
	require.NoError(t, err)
	assert.True(t, res.Absent)
}

func TestStartReconcilesAndArms(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.member("a")
	f.member("b", "r2")
	require.NoError(t, f.store.PersistingRoles.InsertMany(ctx, []*model.PersistingRole{
		{GuildID: "g", UserID: "a", RoleID: "r1", CreatedAt: epoch},
		{GuildID: "g", UserID: "b", RoleID: "r2", RemoveAt: at(-time.Minute), CreatedAt: epoch},
		{GuildID: "g", UserID: "b", RoleID: "r3", RemoveAt: at(time.Hour), CreatedAt: epoch},
	}))

	require.NoError(t, f.svc.Start(ctx))
	assert.Equal(t, []string{"r1"}, f.fake.MemberRoles("g", "a"))
	assert.Equal(t, []string{"r3"}, f.fake.MemberRoles("g", "b"))
	_, armedAt, ok := f.svc.ArmedExpiry()
	require.True(t, ok)
	assert.WithinDuration(t, epoch.Add(time.Hour), armedAt, 0)
}

func TestMemberJoinTriggersReconcile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PersistingRoles.Insert(ctx, &model.PersistingRole{GuildID: "g", UserID: "u", RoleID: "r", CreatedAt: epoch}))
	f.member("u")

	f.svc.HandleMemberEvent(kit.Update{Kind: kit.UpdateMemberJoin, GuildID: "g", Member: &kit.Member{GuildID: "g", User: kit.User{ID: "u"}}})
	assert.Equal(t, []string{"r"}, f.fake.MemberRoles("g", "u"))
}

// After any sequence of grants, removals and clock advances, the armed expiry
// is the soonest unprocessed future expiry in the store.
func TestArmedExpiryTracksSoonestRandomized(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	users := []string{"u1", "u2", "u3"}
	for _, u := range users {
		f.member(u)
	}

	for i := 0; i < 120; i++ {
		switch rng.Intn(5) {
		case 0, 1:
			u := users[rng.Intn(len(users))]
			d := time.Duration(1+rng.Intn(240)) * time.Minute
			removeAt := f.clk.Now().Add(d)
			_, err := f.svc.AddPersistingRole(ctx, Grant{GuildID: "g", UserID: u, RoleID: "r" + u, RemoveAt: &removeAt})
			require.NoError(t, err)
		case 2:
			f.clk.Advance(time.Duration(rng.Intn(90)) * time.Minute)
		case 3:
			u := users[rng.Intn(len(users))]
			_, err := f.svc.RemovePersistingRoles(ctx, "g", u, "r"+u)
			require.NoError(t, err)
		}

		next, err := f.store.PersistingRoles.NextExpiry(ctx)
		id, armedAt, ok := f.svc.ArmedExpiry()
		if errors.Is(err, storage.ErrNotFound) {
			assert.False(t, ok, "step %d: timer armed with nothing pending", i)
			continue
		}
		require.NoError(t, err)
		require.True(t, ok, "step %d: nothing armed", i)
		assert.True(t, next.RemoveAt.Equal(armedAt), "step %d: armed %v (%s), soonest %v (%s)", i, armedAt, id, *next.RemoveAt, next.ID)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	now := epoch
	facts := []model.PersistingRole{
		{RoleID: "live"},
		{RoleID: "expired", RemoveAt: at(-time.Hour)},
		{RoleID: "done", RemoveAt: at(-time.Hour), ExpiryProcessed: true},
		{RoleID: "both", RemoveAt: at(-time.Hour)},
		{RoleID: "both", RemoveAt: at(time.Hour)},
	}
	p := diff(now, []string{"expired", "done", "both", "other"}, facts, []string{"forced"})
	assert.Equal(t, []string{"live"}, p.grant)
	assert.Equal(t, []string{"expired"}, p.revoke)

	p = diff(now, []string{"forced"}, nil, []string{"forced"})
	assert.Equal(t, []string{"forced"}, p.revoke)
}

// flakyFacts fails the selected store calls while the flags are set.
type flakyFacts struct {
	Store
	mu       sync.Mutex
	failMark bool
	failNext bool
	marks    int
}

func (s *flakyFacts) set(mark, next bool) {
	s.mu.Lock()
	s.failMark, s.failNext = mark, next
	s.mu.Unlock()
}

func (s *flakyFacts) SetExpiryProcessed(ctx context.Context, id string, processed bool) error {
	s.mu.Lock()
	s.marks++
	fail := s.failMark
	s.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return s.Store.SetExpiryProcessed(ctx, id, processed)
}

func (s *flakyFacts) NextExpiry(ctx context.Context) (*model.PersistingRole, error) {
	s.mu.Lock()
	fail := s.failNext
	s.mu.Unlock()
	if fail {
		return nil, errors.New("disk I/O error")
	}
	return s.Store.NextExpiry(ctx)
}

func newFlakyFixture(t *testing.T) (*fixture, *flakyFacts) {
	t.Helper()
	clk := clock.NewFake(epoch)
	fake := transporttest.NewFake(clk.Now)
	st := storagetest.New(t)
	facts := &flakyFacts{Store: st.PersistingRoles}
	svc := New(facts, fake, Options{Clock: clk, Runner: scheduler.Inline, RetryDelay: time.Minute})
	t.Cleanup(svc.Stop)
	return &fixture{clk: clk, fake: fake, store: st, svc: svc}, facts
}

func TestExpiryMarkFailureRetriesLater(t *testing.T) {
	t.Parallel()
	f, facts := newFlakyFixture(t)
	ctx := context.Background()
	f.member("u")
	_, err := f.svc.AddPersistingRole(ctx, Grant{GuildID: "g", UserID: "u", RoleID: "r", RemoveAt: at(time.Hour)})
	require.NoError(t, err)

	facts.set(true, false)
	f.clk.Advance(time.Hour)
	assert.Equal(t, []string{"r"}, f.fake.MemberRoles("g", "u"))
	_, armedAt, ok := f.svc.ArmedExpiry()
	require.True(t, ok, "a retry is armed")
	assert.True(t, armedAt.Equal(epoch.Add(time.Hour+time.Minute)))

	facts.mu.Lock()
	marks := facts.marks
	facts.mu.Unlock()
	f.clk.Advance(30 * time.Second)
	facts.mu.Lock()
	assert.Equal(t, marks, facts.marks, "no refire before the retry delay")
	facts.mu.Unlock()

	facts.set(false, false)
	f.clk.Advance(30 * time.Second)
	assert.Empty(t, f.fake.MemberRoles("g", "u"))
	_, _, ok = f.svc.ArmedExpiry()
	assert.False(t, ok)
}

func TestExpiryRearmFailureKeepsTimerAlive(t *testing.T) {
	t.Parallel()
	f, facts := newFlakyFixture(t)
	ctx := context.Background()
	f.member("a")
	f.member("b")
	_, err := f.svc.AddPersistingRole(ctx, Grant{GuildID: "g", UserID: "a", RoleID: "r", RemoveAt: at(time.Hour)})
	require.NoError(t, err)
	_, err = f.svc.AddPersistingRole(ctx, Grant{GuildID: "g", UserID: "b", RoleID: "r", RemoveAt: at(3 * time.Hour)})
	require.NoError(t, err)

	facts.set(false, true)
	f.clk.Advance(time.Hour)
	assert.Empty(t, f.fake.MemberRoles("g", "a"))
	_, armedAt, ok := f.svc.ArmedExpiry()
	require.True(t, ok, "the timer is not left dead")
	assert.True(t, armedAt.Equal(epoch.Add(time.Hour+time.Minute)))

	facts.set(false, false)
	f.clk.Advance(time.Minute)
	_, armedAt, ok = f.svc.ArmedExpiry()
	require.True(t, ok)
	assert.True(t, armedAt.Equal(epoch.Add(3*time.Hour)))

	f.clk.Advance(2 * time.Hour)
	assert.Empty(t, f.fake.MemberRoles("g", "b"))
}

func TestMemberEventsAreNotDroppedWhileReconciling(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(epoch)
	fake := transporttest.NewFake(clk.Now)
	st := storagetest.New(t)
	var queued []engine.Task
	runner := scheduler.RunnerFunc(func(task engine.Task) error {
		queued = append(queued, task)
		return nil
	})
	svc := New(st.PersistingRoles, fake, Options{Clock: clk, Runner: runner})
	t.Cleanup(svc.Stop)

	ev := kit.Update{Kind: kit.UpdateMemberUpdate, GuildID: "g", Member: &kit.Member{GuildID: "g", User: kit.User{ID: "u"}}}
	svc.HandleMemberEvent(ev)
	svc.HandleMemberEvent(ev)
	require.Len(t, queued, 2)
	for _, task := range queued {
		assert.Equal(t, engine.OverlapAllow, task.Opt.Overlap)
	}
}
