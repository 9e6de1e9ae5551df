package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"councilbot/internal/model"
	"councilbot/internal/storage"
	"councilbot/internal/storage/storagetest"
)

func TestRequestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.New(t)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := &model.ReviewRequest{
		GuildID: "g", UserID: "u", UserName: "alice", GlobalName: "Alice",
		ThreadID: "t1", StartedAt: started,
		Roles: []model.RequestedRole{{RoleID: "r1"}, {RoleID: "r2"}},
	}
	if err := st.Requests.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.ID == "" || req.RolesAppliedFor != 2 {
		t.Fatalf("unexpected request after create: %+v", req)
	}

	got, err := st.Requests.FindByThread(ctx, "u", "t1")
	if err != nil {
		t.Fatalf("find by thread: %v", err)
	}
	if !got.StartedAt.Equal(started) || len(got.Roles) != 2 || got.Roles[0].UserID != "u" {
		t.Fatalf("unexpected loaded request: %+v", got)
	}
	if _, err := st.Requests.FindByThread(ctx, "other", "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}

	u := got.Role("r1")
	sub := started.Add(time.Hour)
	exp := sub.Add(72 * time.Hour)
	u.ThreadID = "vote1"
	u.SubmittedAt, u.ExpiresAt = &sub, &exp
	u.PollMessageID = model.Ptr("poll1")
	if err := st.Requests.SaveUnit(ctx, u); err != nil {
		t.Fatalf("save unit: %v", err)
	}

	open, err := st.Requests.ListOpen(ctx)
	if err != nil || len(open) != 1 || open[0].RoleID != "r1" {
		t.Fatalf("list open = %+v, %v", open, err)
	}
	byThread, err := st.Requests.FindOpenByThread(ctx, "vote1")
	if err != nil || byThread.Key() != u.Key() {
		t.Fatalf("find open by thread = %+v, %v", byThread, err)
	}

	closed := exp
	u.ClosedAt = &closed
	u.YesVotes, u.NoVotes = 2, 1
	u.Accepted = model.Ptr(true)
	u.Votes = []model.Vote{
		{Index: 0, UserID: "a", Yes: true},
		{Index: 1, UserID: "b", Yes: true},
		{Index: 2, UserID: "c", Yes: false},
	}
	if err := st.Requests.SaveUnitResult(ctx, u); err != nil {
		t.Fatalf("save result: %v", err)
	}
	// Re-saving replaces the vote list.
	u.Votes = u.Votes[:2]
	if err := st.Requests.SaveUnitResult(ctx, u); err != nil {
		t.Fatalf("save result again: %v", err)
	}
	if err := st.Requests.IncrementAccepted(ctx, req.ID); err != nil {
		t.Fatalf("increment: %v", err)
	}

	unit, err := st.Requests.GetUnit(ctx, u.Key())
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if unit.State() != model.UnitAccepted || len(unit.Votes) != 2 || unit.Votes[1].UserID != "b" {
		t.Fatalf("unexpected unit: %+v", unit)
	}
	if open, _ := st.Requests.ListOpen(ctx); len(open) != 0 {
		t.Fatalf("closed unit still listed open: %+v", open)
	}

	latest, err := st.Requests.LatestClosed(ctx, "g", "u", "r1")
	if err != nil || latest.YesVotes != 2 {
		t.Fatalf("latest closed = %+v, %v", latest, err)
	}
	reqs, err := st.Requests.ListByMember(ctx, "g", "u")
	if err != nil || len(reqs) != 1 || reqs[0].RolesAccepted != 1 {
		t.Fatalf("list by member = %+v, %v", reqs, err)
	}

	if err := st.Requests.Delete(ctx, req.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Requests.GetUnit(ctx, u.Key()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("units should cascade, got %v", err)
	}
}

func TestListOpenForRoleExcludesApplicant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.New(t)
	now := time.Now().UTC()
	exp := now.Add(time.Hour)

	for _, user := range []string{"u1", "u2"} {
		req := &model.ReviewRequest{GuildID: "g", UserID: user, StartedAt: now,
			Roles: []model.RequestedRole{{RoleID: "r", ThreadID: "th-" + user, SubmittedAt: &now, ExpiresAt: &exp}}}
		if err := st.Requests.Create(ctx, req); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	units, err := st.Requests.ListOpenForRole(ctx, "g", "r", "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(units) != 1 || units[0].UserID != "u2" {
		t.Fatalf("unexpected units: %+v", units)
	}
}

func TestPersistingRoles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.New(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	soon := base.Add(time.Hour)
	later := base.Add(48 * time.Hour)

	facts := []*model.PersistingRole{
		{GuildID: "g", UserID: "u", RoleID: "r1", RemoveAt: &later, CreatedAt: base},
		{GuildID: "g", UserID: "u", RoleID: "r2", RemoveAt: &soon, CreatedAt: base.Add(time.Second)},
		{GuildID: "g", UserID: "v", RoleID: "r1", CreatedAt: base.Add(2 * time.Second)},
	}
	if err := st.PersistingRoles.InsertMany(ctx, facts); err != nil {
		t.Fatalf("insert: %v", err)
	}

	next, err := st.PersistingRoles.NextExpiry(ctx)
	if err != nil || next.RoleID != "r2" {
		t.Fatalf("next expiry = %+v, %v", next, err)
	}
	due, err := st.PersistingRoles.ListDue(ctx, soon)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %+v, %v", due, err)
	}
	if err := st.PersistingRoles.SetExpiryProcessed(ctx, next.ID, true); err != nil {
		t.Fatalf("set processed: %v", err)
	}
	next, err = st.PersistingRoles.NextExpiry(ctx)
	if err != nil || next.RoleID != "r1" {
		t.Fatalf("next expiry after processing = %+v, %v", next, err)
	}

	mine, err := st.PersistingRoles.ListForMember(ctx, "g", "u", "")
	if err != nil || len(mine) != 2 || mine[0].RoleID != "r2" {
		t.Fatalf("list for member = %+v, %v", mine, err)
	}

	ids, err := st.PersistingRoles.DeleteMatching(ctx, "g", "u", "r1")
	if err != nil || len(ids) != 1 || ids[0] != facts[0].ID {
		t.Fatalf("delete matching = %v, %v", ids, err)
	}
	if _, err := st.PersistingRoles.NextExpiry(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no pending expiry, got %v", err)
	}
	all, _ := st.PersistingRoles.ListAll(ctx)
	if len(all) != 2 {
		t.Fatalf("expected 2 remaining facts, got %d", len(all))
	}
}

func TestApplicableRoles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.New(t)

	a := &model.ApplicableRole{GuildID: "g", RoleID: "r", Emoji: "🎨", Description: "art", NetVotesRequired: 2}
	if err := st.ApplicableRoles.Add(ctx, a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.ApplicableRoles.Add(ctx, &model.ApplicableRole{GuildID: "g", RoleID: "r"}); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	a.Description = "drawing"
	if err := st.ApplicableRoles.Update(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.ApplicableRoles.Get(ctx, "g", "r")
	if err != nil || got.Description != "drawing" || got.NetVotesRequired != 2 {
		t.Fatalf("get = %+v, %v", got, err)
	}
	ok, err := st.ApplicableRoles.Remove(ctx, "g", "r")
	if err != nil || !ok {
		t.Fatalf("remove = %v, %v", ok, err)
	}
	if ok, _ := st.ApplicableRoles.Remove(ctx, "g", "r"); ok {
		t.Fatalf("second remove should report false")
	}
	if _, err := st.ApplicableRoles.Get(ctx, "g", "r"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDedupAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.New(t)

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.Dedup.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.Dedup.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("get = %v %v %v", got, ok, err)
	}
	if err := st.Dedup.PruneExpired(ctx, until.Add(time.Second)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, ok, _ := st.Dedup.GetDedup(ctx, "k"); ok {
		t.Fatalf("expired key should be pruned")
	}

	if err := st.Audit.Append(ctx, storage.AuditEntry{Action: "role-persist.add", ActorID: "a", OK: true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := st.Audit.Recent(ctx, 10)
	if err != nil || len(entries) != 1 || entries[0].Action != "role-persist.add" || !entries[0].OK {
		t.Fatalf("recent = %+v, %v", entries, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	st := storagetest.New(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
