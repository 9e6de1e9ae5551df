package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"councilbot/internal/model"
)

// RequestRepository persists review requests, their vote units and votes.
type RequestRepository struct {
	q querier
}

const requestColumns = `id, guild_id, user_id, user_name, global_name, thread_id, message_id,
	message_channel_id, started_at, cancelled_at, resubmit_approver, roles_applied_for, roles_accepted`

const unitColumns = `u.request_id, u.role_id, u.thread_id, u.poll_message_id, u.submitted_at, u.expires_at,
	u.closed_at, u.cancelled_at, u.yes_votes, u.no_votes, u.accepted, u.closed_under_error,
	u.resubmit_approver, r.user_id, r.guild_id`

// Create inserts a request and all of its units in one transaction. An empty ID is assigned.
func (r *RequestRepository) Create(ctx context.Context, req *model.ReviewRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.RolesAppliedFor = len(req.Roles)
	return r.q.inTx(ctx, func(tx querier) error {
		_, err := tx.exec(ctx, `INSERT INTO review_requests(`+requestColumns+`)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.GuildID, req.UserID, req.UserName, req.GlobalName, req.ThreadID, req.MessageID,
			req.MessageChannelID, toMillis(req.StartedAt), nullMillis(req.CancelledAt),
			nullString(req.ResubmitApprover), req.RolesAppliedFor, req.RolesAccepted,
		)
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		for i := range req.Roles {
			u := &req.Roles[i]
			u.RequestID = req.ID
			u.UserID = req.UserID
			u.GuildID = req.GuildID
			if _, err := tx.exec(ctx, `INSERT INTO requested_roles(request_id, role_id, thread_id, poll_message_id,
				submitted_at, expires_at, closed_at, cancelled_at, yes_votes, no_votes, accepted,
				closed_under_error, resubmit_approver)
				VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, unitArgs(u)...); err != nil {
				return fmt.Errorf("insert unit %s: %w", u.RoleID, err)
			}
		}
		return nil
	})
}

func unitArgs(u *model.RequestedRole) []any {
	return []any{
		u.RequestID, u.RoleID, u.ThreadID, nullString(u.PollMessageID),
		nullMillis(u.SubmittedAt), nullMillis(u.ExpiresAt), nullMillis(u.ClosedAt), nullMillis(u.CancelledAt),
		u.YesVotes, u.NoVotes, nullBool(u.Accepted), u.ClosedUnderError, nullString(u.ResubmitApprover),
	}
}

// Save updates the request row (not its units).
func (r *RequestRepository) Save(ctx context.Context, req *model.ReviewRequest) error {
	res, err := r.q.exec(ctx, `UPDATE review_requests SET thread_id = ?, message_id = ?, message_channel_id = ?,
		cancelled_at = ?, resubmit_approver = ?, roles_applied_for = ?, roles_accepted = ?
		WHERE id = ?`,
		req.ThreadID, req.MessageID, req.MessageChannelID, nullMillis(req.CancelledAt),
		nullString(req.ResubmitApprover), req.RolesAppliedFor, req.RolesAccepted, req.ID,
	)
	return affectedOne(res, err)
}

// SaveUnit updates a unit's lifecycle columns. Votes are untouched.
func (r *RequestRepository) SaveUnit(ctx context.Context, u *model.RequestedRole) error {
	return saveUnit(ctx, r.q, u)
}

func saveUnit(ctx context.Context, q querier, u *model.RequestedRole) error {
	res, err := q.exec(ctx, `UPDATE requested_roles SET thread_id = ?, poll_message_id = ?, submitted_at = ?,
		expires_at = ?, closed_at = ?, cancelled_at = ?, yes_votes = ?, no_votes = ?, accepted = ?,
		closed_under_error = ?, resubmit_approver = ?
		WHERE request_id = ? AND role_id = ?`,
		u.ThreadID, nullString(u.PollMessageID), nullMillis(u.SubmittedAt), nullMillis(u.ExpiresAt),
		nullMillis(u.ClosedAt), nullMillis(u.CancelledAt), u.YesVotes, u.NoVotes, nullBool(u.Accepted),
		u.ClosedUnderError, nullString(u.ResubmitApprover), u.RequestID, u.RoleID,
	)
	return affectedOne(res, err)
}

// SaveUnitResult stores the tally, the outcome and the full vote list atomically,
// replacing any previous votes for the unit.
func (r *RequestRepository) SaveUnitResult(ctx context.Context, u *model.RequestedRole) error {
	return r.q.inTx(ctx, func(tx querier) error {
		if err := saveUnit(ctx, tx, u); err != nil {
			return err
		}
		if _, err := tx.exec(ctx, `DELETE FROM votes WHERE request_id = ? AND role_id = ?`, u.RequestID, u.RoleID); err != nil {
			return fmt.Errorf("clear votes: %w", err)
		}
		for _, v := range u.Votes {
			if _, err := tx.exec(ctx, `INSERT INTO votes(request_id, role_id, idx, user_id, user_name, global_name, yes)
				VALUES(?, ?, ?, ?, ?, ?, ?)`,
				u.RequestID, u.RoleID, v.Index, v.UserID, v.UserName, v.GlobalName, v.Yes); err != nil {
				return fmt.Errorf("insert vote %d: %w", v.Index, err)
			}
		}
		return nil
	})
}

// IncrementAccepted bumps RolesAccepted on the request.
func (r *RequestRepository) IncrementAccepted(ctx context.Context, requestID string) error {
	res, err := r.q.exec(ctx, `UPDATE review_requests SET roles_accepted = roles_accepted + 1 WHERE id = ?`, requestID)
	return affectedOne(res, err)
}

// Get loads a request with its units and votes.
func (r *RequestRepository) Get(ctx context.Context, id string) (*model.ReviewRequest, error) {
	reqs, err := r.listRequests(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, ErrNotFound
	}
	return &reqs[0], nil
}

// FindByThread loads the request whose portfolio thread is threadID and that belongs to userID.
func (r *RequestRepository) FindByThread(ctx context.Context, userID, threadID string) (*model.ReviewRequest, error) {
	reqs, err := r.listRequests(ctx, `WHERE user_id = ? AND thread_id = ? ORDER BY started_at DESC`, userID, threadID)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, ErrNotFound
	}
	return &reqs[0], nil
}

// ListByMember returns a member's requests, newest first, with units and votes.
func (r *RequestRepository) ListByMember(ctx context.Context, guildID, userID string) ([]model.ReviewRequest, error) {
	return r.listRequests(ctx, `WHERE guild_id = ? AND user_id = ? ORDER BY started_at DESC`, guildID, userID)
}

// GetUnit loads one unit with its votes.
func (r *RequestRepository) GetUnit(ctx context.Context, key model.UnitKey) (*model.RequestedRole, error) {
	units, err := r.listUnits(ctx, `WHERE u.request_id = ? AND u.role_id = ?`, key.RequestID, key.RoleID)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrNotFound
	}
	return &units[0], nil
}

// ListOpen returns every submitted unit with a deadline that is neither closed nor cancelled.
func (r *RequestRepository) ListOpen(ctx context.Context) ([]model.RequestedRole, error) {
	return r.listUnits(ctx, `WHERE u.submitted_at IS NOT NULL AND u.expires_at IS NOT NULL
		AND u.closed_at IS NULL AND u.cancelled_at IS NULL ORDER BY u.expires_at`)
}

// FindOpenByThread returns the open unit whose voting thread is threadID.
func (r *RequestRepository) FindOpenByThread(ctx context.Context, threadID string) (*model.RequestedRole, error) {
	units, err := r.listUnits(ctx, `WHERE u.thread_id = ? AND u.submitted_at IS NOT NULL
		AND u.closed_at IS NULL AND u.cancelled_at IS NULL`, threadID)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrNotFound
	}
	return &units[0], nil
}

// ListOpenForRole returns open units for roleID in a guild, excluding excludeUserID's own.
func (r *RequestRepository) ListOpenForRole(ctx context.Context, guildID, roleID, excludeUserID string) ([]model.RequestedRole, error) {
	return r.listUnits(ctx, `WHERE r.guild_id = ? AND u.role_id = ? AND r.user_id <> ?
		AND u.submitted_at IS NOT NULL AND u.closed_at IS NULL AND u.cancelled_at IS NULL
		AND u.closed_under_error = ?`, guildID, roleID, excludeUserID, false)
}

// LatestClosed returns the most recently closed unit for a member and role.
func (r *RequestRepository) LatestClosed(ctx context.Context, guildID, userID, roleID string) (*model.RequestedRole, error) {
	units, err := r.listUnits(ctx, `WHERE r.guild_id = ? AND r.user_id = ? AND u.role_id = ?
		AND u.closed_at IS NOT NULL AND u.closed_under_error = ? ORDER BY u.closed_at DESC`,
		guildID, userID, roleID, false)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrNotFound
	}
	return &units[0], nil
}

// Delete removes a request; units and votes cascade.
func (r *RequestRepository) Delete(ctx context.Context, id string) error {
	res, err := r.q.exec(ctx, `DELETE FROM review_requests WHERE id = ?`, id)
	return affectedOne(res, err)
}

func (r *RequestRepository) listRequests(ctx context.Context, where string, args ...any) ([]model.ReviewRequest, error) {
	rows, err := r.q.query(ctx, `SELECT `+requestColumns+` FROM review_requests `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ReviewRequest
	for rows.Next() {
		var (
			req       model.ReviewRequest
			started   int64
			cancelled sql.NullInt64
			approver  sql.NullString
		)
		if err := rows.Scan(&req.ID, &req.GuildID, &req.UserID, &req.UserName, &req.GlobalName, &req.ThreadID,
			&req.MessageID, &req.MessageChannelID, &started, &cancelled, &approver,
			&req.RolesAppliedFor, &req.RolesAccepted); err != nil {
			return nil, err
		}
		req.StartedAt = fromMillis(started)
		req.CancelledAt = timePtr(cancelled)
		req.ResubmitApprover = stringPtr(approver)
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]any, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	units, err := r.listUnits(ctx, `WHERE u.request_id IN (`+placeholders(len(ids))+`) ORDER BY u.request_id, u.role_id`, ids...)
	if err != nil {
		return nil, err
	}
	byReq := map[string][]model.RequestedRole{}
	for _, u := range units {
		byReq[u.RequestID] = append(byReq[u.RequestID], u)
	}
	for i := range out {
		out[i].Roles = byReq[out[i].ID]
	}
	return out, nil
}

func (r *RequestRepository) listUnits(ctx context.Context, where string, args ...any) ([]model.RequestedRole, error) {
	rows, err := r.q.query(ctx, `SELECT `+unitColumns+`
		FROM requested_roles u JOIN review_requests r ON r.id = u.request_id `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RequestedRole
	for rows.Next() {
		var (
			u                                      model.RequestedRole
			poll, approver                         sql.NullString
			submitted, expires, closed, cancelled sql.NullInt64
			accepted                               sql.NullBool
		)
		if err := rows.Scan(&u.RequestID, &u.RoleID, &u.ThreadID, &poll, &submitted, &expires, &closed, &cancelled,
			&u.YesVotes, &u.NoVotes, &accepted, &u.ClosedUnderError, &approver, &u.UserID, &u.GuildID); err != nil {
			return nil, err
		}
		u.PollMessageID = stringPtr(poll)
		u.SubmittedAt = timePtr(submitted)
		u.ExpiresAt = timePtr(expires)
		u.ClosedAt = timePtr(closed)
		u.CancelledAt = timePtr(cancelled)
		u.Accepted = boolPtr(accepted)
		u.ResubmitApprover = stringPtr(approver)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := r.attachVotes(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RequestRepository) attachVotes(ctx context.Context, units []model.RequestedRole) error {
	reqIDs := map[string]bool{}
	args := make([]any, 0, len(units))
	for _, u := range units {
		if !reqIDs[u.RequestID] {
			reqIDs[u.RequestID] = true
			args = append(args, u.RequestID)
		}
	}
	rows, err := r.q.query(ctx, `SELECT request_id, role_id, idx, user_id, user_name, global_name, yes
		FROM votes WHERE request_id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	votes := map[model.UnitKey][]model.Vote{}
	for rows.Next() {
		var (
			key model.UnitKey
			v   model.Vote
		)
		if err := rows.Scan(&key.RequestID, &key.RoleID, &v.Index, &v.UserID, &v.UserName, &v.GlobalName, &v.Yes); err != nil {
			return err
		}
		votes[key] = append(votes[key], v)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range units {
		vs := votes[units[i].Key()]
		sort.Slice(vs, func(a, b int) bool { return vs[a].Index < vs[b].Index })
		units[i].Votes = vs
	}
	return nil
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
