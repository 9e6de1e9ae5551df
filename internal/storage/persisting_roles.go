package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"councilbot/internal/model"
)

// PersistingRoleRepository stores persisting-role facts.
type PersistingRoleRepository struct {
	q querier
}

const persistingColumns = `id, guild_id, user_id, role_id, remove_at, expiry_processed, added_by, created_at`

// Insert stores a fact, assigning an ID when empty.
func (r *PersistingRoleRepository) Insert(ctx context.Context, p *model.PersistingRole) error {
	return insertPersisting(ctx, r.q, p)
}

// InsertMany stores all facts in one transaction.
func (r *PersistingRoleRepository) InsertMany(ctx context.Context, ps []*model.PersistingRole) error {
	return r.q.inTx(ctx, func(tx querier) error {
		for _, p := range ps {
			if err := insertPersisting(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertPersisting(ctx context.Context, q querier, p *model.PersistingRole) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := q.exec(ctx, `INSERT INTO persisting_roles(`+persistingColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.GuildID, p.UserID, p.RoleID, nullMillis(p.RemoveAt), p.ExpiryProcessed, p.AddedBy, toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert persisting role: %w", err)
	}
	return nil
}

// Get loads one fact by ID.
func (r *PersistingRoleRepository) Get(ctx context.Context, id string) (*model.PersistingRole, error) {
	row := r.q.queryRow(ctx, `SELECT `+persistingColumns+` FROM persisting_roles WHERE id = ?`, id)
	p, err := scanPersisting(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// ListForMember returns a member's facts newest first. A non-empty roleID narrows to that role.
func (r *PersistingRoleRepository) ListForMember(ctx context.Context, guildID, userID, roleID string) ([]model.PersistingRole, error) {
	if roleID != "" {
		return r.list(ctx, `WHERE guild_id = ? AND user_id = ? AND role_id = ? ORDER BY created_at DESC, id`, guildID, userID, roleID)
	}
	return r.list(ctx, `WHERE guild_id = ? AND user_id = ? ORDER BY created_at DESC, id`, guildID, userID)
}

// ListByGuild returns every fact in a guild ordered by member.
func (r *PersistingRoleRepository) ListByGuild(ctx context.Context, guildID string) ([]model.PersistingRole, error) {
	return r.list(ctx, `WHERE guild_id = ? ORDER BY user_id, created_at`, guildID)
}

// ListAll returns every fact.
func (r *PersistingRoleRepository) ListAll(ctx context.Context) ([]model.PersistingRole, error) {
	return r.list(ctx, `ORDER BY guild_id, user_id, created_at`)
}

// DeleteMatching removes a member's facts for roleID and returns the deleted IDs.
func (r *PersistingRoleRepository) DeleteMatching(ctx context.Context, guildID, userID, roleID string) ([]string, error) {
	var ids []string
	err := r.q.inTx(ctx, func(tx querier) error {
		rows, err := tx.query(ctx, `SELECT id FROM persisting_roles WHERE guild_id = ? AND user_id = ? AND role_id = ?`,
			guildID, userID, roleID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.exec(ctx, `DELETE FROM persisting_roles WHERE guild_id = ? AND user_id = ? AND role_id = ?`,
			guildID, userID, roleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// NextExpiry returns the unprocessed fact with the soonest RemoveAt, or ErrNotFound.
func (r *PersistingRoleRepository) NextExpiry(ctx context.Context) (*model.PersistingRole, error) {
	row := r.q.queryRow(ctx, `SELECT `+persistingColumns+` FROM persisting_roles
		WHERE remove_at IS NOT NULL AND expiry_processed = ? ORDER BY remove_at, id LIMIT 1`, false)
	p, err := scanPersisting(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// ListDue returns unprocessed facts whose RemoveAt is at or before now.
func (r *PersistingRoleRepository) ListDue(ctx context.Context, now time.Time) ([]model.PersistingRole, error) {
	return r.list(ctx, `WHERE remove_at IS NOT NULL AND remove_at <= ? AND expiry_processed = ? ORDER BY remove_at`,
		toMillis(now), false)
}

// SetExpiryProcessed flips the processed flag on one fact.
func (r *PersistingRoleRepository) SetExpiryProcessed(ctx context.Context, id string, processed bool) error {
	res, err := r.q.exec(ctx, `UPDATE persisting_roles SET expiry_processed = ? WHERE id = ?`, processed, id)
	return affectedOne(res, err)
}

func (r *PersistingRoleRepository) list(ctx context.Context, tail string, args ...any) ([]model.PersistingRole, error) {
	rows, err := r.q.query(ctx, `SELECT `+persistingColumns+` FROM persisting_roles `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PersistingRole
	for rows.Next() {
		p, err := scanPersisting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPersisting(s scanner) (*model.PersistingRole, error) {
	var (
		p        model.PersistingRole
		removeAt sql.NullInt64
		created  int64
	)
	if err := s.Scan(&p.ID, &p.GuildID, &p.UserID, &p.RoleID, &removeAt, &p.ExpiryProcessed, &p.AddedBy, &created); err != nil {
		return nil, err
	}
	p.RemoveAt = timePtr(removeAt)
	p.CreatedAt = fromMillis(created)
	return &p, nil
}
