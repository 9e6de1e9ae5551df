package storage

import (
	"context"

	"github.com/google/uuid"

	"councilbot/internal/model"
)

// ApplicableRoleRepository stores the roles members may apply for.
type ApplicableRoleRepository struct {
	q querier
}

const applicableColumns = `id, guild_id, role_id, emoji, description, net_votes_required, added_by`

// Add inserts a role. ErrDuplicate is returned when the guild already lists it.
func (r *ApplicableRoleRepository) Add(ctx context.Context, a *model.ApplicableRole) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := r.q.exec(ctx, `INSERT INTO applicable_roles(`+applicableColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.GuildID, a.RoleID, a.Emoji, a.Description, a.NetVotesRequired, a.AddedBy)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update rewrites the display metadata and threshold of an existing role.
func (r *ApplicableRoleRepository) Update(ctx context.Context, a *model.ApplicableRole) error {
	res, err := r.q.exec(ctx, `UPDATE applicable_roles SET emoji = ?, description = ?, net_votes_required = ?
		WHERE guild_id = ? AND role_id = ?`, a.Emoji, a.Description, a.NetVotesRequired, a.GuildID, a.RoleID)
	return affectedOne(res, err)
}

func (r *ApplicableRoleRepository) Get(ctx context.Context, guildID, roleID string) (*model.ApplicableRole, error) {
	var a model.ApplicableRole
	err := r.q.queryRow(ctx, `SELECT `+applicableColumns+` FROM applicable_roles WHERE guild_id = ? AND role_id = ?`,
		guildID, roleID).Scan(&a.ID, &a.GuildID, &a.RoleID, &a.Emoji, &a.Description, &a.NetVotesRequired, &a.AddedBy)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *ApplicableRoleRepository) List(ctx context.Context, guildID string) ([]model.ApplicableRole, error) {
	rows, err := r.q.query(ctx, `SELECT `+applicableColumns+` FROM applicable_roles WHERE guild_id = ? ORDER BY role_id`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ApplicableRole
	for rows.Next() {
		var a model.ApplicableRole
		if err := rows.Scan(&a.ID, &a.GuildID, &a.RoleID, &a.Emoji, &a.Description, &a.NetVotesRequired, &a.AddedBy); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Remove deletes a role and reports whether it existed.
func (r *ApplicableRoleRepository) Remove(ctx context.Context, guildID, roleID string) (bool, error) {
	res, err := r.q.exec(ctx, `DELETE FROM applicable_roles WHERE guild_id = ? AND role_id = ?`, guildID, roleID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
