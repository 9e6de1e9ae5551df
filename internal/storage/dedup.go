package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DedupRepository persists notification dedup windows so restarts do not resend.
type DedupRepository struct {
	q          querier
	pruneEvery uint64
	opCount    atomic.Uint64
}

func (r *DedupRepository) PutDedup(ctx context.Context, key string, until time.Time) error {
	if r == nil || r.q.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := r.q.exec(ctx,
		`INSERT INTO dedup(key, until) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, toMillis(until),
	)
	if err == nil && r.pruneEvery > 0 && r.opCount.Add(1)%r.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = r.PruneExpired(pctx, time.Now())
		cancel()
	}
	return err
}

func (r *DedupRepository) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if r == nil || r.q.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := r.q.queryRow(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMillis(ms), true, nil
}

// PruneExpired drops windows that ended before now.
func (r *DedupRepository) PruneExpired(ctx context.Context, now time.Time) error {
	_, err := r.q.exec(ctx, `DELETE FROM dedup WHERE until < ?`, toMillis(now))
	return err
}

// AuditRepository records administrative actions.
type AuditRepository struct {
	q querier
}

func (r *AuditRepository) Append(ctx context.Context, e AuditEntry) error {
	if r == nil || r.q.db == nil {
		return ErrDisabled
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := r.q.exec(ctx,
		`INSERT INTO audit(id, at, guild_id, actor_id, action, target, detail, ok) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, toMillis(e.At), e.GuildID, e.ActorID, e.Action, e.Target, e.Detail, e.OK,
	)
	return err
}

// Recent returns up to limit entries, newest first.
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.query(ctx, `SELECT id, at, guild_id, actor_id, action, target, detail, ok
		FROM audit ORDER BY at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.GuildID, &e.ActorID, &e.Action, &e.Target, &e.Detail, &e.OK); err != nil {
			return nil, err
		}
		e.At = fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
