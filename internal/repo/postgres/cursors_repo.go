package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CursorsRepo struct {
	pool  *pgxpool.Pool
	plans plans.Plans
	prom  *observability.Prom
}

func NewCursorsRepo(pool *pgxpool.Pool, p plans.Plans, prom *observability.Prom) *CursorsRepo {
	return &CursorsRepo{pool: pool, plans: p, prom: prom}
}

func (r *CursorsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Ensure registers the queue's cursor at the given position if it does not
// exist yet. An existing cursor is left alone, joining again never rewinds.
func (r *CursorsRepo) Ensure(ctx context.Context, queue string, lastPos int64) error {
	op := "cursors.ensure"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, r.plans.EnsureCursor(), queue, lastPos)
		return err
	})
}

// Lock tries to take the queue's cursor for one fanout pass. ok is false
// when another instance holds it, which is routine contention rather than
// an error.
func (r *CursorsRepo) Lock(ctx context.Context, queue string, ttl time.Duration) (lastPos int64, ok bool, err error) {
	op := "cursors.lock"

	err = r.observe(op, func() error {
		scanErr := r.pool.QueryRow(ctx, r.plans.LockCursor(), queue, int64(ttl.Seconds())).Scan(&lastPos)

		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil
			}
			return scanErr
		}

		ok = true
		return nil
	})

	if err != nil {
		return 0, false, err
	}

	return lastPos, ok, nil
}

func (r *CursorsRepo) Unlock(ctx context.Context, queue string) error {
	op := "cursors.unlock"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, r.plans.UnlockCursor(), queue)
		return err
	})
}

// AdvanceAndCreate moves the cursor past a processed batch and inserts the
// projected tasks in the same round trip, releasing the lock as it goes.
// Tasks may be empty, the cursor must advance regardless.
func (r *CursorsRepo) AdvanceAndCreate(ctx context.Context, queue string, pos int64, tasks []plans.TaskEnvelope) error {
	op := "cursors.advance"

	if tasks == nil {
		tasks = []plans.TaskEnvelope{}
	}

	payload, err := json.Marshal(tasks)

	if err != nil {
		return err
	}

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, r.plans.AdvanceCursor(), queue, pos, payload)
		return err
	})
}

// ReleaseStale frees cursor locks whose TTL lapsed, usually after a fanout
// crash mid-pass.
func (r *CursorsRepo) ReleaseStale(ctx context.Context) (int64, error) {
	op := "cursors.release_stale"

	var released int64

	err := r.observe(op, func() error {
		tag, execErr := r.pool.Exec(ctx, r.plans.ReleaseStaleCursorLocks())
		if execErr != nil {
			return execErr
		}
		released = tag.RowsAffected()
		return nil
	})

	return released, err
}
