package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskNotFailed = errors.New("task is not failed or expired")
)

type TasksRepo struct {
	pool  *pgxpool.Pool
	plans plans.Plans
	prom  *observability.Prom
}

func NewTasksRepo(pool *pgxpool.Pool, p plans.Plans, prom *observability.Prom) *TasksRepo {
	return &TasksRepo{pool: pool, plans: p, prom: prom}
}

func (r *TasksRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

// Create inserts a batch of task envelopes through create_bus_tasks.
// Singleton duplicates are dropped server-side, so the call succeeds even
// when nothing was inserted.
func (r *TasksRepo) Create(ctx context.Context, tasks []plans.TaskEnvelope) error {
	if len(tasks) == 0 {
		return nil
	}

	op := "tasks.create"

	payload, err := json.Marshal(tasks)

	if err != nil {
		return err
	}

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, r.plans.CreateTasks(), payload)
		return err
	})
}

// Pop claims up to amount startable tasks for the queue, flipping them to
// active in the same statement. Retry rows come back with retrycount already
// incremented.
func (r *TasksRepo) Pop(ctx context.Context, queue string, amount int) ([]plans.StoredTask, error) {
	if amount <= 0 {
		return nil, nil
	}

	op := "tasks.pop"

	var out []plans.StoredTask
	var err error

	err = r.observe(op, func() error {
		rows, qerr := r.pool.Query(ctx, r.plans.GetTasks(), queue, amount)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			var (
				t    plans.StoredTask
				meta []byte
				cfg  []byte
			)

			if scanErr := rows.Scan(&t.ID, &t.RetryCount, &t.State, &t.Data, &meta, &cfg, &t.ExpireInSeconds); scanErr != nil {
				return scanErr
			}

			if len(meta) > 0 {
				if jerr := json.Unmarshal(meta, &t.Meta); jerr != nil {
					return fmt.Errorf("task %d meta_data: %w", t.ID, jerr)
				}
			}
			if len(cfg) > 0 {
				if jerr := json.Unmarshal(cfg, &t.Config); jerr != nil {
					return fmt.Errorf("task %d config: %w", t.ID, jerr)
				}
			}

			out = append(out, t)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}

// Resolve applies a batch of resolutions through resolve_tasks. Rows that
// are no longer active are skipped server-side.
func (r *TasksRepo) Resolve(ctx context.Context, resolutions []plans.ResolutionEnvelope) error {
	if len(resolutions) == 0 {
		return nil
	}

	op := "tasks.resolve"

	payload, err := json.Marshal(resolutions)

	if err != nil {
		return err
	}

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, r.plans.ResolveTasks(), payload)
		return err
	})
}

// ExpireStuck resolves active tasks that ran past their deadline, branching
// each one to retry or expired by its own policy. Selection and resolution
// share one transaction so a crashed worker's rows move exactly once.
func (r *TasksRepo) ExpireStuck(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 300
	}

	op := "tasks.expire_stuck"

	var count int
	var err error

	err = r.observe(op, func() error {
		tx, txErr := r.pool.Begin(ctx)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback(ctx)

		rows, qerr := tx.Query(ctx, r.plans.ExpiredTaskCandidates(), limit)
		if qerr != nil {
			return qerr
		}

		type candidate struct {
			id           int64
			retrycount   int16
			retryLimit   int
			retryDelay   int
			retryBackoff bool
		}

		var picked []candidate

		for rows.Next() {
			var c candidate
			if scanErr := rows.Scan(&c.id, &c.retrycount, &c.retryLimit, &c.retryDelay, &c.retryBackoff); scanErr != nil {
				rows.Close()
				return scanErr
			}
			picked = append(picked, c)
		}
		rows.Close()

		if rowsErr := rows.Err(); rowsErr != nil {
			return rowsErr
		}

		if len(picked) == 0 {
			return tx.Commit(ctx)
		}

		output := json.RawMessage(`{"message":"task execution expired"}`)
		resolutions := make([]plans.ResolutionEnvelope, 0, len(picked))

		for _, c := range picked {
			if int(c.retrycount) < c.retryLimit {
				delay := c.retryDelay
				if c.retryBackoff {
					delay = c.retryDelay * (1 << uint(c.retrycount))
				}
				resolutions = append(resolutions, plans.ResolutionEnvelope{
					ID:                c.id,
					State:             1,
					Output:            output,
					StartAfterSeconds: &delay,
				})
				continue
			}

			resolutions = append(resolutions, plans.ResolutionEnvelope{
				ID:     c.id,
				State:  4,
				Output: output,
			})
		}

		payload, merr := json.Marshal(resolutions)
		if merr != nil {
			return merr
		}

		if _, execErr := tx.Exec(ctx, r.plans.ResolveTasks(), payload); execErr != nil {
			return execErr
		}

		count = len(picked)
		return tx.Commit(ctx)
	})

	if err != nil {
		return 0, err
	}

	return count, nil
}

// PurgeArchive drops archive rows whose keep_until has passed.
func (r *TasksRepo) PurgeArchive(ctx context.Context) (int64, error) {
	op := "tasks.purge_archive"

	var removed int64

	err := r.observe(op, func() error {
		tag, execErr := r.pool.Exec(ctx, r.plans.PurgeArchive())
		if execErr != nil {
			return execErr
		}
		removed = tag.RowsAffected()
		return nil
	})

	return removed, err
}
