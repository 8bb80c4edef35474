package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geocoder89/taskbus/internal/utils"
	"github.com/jackc/pgx/v5"
)

// Admin ops endpoints

// TaskRecord is a task row as shown to operators, from either the active
// table or the archive.
type TaskRecord struct {
	ID           int64           `json:"id"`
	Queue        string          `json:"queue"`
	State        int16           `json:"state"`
	Data         json.RawMessage `json:"data,omitempty"`
	Meta         json.RawMessage `json:"meta_data,omitempty"`
	Config       json.RawMessage `json:"config"`
	RetryCount   int16           `json:"retrycount"`
	StartedOn    *time.Time      `json:"started_on,omitempty"`
	CreatedOn    time.Time       `json:"created_on"`
	StartAfter   *time.Time      `json:"start_after,omitempty"`
	SingletonKey *string         `json:"singleton_key,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	CompletedOn  *time.Time      `json:"completed_on,omitempty"`
	KeepUntil    *time.Time      `json:"keep_until,omitempty"`
	Archived     bool            `json:"archived"`
}

func (r *TasksRepo) ListCursor(
	ctx context.Context,
	queue *string,
	state *int16,
	limit int,
	afterCreatedOn time.Time,
	afterID int64,
) (items []TaskRecord, nextCursor *string, hasMore bool, err error) {
	op := "tasks.admin.list_cursor"

	base := fmt.Sprintf(`
		SELECT id, queue, state, data, meta_data, config, retrycount,
		       started_on, created_on, start_after, singleton_key, output
		FROM %s.tasks
	`, r.plans.Schema())

	var (
		conds   []string
		args    []any
		argsPos = 1
	)

	if queue != nil {
		conds = append(conds, fmt.Sprintf("queue = $%d", argsPos))
		args = append(args, *queue)
		argsPos++
	}

	if state != nil {
		conds = append(conds, fmt.Sprintf("state = $%d", argsPos))
		args = append(args, *state)
		argsPos++
	}

	// DESC keyset: fetch rows "older" than cursor
	conds = append(conds, fmt.Sprintf("(created_on, id) < ($%d, $%d)", argsPos, argsPos+1))
	args = append(args, afterCreatedOn, afterID)
	argsPos += 2

	q := base + " WHERE " + strings.Join(conds, " AND ")

	limitPlusOne := limit + 1
	q += fmt.Sprintf(" ORDER BY created_on DESC, id DESC LIMIT $%d", argsPos)
	args = append(args, limitPlusOne)

	var rows pgx.Rows

	err = r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]TaskRecord, 0, limit)

	for rows.Next() {
		var rec TaskRecord
		var startAfter time.Time

		if scanErr := rows.Scan(
			&rec.ID, &rec.Queue, &rec.State, &rec.Data, &rec.Meta, &rec.Config,
			&rec.RetryCount, &rec.StartedOn, &rec.CreatedOn, &startAfter,
			&rec.SingletonKey, &rec.Output,
		); scanErr != nil {
			return nil, nil, false, scanErr
		}

		rec.StartAfter = &startAfter
		out = append(out, rec)
	}

	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]

		cur, encErr := utils.EncodeTaskCursor(last.CreatedOn, last.ID)
		if encErr != nil {
			return nil, nil, false, encErr
		}
		nextCursor = &cur
	}

	return out, nextCursor, hasMore, nil
}

// GetByID looks a task up in the active table first and falls back to the
// archive, since resolution moves rows between the two.
func (r *TasksRepo) GetByID(ctx context.Context, id int64) (TaskRecord, error) {
	var rec TaskRecord
	var err error
	op := "tasks.admin.get_by_id"

	err = r.observe(op, func() error {
		var startAfter time.Time

		scanErr := r.pool.QueryRow(ctx, r.plans.TaskByID(), id).Scan(
			&rec.ID, &rec.Queue, &rec.State, &rec.Data, &rec.Meta, &rec.Config,
			&rec.RetryCount, &rec.StartedOn, &rec.CreatedOn, &startAfter,
			&rec.SingletonKey, &rec.Output,
		)

		if scanErr == nil {
			rec.StartAfter = &startAfter
			return nil
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return scanErr
		}

		rec.Archived = true
		return r.pool.QueryRow(ctx, r.plans.ArchivedTaskByID(), id).Scan(
			&rec.ID, &rec.Queue, &rec.State, &rec.Data, &rec.Meta, &rec.Config,
			&rec.RetryCount, &rec.StartedOn, &rec.CreatedOn, &rec.CompletedOn,
			&rec.KeepUntil, &rec.Output,
		)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaskRecord{}, ErrTaskNotFound
		}
		return TaskRecord{}, err
	}

	return rec, nil
}

// Retry re-enqueues an archived failed or expired task as a fresh created
// one. The archive keeps only terminal rows, so active tasks are rejected.
func (r *TasksRepo) Retry(ctx context.Context, id int64) error {
	// check task exists + state
	var state int16

	var err error
	op := "tasks.admin.retry.check_state"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, r.plans.ArchivedTaskState(), id).Scan(&state)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		return err
	}

	if state != 4 && state != 6 {
		return ErrTaskNotFailed
	}

	// 2) requeue

	requeueOp := "tasks.admin.retry.requeue"

	return r.observe(requeueOp, func() error {
		_, e := r.pool.Exec(ctx, r.plans.ReviveArchivedTask(), id)
		return e
	})
}

// QueueStats counts tasks per state for one queue, active and archived.
func (r *TasksRepo) QueueStats(ctx context.Context, queue string) (map[string]int64, error) {
	op := "tasks.admin.queue_stats"

	stateName := map[int16]string{
		0: "created",
		1: "retry",
		2: "active",
		3: "completed",
		4: "expired",
		5: "cancelled",
		6: "failed",
	}

	stats := map[string]int64{}
	var err error

	err = r.observe(op, func() error {
		collect := func(query, prefix string) error {
			rows, qerr := r.pool.Query(ctx, query, queue)
			if qerr != nil {
				return qerr
			}
			defer rows.Close()

			for rows.Next() {
				var (
					state int16
					count int64
				)
				if scanErr := rows.Scan(&state, &count); scanErr != nil {
					return scanErr
				}

				name, ok := stateName[state]
				if !ok {
					name = fmt.Sprintf("state_%d", state)
				}
				stats[prefix+name] = count
			}
			return rows.Err()
		}

		if cerr := collect(r.plans.QueueStats(), ""); cerr != nil {
			return cerr
		}
		return collect(r.plans.ArchiveStats(), "archived_")
	})

	if err != nil {
		return nil, err
	}

	return stats, nil
}
