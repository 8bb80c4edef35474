package postgres

import (
	"context"
	"encoding/json"

	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EventsRepo struct {
	pool  *pgxpool.Pool
	plans plans.Plans
	prom  *observability.Prom
}

// constructor function

func NewEventsRepo(pool *pgxpool.Pool, p plans.Plans, prom *observability.Prom) *EventsRepo {
	return &EventsRepo{
		pool:  pool,
		plans: p,
		prom:  prom,
	}
}

func (r *EventsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Create appends a batch of events to the log through create_bus_events.
// Positions are assigned by the deferred trigger when the surrounding
// transaction commits, not here.
func (r *EventsRepo) Create(ctx context.Context, events []plans.EventEnvelope) error {
	if len(events) == 0 {
		return nil
	}

	op := "events.create"

	payload, err := json.Marshal(events)

	if err != nil {
		return err
	}

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, r.plans.CreateEvents(), payload)
		return err
	})
}

// FetchAfter reads up to limit committed events past pos, in commit order.
func (r *EventsRepo) FetchAfter(ctx context.Context, pos int64, limit int) ([]plans.StoredEvent, error) {
	op := "events.fetch_after"

	var out []plans.StoredEvent
	var err error

	err = r.observe(op, func() error {
		rows, qerr := r.pool.Query(ctx, r.plans.FetchEventsAfter(), pos, limit)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			var ev plans.StoredEvent
			if scanErr := rows.Scan(&ev.ID, &ev.EventName, &ev.Data, &ev.Pos); scanErr != nil {
				return scanErr
			}
			out = append(out, ev)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}

// LastPos returns the highest committed position, zero for an empty log.
// New cursors start here so a joining queue skips history.
func (r *EventsRepo) LastPos(ctx context.Context) (int64, error) {
	op := "events.last_pos"

	var pos int64

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, r.plans.LastEventPos()).Scan(&pos)
	})

	if err != nil {
		return 0, err
	}

	return pos, nil
}

// DeleteExpired drops events whose retention date has passed.
func (r *EventsRepo) DeleteExpired(ctx context.Context) (int64, error) {
	op := "events.delete_expired"

	var removed int64

	err := r.observe(op, func() error {
		tag, execErr := r.pool.Exec(ctx, r.plans.DeleteExpiredEvents())
		if execErr != nil {
			return execErr
		}
		removed = tag.RowsAffected()
		return nil
	})

	return removed, err
}
