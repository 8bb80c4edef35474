package integration__test

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geocoder89/taskbus/internal/bus"
)

// recordingHandler collects every invocation a subscription receives, so the
// fanout matrix can be checked after the fact.
type recordingHandler struct {
	mu   sync.Mutex
	hits []handlerHit
}

type handlerHit struct {
	task    string
	data    string
	trigger bus.Trigger
}

func (r *recordingHandler) handler(task string) bus.Handler {
	return func(ctx context.Context, data json.RawMessage, tc *bus.TaskContext) (any, error) {
		r.mu.Lock()
		r.hits = append(r.hits, handlerHit{task: task, data: string(data), trigger: tc.Trigger})
		r.mu.Unlock()
		return nil, nil
	}
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}

func (r *recordingHandler) snapshot() []handlerHit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]handlerHit(nil), r.hits...)
}

func TestEventFanout_MatrixInCommitOrder(t *testing.T) {
	pool := testPool(t)
	const schema = "itest_fanout"
	dropSchema(t, pool, schema)
	defer dropSchema(t, pool, schema)

	b := newTestBus(t, pool, schema, "orders")

	orderPlaced := bus.NewEvent("order_placed", bus.Object())
	orderCancelled := bus.NewEvent("order_cancelled", bus.Object())

	rec := &recordingHandler{}

	if err := b.On(orderPlaced, bus.Subscription{TaskName: "reserve_stock", Handler: rec.handler("reserve_stock")}); err != nil {
		t.Fatalf("on: %v", err)
	}
	if err := b.On(orderPlaced, bus.Subscription{TaskName: "email_receipt", Handler: rec.handler("email_receipt")}); err != nil {
		t.Fatalf("on: %v", err)
	}
	if err := b.On(orderCancelled, bus.Subscription{TaskName: "release_stock", Handler: rec.handler("release_stock")}); err != nil {
		t.Fatalf("on: %v", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	// three separate publishes, so each event commits on its own and gets its
	// own position
	for _, pub := range []struct {
		def  bus.EventDefinition
		body map[string]any
	}{
		{orderPlaced, map[string]any{"order": "a"}},
		{orderCancelled, map[string]any{"order": "b"}},
		{orderPlaced, map[string]any{"order": "c"}},
	} {
		ev, err := pub.def.From(pub.body)
		if err != nil {
			t.Fatalf("from: %v", err)
		}
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	// two placements fan out to two tasks each, the cancellation to one
	waitFor(t, 10*time.Second, "all five fanned-out tasks to run", func() bool {
		return rec.count() == 5
	})

	perTask := map[string]int{}
	for _, hit := range rec.snapshot() {
		perTask[hit.task]++

		if hit.trigger.Type != bus.TriggerEvent {
			t.Errorf("task %s ran with trigger type %q, want event", hit.task, hit.trigger.Type)
		}

		var body map[string]string
		if err := json.Unmarshal([]byte(hit.data), &body); err != nil {
			t.Fatalf("task %s got payload %q", hit.task, hit.data)
		}

		switch hit.task {
		case "reserve_stock", "email_receipt":
			if hit.trigger.EventName != "order_placed" {
				t.Errorf("task %s ran for event %q", hit.task, hit.trigger.EventName)
			}
			if body["order"] != "a" && body["order"] != "c" {
				t.Errorf("task %s got order %q", hit.task, body["order"])
			}
		case "release_stock":
			if hit.trigger.EventName != "order_cancelled" {
				t.Errorf("task %s ran for event %q", hit.task, hit.trigger.EventName)
			}
			if body["order"] != "b" {
				t.Errorf("task %s got order %q", hit.task, body["order"])
			}
		default:
			t.Errorf("unexpected task %s", hit.task)
		}
	}

	if perTask["reserve_stock"] != 2 || perTask["email_receipt"] != 2 || perTask["release_stock"] != 1 {
		t.Fatalf("fanout counts = %v, want reserve_stock:2 email_receipt:2 release_stock:1", perTask)
	}

	// handlers report before the resolution batch flushes, so wait for the
	// archive to catch up as well
	waitFor(t, 10*time.Second, "all five tasks to archive", func() bool {
		var n int
		err := pool.QueryRow(context.Background(),
			`SELECT count(*) FROM `+schema+`.tasks_completed`).Scan(&n)
		return err == nil && n == 5
	})

	// tasks are created in event commit order: walking the archive by task id,
	// the originating events must appear in position order
	rows, err := pool.Query(context.Background(),
		`SELECT meta_data->'trace'->>'event_id' FROM `+schema+`.tasks_completed ORDER BY id`)
	if err != nil {
		t.Fatalf("query archive: %v", err)
	}
	var seen []string
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if len(seen) == 0 || seen[len(seen)-1] != eventID {
			seen = append(seen, eventID)
		}
	}
	rows.Close()

	var want []string
	rows, err = pool.Query(context.Background(),
		`SELECT id FROM `+schema+`.events ORDER BY pos ASC`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan: %v", err)
		}
		want = append(want, strconv.FormatInt(id, 10))
	}
	rows.Close()

	if len(seen) != len(want) {
		t.Fatalf("archive spans events %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("archive event order = %v, want %v", seen, want)
		}
	}
}

func TestEventFanout_LateJoinerSkipsHistory(t *testing.T) {
	pool := testPool(t)
	const schema = "itest_joinlater"
	dropSchema(t, pool, schema)
	defer dropSchema(t, pool, schema)

	migrateSchema(t, pool, schema)

	userRegistered := bus.NewEvent("user_registered", bus.Object())

	// the publisher is never started, it only appends to the log
	publisher := newTestBus(t, pool, schema, "alpha")

	for _, name := range []string{"ada", "grace"} {
		ev, err := userRegistered.From(map[string]any{"name": name})
		if err != nil {
			t.Fatalf("from: %v", err)
		}
		if err := publisher.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	// beta joins with two events already committed: its cursor must start at
	// the head of the log, not at zero
	var handled atomic.Int32

	beta := newTestBus(t, pool, schema, "beta")
	err := beta.On(userRegistered, bus.Subscription{
		TaskName: "send_welcome",
		Handler: func(ctx context.Context, data json.RawMessage, tc *bus.TaskContext) (any, error) {
			handled.Add(1)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("on: %v", err)
	}

	if err := beta.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer beta.Stop()

	var lastPos int64
	if err := pool.QueryRow(context.Background(),
		`SELECT last_pos FROM `+schema+`.cursors WHERE queue = 'beta'`).Scan(&lastPos); err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if lastPos != 2 {
		t.Fatalf("fresh cursor at %d, want 2", lastPos)
	}

	// only events published from here on reach beta
	ev, err := userRegistered.From(map[string]any{"name": "linus"})
	if err != nil {
		t.Fatalf("from: %v", err)
	}
	if err := publisher.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, 10*time.Second, "the third event to fan out", func() bool {
		return handled.Load() == 1
	})

	// give the worker a moment to prove the first two stay invisible
	time.Sleep(250 * time.Millisecond)
	if got := handled.Load(); got != 1 {
		t.Fatalf("handled %d events, want exactly 1", got)
	}

	var archived int
	if err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM `+schema+`.tasks_completed`).Scan(&archived); err != nil {
		t.Fatalf("count archive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived tasks = %d, want 1", archived)
	}
}

func TestEventPositions_GaplessUnderConcurrency(t *testing.T) {
	pool := testPool(t)
	const schema = "itest_positions"
	dropSchema(t, pool, schema)
	defer dropSchema(t, pool, schema)

	migrateSchema(t, pool, schema)

	auditPing := bus.NewEvent("audit_ping", bus.Object())
	publisher := newTestBus(t, pool, schema, "audit")

	const (
		publishers = 20
		perWorker  = 10
	)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			remaining := perWorker
			for remaining > 0 {
				// publish in micro-batches of varying size, so commits of
				// different widths interleave
				n := 1 + rand.Intn(3)
				if n > remaining {
					n = remaining
				}

				batch := make([]bus.Event, 0, n)
				for j := 0; j < n; j++ {
					ev, err := auditPing.From(map[string]any{"worker": worker, "seq": remaining - j})
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return
					}
					batch = append(batch, ev)
				}

				if err := publisher.Publish(context.Background(), batch...); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				remaining -= n
			}
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("publishing failed: %v", errs[0])
	}

	// every publish has committed, so every row must carry its final position
	// already: a dense run from 1 to 200 with no gaps and no duplicates
	rows, err := pool.Query(context.Background(),
		`SELECT pos FROM `+schema+`.events ORDER BY pos ASC`)
	if err != nil {
		t.Fatalf("query positions: %v", err)
	}
	var positions []int64
	for rows.Next() {
		var pos int64
		if err := rows.Scan(&pos); err != nil {
			t.Fatalf("scan: %v", err)
		}
		positions = append(positions, pos)
	}
	rows.Close()

	total := publishers * perWorker
	if len(positions) != total {
		t.Fatalf("committed events = %d, want %d", len(positions), total)
	}
	for i, pos := range positions {
		if pos != int64(i+1) {
			t.Fatalf("positions[%d] = %d, want %d", i, pos, i+1)
		}
	}
}

func TestMaintenance_SweepsExpiredRows(t *testing.T) {
	pool := testPool(t)
	const schema = "itest_retention"
	dropSchema(t, pool, schema)
	defer dropSchema(t, pool, schema)

	migrateSchema(t, pool, schema)

	// 1) seed one archive row and one event past retention, plus one of each
	// still inside it
	_, err := pool.Exec(context.Background(), `
		INSERT INTO `+schema+`.tasks_completed (id, queue, state, config, created_on, keep_until) VALUES
			(1, 'worker', 3, '{}', now(), now() - interval '1 hour'),
			(2, 'worker', 3, '{}', now(), now() + interval '1 day')`)
	if err != nil {
		t.Fatalf("seed archive: %v", err)
	}

	_, err = pool.Exec(context.Background(), `
		INSERT INTO `+schema+`.events (event_name, event_data, expire_at) VALUES
			('stale_event', '{}', current_date - 2),
			('fresh_event', '{}', current_date + 30)`)
	if err != nil {
		t.Fatalf("seed events: %v", err)
	}

	// 2) starting the bus runs the first cleanup pass right away
	b := newTestBus(t, pool, schema, "worker")
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	waitFor(t, 10*time.Second, "the cleanup pass to sweep", func() bool {
		var archived, events int
		if err := pool.QueryRow(context.Background(),
			`SELECT count(*) FROM `+schema+`.tasks_completed WHERE id = 1`).Scan(&archived); err != nil {
			return false
		}
		if err := pool.QueryRow(context.Background(),
			`SELECT count(*) FROM `+schema+`.events WHERE event_name = 'stale_event'`).Scan(&events); err != nil {
			return false
		}
		return archived == 0 && events == 0
	})

	// 3) rows inside retention survive the sweep
	var kept int
	if err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM `+schema+`.tasks_completed WHERE id = 2`).Scan(&kept); err != nil {
		t.Fatalf("count archive: %v", err)
	}
	if kept != 1 {
		t.Fatal("archive row inside retention was swept")
	}

	if err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM `+schema+`.events WHERE event_name = 'fresh_event'`).Scan(&kept); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if kept != 1 {
		t.Fatal("event inside retention was swept")
	}
}
