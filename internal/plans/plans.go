package plans

import (
	"fmt"
	"regexp"
)

var schemaNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidSchemaName reports whether s is safe to interpolate as a schema
// identifier. Plans inline the schema name, so it is validated once up
// front instead of quoted everywhere.
func ValidSchemaName(s string) bool {
	return len(s) <= 63 && schemaNameRe.MatchString(s)
}

// Plans builds the SQL statements for one schema. All table and function
// references are schema-qualified so several buses can share a database.
type Plans struct {
	schema string
}

func New(schema string) Plans {
	return Plans{schema: schema}
}

func (p Plans) Schema() string {
	return p.schema
}

// CreateTasks invokes the server-side insert with a jsonb array of task
// envelopes. Singleton conflicts are swallowed by the function itself.
func (p Plans) CreateTasks() string {
	return fmt.Sprintf(`SELECT %s.create_bus_tasks($1::jsonb)`, p.schema)
}

func (p Plans) CreateEvents() string {
	return fmt.Sprintf(`SELECT %s.create_bus_events($1::jsonb)`, p.schema)
}

func (p Plans) GetTasks() string {
	return fmt.Sprintf(`SELECT id, retrycount, state, data, meta_data, config, expire_in_seconds
FROM %s.get_tasks($1, $2)`, p.schema)
}

func (p Plans) ResolveTasks() string {
	return fmt.Sprintf(`SELECT %s.resolve_tasks($1::jsonb)`, p.schema)
}

// FetchEventsAfter reads committed events past a cursor position in commit
// order. Rows still waiting for their deferred position (pos = 0) are
// invisible on purpose.
func (p Plans) FetchEventsAfter() string {
	return fmt.Sprintf(`SELECT id, event_name, event_data, pos
FROM %s.events
WHERE pos > 0 AND pos > $1
ORDER BY pos ASC
LIMIT $2`, p.schema)
}

func (p Plans) LastEventPos() string {
	return fmt.Sprintf(`SELECT COALESCE(max(pos), 0) FROM %s.events WHERE pos > 0`, p.schema)
}

func (p Plans) DeleteExpiredEvents() string {
	return fmt.Sprintf(`DELETE FROM %s.events WHERE expire_at < now()`, p.schema)
}

func (p Plans) EnsureCursor() string {
	return fmt.Sprintf(`INSERT INTO %s.cursors (queue, last_pos)
VALUES ($1, $2)
ON CONFLICT (queue) DO NOTHING`, p.schema)
}

// LockCursor grabs a queue's cursor if it is free, in a single statement.
// SKIP LOCKED keeps competing instances from queueing on the row lock, the
// locked flag keeps them away between statements.
func (p Plans) LockCursor() string {
	return fmt.Sprintf(`UPDATE %s.cursors c
SET locked = true, expire_lock_at = now() + make_interval(secs => $2)
WHERE c.id = (
	SELECT id FROM %s.cursors
	WHERE queue = $1 AND locked = false
	FOR UPDATE SKIP LOCKED
)
RETURNING c.last_pos`, p.schema, p.schema)
}

func (p Plans) UnlockCursor() string {
	return fmt.Sprintf(`UPDATE %s.cursors
SET locked = false, expire_lock_at = NULL
WHERE queue = $1`, p.schema)
}

// AdvanceCursor moves the cursor past a processed batch and inserts the
// projected tasks in the same round trip. An empty task array still
// advances, events with no subscribers must not wedge the cursor.
func (p Plans) AdvanceCursor() string {
	return fmt.Sprintf(`WITH advanced AS (
	UPDATE %s.cursors
	SET last_pos = $2, locked = false, expire_lock_at = NULL
	WHERE queue = $1
	RETURNING id
)
SELECT %s.create_bus_tasks($3::jsonb)`, p.schema, p.schema)
}

func (p Plans) ReleaseStaleCursorLocks() string {
	return fmt.Sprintf(`UPDATE %s.cursors
SET locked = false, expire_lock_at = NULL
WHERE locked = true AND expire_lock_at < now()`, p.schema)
}

// ExpiredTaskCandidates picks active tasks past their execution deadline,
// with the policy fields needed to branch between retry and expired.
func (p Plans) ExpiredTaskCandidates() string {
	return fmt.Sprintf(`SELECT id, retrycount,
	COALESCE((config->>'r_l')::integer, 3) AS retry_limit,
	COALESCE((config->>'r_d')::integer, 5) AS retry_delay,
	COALESCE((config->>'r_b')::boolean, false) AS retry_backoff
FROM %s.tasks
WHERE state = 2 AND started_on + expire_in < now()
LIMIT $1
FOR UPDATE SKIP LOCKED`, p.schema)
}

func (p Plans) PurgeArchive() string {
	return fmt.Sprintf(`DELETE FROM %s.tasks_completed WHERE keep_until < now()`, p.schema)
}

func (p Plans) TaskByID() string {
	return fmt.Sprintf(`SELECT id, queue, state, data, meta_data, config, retrycount,
	started_on, created_on, start_after, singleton_key, output
FROM %s.tasks
WHERE id = $1`, p.schema)
}

func (p Plans) ArchivedTaskByID() string {
	return fmt.Sprintf(`SELECT id, queue, state, data, meta_data, config, retrycount,
	started_on, created_on, completed_on, keep_until, output
FROM %s.tasks_completed
WHERE id = $1`, p.schema)
}

func (p Plans) ArchivedTaskState() string {
	return fmt.Sprintf(`SELECT state FROM %s.tasks_completed WHERE id = $1`, p.schema)
}

// ReviveArchivedTask moves a terminal archive row back onto the queue as a
// fresh created task. The archive row is removed so a later resolve can
// re-archive under the same id.
func (p Plans) ReviveArchivedTask() string {
	return fmt.Sprintf(`WITH moved AS (
	DELETE FROM %s.tasks_completed
	WHERE id = $1 AND state IN (4, 6)
	RETURNING id, queue, data, meta_data, config, created_on
)
INSERT INTO %s.tasks (id, queue, state, data, meta_data, config, retrycount, created_on, start_after)
SELECT id, queue, 0, data, meta_data, config, 0, created_on, now()
FROM moved`, p.schema, p.schema)
}

func (p Plans) QueueStats() string {
	return fmt.Sprintf(`SELECT state, count(*) FROM %s.tasks WHERE queue = $1 GROUP BY state`, p.schema)
}

func (p Plans) ArchiveStats() string {
	return fmt.Sprintf(`SELECT state, count(*) FROM %s.tasks_completed WHERE queue = $1 GROUP BY state`, p.schema)
}
