package db

import "strings"

// Migrations returns the ordered schema changes for one bus schema. The
// schema name is baked into the SQL before hashing, so every schema tracks
// its own history independently.
func Migrations(schema string) []Migration {
	list := []Migration{
		{ID: 1, Name: "create-bus-tables", SQL: sqlCreateTables},
		{ID: 2, Name: "event-commit-ordering", SQL: sqlEventOrdering},
		{ID: 3, Name: "bus-functions", SQL: sqlBusFunctions},
	}

	for i := range list {
		list[i].SQL = strings.ReplaceAll(list[i].SQL, "{schema}", schema)
	}
	return list
}

const sqlCreateTables = `
CREATE TABLE {schema}.cursors (
	id serial PRIMARY KEY,
	queue text NOT NULL,
	last_pos bigint NOT NULL DEFAULT 0,
	locked boolean NOT NULL DEFAULT false,
	expire_lock_at timestamptz,
	created_at timestamptz NOT NULL DEFAULT now(),
	UNIQUE (queue)
);

CREATE TABLE {schema}.events (
	id bigserial PRIMARY KEY,
	event_name text NOT NULL,
	event_data jsonb NOT NULL,
	pos bigint NOT NULL DEFAULT 0,
	created_at timestamptz NOT NULL DEFAULT now(),
	expire_at date NOT NULL DEFAULT (now() + interval '30 days')
);

CREATE INDEX events_expire_at_idx ON {schema}.events (expire_at);
CREATE INDEX events_pos_idx ON {schema}.events (pos) WHERE pos > 0;

CREATE TABLE {schema}.tasks (
	id bigserial PRIMARY KEY,
	queue text NOT NULL,
	state smallint NOT NULL DEFAULT 0,
	data jsonb,
	meta_data jsonb,
	config jsonb NOT NULL,
	retrycount smallint NOT NULL DEFAULT 0,
	started_on timestamptz,
	created_on timestamptz NOT NULL DEFAULT now(),
	start_after timestamptz NOT NULL DEFAULT now(),
	expire_in interval NOT NULL DEFAULT interval '5 minutes',
	singleton_key text,
	output jsonb
);

CREATE INDEX tasks_pending_idx ON {schema}.tasks (queue, start_after) WHERE state < 2;
CREATE INDEX tasks_active_idx ON {schema}.tasks (state) WHERE state = 2;
CREATE UNIQUE INDEX tasks_singleton_idx ON {schema}.tasks (queue, singleton_key)
	WHERE state < 4 AND singleton_key IS NOT NULL;

CREATE TABLE {schema}.tasks_completed (
	id bigint PRIMARY KEY,
	queue text NOT NULL,
	state smallint NOT NULL,
	data jsonb,
	meta_data jsonb,
	config jsonb NOT NULL,
	retrycount smallint NOT NULL DEFAULT 0,
	started_on timestamptz,
	created_on timestamptz NOT NULL,
	completed_on timestamptz NOT NULL DEFAULT now(),
	keep_until timestamptz NOT NULL DEFAULT (now() + interval '7 days'),
	output jsonb
);

CREATE INDEX tasks_completed_keep_until_idx ON {schema}.tasks_completed (keep_until);
`

// Positions are handed out by a deferred constraint trigger at commit time,
// under a shared advisory lock. Readers treating pos > 0 as the visibility
// line therefore never observe gaps that would later fill in.
const sqlEventOrdering = `
CREATE SEQUENCE {schema}.event_order;

CREATE FUNCTION {schema}.assign_event_pos() RETURNS trigger
LANGUAGE plpgsql AS $fn$
BEGIN
	PERFORM pg_advisory_xact_lock(500175138675);
	UPDATE {schema}.events SET pos = nextval('{schema}.event_order') WHERE id = NEW.id;
	RETURN NULL;
END;
$fn$;

CREATE CONSTRAINT TRIGGER event_pos_trigger
	AFTER INSERT ON {schema}.events
	DEFERRABLE INITIALLY DEFERRED
	FOR EACH ROW
	EXECUTE PROCEDURE {schema}.assign_event_pos();
`

const sqlBusFunctions = `
CREATE FUNCTION {schema}.create_bus_events(events jsonb) RETURNS void
LANGUAGE sql AS $fn$
	INSERT INTO {schema}.events (event_name, event_data, expire_at)
	SELECT
		e_n,
		d,
		(now() + make_interval(days => COALESCE(rid, 30)))::date
	FROM jsonb_to_recordset(events) AS x(e_n text, d jsonb, rid integer);
$fn$;

CREATE FUNCTION {schema}.create_bus_tasks(tasks jsonb) RETURNS void
LANGUAGE sql AS $fn$
	INSERT INTO {schema}.tasks (queue, state, data, meta_data, config, start_after, expire_in, singleton_key)
	SELECT
		q,
		COALESCE(s, 0),
		d,
		md,
		cf,
		now() + make_interval(secs => COALESCE(saf, 0)),
		make_interval(secs => COALESCE(eis, 300)),
		skey
	FROM jsonb_to_recordset(tasks) AS x(q text, s smallint, d jsonb, md jsonb, cf jsonb, skey text, saf integer, eis integer)
	ON CONFLICT DO NOTHING;
$fn$;

CREATE FUNCTION {schema}.get_tasks(target_queue text, amount integer)
RETURNS TABLE (
	id bigint,
	retrycount smallint,
	state smallint,
	data jsonb,
	meta_data jsonb,
	config jsonb,
	expire_in_seconds integer
)
LANGUAGE sql AS $fn$
	WITH next AS (
		SELECT t.id
		FROM {schema}.tasks t
		WHERE t.queue = target_queue
			AND t.state < 2
			AND t.start_after <= now()
		ORDER BY t.created_on
		LIMIT amount
		FOR UPDATE SKIP LOCKED
	)
	UPDATE {schema}.tasks t
	SET
		state = 2,
		started_on = now(),
		retrycount = CASE WHEN t.state = 1 THEN t.retrycount + 1 ELSE t.retrycount END
	FROM next
	WHERE t.id = next.id
	RETURNING t.id, t.retrycount, t.state, t.data, t.meta_data, t.config,
		(extract(epoch FROM t.expire_in))::integer AS expire_in_seconds;
$fn$;

CREATE FUNCTION {schema}.resolve_tasks(resolutions jsonb) RETURNS void
LANGUAGE sql AS $fn$
	WITH resolved AS (
		SELECT x.id, x.s, x.out, x.saf
		FROM jsonb_to_recordset(resolutions) AS x(id bigint, s smallint, out jsonb, saf integer)
	),
	completed AS (
		DELETE FROM {schema}.tasks t
		USING resolved r
		WHERE t.id = r.id AND t.state = 2 AND r.s > 2
		RETURNING t.id, t.queue, r.s AS state, t.data, t.meta_data, t.config, t.retrycount,
			t.started_on, t.created_on, r.out AS output,
			now() + make_interval(secs => COALESCE((t.config->>'ki_s')::integer, 604800)) AS keep_until
	),
	archived AS (
		INSERT INTO {schema}.tasks_completed
			(id, queue, state, data, meta_data, config, retrycount, started_on, created_on, output, keep_until)
		SELECT id, queue, state, data, meta_data, config, retrycount, started_on, created_on, output, keep_until
		FROM completed
	)
	UPDATE {schema}.tasks t
	SET
		state = 1,
		start_after = now() + make_interval(secs => COALESCE(r.saf, 0)),
		output = r.out
	FROM resolved r
	WHERE t.id = r.id AND t.state = 2 AND r.s = 1;
$fn$;
`
