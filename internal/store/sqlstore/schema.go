package sqlstore

// Timestamps are stored as Unix nanoseconds (0 = unset) and booleans as
// integers so the same statements run on SQLite and Postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		request_token  TEXT,
		external_id    TEXT NOT NULL DEFAULT '',
		state          TEXT NOT NULL,
		payload        TEXT NOT NULL,
		result         TEXT,
		error          TEXT NOT NULL DEFAULT '',
		reason         TEXT NOT NULL DEFAULT '',
		poll_count     INTEGER NOT NULL DEFAULT 0,
		poll_retries   INTEGER NOT NULL DEFAULT 0,
		next_poll_at   BIGINT NOT NULL DEFAULT 0,
		claimed_until  BIGINT NOT NULL DEFAULT 0,
		fanout_pending INTEGER NOT NULL DEFAULT 0,
		version        BIGINT NOT NULL,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_user_request_token ON jobs (user_id, request_token)`,
	`CREATE INDEX IF NOT EXISTS jobs_next_poll_at ON jobs (next_poll_at)`,
	`CREATE INDEX IF NOT EXISTS jobs_user_created ON jobs (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		job_id     TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		model_type TEXT NOT NULL,
		dataset    TEXT NOT NULL,
		name       TEXT NOT NULL,
		value      DOUBLE PRECISION NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS metrics_user_created ON metrics (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS ab_results (
		job_id        TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		model_a       TEXT NOT NULL,
		model_b       TEXT NOT NULL,
		performance_a DOUBLE PRECISION NOT NULL,
		performance_b DOUBLE PRECISION NOT NULL,
		created_at    BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tuning_results (
		job_id               TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		best_hyperparameters TEXT NOT NULL,
		performance          DOUBLE PRECISION NOT NULL,
		created_at           BIGINT NOT NULL
	)`,
}
