package queue

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	library         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	priority        INTEGER NOT NULL,
	payload         BLOB NOT NULL,
	dedupe_key      TEXT NOT NULL,
	dependency_key  TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	expiry_count    INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_dequeue
	ON jobs (library, kind, priority, created_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe_active
	ON jobs (library, dedupe_key)
	WHERE state IN ('pending', 'leased');

CREATE TABLE IF NOT EXISTS leases (
	lease_id   TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL UNIQUE REFERENCES jobs(id),
	worker_id  TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	renewals   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases (expires_at);
`
