package store

// schemaVersion is recorded in meta. Open refuses databases written by a
// newer version.
const schemaVersion = 1

// schema creates the tables on first open. Timestamps are Unix
// nanoseconds. Handle and result lists and constraints are never queried
// by column, so they are stored as CBOR blobs. The budget is split into
// columns because scope usage queries read it.
const schema = `
CREATE TABLE IF NOT EXISTS frames (
	frame_id           TEXT PRIMARY KEY,
	parent_frame_id    TEXT REFERENCES frames(frame_id),
	scope              TEXT NOT NULL,
	goal               TEXT NOT NULL,
	inputs             BLOB,
	context_handles    BLOB NOT NULL,
	result_refs        BLOB NOT NULL,
	status             TEXT NOT NULL,
	depth              INTEGER NOT NULL,
	budget_total       INTEGER NOT NULL,
	budget_used        INTEGER NOT NULL,
	budget_reserved    INTEGER NOT NULL,
	budget_subcall     INTEGER NOT NULL,
	max_subframe_depth INTEGER NOT NULL,
	context_hash       TEXT NOT NULL DEFAULT '',
	constraints        BLOB,
	created_at         INTEGER NOT NULL,
	completed_at       INTEGER,
	push_seq           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_frames_scope_push ON frames(scope, push_seq);
CREATE INDEX IF NOT EXISTS idx_frames_parent ON frames(parent_frame_id);

CREATE TABLE IF NOT EXISTS suspended_frames (
	token_id     TEXT PRIMARY KEY,
	frame_id     TEXT NOT NULL UNIQUE REFERENCES frames(frame_id) ON DELETE CASCADE,
	scope        TEXT NOT NULL,
	suspended_at INTEGER NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	prior_status TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_suspended_scope ON suspended_frames(scope);

CREATE TABLE IF NOT EXISTS events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id  TEXT NOT NULL UNIQUE,
	type      TEXT NOT NULL,
	scope     TEXT NOT NULL,
	frame_id  TEXT,
	timestamp INTEGER NOT NULL,
	payload   BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_scope ON events(scope, seq);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Meta keys.
const (
	metaSchemaVersion = "schema_version"
	metaAppliedSeq    = "applied_seq"
)
