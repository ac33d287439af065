package db

// Schema defines the SQLite database schema for build history.
// One row per installation run, keyed by the run id.
const Schema = `
CREATE TABLE IF NOT EXISTS builds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    image_path TEXT,
    device TEXT,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed')),
    stage TEXT,
    error_kind TEXT,
    error_message TEXT,
    init_ms INTEGER NOT NULL DEFAULT 0,
    master_ms INTEGER NOT NULL DEFAULT 0,
    write_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_builds_run_id ON builds(run_id);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);
CREATE INDEX IF NOT EXISTS idx_builds_created_at ON builds(created_at);
`

// Status constants
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Build represents one installation run
type Build struct {
	ID           int64
	RunID        string
	Name         string
	ImagePath    string
	Device       string
	Status       string
	Stage        string
	ErrorKind    string
	ErrorMessage string
	InitMS       int64
	MasterMS     int64
	WriteMS      int64
	CreatedAt    string
	UpdatedAt    string
}
