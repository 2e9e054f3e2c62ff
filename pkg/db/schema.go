package db

// Schema defines the SQLite schema for flash run history.
// One row per run, keyed by the run id the orchestrator assigns.
const Schema = `
CREATE TABLE IF NOT EXISTS flash_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    manifest_url TEXT NOT NULL,
    manifest_name TEXT,
    chip_family TEXT,
    state TEXT NOT NULL CHECK(state IN ('initializing', 'manifest', 'preparing', 'erasing', 'writing', 'finished', 'error')),
    error_kind TEXT,
    error_message TEXT,
    bytes_total INTEGER,
    parts_digest TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_flash_runs_run_id ON flash_runs(run_id);
CREATE INDEX IF NOT EXISTS idx_flash_runs_state ON flash_runs(state);
CREATE INDEX IF NOT EXISTS idx_flash_runs_created_at ON flash_runs(created_at);
`

// State constants, mirroring the flash state names
const (
	StateInitializing = "initializing"
	StateManifest     = "manifest"
	StatePreparing    = "preparing"
	StateErasing      = "erasing"
	StateWriting      = "writing"
	StateFinished     = "finished"
	StateError        = "error"
)

// Run represents a flash run record
type Run struct {
	ID           int64
	RunID        string
	ManifestURL  string
	ManifestName string
	ChipFamily   string
	State        string
	ErrorKind    string
	ErrorMessage string
	BytesTotal   int
	PartsDigest  string
	CreatedAt    string
	UpdatedAt    string
}
