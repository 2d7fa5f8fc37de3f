// Package usage records per-call LLM token consumption into a per-story
// SQLite sink. The engine treats it as fire-and-forget: recording failures
// are logged, never propagated.
package usage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Purposes attached to usage rows.
const (
	PurposeTurn       = "turn"
	PurposeCompaction = "compaction"
	PurposeMeta       = "meta_compaction"
	PurposeExtraction = "extraction"
	PurposeEvolution  = "npc_evolution"
	PurposeSummary    = "snapshot_summary"
	PurposeReview     = "state_review"
	PurposeNormalize  = "state_normalize"
	PurposePlayer     = "auto_player"
)

const createUsageTableSQL = `
CREATE TABLE IF NOT EXISTS usage_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    branch_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    purpose TEXT NOT NULL,
    prompt_tokens INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_branch ON usage_log(branch_id);
CREATE INDEX IF NOT EXISTS idx_usage_purpose ON usage_log(purpose);
`

// Log is the per-story usage sink.
type Log struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the usage database at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create usage db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(createUsageTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create usage table: %w", err)
	}

	return &Log{db: db}, nil
}

// Record inserts one usage row. Failures are logged at warning level.
func (l *Log) Record(branchID, provider, model, purpose string, promptTokens, completionTokens int, duration time.Duration) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		`INSERT INTO usage_log (branch_id, provider, model, purpose, prompt_tokens, completion_tokens, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		branchID, provider, model, purpose, promptTokens, completionTokens, duration.Milliseconds(), time.Now(),
	)
	if err != nil {
		slog.Warn("failed to record usage", "purpose", purpose, "error", err)
	}
}

// Totals returns the aggregate prompt/completion tokens for a branch.
func (l *Log) Totals(branchID string) (prompt, completion int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRow(
		`SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0) FROM usage_log WHERE branch_id = ?`,
		branchID,
	)
	if err := row.Scan(&prompt, &completion); err != nil {
		return 0, 0, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return prompt, completion, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
