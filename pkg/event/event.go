// Package event implements the per-story append-only event log with its
// status lifecycle, branch inheritance on fork and merge, and the keyword
// search used by context assembly and the async extractor.
package event

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/storyloom/storyloom/pkg/search"
	"github.com/storyloom/storyloom/pkg/story"
)

// ContextBlockTitle heads the injected events block.
const ContextBlockTitle = "【相關事件】"

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL,
    tags TEXT,
    related_titles TEXT,
    message_index INTEGER,
    branch_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (branch_id, title)
);

CREATE INDEX IF NOT EXISTS idx_events_branch ON events(branch_id);
CREATE INDEX IF NOT EXISTS idx_events_status ON events(branch_id, status);
`

// TitleInfo is the dedup view of an existing event.
type TitleInfo struct {
	ID     int64
	Status string
}

// Store is the per-story event store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the events database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open events db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(createEventsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Insert stamps created_at and inserts one event, returning its id. A title
// collision within the branch is an error; callers dedup first.
func (s *Store) Insert(e story.Event) (int64, error) {
	if e.Title == "" {
		return 0, fmt.Errorf("event title cannot be empty")
	}
	if e.BranchID == "" {
		return 0, fmt.Errorf("event branch_id cannot be empty")
	}
	if e.Status == "" {
		e.Status = story.EventPlanted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO events (event_type, title, description, status, tags, related_titles, message_index, branch_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventType, e.Title, e.Description, e.Status, e.Tags, e.RelatedTitles,
		nullableInt(e.MessageIndex), e.BranchID, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event %q: %w", e.Title, err)
	}
	return res.LastInsertId()
}

// UpdateStatus mutates one row's status.
func (s *Store) UpdateStatus(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE events SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update event %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d not found", id)
	}
	return nil
}

// CopyForFork replicates rows from src whose message_index is at or before
// the branch point (or null) into dst.
func (s *Store) CopyForFork(src, dst string, branchPointIndex *int) error {
	events, err := s.ForBranch(src)
	if err != nil {
		return err
	}

	for _, e := range events {
		if branchPointIndex != nil && e.MessageIndex != nil && *e.MessageIndex > *branchPointIndex {
			continue
		}
		e.ID = 0
		e.BranchID = dst
		if _, err := s.Insert(e); err != nil {
			return fmt.Errorf("failed to copy event %q to fork: %w", e.Title, err)
		}
	}
	return nil
}

// MergeInto unions src's events into dst by title. Titles absent from dst
// are inserted under dst; titles present in dst adopt src's status. src
// wins on status, dst wins on everything else.
func (s *Store) MergeInto(src, dst string) error {
	srcEvents, err := s.ForBranch(src)
	if err != nil {
		return err
	}
	dstIndex, err := s.TitleIndex(dst)
	if err != nil {
		return err
	}

	for _, e := range srcEvents {
		if existing, ok := dstIndex[e.Title]; ok {
			if existing.Status != e.Status {
				if err := s.UpdateStatus(existing.ID, e.Status); err != nil {
					return err
				}
			}
			continue
		}
		e.ID = 0
		e.BranchID = dst
		if _, err := s.Insert(e); err != nil {
			return fmt.Errorf("failed to merge event %q: %w", e.Title, err)
		}
	}
	return nil
}

// DeleteForBranch drops all rows for a branch.
func (s *Store) DeleteForBranch(branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM events WHERE branch_id = ?`, branchID); err != nil {
		return fmt.Errorf("failed to delete events for branch %s: %w", branchID, err)
	}
	return nil
}

// ForBranch returns all events for a branch in insertion order.
func (s *Store) ForBranch(branchID string) ([]story.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, event_type, title, description, status, tags, related_titles, message_index, branch_id, created_at
		 FROM events WHERE branch_id = ? ORDER BY id`, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ActiveForeshadowing returns all planted rows for a branch in insertion
// order.
func (s *Store) ActiveForeshadowing(branchID string) ([]story.Event, error) {
	all, err := s.ForBranch(branchID)
	if err != nil {
		return nil, err
	}
	var out []story.Event
	for _, e := range all {
		if e.Status == story.EventPlanted {
			out = append(out, e)
		}
	}
	return out, nil
}

// ExistingTitles returns the set of titles for a branch.
func (s *Store) ExistingTitles(branchID string) (map[string]struct{}, error) {
	idx, err := s.TitleIndex(branchID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(idx))
	for t := range idx {
		out[t] = struct{}{}
	}
	return out, nil
}

// TitleIndex returns title → {id, status} for a branch.
func (s *Store) TitleIndex(branchID string) (map[string]TitleInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, title, status FROM events WHERE branch_id = ?`, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query titles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TitleInfo)
	for rows.Next() {
		var id int64
		var title, status string
		if err := rows.Scan(&id, &title, &status); err != nil {
			return nil, fmt.Errorf("failed to scan title: %w", err)
		}
		out[title] = TitleInfo{ID: id, Status: status}
	}
	return out, rows.Err()
}

// Search scores a branch's events against the query keyword set using the
// shared lore scoring. activeOnly filters to planted/triggered so resolved
// events cannot be re-issued to the model.
func (s *Store) Search(branchID, query string, k int, activeOnly bool) ([]story.Event, error) {
	keywords := search.Keywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	all, err := s.ForBranch(branchID)
	if err != nil {
		return nil, err
	}

	type scored struct {
		event story.Event
		score int
	}
	var hits []scored
	for _, e := range all {
		if activeOnly && !story.EventActive(e.Status) {
			continue
		}
		score := 10*search.Hits(keywords, e.Title) +
			5*search.Hits(keywords, e.Tags) +
			search.Hits(keywords, e.Description)
		if score > 0 {
			hits = append(hits, scored{event: e, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	out := make([]story.Event, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.event)
	}
	return out, nil
}

// ContextBlock formats the top active search hits as the titled block
// injected into the augmented user message. Returns "" when nothing matches.
func (s *Store) ContextBlock(branchID, query string, k int) (string, error) {
	hits, err := s.Search(branchID, query, k, true)
	if err != nil || len(hits) == 0 {
		return "", err
	}

	var b strings.Builder
	b.WriteString(ContextBlockTitle)
	b.WriteString("\n")
	for _, e := range hits {
		fmt.Fprintf(&b, "- [%s] %s：%s\n", e.Status, e.Title, e.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func scanEvents(rows *sql.Rows) ([]story.Event, error) {
	var out []story.Event
	for rows.Next() {
		var e story.Event
		var desc, tags, related, createdAt sql.NullString
		var msgIndex sql.NullInt64
		if err := rows.Scan(&e.ID, &e.EventType, &e.Title, &desc, &e.Status, &tags, &related, &msgIndex, &e.BranchID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Description = desc.String
		e.Tags = tags.String
		e.RelatedTitles = related.String
		e.CreatedAt = createdAt.String
		if msgIndex.Valid {
			v := int(msgIndex.Int64)
			e.MessageIndex = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
