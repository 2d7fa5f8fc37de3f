// Package lore maintains the per-story world-lore index: a SQLite table
// rebuilt from the world_lore.json source of truth, keyword search tuned for
// CJK queries, and the formatting helpers the context assembler injects.
package lore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/storyloom/storyloom/pkg/search"
	"github.com/storyloom/storyloom/pkg/story"
)

// ValidCategories is the closed set of lore categories. Rows outside it are
// dropped on rebuild.
var ValidCategories = []string{
	"世界觀",
	"力量體系",
	"勢力組織",
	"重要人物",
	"地點場景",
	"物品道具",
	"歷史事件",
}

// ContextBlockTitle heads the injected lore block; the tag parser strips
// model echoes of it.
const ContextBlockTitle = "【相關世界觀】"

const contentTruncateRunes = 200

var bracketTagPattern = regexp.MustCompile(`\[tag:\s*([^\]]+)\]`)

const createLoreTableSQL = `
CREATE TABLE IF NOT EXISTS lore (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    category TEXT NOT NULL,
    topic TEXT NOT NULL UNIQUE,
    subcategory TEXT,
    content TEXT NOT NULL,
    tags TEXT
);

CREATE INDEX IF NOT EXISTS idx_lore_category ON lore(category);
`

// Index is the per-story lore index.
type Index struct {
	db *sql.DB
	mu sync.RWMutex
}

// Scored is one search hit.
type Scored struct {
	Entry story.LoreEntry
	Score int
}

// Open opens or creates the lore database at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lore db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lore db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(createLoreTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lore table: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (x *Index) Close() error { return x.db.Close() }

// Rebuild replaces the index contents from the JSON source of truth.
// Invalid-category rows and placeholder entries are skipped; bracketed
// [tag: a/b/c] markers in content are lifted into the tags column.
func (x *Index) Rebuild(entries []story.LoreEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`DELETE FROM lore`); err != nil {
		return fmt.Errorf("failed to clear lore table: %w", err)
	}

	dropped := 0
	for _, e := range entries {
		if !validCategory(e.Category) {
			dropped++
			continue
		}
		if isPlaceholder(e) {
			dropped++
			continue
		}

		tags := mergeTags(e.Tags, extractBracketTags(e.Content))
		_, err = tx.Exec(
			`INSERT INTO lore (category, topic, subcategory, content, tags)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(topic) DO UPDATE SET
			     category = excluded.category,
			     subcategory = excluded.subcategory,
			     content = excluded.content,
			     tags = excluded.tags`,
			e.Category, e.Topic, e.Subcategory, e.Content, tags,
		)
		if err != nil {
			return fmt.Errorf("failed to insert lore topic %q: %w", e.Topic, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}

	slog.Debug("lore index rebuilt", "entries", len(entries)-dropped, "dropped", dropped)
	return nil
}

// Upsert inserts or updates one entry by topic.
func (x *Index) Upsert(e story.LoreEntry) error {
	if e.Topic == "" {
		return fmt.Errorf("lore topic cannot be empty")
	}
	if !validCategory(e.Category) {
		return fmt.Errorf("invalid lore category: %q", e.Category)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	tags := mergeTags(e.Tags, extractBracketTags(e.Content))
	_, err := x.db.Exec(
		`INSERT INTO lore (category, topic, subcategory, content, tags)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(topic) DO UPDATE SET
		     category = excluded.category,
		     subcategory = excluded.subcategory,
		     content = excluded.content,
		     tags = excluded.tags`,
		e.Category, e.Topic, e.Subcategory, e.Content, tags,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert lore topic %q: %w", e.Topic, err)
	}
	return nil
}

// Delete removes one entry by topic.
func (x *Index) Delete(topic string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.Exec(`DELETE FROM lore WHERE topic = ?`, topic)
	if err != nil {
		return fmt.Errorf("failed to delete lore topic %q: %w", topic, err)
	}
	return nil
}

// All returns every entry, category-ordered.
func (x *Index) All() ([]story.LoreEntry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.Query(`SELECT category, topic, subcategory, content, tags FROM lore ORDER BY category, topic`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lore: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Topics returns the set of existing topics for extractor dedup.
func (x *Index) Topics() (map[string]struct{}, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.Query(`SELECT topic FROM lore`)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		out[t] = struct{}{}
	}
	return out, rows.Err()
}

// Search scores every row against the query keyword set and returns the top
// k hits. Scoring: 10 per topic hit, 5 per tag hit, 1 per content hit.
func (x *Index) Search(query string, k int) ([]Scored, error) {
	keywords := search.Keywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	entries, err := x.All()
	if err != nil {
		return nil, err
	}

	var scored []Scored
	for _, e := range entries {
		score := 10*search.Hits(keywords, e.Topic) +
			5*search.Hits(keywords, e.Tags) +
			search.Hits(keywords, e.Content)
		if score > 0 {
			scored = append(scored, Scored{Entry: e, Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// ContextBlock formats the top search results as the titled block injected
// into the augmented user message. Returns "" when nothing matches.
func (x *Index) ContextBlock(query string, k int) (string, error) {
	hits, err := x.Search(query, k)
	if err != nil || len(hits) == 0 {
		return "", err
	}

	var b strings.Builder
	b.WriteString(ContextBlockTitle)
	b.WriteString("\n")
	for _, h := range hits {
		b.WriteString("- ")
		b.WriteString(h.Entry.Topic)
		b.WriteString("：")
		b.WriteString(truncateRunes(h.Entry.Content, contentTruncateRunes))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// TOC renders a hierarchical table of contents grouped by category. Topics
// containing a full-width colon are split into a parent/child tree.
func (x *Index) TOC() (string, error) {
	entries, err := x.All()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	byCategory := make(map[string][]story.LoreEntry)
	for _, e := range entries {
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}

	var b strings.Builder
	for _, cat := range ValidCategories {
		items := byCategory[cat]
		if len(items) == 0 {
			continue
		}
		b.WriteString("## ")
		b.WriteString(cat)
		b.WriteString("\n")

		lastParent := ""
		for _, e := range items {
			parent, child, nested := strings.Cut(e.Topic, "：")
			if !nested {
				b.WriteString("- ")
				b.WriteString(e.Topic)
				b.WriteString("\n")
				lastParent = ""
				continue
			}
			if parent != lastParent {
				b.WriteString("- ")
				b.WriteString(parent)
				b.WriteString("\n")
				lastParent = parent
			}
			b.WriteString("  - ")
			b.WriteString(child)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func scanEntries(rows *sql.Rows) ([]story.LoreEntry, error) {
	var out []story.LoreEntry
	for rows.Next() {
		var e story.LoreEntry
		var sub, tags sql.NullString
		if err := rows.Scan(&e.Category, &e.Topic, &sub, &e.Content, &tags); err != nil {
			return nil, fmt.Errorf("failed to scan lore row: %w", err)
		}
		e.Subcategory = sub.String
		e.Tags = tags.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func validCategory(cat string) bool {
	for _, c := range ValidCategories {
		if c == cat {
			return true
		}
	}
	return false
}

func isPlaceholder(e story.LoreEntry) bool {
	content := strings.TrimSpace(e.Content)
	return content == "" || content == "待補充" || content == "TODO" || content == "暫無"
}

func extractBracketTags(content string) string {
	matches := bracketTagPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, strings.TrimSpace(m[1]))
	}
	return strings.Join(parts, ",")
}

func mergeTags(explicit, extracted string) string {
	switch {
	case explicit == "":
		return extracted
	case extracted == "":
		return explicit
	default:
		return explicit + "," + extracted
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
