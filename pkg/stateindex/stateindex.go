// Package stateindex maintains the per-branch denormalized retrieval view of
// the character state and NPC roster: a SQLite table rebuilt lazily from
// character_state.json and npcs.json, searched with the shared CJK keyword
// scoring under a character budget.
package stateindex

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
	"golang.org/x/text/unicode/norm"

	"github.com/storyloom/storyloom/pkg/search"
	"github.com/storyloom/storyloom/pkg/story"
)

// Entry categories.
const (
	CategoryInventory    = "inventory"
	CategoryAbility      = "ability"
	CategoryRelationship = "relationship"
	CategoryNPC          = "npc"
	CategoryMission      = "mission"
	CategorySystem       = "system"
)

// ContextBlockTitle heads the injected state block.
const ContextBlockTitle = "【狀態檢索】"

const archivedTag = "NPC|ARCHIVED"

const createStateTableSQL = `
CREATE TABLE IF NOT EXISTS state_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    category TEXT NOT NULL,
    entry_key TEXT NOT NULL,
    content TEXT,
    tags TEXT,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (category, entry_key)
);
`

// Entry is one denormalized row.
type Entry struct {
	Category string
	Key      string
	Content  string
	Tags     string
}

// Context biases category scores by narrative situation.
type Context struct {
	Phase  string // "dungeon", "hub", or free-form phase text
	Status string // current_status text, checked for combat markers
}

// SearchOptions parameterizes SearchState.
type SearchOptions struct {
	Query           string
	CharBudget      int
	MustIncludeKeys []string
	Context         Context
	CategoryLimits  map[string]int
	MaxItems        int
}

// Index is the per-branch state index.
type Index struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the state database at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(createStateTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (x *Index) Close() error { return x.db.Close() }

// Rebuild replaces the index contents from the current character state and
// NPC roster.
func (x *Index) Rebuild(state map[string]any, npcs []story.NPC, schema story.Schema) error {
	entries := normalize(state, npcs, schema)

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

	if _, err = tx.Exec(`DELETE FROM state_entries`); err != nil {
		return fmt.Errorf("failed to clear state entries: %w", err)
	}

	now := time.Now()
	for _, e := range entries {
		_, err = tx.Exec(
			`INSERT INTO state_entries (category, entry_key, content, tags, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(category, entry_key) DO UPDATE SET
			     content = excluded.content, tags = excluded.tags, updated_at = excluded.updated_at`,
			e.Category, e.Key, e.Content, e.Tags, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert state entry %q: %w", e.Key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}

// All returns every entry.
func (x *Index) All() ([]Entry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	rows, err := x.db.Query(`SELECT category, entry_key, content, tags FROM state_entries ORDER BY category, entry_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query state entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var content, tags sql.NullString
		if err := rows.Scan(&e.Category, &e.Key, &content, &tags); err != nil {
			return nil, fmt.Errorf("failed to scan state entry: %w", err)
		}
		e.Content = content.String
		e.Tags = tags.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchState ranks entries against the query, applies context boosts and
// per-category quotas, and concatenates selected rows as a titled block
// within the character budget. Must-include keys bypass quota and budget;
// archived NPCs only surface through them.
func (x *Index) SearchState(opts SearchOptions) (string, error) {
	entries, err := x.All()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	mustInclude := make(map[string]struct{}, len(opts.MustIncludeKeys))
	for _, k := range opts.MustIncludeKeys {
		mustInclude[k] = struct{}{}
	}

	keywords := search.Keywords(opts.Query)

	type scored struct {
		entry Entry
		score float64
	}
	var ranked []scored
	var forced []Entry

	for _, e := range entries {
		if _, ok := mustInclude[e.Key]; ok {
			forced = append(forced, e)
			continue
		}
		if e.Tags == archivedTag {
			continue
		}

		base := float64(10*search.Hits(keywords, e.Key) + search.Hits(keywords, e.Content) + 2*search.Hits(keywords, e.Tags))
		if base <= 0 {
			continue
		}
		ranked = append(ranked, scored{entry: e, score: base * boostFor(e.Category, opts.Context)})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	budget := opts.CharBudget
	if budget <= 0 {
		budget = 1200
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 12
	}

	var b strings.Builder
	b.WriteString(ContextBlockTitle)
	b.WriteString("\n")
	used := 0
	picked := 0
	perCategory := make(map[string]int)

	for _, f := range forced {
		b.WriteString(renderEntry(f))
		picked++
	}

	for _, r := range ranked {
		if picked >= maxItems+len(forced) {
			break
		}
		if limit, ok := opts.CategoryLimits[r.entry.Category]; ok && perCategory[r.entry.Category] >= limit {
			continue
		}
		line := renderEntry(r.entry)
		if used+len(line) > budget {
			continue
		}
		b.WriteString(line)
		used += len(line)
		perCategory[r.entry.Category]++
		picked++
	}

	if picked == 0 {
		return "", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func renderEntry(e Entry) string {
	if e.Content == "" {
		return fmt.Sprintf("- [%s] %s\n", e.Category, e.Key)
	}
	return fmt.Sprintf("- [%s] %s：%s\n", e.Category, e.Key, e.Content)
}

// boostFor applies the situational category boosts: dungeon favors NPC and
// ability rows, combat favors inventory/ability/NPC, hub favors inventory
// and missions.
func boostFor(category string, ctx Context) float64 {
	phase := strings.ToLower(ctx.Phase)
	status := ctx.Status

	inDungeon := strings.Contains(phase, "dungeon") || strings.Contains(ctx.Phase, "副本")
	inHub := strings.Contains(phase, "hub") || strings.Contains(ctx.Phase, "主神空間")
	inCombat := strings.Contains(status, "戰鬥") || strings.Contains(strings.ToLower(status), "combat")

	boost := 1.0
	if inDungeon && (category == CategoryNPC || category == CategoryAbility) {
		boost *= 1.3
	}
	if inCombat && (category == CategoryInventory || category == CategoryAbility || category == CategoryNPC) {
		boost *= 1.4
	}
	if inHub && (category == CategoryInventory || category == CategoryMission) {
		boost *= 1.3
	}
	return boost
}

// normalize flattens state + NPCs into index rows.
func normalize(state map[string]any, npcs []story.NPC, schema story.Schema) []Entry {
	var out []Entry

	for key, value := range state {
		field, isList := schema.ListField(key)
		switch {
		case isList && key == "inventory":
			out = append(out, inventoryEntries(value)...)
		case isList && key == "relationships":
			out = append(out, relationshipEntries(value)...)
		case isList && key == "completed_missions":
			for _, item := range stringItems(value) {
				out = append(out, Entry{Category: CategoryMission, Key: item, Tags: "任務"})
			}
		case isList && field.Kind == story.ListKindList:
			for _, item := range stringItems(value) {
				out = append(out, Entry{Category: CategoryAbility, Key: item, Tags: "技能"})
			}
		case isList && field.Kind == story.ListKindMap:
			for k, v := range mapItems(value) {
				out = append(out, Entry{Category: CategoryInventory, Key: k, Content: v, Tags: "物品"})
			}
		default:
			out = append(out, Entry{Category: CategorySystem, Key: key, Content: fmt.Sprintf("%v", value), Tags: "系統"})
		}
	}

	for _, n := range npcs {
		tags := "NPC"
		if n.LifecycleStatus == story.NPCArchived {
			tags = archivedTag
		}
		out = append(out, Entry{
			Category: CategoryNPC,
			Key:      n.Name,
			Content:  serializeNPC(n),
			Tags:     tags,
		})
	}

	return out
}

func stringItems(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, raw := range v {
			if s, ok := raw.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func mapItems(value any) map[string]string {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func inventoryEntries(value any) []Entry {
	var out []Entry
	switch v := value.(type) {
	case map[string]any:
		for k, item := range v {
			out = append(out, Entry{Category: CategoryInventory, Key: k, Content: fmt.Sprintf("%v", item), Tags: "物品"})
		}
	case []any:
		for _, raw := range v {
			item, ok := raw.(string)
			if !ok {
				continue
			}
			name, note := story.SplitItemNote(item)
			out = append(out, Entry{Category: CategoryInventory, Key: name, Content: note, Tags: "物品"})
		}
	}
	return out
}

func relationshipEntries(value any) []Entry {
	var out []Entry
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	for name, raw := range m {
		out = append(out, Entry{
			Category: CategoryRelationship,
			Key:      name,
			Content:  collapseRelationship(raw),
			Tags:     "關係",
		})
	}
	return out
}

// collapseRelationship reduces a dict-valued relationship to its summary,
// description, or type field; scalars pass through.
func collapseRelationship(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"summary", "description", "type"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", raw)
	}
}

func serializeNPC(n story.NPC) string {
	parts := []string{}
	if n.Role != "" {
		parts = append(parts, n.Role)
	}
	if n.Tier != "" {
		parts = append(parts, "階級"+CanonicalTier(n.Tier))
	}
	if n.Personality.Summary != "" {
		parts = append(parts, n.Personality.Summary)
	}
	if n.CurrentStatus != "" {
		parts = append(parts, n.CurrentStatus)
	}
	if n.RelationshipToPlayer != "" {
		parts = append(parts, n.RelationshipToPlayer)
	}
	return strings.Join(parts, "；")
}

var tierLetters = map[string]bool{"D": true, "C": true, "B": true, "A": true, "S": true}

// CanonicalTier maps free-form tier strings onto the canonical vocabulary
// {D-, D, D+, ..., S-, S, S+}. Unrecognized input returns "" so callers can
// reject it.
func CanonicalTier(s string) string {
	t := strings.ToUpper(strings.TrimSpace(norm.NFKC.String(s)))
	if t == "" {
		return ""
	}

	letter := string(t[0])
	if !tierLetters[letter] {
		return ""
	}

	rest := t[1:]
	switch {
	case rest == "":
		return letter
	case strings.HasPrefix(rest, "+") || strings.Contains(rest, "＋"):
		return letter + "+"
	case strings.HasPrefix(rest, "-") || strings.Contains(rest, "－"):
		return letter + "-"
	case strings.Contains(rest, "級"):
		return letter
	default:
		return letter
	}
}
