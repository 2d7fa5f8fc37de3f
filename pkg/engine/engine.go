// Package engine is the core of the narrative runtime: the turn pipeline,
// the branch tree with its timeline reconstruction, snapshot time travel,
// and the background jobs that mine, compact, and evolve story data.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/storyloom/storyloom/pkg/event"
	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/lore"
	"github.com/storyloom/storyloom/pkg/recap"
	"github.com/storyloom/storyloom/pkg/state"
	"github.com/storyloom/storyloom/pkg/stateindex"
	"github.com/storyloom/storyloom/pkg/storage"
	"github.com/storyloom/storyloom/pkg/story"
	"github.com/storyloom/storyloom/pkg/usage"
	"github.com/storyloom/storyloom/pkg/workers"
	"github.com/storyloom/storyloom/pkg/worldclock"
)

// Background job tuning.
const (
	extractionDebounce = 3 * time.Second
	evolutionInterval  = 120 * time.Second
	evolutionTurnEvery = 3
	activityRetain     = 20
)

// Options configures an Engine.
type Options struct {
	Layout   storage.Layout
	Provider llm.Provider

	// ReviewMode is one of the state review modes; empty means off.
	ReviewMode string

	// ImageGen, when set, is invoked fire-and-forget for IMG tag prompts.
	ImageGen func(ctx context.Context, prompt string) (string, error)
}

// Engine owns all per-story resources and serializes mutations through the
// lock manager. Safe for concurrent use.
type Engine struct {
	layout   storage.Layout
	locks    *storage.LockManager
	provider llm.Provider
	clock    *worldclock.Clock

	gate       *state.Gate
	normalizer *state.Normalizer

	pool              *workers.Pool
	extractDebounce   *workers.Debouncer
	evolutionCooldown *workers.Cooldown
	snapshotGroup     singleflight.Group

	imageGen func(ctx context.Context, prompt string) (string, error)

	mu       sync.Mutex
	events   map[string]*event.Store
	loreIdx  map[string]*lore.Index
	usages   map[string]*usage.Log
	recaps   map[string]*recap.Engine
	stateIdx map[string]*stateindex.Index
}

// New creates an engine.
func New(ctx context.Context, opts Options) *Engine {
	e := &Engine{
		layout:            opts.Layout,
		locks:             storage.NewLockManager(),
		provider:          opts.Provider,
		clock:             worldclock.NewClock(opts.Layout),
		pool:              workers.NewPool(ctx),
		extractDebounce:   workers.NewDebouncer(extractionDebounce),
		evolutionCooldown: workers.NewCooldown(evolutionInterval),
		imageGen:          opts.ImageGen,
		events:            make(map[string]*event.Store),
		loreIdx:           make(map[string]*lore.Index),
		usages:            make(map[string]*usage.Log),
		recaps:            make(map[string]*recap.Engine),
		stateIdx:          make(map[string]*stateindex.Index),
	}
	mode := opts.ReviewMode
	if mode == "" {
		mode = state.ReviewOff
	}
	e.gate = &state.Gate{Mode: mode, Provider: opts.Provider}
	e.normalizer = &state.Normalizer{Provider: opts.Provider}
	return e
}

// Close drains background jobs and closes cached stores.
func (e *Engine) Close() error {
	e.extractDebounce.Stop()
	e.pool.Shutdown()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.events {
		s.Close()
	}
	for _, x := range e.loreIdx {
		x.Close()
	}
	for _, l := range e.usages {
		l.Close()
	}
	for _, x := range e.stateIdx {
		x.Close()
	}
	return nil
}

// Provider returns the configured LLM provider.
func (e *Engine) Provider() llm.Provider { return e.provider }

// Layout returns the storage layout.
func (e *Engine) Layout() storage.Layout { return e.layout }

// Clock returns the world clock.
func (e *Engine) Clock() *worldclock.Clock { return e.clock }

// Events returns the per-story event store, opening it on first use.
func (e *Engine) Events(storyID string) (*event.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.events[storyID]; ok {
		return s, nil
	}
	s, err := event.Open(e.layout.EventsDBPath(storyID))
	if err != nil {
		return nil, err
	}
	e.events[storyID] = s
	return s, nil
}

// Lore returns the per-story lore index, rebuilding it from the JSON source
// of truth on first open.
func (e *Engine) Lore(storyID string) (*lore.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if x, ok := e.loreIdx[storyID]; ok {
		return x, nil
	}
	x, err := lore.Open(e.layout.LoreDBPath(storyID))
	if err != nil {
		return nil, err
	}

	var entries []story.LoreEntry
	if _, err := storage.ReadJSON(e.layout.WorldLorePath(storyID), &entries); err == nil && len(entries) > 0 {
		if err := x.Rebuild(entries); err != nil {
			x.Close()
			return nil, err
		}
	}

	e.loreIdx[storyID] = x
	return x, nil
}

// StateIndex returns the per-branch state index, rebuilding it from the
// branch's current state and roster on first open.
func (e *Engine) StateIndex(storyID, branchID string) (*stateindex.Index, error) {
	key := storyID + "/" + branchID

	e.mu.Lock()
	if x, ok := e.stateIdx[key]; ok {
		e.mu.Unlock()
		return x, nil
	}
	e.mu.Unlock()

	st, err := e.LoadState(storyID, branchID)
	if err != nil {
		return nil, err
	}
	npcs, err := e.LoadNPCs(storyID, branchID)
	if err != nil {
		return nil, err
	}
	schema, err := e.Schema(storyID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if x, ok := e.stateIdx[key]; ok {
		return x, nil
	}
	x, err := stateindex.Open(e.layout.StateDBPath(storyID, branchID))
	if err != nil {
		return nil, err
	}
	if err := x.Rebuild(st, npcs, schema); err != nil {
		x.Close()
		return nil, err
	}
	e.stateIdx[key] = x
	return x, nil
}

// evictStateIndex closes and drops a cached per-branch index, for branch
// deletion and story eviction.
func (e *Engine) evictStateIndex(storyID, branchID string) {
	key := storyID + "/" + branchID
	e.mu.Lock()
	defer e.mu.Unlock()
	if x, ok := e.stateIdx[key]; ok {
		x.Close()
		delete(e.stateIdx, key)
	}
}

// Usage returns the per-story usage log.
func (e *Engine) Usage(storyID string) (*usage.Log, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.usages[storyID]; ok {
		return l, nil
	}
	l, err := usage.Open(e.layout.UsageDBPath(storyID))
	if err != nil {
		return nil, err
	}
	e.usages[storyID] = l
	e.gate.Usage = l
	e.normalizer.Usage = l
	return l, nil
}

// Recaps returns the per-story recap engine.
func (e *Engine) Recaps(storyID string) (*recap.Engine, error) {
	u, err := e.Usage(storyID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.recaps[storyID]; ok {
		return r, nil
	}
	r := recap.NewEngine(e.layout, e.provider, u)
	e.recaps[storyID] = r
	return r, nil
}

// Tree file access. Callers mutating the tree must hold the story tree lock
// for the whole read-modify-write.

// LoadTree reads the timeline tree, creating the default single-root tree
// when the story has none yet.
func (e *Engine) LoadTree(storyID string) (*story.TimelineTree, error) {
	var t story.TimelineTree
	found, err := storage.ReadJSON(e.layout.TimelineTreePath(storyID), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return story.NewTimelineTree(), nil
	}
	if t.Branches == nil {
		t.Branches = map[string]*story.Branch{}
	}
	return &t, nil
}

// SaveTree persists the timeline tree.
func (e *Engine) SaveTree(storyID string, t *story.TimelineTree) error {
	return storage.WriteJSONAtomic(e.layout.TimelineTreePath(storyID), t)
}

// resolveBranch returns a live branch or a typed error.
func resolveBranch(t *story.TimelineTree, branchID string) (*story.Branch, error) {
	b, ok := t.Branches[branchID]
	if !ok {
		return nil, fmt.Errorf("branch %s: %w", branchID, ErrBranchNotFound)
	}
	if b.Retired() {
		return nil, fmt.Errorf("branch %s: %w", branchID, ErrBranchRetired)
	}
	return b, nil
}

// Per-branch file helpers.

func (e *Engine) loadDelta(storyID, branchID string) ([]story.Message, error) {
	var msgs []story.Message
	if _, err := storage.ReadJSON(e.layout.MessagesPath(storyID, branchID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (e *Engine) saveDelta(storyID, branchID string, msgs []story.Message) error {
	return storage.WriteJSONAtomic(e.layout.MessagesPath(storyID, branchID), msgs)
}

// LoadState reads a branch's character state, falling back to the story
// default when the branch has none.
func (e *Engine) LoadState(storyID, branchID string) (map[string]any, error) {
	var s map[string]any
	found, err := storage.ReadJSON(e.layout.CharacterStatePath(storyID, branchID), &s)
	if err != nil {
		return nil, err
	}
	if found {
		return s, nil
	}
	return e.DefaultState(storyID)
}

// SaveState persists a branch's character state.
func (e *Engine) SaveState(storyID, branchID string, s map[string]any) error {
	return storage.WriteJSONAtomic(e.layout.CharacterStatePath(storyID, branchID), s)
}

// LoadNPCs reads a branch's NPC roster, empty when absent.
func (e *Engine) LoadNPCs(storyID, branchID string) ([]story.NPC, error) {
	var npcs []story.NPC
	if _, err := storage.ReadJSON(e.layout.NPCsPath(storyID, branchID), &npcs); err != nil {
		return nil, err
	}
	return npcs, nil
}

// SaveNPCs persists a branch's NPC roster.
func (e *Engine) SaveNPCs(storyID, branchID string, npcs []story.NPC) error {
	return storage.WriteJSONAtomic(e.layout.NPCsPath(storyID, branchID), npcs)
}

// LoadCheats reads a branch's GM cheat state.
func (e *Engine) LoadCheats(storyID, branchID string) (story.Cheats, error) {
	var c story.Cheats
	if _, err := storage.ReadJSON(e.layout.CheatsPath(storyID, branchID), &c); err != nil {
		return story.Cheats{}, err
	}
	return c, nil
}

// SaveCheats persists a branch's GM cheat state.
func (e *Engine) SaveCheats(storyID, branchID string, c story.Cheats) error {
	return storage.WriteJSONAtomic(e.layout.CheatsPath(storyID, branchID), c)
}

// LoadAutoPlayState reads a branch's auto-play progress, nil when absent.
func (e *Engine) LoadAutoPlayState(storyID, branchID string) (*story.AutoPlayState, error) {
	var s story.AutoPlayState
	found, err := storage.ReadJSON(e.layout.AutoPlayStatePath(storyID, branchID), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &s, nil
}

// SaveAutoPlayState persists a branch's auto-play progress.
func (e *Engine) SaveAutoPlayState(storyID, branchID string, s story.AutoPlayState) error {
	s.UpdatedAt = time.Now()
	return storage.WriteJSONAtomic(e.layout.AutoPlayStatePath(storyID, branchID), s)
}

// Design-time files.

// Schema returns the story's character schema, defaulting when none ships.
func (e *Engine) Schema(storyID string) (story.Schema, error) {
	var s story.Schema
	found, err := storage.ReadJSON(e.layout.CharacterSchemaPath(storyID), &s)
	if err != nil {
		return story.Schema{}, err
	}
	if !found {
		return story.DefaultSchema(), nil
	}
	return s, nil
}

// DefaultState returns the story's default character state.
func (e *Engine) DefaultState(storyID string) (map[string]any, error) {
	var s map[string]any
	found, err := storage.ReadJSON(e.layout.DefaultStatePath(storyID), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{}, nil
	}
	return s, nil
}

// SystemPromptTemplate reads the story's prompt template.
func (e *Engine) SystemPromptTemplate(storyID string) (string, error) {
	data, err := os.ReadFile(e.layout.SystemPromptPath(storyID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	return string(data), nil
}

// BaseConversation returns the story's imported base timeline.
func (e *Engine) BaseConversation(storyID string) ([]story.Message, error) {
	var msgs []story.Message
	if _, err := storage.ReadJSON(e.layout.ParsedConversationPath(storyID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Stories registry.

// LoadRegistry reads stories.json, creating a minimal default registry when
// absent.
func (e *Engine) LoadRegistry() (*story.StoriesRegistry, error) {
	var r story.StoriesRegistry
	found, err := storage.ReadJSON(e.layout.StoriesRegistryPath(), &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return &story.StoriesRegistry{}, nil
	}
	return &r, nil
}

// SaveRegistry persists stories.json.
func (e *Engine) SaveRegistry(r *story.StoriesRegistry) error {
	return storage.WriteJSONAtomic(e.layout.StoriesRegistryPath(), r)
}

// deriveBranchName trims edited text into a short branch label.
func deriveBranchName(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > 15 {
		runes = runes[:15]
		return string(runes) + "…"
	}
	if len(runes) == 0 {
		return "未命名分支"
	}
	return string(runes)
}
