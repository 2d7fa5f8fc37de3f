// Package autoplay drives a story autonomously: an LLM player persona picks
// each action, the engine runs the turn, and progress is checkpointed so a
// stopped run can resume. Retry policy lives here, not in the engine.
package autoplay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/storyloom/storyloom/pkg/engine"
	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/storage"
	"github.com/storyloom/storyloom/pkg/story"
	"github.com/storyloom/storyloom/pkg/usage"
)

// Retry tuning.
const (
	maxTurnRetries   = 3
	retryBaseBackoff = 2 * time.Second
)

// Options configures a run.
type Options struct {
	StoryID      string
	BranchID     string
	Resume       bool
	ParentBranch string
	BranchPoint  int
	NoBlank      bool

	CharacterPath string
	Personality   string
	Opening       string

	MaxTurns    int
	MaxDungeons int
	MaxHubTurns int
	TurnDelay   time.Duration
	MaxErrors   int

	StopFile string
}

const defaultPersonality = "謹慎但果斷的倖存者，優先收集資訊，避免無謂冒險。"

const playerPromptTemplate = `你是一名跑團玩家，扮演的角色個性：%s
根據 GM 的最新敘事，決定你的下一個行動。
一到兩句話，以第一人稱陳述行動，不要加引號或解說。`

// Driver runs the loop.
type Driver struct {
	engine *engine.Engine
	opts   Options
}

// New creates a driver.
func New(eng *engine.Engine, opts Options) *Driver {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 50
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 5
	}
	if opts.Personality == "" {
		opts.Personality = defaultPersonality
	}
	if opts.StoryID == "" {
		opts.StoryID = "default"
	}
	return &Driver{engine: eng, opts: opts}
}

// Run executes the loop until a limit, the stop file, an error ceiling, or
// context cancellation ends it.
func (d *Driver) Run(ctx context.Context) error {
	branchID, err := d.resolveBranch()
	if err != nil {
		return err
	}
	slog.Info("auto-play starting", "story", d.opts.StoryID, "branch", branchID)

	if d.opts.CharacterPath != "" && !d.opts.Resume {
		if err := d.loadCharacter(branchID); err != nil {
			return err
		}
	}

	state := story.AutoPlayState{}
	if d.opts.Resume {
		if saved, err := d.engine.LoadAutoPlayState(d.opts.StoryID, branchID); err == nil && saved != nil {
			state = *saved
		}
	}

	stop, closeWatcher := d.watchStopFile(ctx)
	defer closeWatcher()

	lastGM := ""
	for state.Turn < d.opts.MaxTurns {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			slog.Info("stop file detected, halting", "turn", state.Turn)
			return nil
		default:
		}
		if d.stopFileExists() {
			slog.Info("stop file present, halting", "turn", state.Turn)
			return nil
		}
		if d.opts.MaxDungeons > 0 && state.Dungeons >= d.opts.MaxDungeons {
			slog.Info("dungeon limit reached", "dungeons", state.Dungeons)
			return nil
		}
		if d.opts.MaxHubTurns > 0 && state.Phase == "hub" && state.HubTurns >= d.opts.MaxHubTurns {
			slog.Info("hub turn limit reached", "hub_turns", state.HubTurns)
			return nil
		}

		action, err := d.nextAction(ctx, branchID, state.Turn, lastGM)
		if err != nil {
			return err
		}

		res, err := d.sendWithRetry(ctx, branchID, action)
		if err != nil {
			state.ConsecutiveErrors++
			if err := d.engine.SaveAutoPlayState(d.opts.StoryID, branchID, state); err != nil {
				slog.Warn("failed to checkpoint auto-play state", "error", err)
			}
			if state.ConsecutiveErrors >= d.opts.MaxErrors {
				return fmt.Errorf("stopping after %d consecutive failed turns: %w", state.ConsecutiveErrors, err)
			}
			slog.Warn("turn failed, continuing", "consecutive", state.ConsecutiveErrors, "error", err)
			continue
		}

		state.ConsecutiveErrors = 0
		state.Turn++
		lastGM = res.GMMsg.Content
		d.trackPhase(&state, res.GMMsg.StateSnapshot)

		if err := d.appendTranscript(branchID, action, res.GMMsg.Content); err != nil {
			slog.Warn("transcript append failed", "error", err)
		}
		d.snapshotTurn(branchID, state.Turn, res.GMMsg)

		if err := d.engine.SaveAutoPlayState(d.opts.StoryID, branchID, state); err != nil {
			slog.Warn("failed to checkpoint auto-play state", "error", err)
		}

		if d.opts.TurnDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.opts.TurnDelay):
			}
		}
	}

	slog.Info("auto-play finished", "turns", state.Turn, "dungeons", state.Dungeons)
	return nil
}

// resolveBranch reuses the configured branch on resume, otherwise creates a
// fresh auto_ branch: blank by default, a fork when NoBlank is set.
func (d *Driver) resolveBranch() (string, error) {
	if d.opts.BranchID != "" && d.opts.Resume {
		return d.opts.BranchID, nil
	}

	id := "auto_" + uuid.NewString()[:8]
	if d.opts.NoBlank {
		parent := d.opts.ParentBranch
		if parent == "" {
			parent = story.MainBranchID
		}
		b, err := d.engine.CreateBranch(d.opts.StoryID, engine.BranchSpec{
			ID:               id,
			Name:             "自動跑團 " + time.Now().Format("01-02 15:04"),
			ParentID:         parent,
			BranchPointIndex: d.opts.BranchPoint,
		})
		if err != nil {
			return "", err
		}
		return b.ID, nil
	}

	b, err := d.engine.CreateBlankBranch(d.opts.StoryID, "自動跑團 "+time.Now().Format("01-02 15:04"))
	if err != nil {
		return "", err
	}
	return b.ID, nil
}

func (d *Driver) loadCharacter(branchID string) error {
	var st map[string]any
	found, err := storage.ReadJSON(d.opts.CharacterPath, &st)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("character file not found: %s", d.opts.CharacterPath)
	}
	return d.engine.SaveState(d.opts.StoryID, branchID, st)
}

// nextAction asks the player persona for the next move; the first turn uses
// the configured opening.
func (d *Driver) nextAction(ctx context.Context, branchID string, turn int, lastGM string) (string, error) {
	if turn == 0 && d.opts.Opening != "" {
		return d.opts.Opening, nil
	}
	if lastGM == "" {
		return "我觀察四周，評估目前的處境。", nil
	}

	system := fmt.Sprintf(playerPromptTemplate, d.opts.Personality)
	start := time.Now()
	action, u, err := d.engine.Provider().Generate(ctx, system, []llm.Message{
		{Role: llm.RoleUser, Content: lastGM},
	})
	if log, lerr := d.engine.Usage(d.opts.StoryID); lerr == nil {
		log.Record(branchID, "llm", d.engine.Provider().ModelName(), usage.PurposePlayer,
			u.PromptTokens, u.CompletionTokens, time.Since(start))
	}
	if err != nil {
		return "", fmt.Errorf("player persona call failed: %w", err)
	}
	action = strings.TrimSpace(action)
	if action == "" || llm.IsErrorContent(action) {
		return "我繼續目前的行動。", nil
	}
	return action, nil
}

// sendWithRetry runs one turn with exponential backoff on provider errors.
func (d *Driver) sendWithRetry(ctx context.Context, branchID, action string) (engine.TurnResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxTurnRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBaseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return engine.TurnResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		res, err := d.engine.SendTurn(ctx, engine.TurnInput{
			StoryID:  d.opts.StoryID,
			BranchID: branchID,
			UserText: action,
		})
		if err == nil {
			return res, nil
		}
		lastErr = err

		var gmErr *engine.GMError
		if !errors.As(err, &gmErr) {
			return engine.TurnResult{}, err
		}
		slog.Warn("provider error, retrying turn", "attempt", attempt+1, "error", gmErr.Message)
	}
	return engine.TurnResult{}, lastErr
}

// trackPhase infers the hub/dungeon phase from the character status and
// counts transitions.
func (d *Driver) trackPhase(state *story.AutoPlayState, snapshot map[string]any) {
	status, _ := snapshot["current_status"].(string)
	inDungeon := strings.Contains(status, "副本")

	switch {
	case inDungeon && state.Phase != "dungeon":
		state.Phase = "dungeon"
		state.Dungeons++
	case !inDungeon && state.Phase != "hub":
		state.Phase = "hub"
		state.HubTurns = 0
	case state.Phase == "hub":
		state.HubTurns++
	}
}

func (d *Driver) appendTranscript(branchID, action, gm string) error {
	path := d.engine.Layout().TranscriptPath(d.opts.StoryID, branchID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "## 玩家\n%s\n\n## GM\n%s\n\n---\n\n", action, gm)
	return err
}

func (d *Driver) snapshotTurn(branchID string, turn int, gm story.Message) {
	if gm.StateSnapshot == nil || gm.WorldDaySnapshot == nil {
		return
	}
	var missions []string
	if raw, ok := gm.StateSnapshot["completed_missions"].([]any); ok {
		for _, m := range raw {
			if s, ok := m.(string); ok {
				missions = append(missions, s)
			}
		}
	}
	err := d.engine.AppendAgentSnapshot(d.opts.StoryID, branchID, story.AgentSnapshot{
		WorldDay:          *gm.WorldDaySnapshot,
		Turn:              turn,
		CharacterState:    gm.StateSnapshot,
		CompletedMissions: missions,
	})
	if err != nil {
		slog.Warn("agent snapshot append failed", "error", err)
	}
}

func (d *Driver) stopFileExists() bool {
	if d.opts.StopFile == "" {
		return false
	}
	_, err := os.Stat(d.opts.StopFile)
	return err == nil
}

// watchStopFile signals on creation of the stop sentinel. Polling in the
// loop covers the case where the watcher cannot be established.
func (d *Driver) watchStopFile(ctx context.Context) (<-chan struct{}, func()) {
	stop := make(chan struct{}, 1)
	if d.opts.StopFile == "" {
		return stop, func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("stop-file watcher unavailable, relying on polling", "error", err)
		return stop, func() {}
	}
	dir := filepath.Dir(d.opts.StopFile)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("cannot watch stop-file directory", "dir", dir, "error", err)
		watcher.Close()
		return stop, func() {}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == d.opts.StopFile && ev.Op.Has(fsnotify.Create) {
					select {
					case stop <- struct{}{}:
					default:
					}
				}
			case <-watcher.Errors:
			}
		}
	}()
	return stop, func() { watcher.Close() }
}
