package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/storyloom/storyloom/pkg/assembler"
	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/state"
	"github.com/storyloom/storyloom/pkg/storage"
	"github.com/storyloom/storyloom/pkg/story"
	"github.com/storyloom/storyloom/pkg/tags"
	"github.com/storyloom/storyloom/pkg/usage"
)

// backgroundInput carries what a finished turn hands to the background jobs.
type backgroundInput struct {
	transcript  string
	gmIndex     int
	playerTurns int
	stateTagged bool
	unknownKeys []string
}

func branchJobKey(storyID, branchID string) string {
	return storyID + ":" + branchID
}

// launchBackgroundJobs fires the post-turn daemons. None of them block the
// next turn; each observes its own rate limit and consistency rules.
func (e *Engine) launchBackgroundJobs(storyID, branchID string, in backgroundInput) {
	e.pool.Go("compaction", func(ctx context.Context) {
		e.runCompaction(ctx, storyID, branchID)
	})

	transcript := in.transcript
	stateTagged := in.stateTagged
	e.extractDebounce.Trigger(branchJobKey(storyID, branchID), func() {
		e.pool.Go("extraction", func(ctx context.Context) {
			e.runExtraction(ctx, storyID, branchID, transcript, in.gmIndex, stateTagged)
		})
	})

	if in.playerTurns%evolutionTurnEvery == 0 && e.evolutionCooldown.Allow(branchJobKey(storyID, branchID)) {
		e.pool.Go("npc_evolution", func(ctx context.Context) {
			e.runNPCEvolution(ctx, storyID, branchID)
		})
	}

	e.pool.Go("snapshot_summary", func(ctx context.Context) {
		e.runSnapshotSummaries(ctx, storyID, branchID)
	})

	if len(in.unknownKeys) > 0 {
		keys := append([]string(nil), in.unknownKeys...)
		e.pool.Go("state_normalize", func(ctx context.Context) {
			e.runNormalization(ctx, storyID, branchID, keys)
		})
	}
}

// runCompaction compacts the branch recap if due, skipping when the branch
// is mid-commit.
func (e *Engine) runCompaction(ctx context.Context, storyID, branchID string) {
	unlock, ok := e.locks.TryLockBranch(storyID, branchID)
	if !ok {
		return
	}

	tree, err := e.LoadTree(storyID)
	if err != nil {
		unlock()
		return
	}
	timeline, err := e.FullTimeline(storyID, tree, branchID)
	unlock()
	if err != nil {
		slog.Warn("compaction timeline read failed", "branch", branchID, "error", err)
		return
	}

	recaps, err := e.Recaps(storyID)
	if err != nil {
		return
	}
	if err := recaps.Compact(ctx, storyID, branchID, timeline); err != nil {
		slog.Warn("compaction failed", "branch", branchID, "error", err)
	}
}

const extractionSystemPrompt = `你是故事資料探勘員。閱讀以下 GM 敘事，找出其中未被標記的結構化資料。
回傳一個 JSON 物件：
{"lore": [{"category": "...", "topic": "...", "content": "...", "tags": "..."}],
 "events": [{"event_type": "...", "title": "...", "description": "...", "status": "planted", "tags": "..."}],
 "npcs": [{"name": "...", "role": "...", "current_status": "..."}],
 "state": {}}
category 限定：世界觀、力量體系、勢力組織、重要人物、地點場景、物品道具、歷史事件。
已存在的主題與事件不要重複。找不到就回傳空列表。只回傳 JSON。`

// runExtraction is the second-pass miner: it asks the model for structured
// data the primary reply did not tag, dedups against existing topics and
// titles, and commits the remainder. A STATE delta already applied by the
// tag parser suppresses the mined state field.
func (e *Engine) runExtraction(ctx context.Context, storyID, branchID, transcript string, gmIndex int, stateTagged bool) {
	loreIdx, err := e.Lore(storyID)
	if err != nil {
		return
	}
	topics, err := loreIdx.Topics()
	if err != nil {
		return
	}
	toc, _ := loreIdx.TOC()

	events, err := e.Events(storyID)
	if err != nil {
		return
	}
	titles, err := events.ExistingTitles(branchID)
	if err != nil {
		return
	}

	var knownTitles []string
	for t := range titles {
		knownTitles = append(knownTitles, t)
	}

	prompt := fmt.Sprintf("既有世界觀主題：\n%s\n\n既有事件標題：%s\n\nGM 敘事：\n%s",
		toc, strings.Join(knownTitles, "、"), transcript)

	start := time.Now()
	reply, u, err := e.provider.Generate(ctx, extractionSystemPrompt, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	})
	if log, lerr := e.Usage(storyID); lerr == nil {
		log.Record(branchID, "llm", e.provider.ModelName(), usage.PurposeExtraction,
			u.PromptTokens, u.CompletionTokens, time.Since(start))
	}
	if err != nil {
		slog.Warn("extraction call failed", "branch", branchID, "error", err)
		return
	}

	var mined struct {
		Lore   []story.LoreEntry   `json:"lore"`
		Events []tags.EventPayload `json:"events"`
		NPCs   []map[string]any    `json:"npcs"`
		State  map[string]any      `json:"state"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(reply)), &mined); err != nil {
		slog.Warn("extraction reply unparseable", "branch", branchID, "error", err)
		return
	}

	for _, entry := range mined.Lore {
		if _, dup := topics[entry.Topic]; dup || entry.Topic == "" {
			continue
		}
		if err := e.UpsertLore(storyID, entry); err != nil {
			slog.Debug("skipping mined lore", "topic", entry.Topic, "error", err)
		}
	}

	var fresh []tags.EventPayload
	for _, p := range mined.Events {
		if _, dup := titles[p.Title]; dup || p.Title == "" {
			continue
		}
		fresh = append(fresh, p)
	}
	if len(fresh) > 0 {
		if err := e.insertEvents(storyID, branchID, gmIndex, fresh); err != nil {
			slog.Warn("mined event insert failed", "branch", branchID, "error", err)
		}
	}

	lock := e.locks.Branch(storyID, branchID)
	lock.Lock()
	defer lock.Unlock()

	if len(mined.NPCs) > 0 {
		roster, err := e.LoadNPCs(storyID, branchID)
		if err == nil {
			for _, payload := range mined.NPCs {
				roster = story.ApplyNPCPayload(roster, payload)
			}
			if err := e.SaveNPCs(storyID, branchID, roster); err != nil {
				slog.Warn("mined NPC save failed", "branch", branchID, "error", err)
			}
		}
	}

	if !stateTagged && len(mined.State) > 0 {
		schema, err := e.Schema(storyID)
		if err != nil {
			return
		}
		st, err := e.LoadState(storyID, branchID)
		if err != nil {
			return
		}
		reviewed, _ := state.ValidateDeterministic(mined.State, schema)
		st, _ = state.Apply(st, reviewed, schema)
		if err := e.SaveState(storyID, branchID, st); err != nil {
			slog.Warn("mined state save failed", "branch", branchID, "error", err)
		}
	}
}

const evolutionSystemPrompt = `你是世界模擬員。根據以下 NPC 名單與近況，模擬他們在玩家視線之外這段時間的活動。
每位 NPC 一到兩句，合併為一段簡短摘要。只描述合理的日常推進，不要引入重大轉折。`

// runNPCEvolution simulates off-screen NPC activity and appends a batch to
// npc_activities.json, retaining the most recent entries.
func (e *Engine) runNPCEvolution(ctx context.Context, storyID, branchID string) {
	npcs, err := e.LoadNPCs(storyID, branchID)
	if err != nil || len(npcs) == 0 {
		return
	}

	var roster strings.Builder
	for _, n := range npcs {
		if n.LifecycleStatus == story.NPCArchived {
			continue
		}
		fmt.Fprintf(&roster, "- %s（%s）：%s\n", n.Name, n.Role, n.CurrentStatus)
	}
	if roster.Len() == 0 {
		return
	}

	start := time.Now()
	reply, u, err := e.provider.Generate(ctx, evolutionSystemPrompt, []llm.Message{
		{Role: llm.RoleUser, Content: roster.String()},
	})
	if log, lerr := e.Usage(storyID); lerr == nil {
		log.Record(branchID, "llm", e.provider.ModelName(), usage.PurposeEvolution,
			u.PromptTokens, u.CompletionTokens, time.Since(start))
	}
	if err != nil || llm.IsErrorContent(reply) {
		return
	}

	day, err := e.clock.Get(storyID, branchID)
	if err != nil {
		return
	}

	lock := e.locks.Branch(storyID, branchID)
	lock.Lock()
	defer lock.Unlock()

	var batches []assembler.ActivityBatch
	if _, err := storage.ReadJSON(e.layout.NPCActivitiesPath(storyID, branchID), &batches); err != nil {
		return
	}
	batches = append(batches, assembler.ActivityBatch{
		WorldDay:  day,
		Summary:   strings.TrimSpace(reply),
		CreatedAt: time.Now().Format(time.RFC3339),
	})
	if len(batches) > activityRetain {
		batches = batches[len(batches)-activityRetain:]
	}
	if err := storage.WriteJSONAtomic(e.layout.NPCActivitiesPath(storyID, branchID), batches); err != nil {
		slog.Warn("activity write failed", "branch", branchID, "error", err)
	}
}

const snapshotSummarySystemPrompt = `你是故事檔案員。為以下角色狀態快照各寫一句敘事說明（何時、何地、大致處境）。
回傳 JSON 陣列，順序對應輸入：["...", "..."]。只回傳 JSON。`

// runSnapshotSummaries captions any agent snapshots lacking a summary.
// Singleflight coalesces concurrent triggers per branch into one call.
func (e *Engine) runSnapshotSummaries(ctx context.Context, storyID, branchID string) {
	key := branchJobKey(storyID, branchID)
	_, _, _ = e.snapshotGroup.Do(key, func() (any, error) {
		snaps, err := e.LoadAgentSnapshots(storyID, branchID)
		if err != nil {
			return nil, err
		}

		var missing []int
		for i, s := range snaps {
			if s.Summary == "" {
				missing = append(missing, i)
			}
		}
		if len(missing) == 0 {
			return nil, nil
		}

		var b strings.Builder
		for _, i := range missing {
			stJSON, _ := json.Marshal(snaps[i].CharacterState)
			fmt.Fprintf(&b, "第%.1f天 / 第%d回合：%s\n", snaps[i].WorldDay, snaps[i].Turn, stJSON)
		}

		start := time.Now()
		reply, u, err := e.provider.Generate(ctx, snapshotSummarySystemPrompt, []llm.Message{
			{Role: llm.RoleUser, Content: b.String()},
		})
		if log, lerr := e.Usage(storyID); lerr == nil {
			log.Record(branchID, "llm", e.provider.ModelName(), usage.PurposeSummary,
				u.PromptTokens, u.CompletionTokens, time.Since(start))
		}
		if err != nil {
			return nil, err
		}

		var captions []string
		if err := json.Unmarshal([]byte(extractJSONArray(reply)), &captions); err != nil {
			return nil, err
		}

		lock := e.locks.Branch(storyID, branchID)
		lock.Lock()
		defer lock.Unlock()

		snaps, err = e.LoadAgentSnapshots(storyID, branchID)
		if err != nil {
			return nil, err
		}
		for n, i := range missing {
			if n < len(captions) && i < len(snaps) && snaps[i].Summary == "" {
				snaps[i].Summary = captions[n]
			}
		}
		return nil, storage.WriteJSONAtomic(e.layout.AgentSnapshotsPath(storyID, branchID), snaps)
	})
}

// runNormalization translates unknown state keys into canonical schema
// operations and re-applies them.
func (e *Engine) runNormalization(ctx context.Context, storyID, branchID string, unknownKeys []string) {
	st, err := e.LoadState(storyID, branchID)
	if err != nil {
		return
	}

	patch, drop, err := e.normalizer.Normalize(ctx, branchID, st, unknownKeys)
	if err != nil {
		slog.Warn("state normalization failed", "branch", branchID, "error", err)
		return
	}
	if len(patch) == 0 && len(drop) == 0 {
		return
	}

	schema, err := e.Schema(storyID)
	if err != nil {
		return
	}

	lock := e.locks.Branch(storyID, branchID)
	lock.Lock()
	defer lock.Unlock()

	st, err = e.LoadState(storyID, branchID)
	if err != nil {
		return
	}
	st = state.ApplyNormalization(st, patch, drop, schema)
	if err := e.SaveState(storyID, branchID, st); err != nil {
		slog.Warn("normalized state save failed", "branch", branchID, "error", err)
	}
}

func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
