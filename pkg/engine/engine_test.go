package engine

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/state"
	"github.com/storyloom/storyloom/pkg/storage"
	"github.com/storyloom/storyloom/pkg/story"
)

const testStory = "default"

func newTestEngine(t *testing.T, provider llm.Provider) *Engine {
	t.Helper()
	layout := storage.NewLayout(t.TempDir(), t.TempDir())
	e := New(context.Background(), Options{
		Layout:     layout,
		Provider:   provider,
		ReviewMode: state.ReviewDeterministicOnly,
	})
	t.Cleanup(func() { e.Close() })
	return e
}

// seedStory writes a four-message base conversation whose GM messages carry
// state snapshots, a minimal prompt template, and the default tree.
func seedStory(t *testing.T, e *Engine) {
	t.Helper()

	snapEarly := map[string]any{"current_status": "主神空間待命", "reward_points": float64(100)}
	snapLate := map[string]any{"current_status": "進入副本", "reward_points": float64(500)}
	base := []story.Message{
		{Index: 0, Role: story.RoleUser, Content: "我睜開眼睛。"},
		{Index: 1, Role: story.RoleGM, Content: "你在主神空間醒來。", StateSnapshot: snapEarly},
		{Index: 2, Role: story.RoleUser, Content: "我查看兌換清單。"},
		{Index: 3, Role: story.RoleGM, Content: "清單在你眼前展開。", StateSnapshot: snapLate},
	}
	require.NoError(t, storage.WriteJSONAtomic(e.layout.ParsedConversationPath(testStory), base))

	require.NoError(t, os.MkdirAll(e.layout.DesignStoryDir(testStory), 0o755))
	template := "你是跑團 GM。\n目前狀態：{character_state}\n前情：{narrative_recap}"
	require.NoError(t, os.WriteFile(e.layout.SystemPromptPath(testStory), []byte(template), 0o644))

	require.NoError(t, e.SaveTree(testStory, story.NewTimelineTree()))
}

func sendTurn(t *testing.T, e *Engine, branchID, text string) TurnResult {
	t.Helper()
	res, err := e.SendTurn(context.Background(), TurnInput{
		StoryID: testStory, BranchID: branchID, UserText: text,
	})
	require.NoError(t, err)
	return res
}

func TestSendTurnCommits(t *testing.T) {
	mock := llm.NewMockProvider(
		"夜色降臨，你摸到了一個冰冷的金屬盒。\n" +
			"<!--STATE {\"inventory_add\": [\"金屬盒\"]} STATE-->\n" +
			"<!--TIME days:1 TIME-->")
	e := newTestEngine(t, mock)
	seedStory(t, e)

	res := sendTurn(t, e, story.MainBranchID, "我在廢墟裡搜索。")

	assert.Equal(t, 4, res.UserMsg.Index)
	assert.Equal(t, story.RoleUser, res.UserMsg.Role)
	require.NotNil(t, res.UserMsg.Dice)

	assert.Equal(t, 5, res.GMMsg.Index)
	assert.Equal(t, "夜色降臨，你摸到了一個冰冷的金屬盒。", res.GMMsg.Content)
	require.NotNil(t, res.GMMsg.StateSnapshot)
	inv, _ := res.GMMsg.StateSnapshot["inventory"].(map[string]any)
	assert.Contains(t, inv, "金屬盒")
	require.NotNil(t, res.GMMsg.WorldDaySnapshot)
	assert.Equal(t, 1.0, *res.GMMsg.WorldDaySnapshot)

	st, err := e.LoadState(testStory, story.MainBranchID)
	require.NoError(t, err)
	inv, _ = st["inventory"].(map[string]any)
	assert.Contains(t, inv, "金屬盒")

	delta, err := e.loadDelta(testStory, story.MainBranchID)
	require.NoError(t, err)
	require.Len(t, delta, 2)
	assert.Equal(t, story.RoleUser, delta[0].Role)
	assert.Equal(t, story.RoleGM, delta[1].Role)

	day, err := e.clock.Get(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, day)

	// System prompt carries the pre-turn state.
	calls := mock.Calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].System, "reward_points")
}

func TestSendTurnStripsContextEcho(t *testing.T) {
	mock := llm.NewMockProvider("【相關世界觀】被複誦的標題列\n真正的敘事在這裡。")
	e := newTestEngine(t, mock)
	seedStory(t, e)

	res := sendTurn(t, e, story.MainBranchID, "我繼續前進。")
	assert.Equal(t, "真正的敘事在這裡。", res.GMMsg.Content)
	assert.NotContains(t, res.GMMsg.Content, "【相關世界觀】")
}

func TestSendTurnRollsBackOnProviderFailure(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.FailWith(errors.New("upstream down"))
	e := newTestEngine(t, mock)
	seedStory(t, e)

	res, err := e.SendTurn(context.Background(), TurnInput{
		StoryID: testStory, BranchID: story.MainBranchID, UserText: "我開門。",
	})

	var gmErr *GMError
	require.ErrorAs(t, err, &gmErr)
	assert.True(t, llm.IsErrorContent(res.GMMsg.Content))

	delta, derr := e.loadDelta(testStory, story.MainBranchID)
	require.NoError(t, derr)
	assert.Empty(t, delta)
}

func TestSendTurnRollsBackOnEmptyReply(t *testing.T) {
	mock := llm.NewMockProvider("   ")
	e := newTestEngine(t, mock)
	seedStory(t, e)

	_, err := e.SendTurn(context.Background(), TurnInput{
		StoryID: testStory, BranchID: story.MainBranchID, UserText: "我開門。",
	})

	var gmErr *GMError
	require.ErrorAs(t, err, &gmErr)

	delta, derr := e.loadDelta(testStory, story.MainBranchID)
	require.NoError(t, derr)
	assert.Empty(t, delta)
}

func TestSendTurnUnknownBranch(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	_, err := e.SendTurn(context.Background(), TurnInput{
		StoryID: testStory, BranchID: "ghost", UserText: "你好",
	})
	require.ErrorIs(t, err, ErrBranchNotFound)
}

func TestSendTurnStream(t *testing.T) {
	mock := llm.NewMockProvider("你推開鏽蝕的大門，走廊深處傳來滴水聲。")
	e := newTestEngine(t, mock)
	seedStory(t, e)

	var events []StreamEvent
	err := e.SendTurnStream(context.Background(), TurnInput{
		StoryID: testStory, BranchID: story.MainBranchID, UserText: "我推門。",
	}, func(ev StreamEvent) { events = append(events, ev) })
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, EventDice, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	require.NotNil(t, last.GMMsg)
	assert.Equal(t, "你推開鏽蝕的大門，走廊深處傳來滴水聲。", last.GMMsg.Content)

	delta, err := e.loadDelta(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.Len(t, delta, 2)
}

func TestGMCheatCommands(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	res := sendTurn(t, e, story.MainBranchID, "/gm dice +20")
	assert.Equal(t, -1, res.GMMsg.Index)
	assert.Contains(t, res.GMMsg.Content, "+20")

	cheats, err := e.LoadCheats(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.Equal(t, 20, cheats.DiceModifier)

	res = sendTurn(t, e, story.MainBranchID, "/gm always on")
	assert.Contains(t, res.GMMsg.Content, "開啟")
	cheats, err = e.LoadCheats(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.True(t, cheats.AlwaysSuccess)

	sendTurn(t, e, story.MainBranchID, "/gm dice reset")
	cheats, err = e.LoadCheats(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.Zero(t, cheats.DiceModifier)

	// Cheat turns never touch the timeline.
	delta, err := e.loadDelta(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.Empty(t, delta)
}

func TestParseGMCommand(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"/gm dice +15", true},
		{"/gm dice -10", true},
		{"/gm dice reset", true},
		{"/gm always on", true},
		{"/gm always off", true},
		{"  /gm dice 5  ", true},
		{"/gm dice abc", false},
		{"/gm", false},
		{"我想 /gm dice 5", false},
		{"普通訊息", false},
	}
	for _, tt := range tests {
		_, ok := parseGMCommand(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
	}
}

func TestEditForksAndReplays(t *testing.T) {
	mock := llm.NewMockProvider("新的時間線展開了。")
	e := newTestEngine(t, mock)
	seedStory(t, e)

	res, err := e.Edit(context.Background(), testStory, story.MainBranchID, 1, "這次我選擇逃跑。")
	require.NoError(t, err)
	require.NotNil(t, res.Branch)
	assert.NotEqual(t, story.MainBranchID, res.Branch.ID)

	tree, err := e.LoadTree(testStory)
	require.NoError(t, err)
	timeline, err := e.FullTimeline(testStory, tree, res.Branch.ID)
	require.NoError(t, err)
	// Base truncated at the fork, then the edited exchange.
	require.Len(t, timeline, 4)
	assert.Equal(t, "這次我選擇逃跑。", timeline[2].Content)
	assert.Equal(t, "新的時間線展開了。", timeline[3].Content)
}

func TestRegenerateReusesDice(t *testing.T) {
	mock := llm.NewMockProvider("另一種回應。")
	e := newTestEngine(t, mock)
	seedStory(t, e)

	res, err := e.Regenerate(context.Background(), testStory, story.MainBranchID, 2)
	require.NoError(t, err)
	assert.Equal(t, "我查看兌換清單。", res.UserMsg.Content)
	assert.Equal(t, "另一種回應。", res.GMMsg.Content)

	// The fork keeps the original user message in history; only the reply is
	// new.
	delta, err := e.loadDelta(testStory, res.Branch.ID)
	require.NoError(t, err)
	require.Len(t, delta, 1)
	assert.Equal(t, story.RoleGM, delta[0].Role)
}

func TestRegenerateRejectsGMMessage(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	_, err := e.Regenerate(context.Background(), testStory, story.MainBranchID, 1)
	require.Error(t, err)
}

func TestUpsertAndDeleteLore(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	entry := story.LoreEntry{Category: "世界觀", Topic: "主神空間", Content: "輪迴中樞"}
	require.NoError(t, e.UpsertLore(testStory, entry))

	var entries []story.LoreEntry
	found, err := storage.ReadJSON(e.layout.WorldLorePath(testStory), &entries)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, entries, 1)

	idx, err := e.Lore(testStory)
	require.NoError(t, err)
	topics, err := idx.Topics()
	require.NoError(t, err)
	assert.Contains(t, topics, "主神空間")

	require.NoError(t, e.DeleteLore(testStory, "主神空間"))
	topics, err = idx.Topics()
	require.NoError(t, err)
	assert.NotContains(t, topics, "主神空間")
}

func TestDeriveBranchName(t *testing.T) {
	assert.Equal(t, "短名字", deriveBranchName("  短名字  "))
	assert.Equal(t, "未命名分支", deriveBranchName("   "))

	long := deriveBranchName("這是一段遠遠超過十五個字的使用者輸入內容測試")
	assert.Equal(t, "這是一段遠遠超過十五個字的使用…", long)
}

func TestInitBootstrapsRegistry(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	info, err := e.Init()
	require.NoError(t, err)
	assert.Equal(t, "default", info.ActiveStoryID)
	assert.Equal(t, story.MainBranchID, info.ActiveBranchID)
	assert.Equal(t, 4, info.OriginalCount)
	assert.False(t, info.HasSummary)

	stories, active, err := e.Stories()
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, "default", active)
}

func TestStoryLifecycle(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)
	_, err := e.Init()
	require.NoError(t, err)

	info, err := e.CreateStory("第二個故事")
	require.NoError(t, err)

	_, active, err := e.Stories()
	require.NoError(t, err)
	assert.Equal(t, info.ID, active)

	require.NoError(t, e.RenameStory(info.ID, "改名後"))
	stories, _, err := e.Stories()
	require.NoError(t, err)
	renamed := false
	for _, s := range stories {
		if s.ID == info.ID && s.Name == "改名後" {
			renamed = true
		}
	}
	assert.True(t, renamed)

	// The active story cannot be deleted.
	require.Error(t, e.DeleteStory(info.ID))

	require.NoError(t, e.SwitchStory("default"))
	require.NoError(t, e.DeleteStory(info.ID))
	require.ErrorIs(t, e.SwitchStory(info.ID), ErrStoryNotFound)

	_, err = os.Stat(e.layout.StoryDir(info.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestAgentSnapshotsSortedAndQueried(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	for _, day := range []float64{3, 1, 2} {
		require.NoError(t, e.AppendAgentSnapshot(testStory, story.MainBranchID, story.AgentSnapshot{
			WorldDay:       day,
			Turn:           int(day),
			CharacterState: map[string]any{"day": day},
		}))
	}

	snaps, err := e.LoadAgentSnapshots(testStory, story.MainBranchID)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{snaps[0].WorldDay, snaps[1].WorldDay, snaps[2].WorldDay})

	snap, err := e.AgentSnapshotAt(testStory, story.MainBranchID, 2.5)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2.0, snap.WorldDay)

	none, err := e.AgentSnapshotAt(testStory, story.MainBranchID, 0.5)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAutoPlayStateRoundTrip(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	absent, err := e.LoadAutoPlayState(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.Nil(t, absent)

	require.NoError(t, e.SaveAutoPlayState(testStory, story.MainBranchID, story.AutoPlayState{
		Turn: 7, Dungeons: 2, Phase: "dungeon",
	}))

	got, err := e.LoadAutoPlayState(testStory, story.MainBranchID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 7, got.Turn)
	assert.Equal(t, 2, got.Dungeons)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestPhaseFor(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"進入副本：咒怨", "dungeon"},
		{"主神空間待命", "hub"},
		{"未知狀態", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, phaseFor(tt.status), "status %q", tt.status)
	}
}

func TestFindStateAtIndex(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	base, err := e.BaseConversation(testStory)
	require.NoError(t, err)

	st, err := e.findStateAtIndex(testStory, base, 1)
	require.NoError(t, err)
	assert.Equal(t, "主神空間待命", st["current_status"])

	st, err = e.findStateAtIndex(testStory, base, 3)
	require.NoError(t, err)
	assert.Equal(t, "進入副本", st["current_status"])

	// Before any snapshot the story default applies.
	st, err = e.findStateAtIndex(testStory, base, 0)
	require.NoError(t, err)
	assert.NotContains(t, st, "current_status")
}

func TestUsageRecordsTurn(t *testing.T) {
	mock := llm.NewMockProvider("平穩的一回合。")
	e := newTestEngine(t, mock)
	seedStory(t, e)

	sendTurn(t, e, story.MainBranchID, "我觀察四周。")

	log, err := e.Usage(testStory)
	require.NoError(t, err)
	prompt, completion, err := log.Totals(story.MainBranchID)
	require.NoError(t, err)
	assert.Greater(t, prompt, 0)
	assert.Greater(t, completion, 0)
}
