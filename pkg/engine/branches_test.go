package engine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/story"
)

func createFork(t *testing.T, e *Engine, parentID string, bp int, name string) *story.Branch {
	t.Helper()
	b, err := e.CreateBranch(testStory, BranchSpec{
		Name:             name,
		ParentID:         parentID,
		BranchPointIndex: bp,
	})
	require.NoError(t, err)
	return b
}

func TestCreateBranchSeedsFromSnapshot(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	early := createFork(t, e, story.MainBranchID, 1, "早期分支")
	st, err := e.LoadState(testStory, early.ID)
	require.NoError(t, err)
	assert.Equal(t, "主神空間待命", st["current_status"])

	late := createFork(t, e, story.MainBranchID, 3, "晚期分支")
	st, err = e.LoadState(testStory, late.ID)
	require.NoError(t, err)
	assert.Equal(t, "進入副本", st["current_status"])

	tree, err := e.LoadTree(testStory)
	require.NoError(t, err)
	assert.Equal(t, late.ID, tree.ActiveBranchID)
}

func TestFullTimelineTruncatesAtBranchPoint(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	b := createFork(t, e, story.MainBranchID, 1, "fork")
	require.NoError(t, e.saveDelta(testStory, b.ID, []story.Message{
		{Index: 2, Role: story.RoleUser, Content: "分支上的行動"},
	}))

	tree, err := e.LoadTree(testStory)
	require.NoError(t, err)
	timeline, err := e.FullTimeline(testStory, tree, b.ID)
	require.NoError(t, err)

	require.Len(t, timeline, 3)
	assert.Equal(t, "我睜開眼睛。", timeline[0].Content)
	assert.Equal(t, story.MainBranchID, timeline[0].OwnerBranchID)
	assert.Equal(t, "分支上的行動", timeline[2].Content)
	assert.Equal(t, b.ID, timeline[2].OwnerBranchID)
}

func TestCreateBranchWalksUpPastParentBranchPoint(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	first := createFork(t, e, story.MainBranchID, 3, "第一層")
	// Forking at an index at or before the parent's own fork origin lands
	// beside it, not beneath it.
	second := createFork(t, e, first.ID, 1, "第二層")

	require.NotNil(t, second.Parent)
	assert.Equal(t, story.MainBranchID, *second.Parent)
}

func TestCreateBlankBranch(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	b, err := e.CreateBlankBranch(testStory, "重開一局")
	require.NoError(t, err)
	assert.True(t, b.IsBlank())

	st, err := e.LoadState(testStory, b.ID)
	require.NoError(t, err)
	assert.Empty(t, st)

	day, err := e.clock.Get(testStory, b.ID)
	require.NoError(t, err)
	assert.Zero(t, day)

	tree, err := e.LoadTree(testStory)
	require.NoError(t, err)
	timeline, err := e.FullTimeline(testStory, tree, b.ID)
	require.NoError(t, err)
	// Blank branches never see the base conversation.
	assert.Empty(t, timeline)
	assert.Equal(t, b.ID, tree.ActiveBranchID)
}

func TestSwitchAndRenameBranch(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	b := createFork(t, e, story.MainBranchID, 1, "fork")
	require.NoError(t, e.SwitchBranch(testStory, story.MainBranchID))

	branches, active, err := e.Branches(testStory)
	require.NoError(t, err)
	assert.Equal(t, story.MainBranchID, active)
	assert.Len(t, branches, 2)

	require.NoError(t, e.RenameBranch(testStory, b.ID, "改名後"))
	tree, err := e.LoadTree(testStory)
	require.NoError(t, err)
	assert.Equal(t, "改名後", tree.Branches[b.ID].Name)

	require.ErrorIs(t, e.SwitchBranch(testStory, "ghost"), ErrBranchNotFound)
}

func TestDeleteBranchCascades(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	parent := createFork(t, e, story.MainBranchID, 1, "父分支")
	require.NoError(t, e.saveDelta(testStory, parent.ID, []story.Message{
		{Index: 2, Role: story.RoleUser, Content: "行動"},
		{Index: 3, Role: story.RoleGM, Content: "回應"},
	}))
	child := createFork(t, e, parent.ID, 3, "子分支")

	require.NoError(t, e.DeleteBranch(testStory, parent.ID))

	tree, err := e.LoadTree(testStory)
	require.NoError(t, err)
	assert.NotContains(t, tree.Branches, parent.ID)
	assert.NotContains(t, tree.Branches, child.ID)
	assert.Equal(t, story.MainBranchID, tree.ActiveBranchID)

	_, err = os.Stat(e.layout.BranchDir(testStory, parent.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteMainRefused(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)
	require.Error(t, e.DeleteBranch(testStory, story.MainBranchID))
}

func TestPromote(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	b := createFork(t, e, story.MainBranchID, 3, "晉升候選")
	day := 2.0
	require.NoError(t, e.saveDelta(testStory, b.ID, []story.Message{
		{Index: 4, Role: story.RoleUser, Content: "分支劇情"},
		{Index: 5, Role: story.RoleGM, Content: "分支回應",
			StateSnapshot:    map[string]any{"current_status": "副本通關"},
			WorldDaySnapshot: &day},
	}))
	require.NoError(t, e.SaveState(testStory, b.ID, map[string]any{"current_status": "副本通關"}))
	require.NoError(t, e.clock.ForceSet(testStory, b.ID, day))

	require.NoError(t, e.Promote(testStory, b.ID))

	tree, err := e.LoadTree(testStory)
	require.NoError(t, err)
	assert.Equal(t, story.MainBranchID, tree.ActiveBranchID)
	promoted := tree.Branches[b.ID]
	assert.True(t, promoted.Deleted)
	assert.True(t, promoted.WasMain)

	mainDelta, err := e.loadDelta(testStory, story.MainBranchID)
	require.NoError(t, err)
	require.Len(t, mainDelta, 2)
	assert.Equal(t, "分支劇情", mainDelta[0].Content)
	assert.Empty(t, mainDelta[0].OwnerBranchID)

	st, err := e.LoadState(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.Equal(t, "副本通關", st["current_status"])

	mainDay, err := e.clock.Get(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.Equal(t, day, mainDay)
}

func TestPromoteRejectsBlankAndMain(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	require.Error(t, e.Promote(testStory, story.MainBranchID))

	blank, err := e.CreateBlankBranch(testStory, "")
	require.NoError(t, err)
	require.Error(t, e.Promote(testStory, blank.ID))
}

func TestMerge(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	require.NoError(t, e.saveDelta(testStory, story.MainBranchID, []story.Message{
		{Index: 4, Role: story.RoleUser, Content: "主線行動"},
		{Index: 5, Role: story.RoleGM, Content: "主線回應"},
	}))
	b := createFork(t, e, story.MainBranchID, 5, "支線")
	require.NoError(t, e.saveDelta(testStory, b.ID, []story.Message{
		{Index: 6, Role: story.RoleUser, Content: "支線行動"},
		{Index: 7, Role: story.RoleGM, Content: "支線回應"},
	}))
	require.NoError(t, e.SaveState(testStory, b.ID, map[string]any{"current_status": "支線結局"}))

	grandchild := createFork(t, e, b.ID, 7, "孫分支")
	require.NoError(t, e.SwitchBranch(testStory, b.ID))

	require.NoError(t, e.Merge(testStory, b.ID))

	tree, err := e.LoadTree(testStory)
	require.NoError(t, err)
	merged := tree.Branches[b.ID]
	assert.True(t, merged.Merged)
	require.NotNil(t, merged.MergedAt)
	assert.Equal(t, story.MainBranchID, tree.ActiveBranchID)

	// The child's children now hang off the parent.
	require.NotNil(t, tree.Branches[grandchild.ID].Parent)
	assert.Equal(t, story.MainBranchID, *tree.Branches[grandchild.ID].Parent)

	mainDelta, err := e.loadDelta(testStory, story.MainBranchID)
	require.NoError(t, err)
	require.Len(t, mainDelta, 4)
	assert.Equal(t, "主線行動", mainDelta[0].Content)
	assert.Equal(t, "支線回應", mainDelta[3].Content)

	st, err := e.LoadState(testStory, story.MainBranchID)
	require.NoError(t, err)
	assert.Equal(t, "支線結局", st["current_status"])

	// A retired branch refuses further writes.
	_, err = e.SendTurn(context.Background(), TurnInput{StoryID: testStory, BranchID: b.ID, UserText: "再試一次"})
	require.ErrorIs(t, err, ErrBranchRetired)
}

func TestForkPointsAndSiblingGroups(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	f1 := createFork(t, e, story.MainBranchID, 1, "一號")
	f2 := createFork(t, e, story.MainBranchID, 1, "二號")
	f3 := createFork(t, e, story.MainBranchID, 3, "三號")

	tree, err := e.LoadTree(testStory)
	require.NoError(t, err)

	points := e.ForkPoints(tree, story.MainBranchID)
	require.Len(t, points, 2)
	assert.Equal(t, 1, points[0].MessageIndex)
	assert.ElementsMatch(t, []string{f1.ID, f2.ID}, points[0].BranchIDs)
	assert.Equal(t, 3, points[1].MessageIndex)
	assert.Equal(t, []string{f3.ID}, points[1].BranchIDs)

	groups := e.SiblingGroups(tree, f1.ID)
	require.NotEmpty(t, groups)
	// At index 1, f1's path follows f1; the parent continuation and f2 are
	// the alternatives.
	var current []string
	for _, v := range groups[0].Variants {
		if v.Current {
			current = append(current, v.BranchID)
		}
	}
	assert.Equal(t, []string{f1.ID}, current)
	assert.Len(t, groups[0].Variants, 3)
}

func TestStateIndexEvictedOnBranchDelete(t *testing.T) {
	e := newTestEngine(t, llm.NewMockProvider())
	seedStory(t, e)

	b := createFork(t, e, story.MainBranchID, 1, "待刪")
	_, err := e.StateIndex(testStory, b.ID)
	require.NoError(t, err)

	require.NoError(t, e.DeleteBranch(testStory, b.ID))

	e.mu.Lock()
	_, cached := e.stateIdx[testStory+"/"+b.ID]
	e.mu.Unlock()
	assert.False(t, cached)
}
