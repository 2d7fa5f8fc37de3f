package event

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/story"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertEvent(t *testing.T, s *Store, branchID, title, status string, msgIndex *int) int64 {
	t.Helper()
	id, err := s.Insert(story.Event{
		EventType:    "foreshadow",
		Title:        title,
		Description:  "描述：" + title,
		Status:       status,
		BranchID:     branchID,
		MessageIndex: msgIndex,
	})
	require.NoError(t, err)
	return id
}

func TestInsertValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Insert(story.Event{BranchID: "main"})
	require.Error(t, err)
	_, err = s.Insert(story.Event{Title: "無分支"})
	require.Error(t, err)

	// Default status is planted.
	insertEvent(t, s, "main", "血字預言", "", nil)
	events, err := s.ForBranch("main")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, story.EventPlanted, events[0].Status)
	assert.NotEmpty(t, events[0].CreatedAt)
}

func TestInsertDuplicateTitleFails(t *testing.T) {
	s := newTestStore(t)
	insertEvent(t, s, "main", "血字預言", "", nil)

	_, err := s.Insert(story.Event{Title: "血字預言", BranchID: "main"})
	require.Error(t, err)

	// Same title on another branch is fine.
	insertEvent(t, s, "fork", "血字預言", "", nil)
}

func TestUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	id := insertEvent(t, s, "main", "血字預言", story.EventPlanted, nil)

	require.NoError(t, s.UpdateStatus(id, story.EventResolved))
	events, err := s.ForBranch("main")
	require.NoError(t, err)
	assert.Equal(t, story.EventResolved, events[0].Status)

	require.Error(t, s.UpdateStatus(9999, story.EventResolved))
}

func TestCopyForFork(t *testing.T) {
	s := newTestStore(t)
	early, late := 3, 10
	insertEvent(t, s, "main", "早期事件", "", &early)
	insertEvent(t, s, "main", "晚期事件", "", &late)
	insertEvent(t, s, "main", "無索引事件", "", nil)

	bp := 5
	require.NoError(t, s.CopyForFork("main", "fork", &bp))

	titles, err := s.ExistingTitles("fork")
	require.NoError(t, err)
	assert.Contains(t, titles, "早期事件")
	assert.Contains(t, titles, "無索引事件")
	assert.NotContains(t, titles, "晚期事件")
}

func TestMergeInto(t *testing.T) {
	s := newTestStore(t)
	insertEvent(t, s, "parent", "共同事件", story.EventPlanted, nil)
	insertEvent(t, s, "child", "共同事件", story.EventResolved, nil)
	insertEvent(t, s, "child", "子線獨有", story.EventPlanted, nil)

	require.NoError(t, s.MergeInto("child", "parent"))

	idx, err := s.TitleIndex("parent")
	require.NoError(t, err)
	// Source wins on status.
	assert.Equal(t, story.EventResolved, idx["共同事件"].Status)
	assert.Contains(t, idx, "子線獨有")
}

func TestDeleteForBranch(t *testing.T) {
	s := newTestStore(t)
	insertEvent(t, s, "doomed", "事件甲", "", nil)
	insertEvent(t, s, "kept", "事件乙", "", nil)

	require.NoError(t, s.DeleteForBranch("doomed"))

	gone, err := s.ForBranch("doomed")
	require.NoError(t, err)
	assert.Empty(t, gone)
	kept, err := s.ForBranch("kept")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestActiveForeshadowing(t *testing.T) {
	s := newTestStore(t)
	insertEvent(t, s, "main", "伏筆甲", story.EventPlanted, nil)
	insertEvent(t, s, "main", "已觸發", story.EventTriggered, nil)
	insertEvent(t, s, "main", "已解決", story.EventResolved, nil)

	planted, err := s.ActiveForeshadowing("main")
	require.NoError(t, err)
	require.Len(t, planted, 1)
	assert.Equal(t, "伏筆甲", planted[0].Title)
}

func TestSearchActiveOnly(t *testing.T) {
	s := newTestStore(t)
	insertEvent(t, s, "main", "血字預言", story.EventPlanted, nil)
	insertEvent(t, s, "main", "血字已解", story.EventResolved, nil)

	hits, err := s.Search("main", "血字", 5, true)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "血字預言", hits[0].Title)

	all, err := s.Search("main", "血字", 5, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestContextBlock(t *testing.T) {
	s := newTestStore(t)
	insertEvent(t, s, "main", "血字預言", story.EventPlanted, nil)

	block, err := s.ContextBlock("main", "血字", 3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(block, ContextBlockTitle))
	assert.Contains(t, block, "[planted] 血字預言")

	empty, err := s.ContextBlock("main", "毫無交集詞", 3)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
