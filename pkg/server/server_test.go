package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/engine"
	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/state"
	"github.com/storyloom/storyloom/pkg/storage"
	"github.com/storyloom/storyloom/pkg/story"
)

func newTestServer(t *testing.T, provider llm.Provider) (*Server, *engine.Engine) {
	t.Helper()

	layout := storage.NewLayout(t.TempDir(), t.TempDir())
	eng := engine.New(context.Background(), engine.Options{
		Layout:     layout,
		Provider:   provider,
		ReviewMode: state.ReviewDeterministicOnly,
	})
	t.Cleanup(func() { eng.Close() })

	base := []story.Message{
		{Index: 0, Role: story.RoleUser, Content: "我睜開眼睛。"},
		{Index: 1, Role: story.RoleGM, Content: "你在主神空間醒來。",
			StateSnapshot: map[string]any{"current_status": "主神空間待命"}},
		{Index: 2, Role: story.RoleUser, Content: "我查看兌換清單。"},
		{Index: 3, Role: story.RoleGM, Content: "清單在你眼前展開。"},
	}
	require.NoError(t, storage.WriteJSONAtomic(layout.ParsedConversationPath("default"), base))
	require.NoError(t, os.MkdirAll(layout.DesignStoryDir("default"), 0o755))
	require.NoError(t, os.WriteFile(layout.SystemPromptPath("default"),
		[]byte("你是跑團 GM。{character_state}"), 0o644))
	require.NoError(t, eng.SaveTree("default", story.NewTimelineTree()))

	return New(eng, "127.0.0.1:0"), eng
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var parsed map[string]any
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	}
	return rec, parsed
}

func TestInitEndpoint(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider())

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/api/init", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default", body["active_story_id"])
	assert.Equal(t, story.MainBranchID, body["active_branch_id"])
	assert.Equal(t, float64(4), body["original_count"])
}

func TestSendEndpoint(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider("走廊盡頭傳來腳步聲。"))

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/api/send", map[string]any{
		"message": "我屏住呼吸。",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	gm := body["gm"].(map[string]any)
	assert.Equal(t, "走廊盡頭傳來腳步聲。", gm["content"])
	player := body["player"].(map[string]any)
	assert.Equal(t, float64(4), player["index"])
}

func TestSendValidation(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider())

	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/send", map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/api/send", map[string]any{
		"message": "你好", "branch_id": "ghost",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendProviderFailureInline(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.FailWith(assert.AnError)
	s, _ := newTestServer(t, mock)

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/api/send", map[string]any{
		"message": "我開門。",
	})
	// Provider failures come back 200 with the sentinel in the gm payload.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["ok"])
	gm := body["gm"].(map[string]any)
	assert.Contains(t, gm["content"], llm.ErrorMarker)
}

func TestSendStreamEndpoint(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider("你推開了門。"))

	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/send/stream", map[string]any{
		"message": "我推門。",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	payload := rec.Body.String()
	assert.Contains(t, payload, `"type":"dice"`)
	assert.Contains(t, payload, `"type":"text"`)
	assert.Contains(t, payload, `"type":"done"`)
}

func TestMessagesWindowing(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider())

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/api/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), body["total"])
	assert.Len(t, body["messages"], 4)

	_, body = doJSON(t, s.Handler(), http.MethodGet, "/api/messages?tail=2", nil)
	assert.Len(t, body["messages"], 2)
	assert.Equal(t, float64(2), body["offset"])

	_, body = doJSON(t, s.Handler(), http.MethodGet, "/api/messages?after_index=1", nil)
	assert.Len(t, body["messages"], 2)

	_, body = doJSON(t, s.Handler(), http.MethodGet, "/api/messages?offset=1&limit=2", nil)
	assert.Len(t, body["messages"], 2)
	assert.Equal(t, float64(1), body["offset"])

	rec, _ = doJSON(t, s.Handler(), http.MethodGet, "/api/messages?branch_id=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessagesAutoPlayExtras(t *testing.T) {
	s, eng := newTestServer(t, llm.NewMockProvider())

	_, err := eng.CreateBranch("default", engine.BranchSpec{
		ID: "auto_test1", Name: "自動分支", ParentID: story.MainBranchID, BranchPointIndex: 3,
	})
	require.NoError(t, err)
	require.NoError(t, eng.SaveAutoPlayState("default", "auto_test1", story.AutoPlayState{Turn: 9}))

	_, body := doJSON(t, s.Handler(), http.MethodGet, "/api/messages?branch_id=auto_test1", nil)
	aps, ok := body["auto_play_state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(9), aps["turn"])
	assert.Contains(t, body, "summary_count")
}

func TestBranchEndpoints(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider())
	h := s.Handler()

	bp := 1
	rec, body := doJSON(t, h, http.MethodPost, "/api/branches/", map[string]any{
		"name": "支線", "branch_point_index": bp,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	branch := body["branch"].(map[string]any)
	id := branch["id"].(string)
	require.NotEmpty(t, id)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/branches/", map[string]any{"name": "沒有座標"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body = doJSON(t, h, http.MethodGet, "/api/branches/", nil)
	assert.Equal(t, id, body["active_branch_id"])
	assert.Len(t, body["branches"], 2)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/branches/switch", map[string]any{"branch_id": story.MainBranchID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPatch, "/api/branches/"+id, map[string]any{"name": "新名字"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = doJSON(t, h, http.MethodPatch, "/api/branches/"+id, map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/branches/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, body = doJSON(t, h, http.MethodGet, "/api/branches/", nil)
	assert.Len(t, body["branches"], 1)
}

func TestEditEndpoint(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider("改寫後的時間線。"))

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/api/branches/edit", map[string]any{
		"branch_point_index": 1,
		"message":            "這次我選擇逃跑。",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	gm := body["gm"].(map[string]any)
	assert.Equal(t, "改寫後的時間線。", gm["content"])
	assert.NotNil(t, body["branch"])
}

func TestRegenerateEndpoint(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider("另一個版本的回應。"))

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/api/branches/regenerate", map[string]any{
		"message_index": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	gm := body["gm"].(map[string]any)
	assert.Equal(t, "另一個版本的回應。", gm["content"])

	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/api/branches/regenerate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoreEndpoints(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider())
	h := s.Handler()

	rec, _ := doJSON(t, h, http.MethodPost, "/api/lore/", map[string]any{
		"category": "世界觀", "topic": "主神空間", "content": "輪迴中樞",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/lore/", map[string]any{"category": "世界觀"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body := doJSON(t, h, http.MethodGet, "/api/lore/", nil)
	assert.Len(t, body["entries"], 1)

	_, body = doJSON(t, h, http.MethodGet, "/api/lore/?q=主神空間", nil)
	assert.NotEmpty(t, body["results"])

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/lore/主神空間", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, body = doJSON(t, h, http.MethodGet, "/api/lore/", nil)
	assert.Empty(t, body["entries"])
}

func TestNPCEndpoints(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider())
	h := s.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/npcs/", map[string]any{
		"npc": map[string]any{"name": "楚軒", "role": "智將"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["npcs"], 1)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/npcs/", map[string]any{
		"npc": map[string]any{"role": "無名氏"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body = doJSON(t, h, http.MethodGet, "/api/npcs/", nil)
	npcs := body["npcs"].([]any)
	require.Len(t, npcs, 1)
	assert.Equal(t, "楚軒", npcs[0].(map[string]any)["name"])
}

func TestEventEndpoints(t *testing.T) {
	s, eng := newTestServer(t, llm.NewMockProvider())
	h := s.Handler()

	events, err := eng.Events("default")
	require.NoError(t, err)
	id, err := events.Insert(story.Event{
		EventType: "foreshadow", Title: "血字預言", BranchID: story.MainBranchID,
	})
	require.NoError(t, err)

	_, body := doJSON(t, h, http.MethodGet, "/api/events/", nil)
	require.Len(t, body["events"], 1)

	path := "/api/events/" + strconv.FormatInt(id, 10)
	rec, _ := doJSON(t, h, http.MethodPatch, path, map[string]any{"status": "resolved"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPatch, path, map[string]any{"status": "vanished"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPatch, "/api/events/9999", map[string]any{"status": "resolved"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoryEndpoints(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider())
	h := s.Handler()

	_, _ = doJSON(t, h, http.MethodPost, "/api/init", map[string]any{})

	rec, body := doJSON(t, h, http.MethodPost, "/api/stories/", map[string]any{"name": "新故事"})
	require.Equal(t, http.StatusOK, rec.Code)
	info := body["story"].(map[string]any)
	newID := info["id"].(string)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/stories/", map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body = doJSON(t, h, http.MethodGet, "/api/stories/", nil)
	assert.Equal(t, newID, body["active_story_id"])
	assert.Len(t, body["stories"], 2)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/stories/switch", map[string]any{"story_id": "default"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/stories/"+newID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/stories/switch", map[string]any{"story_id": newID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageEndpoint(t *testing.T) {
	s, _ := newTestServer(t, llm.NewMockProvider("平穩的一回合。"))
	h := s.Handler()

	_, _ = doJSON(t, h, http.MethodPost, "/api/send", map[string]any{"message": "我觀察四周。"})

	rec, body := doJSON(t, h, http.MethodGet, "/api/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, story.MainBranchID, body["branch_id"])
	assert.Greater(t, body["total_tokens"].(float64), float64(0))
}
