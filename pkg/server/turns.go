package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storyloom/storyloom/pkg/engine"
	"github.com/storyloom/storyloom/pkg/story"
)

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Init()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

type sendRequest struct {
	Message   string `json:"message"`
	BranchID  string `json:"branch_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (req *sendRequest) validate() error {
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("message cannot be empty")
	}
	if req.BranchID == "" {
		req.BranchID = story.MainBranchID
	}
	return nil
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	res, err := s.engine.SendTurn(r.Context(), engine.TurnInput{
		StoryID:   storyID,
		BranchID:  req.BranchID,
		UserText:  req.Message,
		SessionID: req.SessionID,
	})

	// Provider failures surface inline for interactive clients: the gm
	// payload carries the sentinel content with a 200.
	var gmErr *engine.GMError
	if err != nil && !errors.As(err, &gmErr) {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":     err == nil,
		"player": res.UserMsg,
		"gm":     res.GMMsg,
	})
}

func (s *Server) handleSendStream(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	err = s.engine.SendTurnStream(r.Context(), engine.TurnInput{
		StoryID:   storyID,
		BranchID:  req.BranchID,
		UserText:  req.Message,
		SessionID: req.SessionID,
	}, sse.Send)

	var gmErr *engine.GMError
	if err != nil && !errors.As(err, &gmErr) {
		sse.Send(engine.StreamEvent{Type: engine.EventError, Message: err.Error()})
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	q := r.URL.Query()
	branchID := q.Get("branch_id")
	if branchID == "" {
		branchID = story.MainBranchID
	}

	tree, err := s.engine.LoadTree(storyID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if _, ok := tree.Branches[branchID]; !ok {
		respondError(w, http.StatusNotFound, engine.ErrBranchNotFound)
		return
	}

	timeline, err := s.engine.FullTimeline(storyID, tree, branchID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	total := len(timeline)

	// Windowing: after_index wins, then tail, then offset/limit.
	offset := 0
	window := timeline
	switch {
	case q.Get("after_index") != "":
		after, _ := strconv.Atoi(q.Get("after_index"))
		for i, m := range timeline {
			if m.Index > after {
				window = timeline[i:]
				offset = i
				break
			}
			window = nil
			offset = total
		}
	case q.Get("tail") != "":
		n, _ := strconv.Atoi(q.Get("tail"))
		if n > 0 && n < total {
			offset = total - n
			window = timeline[offset:]
		}
	default:
		offset, _ = strconv.Atoi(q.Get("offset"))
		if offset > total {
			offset = total
		}
		window = timeline[offset:]
		if limitStr := q.Get("limit"); limitStr != "" {
			limit, _ := strconv.Atoi(limitStr)
			if limit > 0 && limit < len(window) {
				window = window[:limit]
			}
		}
	}

	base, err := s.engine.BaseConversation(storyID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	day, err := s.engine.Clock().Get(storyID, branchID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	resp := map[string]any{
		"messages":       window,
		"total":          total,
		"offset":         offset,
		"original_count": len(base),
		"fork_points":    s.engine.ForkPoints(tree, branchID),
		"sibling_groups": s.engine.SiblingGroups(tree, branchID),
		"branch_id":      branchID,
		"world_day":      day,
	}

	if strings.HasPrefix(branchID, "auto_") {
		var aps story.AutoPlayState
		if found, err := s.engine.LoadAutoPlayState(storyID, branchID); err == nil && found != nil {
			aps = *found
		}
		resp["auto_play_state"] = aps
		if snaps, err := s.engine.LoadAgentSnapshots(storyID, branchID); err == nil {
			resp["summary_count"] = len(snaps)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// Branch handlers.

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	branches, active, err := s.engine.Branches(storyID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"branches":         branches,
		"active_branch_id": active,
	})
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string `json:"name"`
		ParentBranchID   string `json:"parent_branch_id"`
		BranchPointIndex *int   `json:"branch_point_index"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.BranchPointIndex == nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("branch_point_index is required"))
		return
	}
	if req.ParentBranchID == "" {
		req.ParentBranchID = story.MainBranchID
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	b, err := s.engine.CreateBranch(storyID, engine.BranchSpec{
		Name:             req.Name,
		ParentID:         req.ParentBranchID,
		BranchPointIndex: *req.BranchPointIndex,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "branch": b})
}

func (s *Server) handleCreateBlankBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	b, err := s.engine.CreateBlankBranch(storyID, req.Name)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "branch": b})
}

func (s *Server) handleSwitchBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID string `json:"branch_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if err := s.engine.SwitchBranch(storyID, req.BranchID); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRenameBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("name cannot be empty"))
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if err := s.engine.RenameBranch(storyID, chi.URLParam(r, "id"), req.Name); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if err := s.engine.DeleteBranch(storyID, chi.URLParam(r, "id")); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type editRequest struct {
	ParentBranchID   string `json:"parent_branch_id"`
	BranchPointIndex *int   `json:"branch_point_index"`
	Message          string `json:"message"`
}

func (req *editRequest) validate() error {
	if req.BranchPointIndex == nil {
		return fmt.Errorf("branch_point_index is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("message cannot be empty")
	}
	if req.ParentBranchID == "" {
		req.ParentBranchID = story.MainBranchID
	}
	return nil
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	res, err := s.engine.Edit(r.Context(), storyID, req.ParentBranchID, *req.BranchPointIndex, req.Message)
	var gmErr *engine.GMError
	if err != nil && !errors.As(err, &gmErr) {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":     err == nil,
		"player": res.UserMsg,
		"gm":     res.GMMsg,
		"branch": res.Branch,
	})
}

func (s *Server) handleEditStream(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	_, err = s.engine.EditStream(r.Context(), storyID, req.ParentBranchID, *req.BranchPointIndex, req.Message, sse.Send)
	var gmErr *engine.GMError
	if err != nil && !errors.As(err, &gmErr) {
		sse.Send(engine.StreamEvent{Type: engine.EventError, Message: err.Error()})
	}
}

type regenerateRequest struct {
	ParentBranchID string `json:"parent_branch_id"`
	MessageIndex   *int   `json:"message_index"`
}

func (req *regenerateRequest) validate() error {
	if req.MessageIndex == nil {
		return fmt.Errorf("message_index is required")
	}
	if req.ParentBranchID == "" {
		req.ParentBranchID = story.MainBranchID
	}
	return nil
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	res, err := s.engine.Regenerate(r.Context(), storyID, req.ParentBranchID, *req.MessageIndex)
	var gmErr *engine.GMError
	if err != nil && !errors.As(err, &gmErr) {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":     err == nil,
		"player": res.UserMsg,
		"gm":     res.GMMsg,
		"branch": res.Branch,
	})
}

func (s *Server) handleRegenerateStream(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	_, err = s.engine.RegenerateStream(r.Context(), storyID, req.ParentBranchID, *req.MessageIndex, sse.Send)
	var gmErr *engine.GMError
	if err != nil && !errors.As(err, &gmErr) {
		sse.Send(engine.StreamEvent{Type: engine.EventError, Message: err.Error()})
	}
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID string `json:"branch_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if err := s.engine.Promote(storyID, req.BranchID); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID string `json:"branch_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if err := s.engine.Merge(storyID, req.BranchID); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}
