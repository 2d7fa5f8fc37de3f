package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storyloom/storyloom/pkg/story"
)

// Story handlers.

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	stories, active, err := s.engine.Stories()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"stories":         stories,
		"active_story_id": active,
	})
}

func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
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
	info, err := s.engine.CreateStory(req.Name)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "story": info})
}

func (s *Server) handleSwitchStory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StoryID string `json:"story_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SwitchStory(req.StoryID); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRenameStory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.RenameStory(chi.URLParam(r, "id"), req.Name); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteStory(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteStory(chi.URLParam(r, "id")); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStorySchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.engine.Schema(chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, schema)
}

// Lore handlers.

func (s *Server) handleListLore(w http.ResponseWriter, r *http.Request) {
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	idx, err := s.engine.Lore(storyID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	if query := r.URL.Query().Get("q"); query != "" {
		k, _ := strconv.Atoi(r.URL.Query().Get("k"))
		if k <= 0 {
			k = 10
		}
		hits, err := idx.Search(query, k)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"results": hits})
		return
	}

	entries, err := idx.All()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleUpsertLore(w http.ResponseWriter, r *http.Request) {
	var entry story.LoreEntry
	if err := decodeBody(r, &entry); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if entry.Topic == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("topic cannot be empty"))
		return
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if err := s.engine.UpsertLore(storyID, entry); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteLore(w http.ResponseWriter, r *http.Request) {
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if err := s.engine.DeleteLore(storyID, chi.URLParam(r, "topic")); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// NPC handlers.

func (s *Server) handleListNPCs(w http.ResponseWriter, r *http.Request) {
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	branchID := r.URL.Query().Get("branch_id")
	if branchID == "" {
		branchID = story.MainBranchID
	}
	npcs, err := s.engine.LoadNPCs(storyID, branchID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"npcs": npcs})
}

func (s *Server) handleUpsertNPC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID string         `json:"branch_id"`
		NPC      map[string]any `json:"npc"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if name, _ := req.NPC["name"].(string); name == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("npc name cannot be empty"))
		return
	}
	if req.BranchID == "" {
		req.BranchID = story.MainBranchID
	}
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	npcs, err := s.engine.LoadNPCs(storyID, req.BranchID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	npcs = story.ApplyNPCPayload(npcs, req.NPC)
	if err := s.engine.SaveNPCs(storyID, req.BranchID, npcs); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "npcs": npcs})
}

// Event handlers.

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	branchID := r.URL.Query().Get("branch_id")
	if branchID == "" {
		branchID = story.MainBranchID
	}
	events, err := s.engine.Events(storyID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	list, err := events.ForBranch(branchID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": list})
}

func (s *Server) handleUpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid event id"))
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	switch req.Status {
	case story.EventPlanted, story.EventTriggered, story.EventResolved, story.EventAbandoned:
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid status: %q", req.Status))
		return
	}

	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	events, err := s.engine.Events(storyID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if err := events.UpdateStatus(id, req.Status); err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Usage handler.

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	storyID, err := s.activeStory(r)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	branchID := r.URL.Query().Get("branch_id")
	if branchID == "" {
		branchID = story.MainBranchID
	}
	log, err := s.engine.Usage(storyID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	prompt, completion, err := log.Totals(branchID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"branch_id":         branchID,
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      prompt + completion,
	})
}
