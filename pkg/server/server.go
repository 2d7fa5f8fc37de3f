// Package server exposes the engine over JSON HTTP with SSE streaming for
// turn generation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/storyloom/storyloom/pkg/engine"
)

// Server hosts the HTTP API.
type Server struct {
	engine *engine.Engine
	router chi.Router
	http   *http.Server
}

// New builds a server around an engine.
func New(eng *engine.Engine, addr string) *Server {
	s := &Server{engine: eng}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/init", s.handleInit)
		r.Post("/send", s.handleSend)
		r.Post("/send/stream", s.handleSendStream)
		r.Get("/messages", s.handleMessages)

		r.Route("/branches", func(r chi.Router) {
			r.Get("/", s.handleListBranches)
			r.Post("/", s.handleCreateBranch)
			r.Post("/blank", s.handleCreateBlankBranch)
			r.Post("/switch", s.handleSwitchBranch)
			r.Patch("/{id}", s.handleRenameBranch)
			r.Delete("/{id}", s.handleDeleteBranch)
			r.Post("/edit", s.handleEdit)
			r.Post("/edit/stream", s.handleEditStream)
			r.Post("/regenerate", s.handleRegenerate)
			r.Post("/regenerate/stream", s.handleRegenerateStream)
			r.Post("/promote", s.handlePromote)
			r.Post("/merge", s.handleMerge)
		})

		r.Route("/stories", func(r chi.Router) {
			r.Get("/", s.handleListStories)
			r.Post("/", s.handleCreateStory)
			r.Post("/switch", s.handleSwitchStory)
			r.Patch("/{id}", s.handleRenameStory)
			r.Delete("/{id}", s.handleDeleteStory)
			r.Get("/{id}/schema", s.handleStorySchema)
		})

		r.Route("/lore", func(r chi.Router) {
			r.Get("/", s.handleListLore)
			r.Post("/", s.handleUpsertLore)
			r.Delete("/{topic}", s.handleDeleteLore)
		})

		r.Route("/npcs", func(r chi.Router) {
			r.Get("/", s.handleListNPCs)
			r.Post("/", s.handleUpsertNPC)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Patch("/{id}", s.handleUpdateEventStatus)
		})

		r.Get("/usage", s.handleUsage)
	})

	s.router = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route tree, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

// activeStory resolves the story a request targets: an explicit story_id
// query parameter, else the registry's active story.
func (s *Server) activeStory(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("story_id"); id != "" {
		return id, nil
	}
	_, active, err := s.engine.Stories()
	if err != nil {
		return "", err
	}
	if active == "" {
		return "default", nil
	}
	return active, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

// respondEngineError maps typed engine errors onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrBranchNotFound), errors.Is(err, engine.ErrStoryNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrBranchRetired):
		respondError(w, http.StatusBadRequest, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

// sseWriter streams JSON events over text/event-stream.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) Send(v engine.StreamEvent) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}
