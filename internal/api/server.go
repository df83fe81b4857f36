package api

import (
	"agentq/internal/domain"
	"agentq/internal/usecase"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Service is what the HTTP surface needs from the orchestrator.
type Service interface {
	Submit(ctx context.Context, prompt string, timeout time.Duration) (string, error)
	Task(id string) (domain.Task, bool)
	Tasks() []domain.Task
	Delete(id string) bool
	Cancel(id string) bool
}

type Info struct {
	Name    string
	Version string

	// CORS settings. No origins means any origin.
	AllowedOrigins   []string
	AllowCredentials bool
}

// maxTimeoutSeconds is the largest timeout a time.Duration can hold.
const maxTimeoutSeconds = float64(math.MaxInt64) / float64(time.Second)

type generateReq struct {
	Prompt         string   `json:"prompt"`
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`
}

type generateResp struct {
	TaskID string `json:"task_id"`
}

type statusResp struct {
	Status domain.TaskStatus `json:"status"`
	Logs   []string          `json:"logs"`
	Result domain.Result     `json:"result"`
	Error  *string           `json:"error"`
}

type listResp struct {
	Count int           `json:"count"`
	Tasks []domain.Task `json:"tasks"`
}

type errorResp struct {
	Detail string `json:"detail"`
}

type Server struct {
	router *chi.Mux
	svc    Service
	info   Info
}

func NewServer(svc Service, info Info) *Server {
	s := &Server{router: chi.NewRouter(), svc: svc, info: info}

	s.router.Get("/", s.handleRoot)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/generate", s.handleGenerate)
		r.Get("/status/{taskID}", s.handleStatus)
		r.Get("/tasks", s.handleList)
		r.Delete("/tasks/{taskID}", s.handleDelete)
		r.Post("/tasks/{taskID}/cancel", s.handleCancel)
	})
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return s
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/" }),
		realIPHandler,
		requestIDHandler,
		corsHandler(s.info.AllowedOrigins, s.info.AllowCredentials),
	)
}

// Run serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		log.Info().Msg("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		done <- httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}

	if err := <-done; err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    s.info.Name,
		"version": s.info.Version,
		"health":  "/api/health",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.info.Version,
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var timeout time.Duration
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds < 0 {
			writeError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
			return
		}
		if *req.TimeoutSeconds >= maxTimeoutSeconds {
			writeError(w, http.StatusBadRequest, "timeout_seconds is too large")
			return
		}
		timeout = time.Duration(*req.TimeoutSeconds * float64(time.Second))
	}

	id, err := s.svc.Submit(r.Context(), req.Prompt, timeout)
	switch {
	case errors.Is(err, usecase.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, "Prompt is required")
		return
	case errors.Is(err, usecase.ErrPublish):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, generateResp{TaskID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.svc.Task(chi.URLParam(r, "taskID"))
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResp{
		Status: t.Status,
		Logs:   t.Logs,
		Result: t.Result,
		Error:  t.Error,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks := s.svc.Tasks()
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, listResp{Count: len(tasks), Tasks: tasks})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if !s.svc.Delete(id) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Task %s deleted", id)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, ok := s.svc.Task(id); !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.svc.Cancel(id)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResp{Detail: strings.TrimSpace(detail)})
}
