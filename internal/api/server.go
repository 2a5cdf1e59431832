// Package api exposes the operator surface: task submission and the
// human side of the approval loop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"orchestration-core/internal/approval"
	"orchestration-core/internal/bus"
	"orchestration-core/internal/models"
	"orchestration-core/internal/pipeline"
	"orchestration-core/internal/ratelimit"
	"orchestration-core/internal/telemetry"
)

// TaskStore is the persistence the API needs; nil keeps the server
// purely event-driven.
type TaskStore interface {
	CreateTask(ctx context.Context, task models.Task) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
}

// Server wires HTTP handlers for task intake and approval decisions.
type Server struct {
	queue   approval.Queue
	bus     *bus.Bus
	tasks   TaskStore
	limiter *ratelimit.TokenBucket
	log     *slog.Logger
	clock   func() time.Time
}

// New constructs the API server. tasks and limiter may be nil.
func New(queue approval.Queue, b *bus.Bus, tasks TaskStore, limiter *ratelimit.TokenBucket, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		queue:   queue,
		bus:     b,
		tasks:   tasks,
		limiter: limiter,
		log:     log,
		clock:   time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleSubmitTask)
	r.Get("/tasks/{id}", s.handleGetTask)

	r.Get("/approvals", s.handleListPending)
	r.Get("/approvals/expired", s.handleListExpired)
	r.Get("/approvals/{id}", s.handleGetApproval)
	r.Post("/approvals/{id}/decision", s.handleDecide)
	return r
}

type submitTaskRequest struct {
	Type        string         `json:"type"`
	Priority    int            `json:"priority"`
	Data        map[string]any `json:"data"`
	RequestedBy string         `json:"requested_by"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Priority < 0 || req.Priority > 3 {
		http.Error(w, "priority must be 0..3", http.StatusBadRequest)
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	now := s.clock()
	task := models.Task{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Priority:    req.Priority,
		Data:        req.Data,
		Status:      models.StatusPending,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    req.Metadata,
	}
	if s.tasks != nil {
		created, err := s.tasks.CreateTask(r.Context(), task)
		if err != nil {
			http.Error(w, "failed to persist task", http.StatusInternalServerError)
			return
		}
		task = created
	}

	if _, err := s.bus.Publish(r.Context(), pipeline.TopicTaskCreated, task); err != nil {
		http.Error(w, "failed to publish task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not configured", http.StatusNotImplemented)
		return
	}
	task, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	records, err := s.queue.ListPending(r.Context())
	if err != nil {
		http.Error(w, "failed to list approvals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": records})
}

func (s *Server) handleListExpired(w http.ResponseWriter, r *http.Request) {
	records, err := s.queue.ListExpired(r.Context(), s.clock())
	if err != nil {
		http.Error(w, "failed to list approvals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": records})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	rec, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			http.Error(w, "approval not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load approval", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type decideRequest struct {
	Decision      string         `json:"decision"`
	RespondedBy   string         `json:"responded_by"`
	Feedback      string         `json:"feedback"`
	Modifications map[string]any `json:"modifications"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	responder := responderFromRequest(r, req.RespondedBy)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), responder)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	decision := models.ApprovalDecision(req.Decision)
	rec, err := s.queue.Decide(r.Context(), id, decision, responder, req.Feedback, req.Modifications)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			http.Error(w, "approval not found", http.StatusNotFound)
		case errors.Is(err, approval.ErrAlreadyDecided):
			http.Error(w, "approval already decided", http.StatusConflict)
		case errors.Is(err, approval.ErrInvalidDecision):
			http.Error(w, "decision must be approved, rejected, or modified", http.StatusBadRequest)
		default:
			http.Error(w, "failed to record decision", http.StatusInternalServerError)
		}
		return
	}

	// Hand the verdict back to the pipeline so the gated task moves on.
	_, err = s.bus.Publish(r.Context(), pipeline.TopicApprovalDecided, pipeline.ApprovalDecidedEvent{
		ApprovalID: rec.ID,
		Decision:   string(rec.Decision),
		DecidedBy:  responder,
	})
	if err != nil {
		// The decision is recorded; failing the request now would invite
		// a conflicting retry. Log and report success.
		s.log.Error("publish approval decision failed", "approval_id", rec.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, rec)
}

func responderFromRequest(r *http.Request, fallback string) string {
	if v := r.Header.Get("X-Responder-ID"); v != "" {
		return v
	}
	if fallback != "" {
		return fallback
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
