// Package api exposes the operational REST surface: the endpoints an
// external orchestrator or operator uses to inspect agents, submit tasks,
// and fetch results.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/crosswire/internal/mesh"
	"github.com/nidhogg/crosswire/internal/taskrouter"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	reg    *mesh.Registry
	router *mesh.Router
	tasks  *taskrouter.Router
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(reg *mesh.Registry, router *mesh.Router, tasks *taskrouter.Router, logger *zap.Logger) *Handler {
	return &Handler{
		reg:    reg,
		router: router,
		tasks:  tasks,
		logger: logger,
	}
}

// Router builds the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.unregisterAgent)
		r.Get("/loads", h.listLoads)
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}/result", h.getTaskResult)
		r.Post("/broadcast", h.sendBroadcast)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"node":         h.reg.SelfID(),
		"transport":    h.reg.Transport(),
		"known_agents": len(h.reg.List()),
		"queued_tasks": h.tasks.QueueLen(),
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.List())
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := h.reg.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.reg.Unregister(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered", "agent": id})
}

func (h *Handler) listLoads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tasks.Loads())
}

type submitTaskRequest struct {
	ID                   string         `json:"id,omitempty"`
	Type                 string         `json:"type"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Priority             string         `json:"priority,omitempty"`
	PinnedAgent          string         `json:"pinned_agent,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	TimeoutSeconds       float64        `json:"timeout_seconds,omitempty"`
	CorrelationID        string         `json:"correlation_id,omitempty"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	prio, err := taskrouter.ParsePriority(req.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	id, err := h.tasks.Submit(&taskrouter.Task{
		ID:                   req.ID,
		Type:                 req.Type,
		Parameters:           req.Parameters,
		Priority:             prio,
		PinnedAgent:          req.PinnedAgent,
		RequiredCapabilities: req.RequiredCapabilities,
		Timeout:              time.Duration(req.TimeoutSeconds * float64(time.Second)),
		CorrelationID:        req.CorrelationID,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (h *Handler) getTaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var wait time.Duration
	if ms := r.URL.Query().Get("wait_ms"); ms != "" {
		var parsed int64
		if err := json.Unmarshal([]byte(ms), &parsed); err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid wait_ms"})
			return
		}
		wait = time.Duration(parsed) * time.Millisecond
	}

	res, err := h.tasks.GetTaskResult(r.Context(), id, wait)
	if err != nil {
		if errors.Is(err, taskrouter.ErrResultNotAvailable) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "result not yet available"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type broadcastRequest struct {
	Type     string         `json:"type,omitempty"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority,omitempty"`
}

func (h *Handler) sendBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	msgType := mesh.MsgBroadcast
	if req.Type == string(mesh.MsgSystemNotification) {
		msgType = mesh.MsgSystemNotification
	}
	env := mesh.NewEnvelope(msgType, h.reg.SelfID())
	if req.Payload != nil {
		env.Payload = req.Payload
	}
	if req.Priority >= 1 && req.Priority <= 5 {
		env.Priority = req.Priority
	}

	if err := h.router.SendMessage(r.Context(), env); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": env.MessageID})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
