// Package api is the JSON admin surface: renderer views, assignments,
// schedules and streaming sessions.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"castkeeper/internal/catalog"
	"castkeeper/internal/core"
	"castkeeper/internal/dlna"
	"castkeeper/internal/mediaserver"
)

// Sessions is the slice of the media server the admin layer reads.
type Sessions interface {
	Sessions() []mediaserver.Session
}

// Videos is the slice of the catalog the admin layer reads.
type Videos interface {
	Videos() ([]catalog.VideoSnapshot, error)
}

type Handler struct {
	ctrl     *core.Controller
	sessions Sessions
	videos   Videos
	logger   *slog.Logger
}

func NewHandler(ctrl *core.Controller, sessions Sessions, videos Videos, logger *slog.Logger) *Handler {
	return &Handler{
		ctrl:     ctrl,
		sessions: sessions,
		videos:   videos,
		logger:   logger,
	}
}

// Routes wires the admin endpoints onto a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/renderers", h.listRenderers)
	mux.HandleFunc("GET /api/renderers/{id}", h.getRenderer)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/videos", h.listVideos)
	mux.HandleFunc("GET /api/stats", h.getStats)

	mux.HandleFunc("POST /api/assign", h.assign)
	mux.HandleFunc("POST /api/play", h.play)
	mux.HandleFunc("POST /api/pause", h.pause)
	mux.HandleFunc("POST /api/resume", h.resume)
	mux.HandleFunc("POST /api/stop", h.stop)
	mux.HandleFunc("POST /api/seek", h.seek)

	mux.HandleFunc("GET /api/schedules", h.listSchedules)
	mux.HandleFunc("POST /api/schedules", h.createSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", h.deleteSchedule)

	return mux
}

func (h *Handler) listRenderers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *Handler) getRenderer(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.Renderer(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Sessions())
}

func (h *Handler) listVideos(w http.ResponseWriter, _ *http.Request) {
	vids, err := h.videos.Videos()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vids)
}

func (h *Handler) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Stats())
}

type assignRequest struct {
	RendererID string `json:"renderer_id"`
	VideoID    string `json:"video_id"`
	Priority   int    `json:"priority"`
	Loop       bool   `json:"loop"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RendererID == "" || req.VideoID == "" {
		badRequest(w, "renderer_id and video_id are required")
		return
	}
	if err := h.ctrl.Assign(req.RendererID, req.VideoID, req.Priority, req.Loop); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

type playRequest struct {
	RendererID string `json:"renderer_id"`
	VideoID    string `json:"video_id"`
	Loop       bool   `json:"loop"`
}

func (h *Handler) play(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RendererID == "" || req.VideoID == "" {
		badRequest(w, "renderer_id and video_id are required")
		return
	}
	if err := h.ctrl.Play(req.RendererID, req.VideoID, req.Loop); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

type rendererRequest struct {
	RendererID string `json:"renderer_id"`
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	var req rendererRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ctrl.Pause(r.Context(), req.RendererID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	var req rendererRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ctrl.Resume(r.Context(), req.RendererID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "playing"})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	var req rendererRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ctrl.StopRenderer(r.Context(), req.RendererID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type seekRequest struct {
	RendererID      string `json:"renderer_id"`
	PositionSeconds int    `json:"position_seconds"`
}

func (h *Handler) seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PositionSeconds < 0 {
		badRequest(w, "position_seconds cannot be negative")
		return
	}
	pos := time.Duration(req.PositionSeconds) * time.Second
	if err := h.ctrl.SeekRenderer(r.Context(), req.RendererID, pos); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scheduleRequest struct {
	RendererID string `json:"renderer_id"`
	VideoID    string `json:"video_id"`
	Priority   int    `json:"priority"`
	Loop       bool   `json:"loop"`
	Spec       string `json:"spec,omitempty"` // cron spec, or
	At         string `json:"at,omitempty"`   // RFC 3339 one-shot time
}

func (h *Handler) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Schedules())
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RendererID == "" || req.VideoID == "" {
		badRequest(w, "renderer_id and video_id are required")
		return
	}

	var (
		id  int
		err error
	)
	switch {
	case req.Spec != "" && req.At != "":
		badRequest(w, "spec and at are mutually exclusive")
		return
	case req.Spec != "":
		id, err = h.ctrl.ScheduleCron(req.Spec, req.RendererID, req.VideoID, req.Priority, req.Loop)
	case req.At != "":
		var at time.Time
		at, err = time.Parse(time.RFC3339, req.At)
		if err != nil {
			badRequest(w, "at must be RFC 3339")
			return
		}
		id, err = h.ctrl.ScheduleAt(at, req.RendererID, req.VideoID, req.Priority, req.Loop)
	default:
		badRequest(w, "either spec or at is required")
		return
	}
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"id": id})
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		badRequest(w, "schedule id must be numeric")
		return
	}
	if !h.ctrl.CancelSchedule(id) {
		http.Error(w, "schedule not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeError maps control-plane errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var preempted *core.PreemptedError
	var refused *dlna.RendererRefusedError

	switch {
	case errors.As(err, &preempted):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":            err.Error(),
			"current_priority": preempted.CurrentPriority,
		})
	case errors.Is(err, core.ErrUnknownRenderer),
		errors.Is(err, catalog.ErrVideoNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dlna.ErrUnsupported):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &refused):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, dlna.ErrTransport):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, core.ErrShuttingDown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("admin request failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// headers are gone; nothing sensible left to do
		return
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}
