// Package remote exposes the player transport over HTTP for debugging and
// scripted control.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/GoldenFealla/avplayer/internal/platform/metrics"
	"github.com/GoldenFealla/avplayer/internal/player"
)

// Controller is the part of *player.Player the HTTP surface drives.
type Controller interface {
	Open(ctx context.Context, path string) error
	Play() error
	Pause() error
	Stop() error
	Seek(target time.Duration) error
	SetVolume(v float32) error
	Stats() player.Stats
	UpdateGauges()
}

// Handler serves the control endpoints.
type Handler struct {
	ctrl    Controller
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler driving ctrl. Metrics may be nil, in which case
// /metrics is not mounted.
func NewHandler(ctrl Controller, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{ctrl: ctrl, log: log, metrics: m}
}

type openRequest struct {
	Path string `json:"path"`
}

type seekResponse struct {
	Clamped bool `json:"clamped"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Stats())
}

// Open handles POST /open. Body: { "path": "/videos/movie.mp4" }.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		h.log.Debug("invalid open body")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path is required"})
		return
	}

	if err := h.ctrl.Open(r.Context(), req.Path); err != nil {
		h.fail(w, "open", err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Stats())
}

// Play handles POST /play.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	h.transport(w, "play", h.ctrl.Play)
}

// Pause handles POST /pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transport(w, "pause", h.ctrl.Pause)
}

// Stop handles POST /stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.transport(w, "stop", h.ctrl.Stop)
}

// Seek handles POST /seek?t=<position>. The position is either a number of
// seconds ("12.5") or a Go duration ("1m30s"). The seek runs in the
// background; 202 is returned once it is scheduled.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	target, err := parsePosition(r.URL.Query().Get("t"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	err = h.ctrl.Seek(target)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, seekResponse{})
	case errors.Is(err, media.ErrSeekOutOfRange):
		writeJSON(w, http.StatusAccepted, seekResponse{Clamped: true})
	default:
		h.fail(w, "seek", err)
	}
}

// Volume handles POST /volume?v=<gain in [0,1]>.
func (h *Handler) Volume(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.ParseFloat(r.URL.Query().Get("v"), 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "v must be a number"})
		return
	}
	if err := h.ctrl.SetVolume(float32(v)); err != nil {
		h.fail(w, "volume", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Metrics serves the Prometheus registry after refreshing the gauges.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler(h.ctrl.UpdateGauges).ServeHTTP(w, r)
}

func (h *Handler) transport(w http.ResponseWriter, op string, fn func() error) {
	if err := fn(); err != nil {
		h.fail(w, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", slog.String("error", err.Error()))
	} else {
		h.log.Debug(op+" rejected", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, media.ErrInvalidVolume):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrUnreadableInput):
		return http.StatusNotFound
	case errors.Is(err, media.ErrUnsupportedContainer), errors.Is(err, media.ErrNoDecodableStreams):
		return http.StatusUnprocessableEntity
	case errors.Is(err, player.ErrNotOpen), errors.Is(err, player.ErrInvalidTransition), errors.Is(err, player.ErrFailed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func parsePosition(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("t is required")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.New("t must be seconds or a duration")
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
