package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/saaga0h/jeeves-presence/internal/detector"
	"github.com/saaga0h/jeeves-presence/internal/presence"
)

const (
	defaultEpisodeLimit = 20
	maxEpisodeLimit     = 200
)

// Service is the part of the presence agent exposed over HTTP
type Service interface {
	Status() presence.Status
	DetectUpload(ctx context.Context, data []byte) (presence.UploadResult, error)
	Toggle(ctx context.Context, start bool) (string, error)
	Flip(ctx context.Context) (string, error)
	Reset(ctx context.Context) error
	RecentEpisodes(ctx context.Context, limit int) ([]presence.Episode, error)
}

type handler struct {
	svc            Service
	maxUploadBytes int64
	logger         *slog.Logger
}

type messageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *handler) detect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "No image provided")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "No image provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "No image provided")
		return
	}

	result, err := h.svc.DetectUpload(r.Context(), data)
	switch {
	case errors.Is(err, detector.ErrDecode):
		h.writeError(w, http.StatusBadRequest, "Could not decode image")
	case errors.Is(err, presence.ErrNoClassifier):
		h.writeError(w, http.StatusServiceUnavailable, "Image detection unavailable")
	case err != nil:
		h.logger.Error("Upload detection failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Detection failed")
	default:
		h.writeJSON(w, http.StatusOK, result)
	}
}

func (h *handler) toggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start *bool `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// No explicit target flips the current state
	var (
		outcome string
		err     error
		start   bool
	)
	if req.Start != nil {
		start = *req.Start
		outcome, err = h.svc.Toggle(r.Context(), start)
	} else {
		outcome, err = h.svc.Flip(r.Context())
		start = outcome == presence.ToggleStarted
	}
	if err != nil {
		h.logger.Warn("Toggle failed", "flip", req.Start == nil, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	message := "Detection started"
	switch {
	case outcome == presence.ToggleStopped:
		message = "Detection stopped"
	case outcome == presence.ToggleUnchanged && start:
		message = "Detection already running"
	case outcome == presence.ToggleUnchanged:
		message = "Detection already stopped"
	}

	h.writeJSON(w, http.StatusOK, messageResponse{Status: outcome, Message: message})
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reset(r.Context()); err != nil {
		h.logger.Error("Reset failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Reset failed")
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Status: "reset", Message: "Counters reset successfully"})
}

func (h *handler) episodes(w http.ResponseWriter, r *http.Request) {
	limit := defaultEpisodeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEpisodeLimit)
	}

	episodes, err := h.svc.RecentEpisodes(r.Context(), limit)
	switch {
	case errors.Is(err, presence.ErrEpisodesDisabled):
		h.writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error("Failed to list episodes", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list episodes")
	default:
		h.writeJSON(w, http.StatusOK, episodes)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, errorResponse{Error: message})
}
