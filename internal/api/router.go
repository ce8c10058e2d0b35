package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/saaga0h/jeeves-presence/pkg/health"
)

// NewRouter builds the detection API. checker may be nil.
func NewRouter(svc Service, checker *health.Checker, maxUploadBytes int64, logger *slog.Logger) *mux.Router {
	h := &handler{
		svc:            svc,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}

	r := mux.NewRouter()

	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/detect", h.detect).Methods(http.MethodPost)
	r.HandleFunc("/toggle", h.toggle).Methods(http.MethodPost)
	r.HandleFunc("/reset", h.reset).Methods(http.MethodPost)
	r.HandleFunc("/episodes", h.episodes).Methods(http.MethodGet)

	if checker != nil {
		r.HandleFunc("/health", checker.HandlerFunc()).Methods(http.MethodGet)
		r.HandleFunc("/health/detailed", checker.DetailedHandlerFunc()).Methods(http.MethodGet)
	}

	return r
}

// NewHandler wraps the router with Apache-style access logging to out
func NewHandler(router *mux.Router, out io.Writer) http.Handler {
	return handlers.LoggingHandler(out, router)
}
