package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/saaga0h/jeeves-presence/pkg/mqtt"
	"github.com/saaga0h/jeeves-presence/pkg/postgres"
	"github.com/saaga0h/jeeves-presence/pkg/redis"
)

// Dependency states reported by the detailed check
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateDisabled     = "disabled"
)

// Checker provides health check functionality for agents. Nil clients are
// integrations the agent runs without.
type Checker struct {
	mqtt     mqtt.Client
	redis    redis.Client
	postgres postgres.Client
	logger   *slog.Logger
}

// NewChecker creates a new health checker with the given dependencies
func NewChecker(mqttClient mqtt.Client, redisClient redis.Client, pgClient postgres.Client, logger *slog.Logger) *Checker {
	return &Checker{
		mqtt:     mqttClient,
		redis:    redisClient,
		postgres: pgClient,
		logger:   logger,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp string    `json:"timestamp"`
	Services  *Services `json:"services,omitempty"`
}

// Services represents the status of external dependencies
type Services struct {
	MQTT     string `json:"mqtt"`
	Redis    string `json:"redis"`
	Postgres string `json:"postgres"`
}

// HandlerFunc returns 200 if the process is alive without checking
// dependencies, keeping liveness probes fast
func (h *Checker) HandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		h.write(w, http.StatusOK, response)
	}
}

// DetailedHandlerFunc returns a handler that checks every enabled dependency
func (h *Checker) DetailedHandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		services := h.Check(ctx)

		status := "healthy"
		statusCode := http.StatusOK
		if services.MQTT == StateDisconnected || services.Redis == StateDisconnected || services.Postgres == StateDisconnected {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Services:  services,
		}
		h.write(w, statusCode, response)
	}
}

// Check reports the state of each integration
func (h *Checker) Check(ctx context.Context) *Services {
	services := &Services{
		MQTT:     StateDisabled,
		Redis:    StateDisabled,
		Postgres: StateDisabled,
	}

	if h.mqtt != nil {
		services.MQTT = stateOf(h.mqtt.IsConnected())
	}

	if h.redis != nil {
		err := h.redis.Ping(ctx)
		if err != nil {
			h.logger.Debug("Redis health ping failed", "error", err)
		}
		services.Redis = stateOf(err == nil)
	}

	if h.postgres != nil {
		status, err := h.postgres.HealthCheck(ctx)
		switch {
		case err != nil:
			h.logger.Debug("Postgres health check failed", "error", err)
		case status.Error != "":
			h.logger.Debug("Postgres health check failed", "error", status.Error)
		default:
			h.logger.Debug("Postgres health check", "latency", status.Latency)
		}
		services.Postgres = stateOf(err == nil && status.Connected)
	}

	return services
}

func (h *Checker) write(w http.ResponseWriter, statusCode int, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}

func stateOf(ok bool) string {
	if ok {
		return StateConnected
	}
	return StateDisconnected
}
