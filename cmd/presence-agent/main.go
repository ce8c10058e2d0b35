package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saaga0h/jeeves-presence/internal/api"
	"github.com/saaga0h/jeeves-presence/internal/detector/opencv"
	"github.com/saaga0h/jeeves-presence/internal/presence"
	"github.com/saaga0h/jeeves-presence/pkg/config"
	"github.com/saaga0h/jeeves-presence/pkg/health"
	"github.com/saaga0h/jeeves-presence/pkg/kafka"
	"github.com/saaga0h/jeeves-presence/pkg/mqtt"
	"github.com/saaga0h/jeeves-presence/pkg/postgres"
	"github.com/saaga0h/jeeves-presence/pkg/redis"
)

func main() {
	// Load configuration with hierarchy: defaults → file → env → flags
	cfg := config.NewConfig()
	cfg.ServiceName = "presence-agent"
	if path := os.Getenv("JEEVES_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.LoadFromEnv()
	cfg.LoadFromFlags()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logLevel := parseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting J.E.E.V.E.S. Presence Agent",
		"version", "1.0",
		"service_name", cfg.ServiceName,
		"location", cfg.Location,
		"mqtt_enabled", cfg.EnableMQTT,
		"redis_enabled", cfg.EnableRedis,
		"postgres_enabled", cfg.EnablePostgres,
		"kafka_enabled", cfg.EnableKafka,
		"log_level", cfg.LogLevel)

	// Set up context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	deps := presence.Dependencies{}

	var mqttClient mqtt.Client
	if cfg.EnableMQTT {
		mqttClient = mqtt.NewClient(cfg, logger)
		deps.MQTT = mqttClient
	}

	var redisClient redis.Client
	if cfg.EnableRedis {
		redisClient = redis.NewClient(cfg, logger)
		deps.Storage = presence.NewStorage(redisClient, cfg.FlickerHistorySize, logger)
	}

	var pgClient postgres.Client
	if cfg.EnablePostgres {
		pgClient = postgres.NewClient(cfg, logger)
		if err := pgClient.Connect(ctx); err != nil {
			logger.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		store := presence.NewEpisodeStore(pgClient)
		if err := store.Migrate(ctx); err != nil {
			logger.Error("Failed to migrate episode schema", "error", err)
			os.Exit(1)
		}
		deps.Episodes = store
	}

	if cfg.EnableKafka {
		deps.Ledger = kafka.NewWriter(cfg, logger)
	}

	// Uploads get every cascade; the live camera skips full body for speed
	uploadCascades, err := opencv.NewCascadeSet(cfg.CascadeDir, true, logger)
	if err != nil {
		logger.Warn("Image classifier unavailable, /detect disabled", "error", err)
	} else {
		defer uploadCascades.Close()
		deps.Classifier = uploadCascades
	}

	simulator := presence.NewSimulator(
		time.Now().UnixNano(),
		cfg.SimulationProbability,
		time.Duration(cfg.SimulationIntervalSec)*time.Second,
		cfg.SimulationMissThreshold,
		logger)
	deps.Producer = simulator

	if cfg.CameraEnabled {
		camera, err := openCamera(cfg, logger)
		if err != nil {
			logger.Warn("Camera unavailable, running in simulation mode", "error", err)
		} else {
			defer camera.Close()
			deps.Producer = presence.NewCameraProducer(
				camera,
				time.Duration(cfg.CameraIntervalMs)*time.Millisecond,
				cfg.CameraMissThreshold,
				logger)
			deps.Fallback = simulator
		}
	}

	// Create presence agent
	agent := presence.NewAgent(cfg, deps, logger)

	// Start health check and API servers
	healthChecker := health.NewChecker(mqttClient, redisClient, pgClient, logger)
	healthServer := startHealthServer(cfg.HealthPort, healthChecker, logger)

	router := api.NewRouter(agent, healthChecker, cfg.MaxUploadBytes, logger)
	apiServer := startServer("API", cfg.APIPort, api.NewHandler(router, os.Stdout), logger)

	// Start agent in a goroutine
	agentErr := make(chan error, 1)
	go func() {
		if err := agent.Start(ctx); err != nil {
			logger.Error("Agent error", "error", err)
			agentErr <- err
		}
	}()

	// Wait for shutdown signal or agent error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received (SIGTERM/SIGINT)")
	case err := <-agentErr:
		logger.Error("Agent failed", "error", err)
	}

	// Graceful shutdown
	logger.Info("Initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", "error", err)
	}

	if err := agent.Stop(); err != nil {
		logger.Error("Error stopping agent", "error", err)
	}

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down health server", "error", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Error closing Redis", "error", err)
		}
	}
	if pgClient != nil {
		if err := pgClient.Disconnect(); err != nil {
			logger.Error("Error closing Postgres", "error", err)
		}
	}

	logger.Info("Presence agent shutdown complete")
}

// openCamera loads the live cascades and opens the capture device
func openCamera(cfg *config.Config, logger *slog.Logger) (*opencv.Camera, error) {
	cascades, err := opencv.NewCascadeSet(cfg.CascadeDir, false, logger)
	if err != nil {
		return nil, err
	}
	camera, err := opencv.OpenCamera(cfg.CameraDevice, cascades, logger)
	if err != nil {
		cascades.Close()
		return nil, err
	}
	return camera, nil
}

func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HandlerFunc())
	mux.HandleFunc("/health/detailed", checker.DetailedHandlerFunc())

	return startServer("health check", port, mux, logger)
}

func startServer(name string, port int, handler http.Handler, logger *slog.Logger) *http.Server {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting "+name+" server", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "server", name, "error", err)
		}
	}()

	return server
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
