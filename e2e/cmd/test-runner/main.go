package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/saaga0h/jeeves-presence/e2e/internal/checker"
	"github.com/saaga0h/jeeves-presence/e2e/internal/executor"
	"github.com/saaga0h/jeeves-presence/e2e/internal/reporter"
	"github.com/saaga0h/jeeves-presence/e2e/internal/scenario"
	"github.com/saaga0h/jeeves-presence/pkg/config"
	"github.com/saaga0h/jeeves-presence/pkg/mqtt"
	"github.com/saaga0h/jeeves-presence/pkg/postgres"
	"github.com/saaga0h/jeeves-presence/pkg/redis"
)

func main() {
	// Broker, Redis and Postgres settings share the agent's JEEVES_ env and flags
	cfg := config.NewConfig()
	cfg.ServiceName = "presence-test-runner"
	cfg.EnableMQTT = true
	cfg.LoadFromEnv()

	scenarioPath := pflag.String("scenario", "", "Path to YAML scenario file (required)")
	outputDir := pflag.String("output-dir", "./test-output", "Output directory for test artifacts")
	startupDelay := pflag.Duration("startup-delay", 2*time.Second, "Time to wait for the agent before the first sample")
	verbose := pflag.Bool("verbose", false, "Enable verbose logging")
	cfg.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	if *scenarioPath == "" {
		fmt.Fprintf(os.Stderr, "Error: --scenario is required\n")
		pflag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	scen, err := scenario.LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scenario: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, cfg, scen, *scenarioPath, *outputDir, *startupDelay, logger))
}

func run(ctx context.Context, cfg *config.Config, scen *scenario.Scenario, scenarioPath, outputDir string, startupDelay time.Duration, logger *slog.Logger) int {
	mqttClient := mqtt.NewClient(cfg, logger)
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	if err := mqttClient.Connect(connectCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to MQTT: %v\n", err)
		return 1
	}
	defer mqttClient.Disconnect()

	var redisClient redis.Client
	if cfg.EnableRedis {
		redisClient = redis.NewClient(cfg, logger)
		defer redisClient.Close()
	}

	var pgChecker *checker.PostgresChecker
	if cfg.EnablePostgres {
		pg := postgres.NewClient(cfg, logger)
		if err := pg.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to Postgres: %v\n", err)
			return 1
		}
		defer pg.Disconnect()
		pgChecker = checker.NewPostgresChecker(pg)
	}

	runner := executor.NewRunner(mqttClient, redisClient, pgChecker, logger)
	runner.StartupDelay = startupDelay

	result, timelineEvents, err := runner.Run(ctx, scen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Test execution failed: %v\n", err)
		return 1
	}

	scenarioName := strings.TrimSuffix(filepath.Base(scenarioPath), filepath.Ext(scenarioPath))

	timeline := reporter.GenerateTimeline(result, timelineEvents)
	fmt.Println(timeline)

	artifacts := []struct {
		kind string
		save func(path string) error
		path string
	}{
		{"timeline", func(p string) error { return reporter.SaveTimeline(timeline, p) }, filepath.Join(outputDir, "timelines", scenarioName+".txt")},
		{"capture", runner.SaveCapture, filepath.Join(outputDir, "captures", scenarioName+".json")},
		{"summary", func(p string) error { return reporter.SaveSummary(result, p) }, filepath.Join(outputDir, "summaries", scenarioName+".json")},
	}
	for _, a := range artifacts {
		if err := a.save(a.path); err != nil {
			logger.Warn("Failed to save artifact", "kind", a.kind, "error", err)
		} else {
			logger.Info("Artifact saved", "kind", a.kind, "path", a.path)
		}
	}

	if result.Passed {
		return 0
	}
	return 1
}
