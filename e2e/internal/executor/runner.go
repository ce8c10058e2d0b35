package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/saaga0h/jeeves-presence/e2e/internal/checker"
	"github.com/saaga0h/jeeves-presence/e2e/internal/observer"
	"github.com/saaga0h/jeeves-presence/e2e/internal/reporter"
	"github.com/saaga0h/jeeves-presence/e2e/internal/scenario"
	"github.com/saaga0h/jeeves-presence/pkg/mqtt"
	"github.com/saaga0h/jeeves-presence/pkg/redis"
)

// Runner orchestrates scenario execution against a running presence agent.
// Redis and Postgres are optional; their expectations fail when absent.
type Runner struct {
	mqtt            mqtt.Client
	redis           redis.Client
	postgresChecker *checker.PostgresChecker
	observer        *observer.Observer
	player          *MQTTPlayer
	logger          *slog.Logger

	// StartupDelay gives the agent time to subscribe before the first sample
	StartupDelay time.Duration
}

// NewRunner creates a runner on a connected MQTT client
func NewRunner(mqttClient mqtt.Client, redisClient redis.Client, pg *checker.PostgresChecker, logger *slog.Logger) *Runner {
	return &Runner{
		mqtt:            mqttClient,
		redis:           redisClient,
		postgresChecker: pg,
		observer:        observer.NewObserver(mqttClient, logger),
		player:          NewMQTTPlayer(mqttClient),
		logger:          logger,
		StartupDelay:    2 * time.Second,
	}
}

// step is either a sample to publish or an expectation to check
type step struct {
	timeMs      int
	sample      *scenario.SampleEvent
	expectation *scenario.Expectation
}

// Run executes a scenario
func (r *Runner) Run(ctx context.Context, s *scenario.Scenario) (*scenario.TestResult, []reporter.TimelineEvent, error) {
	r.logger.Info("Starting scenario", "name", s.Name, "location", s.Location)
	r.logger.Info("Scenario description", "description", s.Description)

	if err := r.observer.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start observer: %w", err)
	}

	select {
	case <-time.After(r.StartupDelay):
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	steps := make([]step, 0, len(s.Samples)+len(s.Expectations))
	for i := range s.Samples {
		steps = append(steps, step{timeMs: s.Samples[i].TimeMs, sample: &s.Samples[i]})
	}
	for i := range s.Expectations {
		steps = append(steps, step{timeMs: s.Expectations[i].TimeMs, expectation: &s.Expectations[i]})
	}
	// Samples before checks at the same instant
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].timeMs != steps[j].timeMs {
			return steps[i].timeMs < steps[j].timeMs
		}
		return steps[i].sample != nil && steps[j].sample == nil
	})

	startTime := time.Now()
	var timeline []reporter.TimelineEvent
	var results []scenario.ExpectationResult

	for _, st := range steps {
		if err := WaitUntil(ctx, startTime, st.timeMs); err != nil {
			return nil, nil, err
		}
		elapsed := GetElapsed(startTime)

		if st.sample != nil {
			if err := r.player.PublishSample(s.Location, *st.sample); err != nil {
				return nil, nil, fmt.Errorf("failed to publish sample: %w", err)
			}
			desc := fmt.Sprintf("detected=%v (%s)", st.sample.Detected, st.sample.Description)
			r.logger.Info("Published sample", "elapsed", elapsed, "sample", desc)
			timeline = append(timeline, reporter.TimelineEvent{
				Elapsed:     elapsed,
				Layer:       "sample",
				Description: desc,
			})
			continue
		}

		exp := *st.expectation
		result := r.check(ctx, s.Location, exp)
		results = append(results, result)

		if result.Passed {
			r.logger.Info("Expectation passed", "elapsed", elapsed, "layer", result.Layer)
		} else {
			r.logger.Warn("Expectation failed", "elapsed", elapsed, "layer", result.Layer, "reason", result.Reason)
		}

		timeline = append(timeline, reporter.TimelineEvent{
			Elapsed:     elapsed,
			Layer:       result.Layer,
			Description: describe(exp),
			Success:     result.Passed,
			IsCheck:     true,
		})
	}

	testResult := &scenario.TestResult{
		Scenario:     s,
		StartTime:    startTime,
		EndTime:      time.Now(),
		Expectations: results,
	}
	for _, res := range results {
		if res.Passed {
			testResult.PassedCount++
		} else {
			testResult.FailedCount++
		}
	}
	testResult.Passed = testResult.FailedCount == 0

	return testResult, timeline, nil
}

func (r *Runner) check(ctx context.Context, location string, exp scenario.Expectation) scenario.ExpectationResult {
	result := scenario.ExpectationResult{Layer: exp.Layer(), Expectation: exp}

	switch result.Layer {
	case scenario.LayerPostgres:
		if r.postgresChecker == nil {
			result.Reason = "postgres checker not configured"
			return result
		}
		actual, err := r.postgresChecker.CheckQuery(ctx, exp.PostgresQuery, location, exp.PostgresExpected)
		result.Actual = actual
		if err != nil {
			result.Reason = err.Error()
			return result
		}
		result.Passed = true

	case scenario.LayerRedis:
		if r.redis == nil {
			result.Reason = "redis not configured"
			return result
		}
		result.Passed, result.Reason, result.Actual = checker.CheckRedisExpectation(ctx, r.redis, location, exp)

	default:
		result.Passed, result.Reason, result.Actual = checker.CheckExpectation(exp, r.observer.GetAllMessages())
	}

	return result
}

func describe(exp scenario.Expectation) string {
	switch exp.Layer() {
	case scenario.LayerPostgres:
		return exp.PostgresQuery
	case scenario.LayerRedis:
		return fmt.Sprintf("%s = %s", exp.RedisField, exp.Expected)
	default:
		return exp.Topic
	}
}

// SaveCapture saves the MQTT capture to a file
func (r *Runner) SaveCapture(filename string) error {
	return r.observer.SaveCapture(filename)
}
