package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/saaga0h/jeeves-presence/internal/detector"
	"github.com/saaga0h/jeeves-presence/internal/occupancy"
)

// SubmitFunc feeds one sample to the shared tracker. A zero timestamp is
// filled in by the receiver.
type SubmitFunc func(ctx context.Context, sample occupancy.Sample, missThreshold int) (occupancy.State, error)

// Producer emits samples until ctx is cancelled. A non-nil error other than
// the context error means the producer can no longer run.
type Producer interface {
	Name() string
	Run(ctx context.Context, submit SubmitFunc) error
}

// CameraProducer polls a local camera
type CameraProducer struct {
	camera        detector.Camera
	interval      time.Duration
	retryDelay    time.Duration
	missThreshold int
	logger        *slog.Logger
}

// NewCameraProducer creates a producer polling camera every interval
func NewCameraProducer(camera detector.Camera, interval time.Duration, missThreshold int, logger *slog.Logger) *CameraProducer {
	return &CameraProducer{
		camera:        camera,
		interval:      interval,
		retryDelay:    100 * time.Millisecond,
		missThreshold: missThreshold,
		logger:        logger,
	}
}

// Name identifies the producer in logs and status
func (p *CameraProducer) Name() string { return occupancy.SourceCamera }

// Run captures and classifies frames until ctx is done
func (p *CameraProducer) Run(ctx context.Context, submit SubmitFunc) error {
	p.logger.Info("Camera producer started", "interval", p.interval, "miss_threshold", p.missThreshold)

	for {
		delay := p.interval

		d, err := p.camera.Capture()
		switch {
		case errors.Is(err, detector.ErrNoFrame):
			delay = p.retryDelay
		case err != nil:
			return fmt.Errorf("camera capture failed: %w", err)
		default:
			sample := occupancy.Sample{Detected: d.Detected(), Source: occupancy.SourceCamera}
			if _, err := submit(ctx, sample, p.missThreshold); err != nil {
				p.logger.Warn("Camera sample rejected", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Camera producer stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// Simulator emits random samples when no camera is available
type Simulator struct {
	rng           *rand.Rand
	probability   float64
	interval      time.Duration
	missThreshold int
	logger        *slog.Logger
}

// NewSimulator creates a simulator that reports a detection with the given
// probability every interval
func NewSimulator(seed int64, probability float64, interval time.Duration, missThreshold int, logger *slog.Logger) *Simulator {
	return &Simulator{
		rng:           rand.New(rand.NewSource(seed)),
		probability:   probability,
		interval:      interval,
		missThreshold: missThreshold,
		logger:        logger,
	}
}

// Name identifies the producer in logs and status
func (s *Simulator) Name() string { return occupancy.SourceSimulation }

// Next draws one simulated detection
func (s *Simulator) Next() bool {
	return s.rng.Float64() < s.probability
}

// Run emits one simulated sample per interval until ctx is done
func (s *Simulator) Run(ctx context.Context, submit SubmitFunc) error {
	s.logger.Info("Running in simulation mode", "interval", s.interval, "probability", s.probability)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		sample := occupancy.Sample{Detected: s.Next(), Source: occupancy.SourceSimulation}
		if _, err := submit(ctx, sample, s.missThreshold); err != nil {
			s.logger.Warn("Simulated sample rejected", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Simulation stopped")
			return nil
		case <-ticker.C:
		}
	}
}
