package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/jeeves-presence/internal/detector"
	"github.com/saaga0h/jeeves-presence/internal/occupancy"
)

type submitRecorder struct {
	mu         sync.Mutex
	samples    []occupancy.Sample
	thresholds []int
}

func (r *submitRecorder) submit(ctx context.Context, sample occupancy.Sample, missThreshold int) (occupancy.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
	r.thresholds = append(r.thresholds, missThreshold)
	return occupancy.State{}, nil
}

func (r *submitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func TestCameraProducer_SubmitsVerdictsAndSkipsMissingFrames(t *testing.T) {
	camera := &mockCamera{script: []cameraResult{
		{err: detector.ErrNoFrame},
		{detection: detector.Detection{Faces: 1}},
		{detection: detector.Detection{}},
	}}
	p := NewCameraProducer(camera, time.Millisecond, 3, testLogger())
	p.retryDelay = time.Millisecond

	rec := &submitRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, rec.submit) }()

	require.Eventually(t, func() bool { return rec.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.True(t, rec.samples[0].Detected, "missing frame produces no sample")
	assert.False(t, rec.samples[1].Detected)
	assert.Equal(t, occupancy.SourceCamera, rec.samples[0].Source)
	assert.True(t, rec.samples[0].Timestamp.IsZero(), "timestamps are assigned by the agent")
	assert.Equal(t, 3, rec.thresholds[0])
}

func TestCameraProducer_ReturnsCaptureFailure(t *testing.T) {
	camera := &mockCamera{script: []cameraResult{{err: errors.New("device gone")}}}
	p := NewCameraProducer(camera, time.Millisecond, 3, testLogger())

	rec := &submitRecorder{}
	err := p.Run(context.Background(), rec.submit)
	assert.Error(t, err)
	assert.Zero(t, rec.count())
}

func TestSimulator_DeterministicForSeed(t *testing.T) {
	a := NewSimulator(7, 0.3, time.Second, 0, testLogger())
	b := NewSimulator(7, 0.3, time.Second, 0, testLogger())

	for i := 0; i < 50; i++ {
		assert.Equal(t, a.Next(), b.Next(), "draw %d", i)
	}
}

func TestSimulator_ProbabilityBounds(t *testing.T) {
	never := NewSimulator(1, 0, time.Second, 0, testLogger())
	always := NewSimulator(1, 1, time.Second, 0, testLogger())

	for i := 0; i < 100; i++ {
		assert.False(t, never.Next())
		assert.True(t, always.Next())
	}
}

func TestSimulator_Run(t *testing.T) {
	s := NewSimulator(1, 1, time.Millisecond, 0, testLogger())

	rec := &submitRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, rec.submit) }()

	require.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, occupancy.SourceSimulation, rec.samples[0].Source)
	assert.True(t, rec.samples[0].Detected)
	assert.Equal(t, 0, rec.thresholds[0])
}
