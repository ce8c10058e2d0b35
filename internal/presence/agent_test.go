package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/jeeves-presence/internal/detector"
	"github.com/saaga0h/jeeves-presence/internal/occupancy"
	"github.com/saaga0h/jeeves-presence/pkg/config"
	"github.com/saaga0h/jeeves-presence/pkg/kafka"
	"github.com/saaga0h/jeeves-presence/pkg/mqtt"
	"github.com/saaga0h/jeeves-presence/pkg/redis"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Tick advances the clock by one millisecond per reading
func (c *testClock) Tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type testHarness struct {
	agent    *Agent
	clock    *testClock
	mqtt     *mockMQTT
	redis    *mockRedis
	episodes *mockEpisodes
	ledger   *mockLedger
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestAgent wires an agent to in-memory integrations. PowerWatts is 3600
// so one unoccupied second saves exactly 1 Wh.
func newTestAgent(t *testing.T, deps Dependencies) *testHarness {
	t.Helper()

	cfg := config.NewConfig()
	cfg.Location = "study"
	cfg.PowerWatts = 3600
	cfg.MinPersistIntervalMs = 0
	cfg.AutoStart = false

	h := &testHarness{
		clock:    &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		mqtt:     newMockMQTT(),
		redis:    newMockRedis(),
		episodes: &mockEpisodes{},
		ledger:   &mockLedger{},
	}

	deps.MQTT = h.mqtt
	deps.Storage = NewStorage(h.redis, cfg.FlickerHistorySize, testLogger())
	deps.Episodes = h.episodes
	deps.Ledger = h.ledger

	h.agent = NewAgent(cfg, deps, testLogger())
	h.agent.now = h.clock.Now
	return h
}

func (h *testHarness) submit(t *testing.T, detected bool, missThreshold int) occupancy.State {
	t.Helper()
	state, err := h.agent.Submit(context.Background(), occupancy.Sample{Detected: detected, Source: occupancy.SourceCamera}, missThreshold)
	require.NoError(t, err)
	return state
}

func decode(t *testing.T, p published) map[string]interface{} {
	t.Helper()
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(p.Payload, &msg))
	return msg
}

func TestAgent_TransitionsPublishOccupancyAndLightCommand(t *testing.T) {
	h := newTestAgent(t, Dependencies{})

	state := h.submit(t, true, 2)
	assert.True(t, state.Occupied)
	assert.True(t, state.Changed)

	// Two misses stay within the threshold
	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Second)
		state = h.submit(t, false, 2)
		assert.True(t, state.Occupied)
		assert.False(t, state.Changed)
	}

	h.clock.Advance(time.Second)
	state = h.submit(t, false, 2)
	assert.False(t, state.Occupied)
	assert.True(t, state.Changed)
	assert.InDelta(t, 1.0, state.EnergySaved, 1e-9, "only the vacating interval accrues")

	occupancyMsgs := h.mqtt.on(mqtt.OccupancyContextTopic("study"))
	require.Len(t, occupancyMsgs, 2)
	assert.True(t, occupancyMsgs[0].Retained)
	assert.Equal(t, "occupied", decode(t, occupancyMsgs[0])["state"])
	assert.Equal(t, "empty", decode(t, occupancyMsgs[1])["state"])
	assert.Equal(t, "presence-agent", decode(t, occupancyMsgs[1])["source"])

	commands := h.mqtt.on(mqtt.LightCommandTopic("study"))
	require.Len(t, commands, 2)
	assert.False(t, commands[0].Retained)
	on := decode(t, commands[0])
	assert.Equal(t, "on", on["action"])
	assert.Equal(t, float64(100), on["brightness"])
	off := decode(t, commands[1])
	assert.Equal(t, "off", off["action"])
	assert.Equal(t, float64(0), off["brightness"])

	start := h.clock.Now().Add(-3 * time.Second)
	assert.Equal(t, []episodeCall{
		{Start: true, Timestamp: start, Source: occupancy.SourceCamera},
		{Start: false, Timestamp: h.clock.Now()},
	}, h.episodes.calls)

	assert.Equal(t, []string{kafka.EventOccupied, kafka.EventVacated}, h.ledger.types())

	snapshot := h.redis.hashes[redis.PresenceStateKey("study")]
	assert.Equal(t, "false", snapshot["occupied"])
	assert.Equal(t, "1", snapshot["episode_count"])
	assert.Equal(t, "1", snapshot["energy_saved_wh"])
}

func TestAgent_EnergyPublishesAreRateLimited(t *testing.T) {
	h := newTestAgent(t, Dependencies{})
	h.agent.cfg.MinPersistIntervalMs = 60000

	for i := 0; i < 3; i++ {
		h.submit(t, false, 0)
		h.clock.Advance(time.Second)
	}

	energy := h.mqtt.on(mqtt.EnergyContextTopic("study"))
	require.Len(t, energy, 1)
	assert.True(t, energy[0].Retained)
	assert.Empty(t, h.mqtt.on(mqtt.OccupancyContextTopic("study")), "no transition while unoccupied")
}

func TestAgent_SubmitStampsMissingTimestamps(t *testing.T) {
	h := newTestAgent(t, Dependencies{})

	state := h.submit(t, true, 0)
	assert.Equal(t, h.clock.Now(), state.LastTransitionTime)

	// Explicit timestamps older than the last sample are rejected
	_, err := h.agent.Submit(context.Background(), occupancy.Sample{
		Detected:  false,
		Timestamp: h.clock.Now().Add(-time.Minute),
		Source:    occupancy.SourceMQTT,
	}, 0)
	assert.ErrorIs(t, err, occupancy.ErrInvalidTimestamp)
	assert.True(t, h.agent.Snapshot().Occupied)
}

func TestAgent_ConcurrentSubmitsAreStampedInOrder(t *testing.T) {
	h := newTestAgent(t, Dependencies{})
	h.agent.now = h.clock.Tick

	const producers, perProducer = 8, 200
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		rejections int
	)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(detected bool) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				_, err := h.agent.Submit(context.Background(), occupancy.Sample{Detected: detected, Source: occupancy.SourceCamera}, 3)
				if err != nil {
					mu.Lock()
					rejections++
					mu.Unlock()
				}
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Zero(t, rejections)
	assert.Equal(t, producers*perProducer, h.agent.Snapshot().SampleCount)
}

func TestAgent_DetectUpload(t *testing.T) {
	classifier := &mockClassifier{detection: detector.Detection{Faces: 1, UpperBodies: 2}}
	h := newTestAgent(t, Dependencies{Classifier: classifier})

	result, err := h.agent.DetectUpload(context.Background(), []byte("jpeg"))
	require.NoError(t, err)
	assert.True(t, result.HumanDetected)
	assert.Equal(t, 1, result.HumanCount)
	assert.Equal(t, 1, result.Faces)
	assert.Equal(t, 2, result.UpperBodies)

	// Uploads use no debounce, so one empty image vacates
	classifier.detection = detector.Detection{}
	h.clock.Advance(2 * time.Second)
	result, err = h.agent.DetectUpload(context.Background(), []byte("jpeg"))
	require.NoError(t, err)
	assert.False(t, result.HumanDetected)
	assert.Equal(t, 1, result.HumanCount)
	assert.InDelta(t, 2.0, result.EnergySaved, 1e-9)
}

func TestAgent_DetectUploadErrors(t *testing.T) {
	h := newTestAgent(t, Dependencies{})
	_, err := h.agent.DetectUpload(context.Background(), []byte("jpeg"))
	assert.ErrorIs(t, err, ErrNoClassifier)

	h = newTestAgent(t, Dependencies{Classifier: &mockClassifier{err: fmt.Errorf("decode: %w", detector.ErrDecode)}})
	_, err = h.agent.DetectUpload(context.Background(), []byte("not an image"))
	assert.ErrorIs(t, err, detector.ErrDecode)
	assert.Equal(t, 0, h.agent.Snapshot().SampleCount, "undecodable uploads are not samples")
}

func TestAgent_Toggle(t *testing.T) {
	producer := newMockProducer(occupancy.SourceSimulation, []bool{true}, nil)
	h := newTestAgent(t, Dependencies{Producer: producer})
	ctx := context.Background()

	outcome, err := h.agent.Toggle(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, ToggleStarted, outcome)

	<-producer.ran
	status := h.agent.Status()
	assert.True(t, status.DetectionRunning)
	assert.True(t, status.HumanDetected)
	assert.Equal(t, occupancy.SourceSimulation, status.Producer)
	assert.False(t, status.CameraAvailable)

	outcome, err = h.agent.Toggle(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, ToggleUnchanged, outcome)

	outcome, err = h.agent.Toggle(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, ToggleStopped, outcome)

	// Stopping leaves occupancy to the samples
	status = h.agent.Status()
	assert.False(t, status.DetectionRunning)
	assert.True(t, status.HumanDetected)

	outcome, err = h.agent.Toggle(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, ToggleUnchanged, outcome)
}

func TestAgent_ToggleStartDoesNotCreditPausedTime(t *testing.T) {
	producer := newMockProducer(occupancy.SourceSimulation, nil, nil)
	h := newTestAgent(t, Dependencies{Producer: producer})
	ctx := context.Background()

	h.submit(t, false, 0)
	h.clock.Advance(time.Hour)

	_, err := h.agent.Toggle(ctx, true)
	require.NoError(t, err)
	<-producer.ran

	h.clock.Advance(time.Second)
	state := h.submit(t, false, 0)
	assert.InDelta(t, 1.0, state.EnergySaved, 1e-9, "only the second after restart accrues")

	_, err = h.agent.Toggle(ctx, false)
	require.NoError(t, err)
}

func TestAgent_StopWhileOccupiedPublishesStaleContext(t *testing.T) {
	producer := newMockProducer(occupancy.SourceSimulation, []bool{true}, nil)
	h := newTestAgent(t, Dependencies{Producer: producer})
	ctx := context.Background()

	_, err := h.agent.Toggle(ctx, true)
	require.NoError(t, err)
	<-producer.ran

	_, err = h.agent.Toggle(ctx, false)
	require.NoError(t, err)

	msgs := h.mqtt.on(mqtt.OccupancyContextTopic("study"))
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Retained)
	stale := decode(t, msgs[1])
	assert.Equal(t, "occupied", stale["state"])
	assert.Equal(t, true, stale["stale"])
	assert.Equal(t, "detection_stopped", stale["reason"])
	assert.Len(t, h.mqtt.on(mqtt.LightCommandTopic("study")), 1, "no light command on stop")
	assert.True(t, h.agent.Snapshot().Occupied)
}

func TestAgent_StopWhileEmptyPublishesNothing(t *testing.T) {
	producer := newMockProducer(occupancy.SourceSimulation, []bool{false}, nil)
	h := newTestAgent(t, Dependencies{Producer: producer})
	ctx := context.Background()

	_, err := h.agent.Toggle(ctx, true)
	require.NoError(t, err)
	<-producer.ran

	_, err = h.agent.Toggle(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, h.mqtt.on(mqtt.OccupancyContextTopic("study")))
}

func TestAgent_ConcurrentFlipsAlternate(t *testing.T) {
	producer := newMockProducer(occupancy.SourceSimulation, nil, nil)
	h := newTestAgent(t, Dependencies{Producer: producer})

	outcomes := make(chan string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.agent.Flip(context.Background())
			assert.NoError(t, err)
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	var got []string
	for o := range outcomes {
		got = append(got, o)
	}
	assert.ElementsMatch(t, []string{ToggleStarted, ToggleStopped}, got)
	assert.False(t, h.agent.Status().DetectionRunning)
}

func TestAgent_ToggleWithoutProducer(t *testing.T) {
	h := newTestAgent(t, Dependencies{})
	_, err := h.agent.Toggle(context.Background(), true)
	assert.Error(t, err)
	assert.False(t, h.agent.Status().DetectionRunning)
}

func TestAgent_ProducerFailureSwitchesToFallback(t *testing.T) {
	camera := newMockProducer(occupancy.SourceCamera, nil, errors.New("device unplugged"))
	fallback := newMockProducer(occupancy.SourceSimulation, []bool{true}, nil)
	h := newTestAgent(t, Dependencies{Producer: camera, Fallback: fallback})

	_, err := h.agent.Toggle(context.Background(), true)
	require.NoError(t, err)

	<-fallback.ran
	status := h.agent.Status()
	assert.True(t, status.DetectionRunning)
	assert.Equal(t, occupancy.SourceSimulation, status.Producer)
	assert.True(t, status.HumanDetected)

	outcome, err := h.agent.Toggle(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, ToggleStopped, outcome)
}

func TestAgent_ProducerFailureWithoutFallbackStops(t *testing.T) {
	camera := newMockProducer(occupancy.SourceCamera, nil, errors.New("device unplugged"))
	h := newTestAgent(t, Dependencies{Producer: camera})

	_, err := h.agent.Toggle(context.Background(), true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !h.agent.Status().DetectionRunning
	}, time.Second, 10*time.Millisecond)
}

func TestAgent_Reset(t *testing.T) {
	h := newTestAgent(t, Dependencies{})

	h.submit(t, true, 0)
	h.clock.Advance(time.Second)
	h.submit(t, false, 0)
	h.clock.Advance(time.Second)
	h.submit(t, false, 0)

	before := h.agent.Status()
	require.Equal(t, 1, before.HumanCount)
	require.Greater(t, before.EnergySaved, 0.0)

	require.NoError(t, h.agent.Reset(context.Background()))

	after := h.agent.Status()
	assert.Equal(t, 0, after.HumanCount)
	assert.Equal(t, 0.0, after.EnergySaved)
	assert.Equal(t, 0.0, after.CO2SavedGrams)
	assert.False(t, after.HumanDetected)
	assert.Equal(t, 2, after.ConsecutiveMisses, "miss streak survives a reset")

	assert.Contains(t, h.ledger.types(), kafka.EventReset)
	snapshot := h.redis.hashes[redis.PresenceStateKey("study")]
	assert.Equal(t, "0", snapshot["episode_count"])
	assert.Equal(t, "0", snapshot["energy_saved_wh"])
}

func TestAgent_StartRestoresAndSubscribes(t *testing.T) {
	h := newTestAgent(t, Dependencies{})

	require.NoError(t, h.redis.HSetMany(context.Background(), redis.PresenceStateKey("study"), map[string]interface{}{
		"occupied":        "false",
		"episode_count":   "4",
		"energy_saved_wh": "12.5",
	}))
	require.NoError(t, h.agent.deps.Storage.AddSample(context.Background(), "study", occupancy.Sample{
		Detected:  true,
		Timestamp: h.clock.Now().Add(-time.Hour),
		Source:    occupancy.SourceCamera,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.agent.Start(ctx) }()

	require.Eventually(t, func() bool {
		return h.mqtt.IsConnected() && h.agent.Status().HumanCount == 4
	}, time.Second, 10*time.Millisecond)
	assert.InDelta(t, 12.5, h.agent.Status().EnergySaved, 1e-9)
	assert.Len(t, h.agent.history.Records(), 1)

	topic := mqtt.RawPresenceTopic("study")
	h.mqtt.deliver(topic, []byte(`{"detected": true}`))
	assert.Equal(t, 5, h.agent.Status().HumanCount)

	// Malformed and stale samples are dropped
	h.mqtt.deliver(topic, []byte(`not json`))
	h.mqtt.deliver(topic, []byte(`{"timestamp": "2025-03-01T12:00:00Z"}`))
	h.mqtt.deliver(topic, []byte(`{"detected": false, "timestamp": "2020-01-01T00:00:00Z"}`))
	assert.Equal(t, 1, h.agent.Snapshot().SampleCount)
	assert.True(t, h.agent.Snapshot().Occupied)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, h.agent.Stop())
	assert.False(t, h.mqtt.IsConnected())
	assert.True(t, h.ledger.closed)
}

func TestAgent_RecentEpisodes(t *testing.T) {
	h := newTestAgent(t, Dependencies{})
	h.episodes.episodes = []Episode{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	episodes, err := h.agent.RecentEpisodes(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, episodes, 2)

	h.agent.deps.Episodes = nil
	_, err = h.agent.RecentEpisodes(context.Background(), 2)
	assert.ErrorIs(t, err, ErrEpisodesDisabled)
}
