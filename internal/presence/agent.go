package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-presence/internal/detector"
	"github.com/saaga0h/jeeves-presence/internal/occupancy"
	"github.com/saaga0h/jeeves-presence/pkg/config"
	"github.com/saaga0h/jeeves-presence/pkg/kafka"
	"github.com/saaga0h/jeeves-presence/pkg/mqtt"
)

// ErrNoClassifier is returned by DetectUpload when no classifier is loaded
var ErrNoClassifier = errors.New("no image classifier configured")

// Toggle outcomes
const (
	ToggleStarted   = "started"
	ToggleStopped   = "stopped"
	ToggleUnchanged = "unchanged"
)

// Dependencies are the optional collaborators of the agent. Nil members
// disable the corresponding feature.
type Dependencies struct {
	MQTT       mqtt.Client
	Storage    *Storage
	Episodes   EpisodeRecorder
	Ledger     kafka.Writer
	Classifier detector.Classifier

	// Producer is the background sample source started by Toggle
	Producer Producer
	// Fallback replaces Producer if it fails (camera lost -> simulation)
	Fallback Producer
}

// Status is the externally visible detection status
type Status struct {
	HumanDetected     bool                    `json:"human_detected"`
	HumanCount        int                     `json:"human_count"`
	EnergySaved       float64                 `json:"energy_saved"`
	CO2SavedGrams     float64                 `json:"co2_saved_grams"`
	DetectionRunning  bool                    `json:"detection_running"`
	CameraAvailable   bool                    `json:"camera_available"`
	Producer          string                  `json:"producer,omitempty"`
	ConsecutiveMisses int                     `json:"consecutive_misses"`
	SampleCount       int                     `json:"sample_count"`
	LastStateChange   *time.Time              `json:"last_state_change,omitempty"`
	Flicker           occupancy.FlickerResult `json:"flicker"`
}

// UploadResult is the outcome of classifying one uploaded image
type UploadResult struct {
	HumanDetected bool    `json:"human_detected"`
	Faces         int     `json:"faces"`
	UpperBodies   int     `json:"upper_bodies"`
	FullBodies    int     `json:"full_bodies"`
	HumanCount    int     `json:"human_count"`
	EnergySaved   float64 `json:"energy_saved"`
}

// Agent owns the occupancy tracker for one location and fans its
// transitions out to MQTT, Redis, Postgres and Kafka
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Dependencies

	tracker     *occupancy.Tracker
	history     *occupancy.SampleHistory
	rateLimiter *RateLimiter
	now         func() time.Time

	// submitMu keeps side effects in the same order as tracker updates
	submitMu sync.Mutex

	// toggleMu serializes start/stop decisions
	toggleMu sync.Mutex

	runMu        sync.Mutex
	running      bool
	producer     Producer
	cancelRun    context.CancelFunc
	runDone      chan struct{}
	usedFallback bool
}

// NewAgent creates a new presence agent
func NewAgent(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:         cfg,
		logger:      logger,
		deps:        deps,
		tracker:     occupancy.NewTracker(),
		history:     occupancy.NewSampleHistory(cfg.FlickerHistorySize),
		rateLimiter: NewRateLimiter(),
		now:         time.Now,
		producer:    deps.Producer,
	}
}

// Start connects the enabled integrations, restores persisted counters and
// blocks until ctx is cancelled
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting presence agent",
		"service_name", a.cfg.ServiceName,
		"location", a.cfg.Location,
		"power_watts", a.cfg.PowerWatts,
		"camera_miss_threshold", a.cfg.CameraMissThreshold)

	if a.deps.MQTT != nil {
		if err := a.deps.MQTT.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to MQTT: %w", err)
		}

		topic := mqtt.RawPresenceTopic(a.cfg.Location)
		if err := a.deps.MQTT.Subscribe(topic, 0, a.handleRawPresence); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	if a.deps.Storage != nil {
		a.restore(ctx)
	}

	if a.cfg.AutoStart {
		if _, err := a.Toggle(ctx, true); err != nil {
			return fmt.Errorf("failed to start detection: %w", err)
		}
	}

	a.logger.Info("Presence agent started and ready")

	// Block until context is cancelled
	<-ctx.Done()
	a.logger.Info("Presence agent stopping")

	return nil
}

// Stop halts detection and releases integrations
func (a *Agent) Stop() error {
	a.logger.Info("Stopping presence agent")

	a.stopProducer()

	// Final snapshot so a restart resumes from here
	if a.deps.Storage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.deps.Storage.SaveSnapshot(ctx, a.cfg.Location, a.tracker.Snapshot()); err != nil {
			a.logger.Error("Failed to save final snapshot", "error", err)
		}
		cancel()
	}

	if a.deps.MQTT != nil {
		a.deps.MQTT.Disconnect()
	}

	var errs []error
	if a.deps.Ledger != nil {
		if err := a.deps.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ledger: %w", err))
		}
	}

	a.logger.Info("Presence agent stopped")
	return errors.Join(errs...)
}

func (a *Agent) restore(ctx context.Context) {
	state, found, err := a.deps.Storage.LoadSnapshot(ctx, a.cfg.Location)
	if err != nil {
		a.logger.Warn("Failed to load persisted snapshot", "error", err)
		return
	}
	if found {
		a.tracker.Restore(state)
		a.logger.Info("Restored presence counters",
			"episode_count", state.EpisodeCount,
			"energy_saved_wh", state.EnergySaved,
			"occupied", state.Occupied)
	}

	samples, err := a.deps.Storage.GetSamples(ctx, a.cfg.Location)
	if err != nil {
		a.logger.Warn("Failed to load persisted samples", "error", err)
		return
	}
	for _, rec := range samples {
		a.history.Add(occupancy.Sample{Detected: rec.Detected, Timestamp: rec.Timestamp, Source: rec.Source})
	}
}

// Submit feeds a sample to the tracker and publishes the consequences.
// Samples without a timestamp are stamped here, under the lock, so locally
// produced samples always reach the tracker in time order.
func (a *Agent) Submit(ctx context.Context, sample occupancy.Sample, missThreshold int) (occupancy.State, error) {
	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	if sample.Timestamp.IsZero() {
		sample.Timestamp = a.now()
	}

	state, err := a.tracker.Process(sample, missThreshold, a.cfg.PowerWatts)
	if err != nil {
		return state, err
	}
	a.history.Add(sample)

	if a.deps.Storage != nil {
		if err := a.deps.Storage.AddSample(ctx, a.cfg.Location, sample); err != nil {
			a.logger.Debug("Failed to persist sample", "error", err)
		}
	}

	if state.Changed {
		a.handleTransition(ctx, sample, state)
		return state, nil
	}

	if a.rateLimiter.Allow(a.cfg.Location, a.cfg.MinPersistIntervalMs) {
		a.persist(ctx, state)
		a.publishEnergy(state)
	}

	return state, nil
}

func (a *Agent) handleTransition(ctx context.Context, sample occupancy.Sample, state occupancy.State) {
	location := a.cfg.Location

	if state.Occupied {
		a.logger.Info("Human detected",
			"location", location,
			"source", sample.Source,
			"human_count", state.EpisodeCount)
	} else {
		a.logger.Info("Human no longer detected",
			"location", location,
			"source", sample.Source,
			"energy_saved_wh", state.EnergySaved)
	}

	if err := a.publishOccupancy(state); err != nil {
		a.logger.Error("Failed to publish occupancy", "location", location, "error", err)
	}

	if a.deps.Episodes != nil {
		if state.Occupied {
			if _, err := a.deps.Episodes.StartEpisode(ctx, location, sample.Timestamp, sample.Source, state.EnergySaved); err != nil {
				a.logger.Error("Failed to record episode start", "location", location, "error", err)
			}
		} else if err := a.deps.Episodes.EndEpisode(ctx, location, sample.Timestamp); err != nil {
			a.logger.Error("Failed to record episode end", "location", location, "error", err)
		}
	}

	eventType := kafka.EventVacated
	if state.Occupied {
		eventType = kafka.EventOccupied
	}
	a.writeLedger(ctx, eventType, state, sample.Timestamp)

	a.rateLimiter.Record(location)
	a.persist(ctx, state)
}

func (a *Agent) persist(ctx context.Context, state occupancy.State) {
	if a.deps.Storage == nil {
		return
	}
	if err := a.deps.Storage.SaveSnapshot(ctx, a.cfg.Location, state); err != nil {
		a.logger.Error("Failed to persist snapshot", "location", a.cfg.Location, "error", err)
	}
}

func (a *Agent) writeLedger(ctx context.Context, eventType string, state occupancy.State, ts time.Time) {
	if a.deps.Ledger == nil {
		return
	}
	event := kafka.LedgerEvent{
		ID:           uuid.New().String(),
		Location:     a.cfg.Location,
		Type:         eventType,
		Occupied:     state.Occupied,
		EpisodeCount: state.EpisodeCount,
		EnergySaved:  state.EnergySaved,
		Timestamp:    ts,
	}
	if err := a.deps.Ledger.Write(ctx, event); err != nil {
		a.logger.Error("Failed to write ledger event", "type", eventType, "error", err)
	}
}

// publishOccupancy publishes occupancy context and the matching light command
func (a *Agent) publishOccupancy(state occupancy.State) error {
	if a.deps.MQTT == nil {
		return nil
	}

	timestamp := a.now().Format(time.RFC3339)
	location := a.cfg.Location

	occupancyState := "empty"
	action := "off"
	brightness := 0
	reason := "presence_lost"
	if state.Occupied {
		occupancyState = "occupied"
		action = "on"
		brightness = 100
		reason = "presence_detected"
	}

	contextMsg := map[string]interface{}{
		"source":        a.cfg.ServiceName,
		"type":          "occupancy",
		"location":      location,
		"state":         occupancyState,
		"confidence":    1.0,
		"episode_count": state.EpisodeCount,
		"timestamp":     timestamp,
	}
	if err := a.publishJSON(mqtt.OccupancyContextTopic(location), true, contextMsg); err != nil {
		return err
	}

	commandMsg := map[string]interface{}{
		"action":     action,
		"brightness": brightness,
		"reason":     reason,
		"confidence": 1.0,
		"timestamp":  timestamp,
	}
	return a.publishJSON(mqtt.LightCommandTopic(location), false, commandMsg)
}

// markStale flags a retained "occupied" context as unmonitored once the
// producer stops. Occupancy itself only changes through samples.
func (a *Agent) markStale() {
	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	state := a.tracker.Snapshot()
	if !state.Occupied {
		return
	}
	a.logger.Warn("Detection stopped while occupied, occupancy frozen until the next sample",
		"location", a.cfg.Location)

	if a.deps.MQTT == nil {
		return
	}
	msg := map[string]interface{}{
		"source":        a.cfg.ServiceName,
		"type":          "occupancy",
		"location":      a.cfg.Location,
		"state":         "occupied",
		"stale":         true,
		"reason":        "detection_stopped",
		"confidence":    0.0,
		"episode_count": state.EpisodeCount,
		"timestamp":     a.now().Format(time.RFC3339),
	}
	if err := a.publishJSON(mqtt.OccupancyContextTopic(a.cfg.Location), true, msg); err != nil {
		a.logger.Error("Failed to publish stale occupancy", "location", a.cfg.Location, "error", err)
	}
}

func (a *Agent) publishEnergy(state occupancy.State) {
	if a.deps.MQTT == nil {
		return
	}
	msg := map[string]interface{}{
		"source":          a.cfg.ServiceName,
		"type":            "energy",
		"location":        a.cfg.Location,
		"energy_saved_wh": roundTo(state.EnergySaved, 3),
		"co2_saved_grams": roundTo(occupancy.CO2Saved(state.EnergySaved), 3),
		"power_watts":     a.cfg.PowerWatts,
		"timestamp":       a.now().Format(time.RFC3339),
	}
	if err := a.publishJSON(mqtt.EnergyContextTopic(a.cfg.Location), true, msg); err != nil {
		a.logger.Warn("Failed to publish energy context", "error", err)
	}
}

func (a *Agent) publishJSON(topic string, retained bool, msg map[string]interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}
	if err := a.deps.MQTT.Publish(topic, 0, retained, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// handleRawPresence accepts samples from remote detectors on MQTT
func (a *Agent) handleRawPresence(msg mqtt.Message) {
	topic := msg.Topic()

	var raw struct {
		Detected  *bool  `json:"detected"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil || raw.Detected == nil {
		a.logger.Warn("Invalid presence sample", "topic", topic, "error", err)
		return
	}

	// Without a timestamp the sample is stamped on arrival
	var ts time.Time
	if raw.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			a.logger.Warn("Invalid presence sample timestamp", "topic", topic, "timestamp", raw.Timestamp)
			return
		}
		ts = parsed
	}

	sample := occupancy.Sample{Detected: *raw.Detected, Timestamp: ts, Source: occupancy.SourceMQTT}
	if _, err := a.Submit(context.Background(), sample, a.cfg.UploadMissThreshold); err != nil {
		a.logger.Warn("Presence sample rejected", "topic", topic, "error", err)
	}
}

// DetectUpload classifies an uploaded image and feeds the verdict to the tracker
func (a *Agent) DetectUpload(ctx context.Context, data []byte) (UploadResult, error) {
	if a.deps.Classifier == nil {
		return UploadResult{}, ErrNoClassifier
	}

	d, err := a.deps.Classifier.ClassifyImage(data)
	if err != nil {
		return UploadResult{}, err
	}

	sample := occupancy.Sample{Detected: d.Detected(), Source: occupancy.SourceUpload}
	state, err := a.Submit(ctx, sample, a.cfg.UploadMissThreshold)
	if err != nil {
		return UploadResult{}, err
	}

	a.logger.Debug("Upload classified",
		"faces", d.Faces,
		"upper_bodies", d.UpperBodies,
		"full_bodies", d.FullBodies,
		"occupied", state.Occupied)

	return UploadResult{
		HumanDetected: state.Occupied,
		Faces:         d.Faces,
		UpperBodies:   d.UpperBodies,
		FullBodies:    d.FullBodies,
		HumanCount:    state.EpisodeCount,
		EnergySaved:   roundTo(state.EnergySaved, 3),
	}, nil
}

// Toggle starts or stops the background producer
func (a *Agent) Toggle(ctx context.Context, start bool) (string, error) {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()
	return a.toggle(ctx, start)
}

// Flip inverts the running state in one step, so concurrent callers cannot
// both decide to start
func (a *Agent) Flip(ctx context.Context) (string, error) {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()

	a.runMu.Lock()
	running := a.running
	a.runMu.Unlock()

	return a.toggle(ctx, !running)
}

func (a *Agent) toggle(ctx context.Context, start bool) (string, error) {
	if !start {
		if !a.stopProducer() {
			return ToggleUnchanged, nil
		}
		a.logger.Info("Detection stopped")
		a.markStale()
		return ToggleStopped, nil
	}

	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.running {
		return ToggleUnchanged, nil
	}
	if a.producer == nil {
		return "", errors.New("no sample producer configured")
	}

	// Paused time is not credited as savings
	a.submitMu.Lock()
	if err := a.tracker.Rebase(a.now()); err != nil {
		a.logger.Warn("Failed to rebase tracker", "error", err)
	}
	a.submitMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelRun = cancel
	a.runDone = make(chan struct{})
	a.running = true

	go a.runProducer(runCtx, a.producer, a.runDone)

	a.logger.Info("Detection started", "producer", a.producer.Name())
	return ToggleStarted, nil
}

func (a *Agent) runProducer(ctx context.Context, p Producer, done chan struct{}) {
	defer close(done)

	err := p.Run(ctx, a.Submit)
	if err == nil || ctx.Err() != nil {
		return
	}

	a.logger.Error("Sample producer failed", "producer", p.Name(), "error", err)

	a.runMu.Lock()
	fallback := a.deps.Fallback
	if fallback == nil || a.usedFallback {
		a.running = false
		a.runMu.Unlock()
		return
	}
	a.usedFallback = true
	a.producer = fallback
	a.runMu.Unlock()

	a.logger.Warn("Switching to fallback producer", "producer", fallback.Name())
	if err := fallback.Run(ctx, a.Submit); err != nil && ctx.Err() == nil {
		a.logger.Error("Fallback producer failed", "producer", fallback.Name(), "error", err)
		a.runMu.Lock()
		a.running = false
		a.runMu.Unlock()
	}
}

// stopProducer cancels the background producer and waits for it to exit.
// It reports whether detection was running.
func (a *Agent) stopProducer() bool {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return false
	}
	cancel, done := a.cancelRun, a.runDone
	a.running = false
	a.runMu.Unlock()

	cancel()
	<-done
	return true
}

// Reset zeroes the episode and energy counters
func (a *Agent) Reset(ctx context.Context) error {
	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	a.tracker.Reset()
	state := a.tracker.Snapshot()

	a.logger.Info("Counters reset", "location", a.cfg.Location, "occupied", state.Occupied)

	a.persist(ctx, state)
	a.writeLedger(ctx, kafka.EventReset, state, a.now())
	a.publishEnergy(state)
	return nil
}

// Status reports the current detection status
func (a *Agent) Status() Status {
	state := a.tracker.Snapshot()

	a.runMu.Lock()
	running := a.running
	producer := ""
	if a.producer != nil {
		producer = a.producer.Name()
	}
	a.runMu.Unlock()

	status := Status{
		HumanDetected:     state.Occupied,
		HumanCount:        state.EpisodeCount,
		EnergySaved:       roundTo(state.EnergySaved, 3),
		CO2SavedGrams:     roundTo(occupancy.CO2Saved(state.EnergySaved), 3),
		DetectionRunning:  running,
		CameraAvailable:   producer == occupancy.SourceCamera,
		Producer:          producer,
		ConsecutiveMisses: state.ConsecutiveMisses,
		SampleCount:       state.SampleCount,
		Flicker:           a.history.Flicker(),
	}
	if !state.LastStateChange.IsZero() {
		changed := state.LastStateChange
		status.LastStateChange = &changed
	}
	return status
}

// Snapshot returns the raw tracker state
func (a *Agent) Snapshot() occupancy.State {
	return a.tracker.Snapshot()
}

// RecentEpisodes lists recorded episodes for the agent's location
func (a *Agent) RecentEpisodes(ctx context.Context, limit int) ([]Episode, error) {
	if a.deps.Episodes == nil {
		return nil, ErrEpisodesDisabled
	}
	return a.deps.Episodes.RecentEpisodes(ctx, a.cfg.Location, limit)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
