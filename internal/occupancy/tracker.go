package occupancy

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTimestamp is returned when a sample is older than the last one
// processed, or carries no usable timestamp at all.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// Sample sources
const (
	SourceCamera     = "camera"
	SourceUpload     = "upload"
	SourceSimulation = "simulation"
	SourceMQTT       = "mqtt"
)

// co2GramsPerWh is 0.5 kg CO2 per kWh
const co2GramsPerWh = 0.5

// Sample is a single classifier verdict
type Sample struct {
	Detected  bool
	Timestamp time.Time
	Source    string
}

// State is a read-only snapshot of the tracker
type State struct {
	Occupied          bool    `json:"occupied"`
	ConsecutiveMisses int     `json:"consecutive_misses"`
	EpisodeCount      int     `json:"episode_count"`
	EnergySaved       float64 `json:"energy_saved_wh"`
	SampleCount       int     `json:"sample_count"`

	// LastTransitionTime is the timestamp of the last processed sample and
	// the baseline for the next energy accrual.
	LastTransitionTime time.Time `json:"last_transition_time"`
	LastStateChange    time.Time `json:"last_state_change"`

	// Changed is true when the sample that produced this snapshot flipped
	// occupancy.
	Changed bool `json:"changed"`
}

// CO2Saved converts saved watt-hours into grams of CO2
func CO2Saved(wattHours float64) float64 {
	return wattHours * co2GramsPerWh
}

// Tracker turns noisy per-sample detections into debounced occupancy and
// accumulated energy savings. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	state State
}

// NewTracker creates an unoccupied tracker with zeroed counters
func NewTracker() *Tracker {
	return &Tracker{}
}

// Process applies one sample.
//
// A detection marks the location occupied immediately. Misses only vacate it
// once more than missThreshold of them arrive in a row. Energy accrues at
// powerWatts/3600 Wh per second for every interval that ends while the
// location is unoccupied, including the interval ending at the vacating
// sample.
func (t *Tracker) Process(sample Sample, missThreshold int, powerWatts float64) (State, error) {
	if missThreshold < 0 {
		missThreshold = 0
	}
	if powerWatts < 0 {
		powerWatts = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTimestamp(sample.Timestamp); err != nil {
		return t.state, err
	}

	next := t.state
	next.Changed = false
	next.SampleCount++

	if sample.Detected {
		next.ConsecutiveMisses = 0
		if !next.Occupied {
			next.Occupied = true
			next.EpisodeCount++
			next.Changed = true
			next.LastStateChange = sample.Timestamp
		}
	} else {
		next.ConsecutiveMisses++
		if next.Occupied && next.ConsecutiveMisses > missThreshold {
			next.Occupied = false
			next.Changed = true
			next.LastStateChange = sample.Timestamp
		}
		if !next.Occupied && !next.LastTransitionTime.IsZero() {
			elapsed := sample.Timestamp.Sub(next.LastTransitionTime).Seconds()
			next.EnergySaved += elapsed * powerWatts / 3600
		}
	}

	next.LastTransitionTime = sample.Timestamp
	t.state = next

	return next, nil
}

func (t *Tracker) checkTimestamp(ts time.Time) error {
	if ts.IsZero() || ts.Before(time.Unix(0, 0)) {
		return fmt.Errorf("%w: %v", ErrInvalidTimestamp, ts)
	}
	if ts.Before(t.state.LastTransitionTime) {
		return fmt.Errorf("%w: %s is before last sample at %s",
			ErrInvalidTimestamp, ts.Format(time.RFC3339Nano), t.state.LastTransitionTime.Format(time.RFC3339Nano))
	}
	return nil
}

// Reset zeroes the episode, energy and sample counters. Occupancy and the
// miss streak are kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.EpisodeCount = 0
	t.state.EnergySaved = 0
	t.state.SampleCount = 0
	t.state.Changed = false
}

// Snapshot returns a copy of the current state
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Rebase moves the accrual baseline to ts without processing a sample, so
// time spent with detection paused is not credited as savings.
func (t *Tracker) Rebase(ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTimestamp(ts); err != nil {
		return err
	}
	t.state.LastTransitionTime = ts
	t.state.Changed = false
	return nil
}

// Restore replaces the tracker state, used to seed counters persisted by a
// previous run. The accrual baseline is cleared so downtime is not credited;
// the next sample starts a fresh interval.
func (t *Tracker) Restore(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s.LastTransitionTime = time.Time{}
	if s.EnergySaved < 0 {
		s.EnergySaved = 0
	}
	if s.EpisodeCount < 0 {
		s.EpisodeCount = 0
	}
	s.Changed = false
	t.state = s
}
