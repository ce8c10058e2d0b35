package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/saaga0h/jeeves-presence/internal/occupancy"
	"github.com/saaga0h/jeeves-presence/pkg/redis"
)

// sampleListTTL bounds how long raw samples survive without new writes
const sampleListTTL = 24 * time.Hour

// Storage wraps Redis operations for the presence agent
type Storage struct {
	redis       redis.Client
	historySize int
	logger      *slog.Logger
}

// NewStorage creates a new storage wrapper
func NewStorage(redisClient redis.Client, historySize int, logger *slog.Logger) *Storage {
	return &Storage{
		redis:       redisClient,
		historySize: historySize,
		logger:      logger,
	}
}

// SaveSnapshot persists the tracker counters for a location
func (s *Storage) SaveSnapshot(ctx context.Context, location string, state occupancy.State) error {
	fields := map[string]interface{}{
		"occupied":           strconv.FormatBool(state.Occupied),
		"consecutive_misses": strconv.Itoa(state.ConsecutiveMisses),
		"episode_count":      strconv.Itoa(state.EpisodeCount),
		"energy_saved_wh":    strconv.FormatFloat(state.EnergySaved, 'f', -1, 64),
		"sample_count":       strconv.Itoa(state.SampleCount),
		"updated_at":         time.Now().UTC().Format(time.RFC3339),
	}
	if !state.LastStateChange.IsZero() {
		fields["last_state_change"] = strconv.FormatInt(state.LastStateChange.UnixMilli(), 10)
	}

	if err := s.redis.HSetMany(ctx, redis.PresenceStateKey(location), fields); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the persisted counters for a location. The boolean is
// false when nothing has been stored yet.
func (s *Storage) LoadSnapshot(ctx context.Context, location string) (occupancy.State, bool, error) {
	fields, err := s.redis.HGetAll(ctx, redis.PresenceStateKey(location))
	if err != nil {
		return occupancy.State{}, false, err
	}
	if len(fields) == 0 {
		return occupancy.State{}, false, nil
	}

	var state occupancy.State

	if v, ok := fields["occupied"]; ok {
		state.Occupied = v == "true"
	}
	if v, ok := fields["consecutive_misses"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			state.ConsecutiveMisses = n
		}
	}
	if v, ok := fields["episode_count"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			state.EpisodeCount = n
		}
	}
	if v, ok := fields["energy_saved_wh"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			state.EnergySaved = f
		} else {
			s.logger.Warn("Failed to parse persisted energy", "location", location, "error", err)
		}
	}
	if v, ok := fields["sample_count"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			state.SampleCount = n
		}
	}
	if v, ok := fields["last_state_change"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			state.LastStateChange = time.UnixMilli(ms)
		}
	}

	return state, true, nil
}

// AddSample records a raw sample (FIFO, newest first, bounded)
func (s *Storage) AddSample(ctx context.Context, location string, sample occupancy.Sample) error {
	key := redis.PresenceSamplesKey(location)

	data, err := json.Marshal(occupancy.SampleRecord{
		Timestamp: sample.Timestamp,
		Detected:  sample.Detected,
		Source:    sample.Source,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	if err := s.redis.LPush(ctx, key, string(data)); err != nil {
		return err
	}
	if err := s.redis.LTrim(ctx, key, 0, int64(s.historySize-1)); err != nil {
		return err
	}
	return s.redis.Expire(ctx, key, sampleListTTL)
}

// GetSamples returns persisted raw samples, oldest first
func (s *Storage) GetSamples(ctx context.Context, location string) ([]occupancy.SampleRecord, error) {
	values, err := s.redis.LRange(ctx, redis.PresenceSamplesKey(location), 0, -1)
	if err != nil {
		return nil, err
	}

	samples := make([]occupancy.SampleRecord, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		var rec occupancy.SampleRecord
		if err := json.Unmarshal([]byte(values[i]), &rec); err != nil {
			s.logger.Warn("Failed to parse sample", "location", location, "error", err)
			continue
		}
		samples = append(samples, rec)
	}

	return samples, nil
}
