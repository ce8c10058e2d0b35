package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-presence/pkg/postgres"
)

// ErrEpisodesDisabled is returned when no episode store is configured
var ErrEpisodesDisabled = errors.New("episode history is not enabled")

// Episode is one span of confirmed occupancy
type Episode struct {
	ID                 string     `json:"id"`
	Location           string     `json:"location"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	DurationSeconds    float64    `json:"duration_seconds"`
	Source             string     `json:"source"`
	EnergySavedAtStart float64    `json:"energy_saved_wh_at_start"`
}

// EpisodeRecorder stores occupancy episodes
type EpisodeRecorder interface {
	StartEpisode(ctx context.Context, location string, startedAt time.Time, source string, energySaved float64) (string, error)
	EndEpisode(ctx context.Context, location string, endedAt time.Time) error
	RecentEpisodes(ctx context.Context, location string, limit int) ([]Episode, error)
}

var episodeSchema = []string{
	`CREATE TABLE IF NOT EXISTS presence_episodes (
		id UUID PRIMARY KEY,
		location TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		source TEXT NOT NULL,
		energy_saved_wh_at_start DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS presence_episodes_location_started_idx
		ON presence_episodes (location, started_at DESC)`,
}

// EpisodeStore records episodes in Postgres
type EpisodeStore struct {
	pg postgres.Client
}

// NewEpisodeStore creates a store over a connected client
func NewEpisodeStore(pg postgres.Client) *EpisodeStore {
	return &EpisodeStore{pg: pg}
}

// Migrate creates the episode table if needed
func (s *EpisodeStore) Migrate(ctx context.Context) error {
	return s.pg.Migrate(ctx, episodeSchema...)
}

// StartEpisode closes any dangling episode for the location and opens a new one
func (s *EpisodeStore) StartEpisode(ctx context.Context, location string, startedAt time.Time, source string, energySaved float64) (string, error) {
	id := uuid.New().String()

	err := s.pg.Transaction(ctx, func(tx *sql.Tx) error {
		// A crash mid-episode leaves a row without ended_at
		if _, err := tx.ExecContext(ctx,
			`UPDATE presence_episodes SET ended_at = $2 WHERE location = $1 AND ended_at IS NULL`,
			location, startedAt); err != nil {
			return fmt.Errorf("failed to close dangling episodes: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO presence_episodes (id, location, started_at, source, energy_saved_wh_at_start)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, location, startedAt, source, energySaved); err != nil {
			return fmt.Errorf("failed to insert episode: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

// EndEpisode closes the open episode for a location
func (s *EpisodeStore) EndEpisode(ctx context.Context, location string, endedAt time.Time) error {
	if _, err := s.pg.Exec(ctx,
		`UPDATE presence_episodes SET ended_at = $2 WHERE location = $1 AND ended_at IS NULL`,
		location, endedAt); err != nil {
		return fmt.Errorf("failed to end episode: %w", err)
	}
	return nil
}

// RecentEpisodes returns the newest episodes for a location
func (s *EpisodeStore) RecentEpisodes(ctx context.Context, location string, limit int) ([]Episode, error) {
	rows, err := s.pg.Query(ctx,
		`SELECT id::text, location, started_at, ended_at, source, energy_saved_wh_at_start
		 FROM presence_episodes
		 WHERE location = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		location, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	episodes := []Episode{}
	for rows.Next() {
		var ep Episode
		var endedAt sql.NullTime
		if err := rows.Scan(&ep.ID, &ep.Location, &ep.StartedAt, &endedAt, &ep.Source, &ep.EnergySavedAtStart); err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		if endedAt.Valid {
			ended := endedAt.Time
			ep.EndedAt = &ended
			ep.DurationSeconds = ended.Sub(ep.StartedAt).Seconds()
		} else {
			ep.DurationSeconds = time.Since(ep.StartedAt).Seconds()
		}
		episodes = append(episodes, ep)
	}

	return episodes, rows.Err()
}
