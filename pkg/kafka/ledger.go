package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/saaga0h/jeeves-presence/pkg/config"
)

// LedgerEvent is an append-only energy accounting record
type LedgerEvent struct {
	ID           string    `json:"id"`
	Location     string    `json:"location"`
	Type         string    `json:"type"`
	Occupied     bool      `json:"occupied"`
	EpisodeCount int       `json:"episode_count"`
	EnergySaved  float64   `json:"energy_saved_wh"`
	Timestamp    time.Time `json:"timestamp"`
}

// Ledger event types
const (
	EventOccupied = "occupied"
	EventVacated  = "vacated"
	EventReset    = "reset"
)

// Writer appends ledger events
type Writer interface {
	Write(ctx context.Context, event LedgerEvent) error
	Close() error
}

type ledgerWriter struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewWriter creates a synchronous Kafka writer for the configured ledger topic
func NewWriter(cfg *config.Config, logger *slog.Logger) Writer {
	return &ledgerWriter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.KafkaBrokers...),
			Topic:        cfg.KafkaTopic,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger.With(slog.String("component", "kafka-ledger")),
	}
}

// Write publishes one event keyed by location so a location's events stay ordered
func (l *ledgerWriter) Write(ctx context.Context, event LedgerEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger event: %w", err)
	}

	if err := l.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Location),
		Value: payload,
		Time:  event.Timestamp,
	}); err != nil {
		return fmt.Errorf("failed to write ledger event: %w", err)
	}

	l.logger.Debug("Ledger event written", "type", event.Type, "location", event.Location)
	return nil
}

// Close flushes and closes the writer
func (l *ledgerWriter) Close() error {
	return l.writer.Close()
}
