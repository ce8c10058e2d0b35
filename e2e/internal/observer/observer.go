package observer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/saaga0h/jeeves-presence/pkg/mqtt"
)

// Topics captured while a scenario runs
var observedTopics = []string{
	"automation/context/#",
	"automation/command/#",
	"automation/status/#",
}

// CapturedMessage represents a single MQTT message captured during observation
type CapturedMessage struct {
	Timestamp time.Time   `json:"timestamp"`
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
}

// Observer captures the agent's MQTT output for later checks
type Observer struct {
	client    mqtt.Client
	messages  []CapturedMessage
	startTime time.Time
	mutex     sync.RWMutex
	logger    *slog.Logger
}

// NewObserver creates an observer on an already connected client
func NewObserver(client mqtt.Client, logger *slog.Logger) *Observer {
	return &Observer{
		client:   client,
		messages: make([]CapturedMessage, 0),
		logger:   logger,
	}
}

// Start subscribes to the agent's output topics
func (o *Observer) Start() error {
	o.startTime = time.Now()

	for _, topic := range observedTopics {
		if err := o.client.Subscribe(topic, 0, o.Handle); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	o.logger.Info("Observer subscribed", "topics", observedTopics)
	return nil
}

// Handle records one message; JSON payloads are decoded, anything else is
// kept as a string
func (o *Observer) Handle(msg mqtt.Message) {
	var payload interface{}
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		payload = string(msg.Payload())
	}

	o.mutex.Lock()
	o.messages = append(o.messages, CapturedMessage{
		Timestamp: time.Now(),
		Topic:     msg.Topic(),
		Payload:   payload,
	})
	o.mutex.Unlock()

	o.logger.Debug("Captured message",
		"elapsed", time.Since(o.startTime).Round(time.Millisecond),
		"topic", msg.Topic(),
		"payload", string(msg.Payload()))
}

// GetAllMessages returns a copy of all captured messages
func (o *Observer) GetAllMessages() []CapturedMessage {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	messages := make([]CapturedMessage, len(o.messages))
	copy(messages, o.messages)
	return messages
}

// SaveCapture saves all captured messages to a JSON file
func (o *Observer) SaveCapture(filename string) error {
	data, err := json.MarshalIndent(o.GetAllMessages(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to save capture: %w", err)
	}

	return nil
}
