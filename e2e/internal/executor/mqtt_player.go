package executor

import (
	"encoding/json"
	"fmt"

	"github.com/saaga0h/jeeves-presence/e2e/internal/scenario"
	"github.com/saaga0h/jeeves-presence/pkg/mqtt"
)

// MQTTPlayer publishes raw presence samples as a remote detector would
type MQTTPlayer struct {
	client mqtt.Client
}

// NewMQTTPlayer creates a player on an already connected client
func NewMQTTPlayer(client mqtt.Client) *MQTTPlayer {
	return &MQTTPlayer{client: client}
}

// PublishSample publishes one sample without a timestamp; the agent stamps
// it on arrival
func (p *MQTTPlayer) PublishSample(location string, sample scenario.SampleEvent) error {
	topic := mqtt.RawPresenceTopic(location)

	payload, err := json.Marshal(map[string]interface{}{
		"detected": sample.Detected,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	// QoS 1 so no sample is silently dropped
	if err := p.client.Publish(topic, 1, false, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}
