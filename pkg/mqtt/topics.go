package mqtt

import (
	"fmt"
	"strings"
)

// Topic patterns used by the presence agent
const (
	// Raw presence samples from remote detectors (input)
	TopicRawPresence = "automation/raw/presence/+"

	// Occupancy context consumed by the light agent (output)
	TopicOccupancyContext = "automation/context/occupancy/+"
)

// RawPresenceTopic returns the raw sample topic for a location
// Pattern: automation/raw/presence/{location}
func RawPresenceTopic(location string) string {
	return fmt.Sprintf("automation/raw/presence/%s", location)
}

// OccupancyContextTopic returns the occupancy context topic for a location
// Pattern: automation/context/occupancy/{location}
func OccupancyContextTopic(location string) string {
	return fmt.Sprintf("automation/context/occupancy/%s", location)
}

// LightCommandTopic returns the light command topic for a location
// Pattern: automation/command/light/{location}
func LightCommandTopic(location string) string {
	return fmt.Sprintf("automation/command/light/%s", location)
}

// EnergyContextTopic returns the energy savings context topic for a location
// Pattern: automation/context/energy/{location}
func EnergyContextTopic(location string) string {
	return fmt.Sprintf("automation/context/energy/%s", location)
}

// AvailabilityTopic returns the retained online/offline topic for a service
// Pattern: automation/status/{service}
func AvailabilityTopic(service string) string {
	return fmt.Sprintf("automation/status/%s", service)
}

// LocationFromTopic extracts the trailing location segment of a
// four-segment automation topic
func LocationFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] == "" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[3], nil
}
