package redis

import "fmt"

// Key construction helpers for presence data

// PresenceStateKey returns the key for the persisted tracker snapshot (hash)
// Pattern: presence:state:{location}
func PresenceStateKey(location string) string {
	return fmt.Sprintf("presence:state:%s", location)
}

// PresenceSamplesKey returns the key for recent raw samples (list, newest first)
// Pattern: presence:samples:{location}
func PresenceSamplesKey(location string) string {
	return fmt.Sprintf("presence:samples:%s", location)
}
