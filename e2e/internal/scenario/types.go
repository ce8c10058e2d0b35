package scenario

import "time"

// Expectation layers
const (
	LayerMQTT     = "mqtt"
	LayerRedis    = "redis"
	LayerPostgres = "postgres"
)

// Scenario is a scripted run of raw presence samples against a live agent
type Scenario struct {
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	Location     string        `yaml:"location"`
	Samples      []SampleEvent `yaml:"samples"`
	Expectations []Expectation `yaml:"expectations"`
}

// SampleEvent is one raw presence sample to publish
type SampleEvent struct {
	TimeMs      int    `yaml:"time_ms"` // Milliseconds from start
	Detected    bool   `yaml:"detected"`
	Description string `yaml:"description"`
}

// Expectation is an outcome checked at TimeMs. Exactly one of Topic,
// RedisField or PostgresQuery is set.
type Expectation struct {
	TimeMs int `yaml:"time_ms"`

	// MQTT check: latest message on Topic must match Payload.
	// "{location}" in Topic is replaced with the scenario location.
	Topic   string                 `yaml:"topic,omitempty"`
	Payload map[string]interface{} `yaml:"payload,omitempty"`

	// Redis check against the location's presence snapshot hash
	RedisField string `yaml:"redis_field,omitempty"`
	Expected   string `yaml:"expected,omitempty"`

	// Postgres check: single-value query, $1 is bound to the location
	PostgresQuery    string      `yaml:"postgres_query,omitempty"`
	PostgresExpected interface{} `yaml:"postgres_expected,omitempty"`
}

// Layer reports which backend the expectation checks
func (e *Expectation) Layer() string {
	switch {
	case e.PostgresQuery != "":
		return LayerPostgres
	case e.RedisField != "":
		return LayerRedis
	default:
		return LayerMQTT
	}
}

// TestResult represents the outcome of running a scenario
type TestResult struct {
	Scenario     *Scenario           `json:"scenario"`
	StartTime    time.Time           `json:"start_time"`
	EndTime      time.Time           `json:"end_time"`
	Passed       bool                `json:"passed"`
	PassedCount  int                 `json:"passed_count"`
	FailedCount  int                 `json:"failed_count"`
	Expectations []ExpectationResult `json:"expectations"`
}

// ExpectationResult represents the result of checking a single expectation
type ExpectationResult struct {
	Layer       string      `json:"layer"`
	Expectation Expectation `json:"expectation"`
	Passed      bool        `json:"passed"`
	Reason      string      `json:"reason,omitempty"`
	Actual      interface{} `json:"actual,omitempty"`
}
