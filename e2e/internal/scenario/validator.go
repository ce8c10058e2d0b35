package scenario

import (
	"fmt"
	"strings"
)

// ValidateScenario performs validation checks on a loaded scenario
func ValidateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("scenario description is required")
	}

	if s.Location == "" || strings.ContainsAny(s.Location, "/+#") {
		return fmt.Errorf("location must be a non-empty MQTT topic segment")
	}

	if err := validateSamples(s.Samples); err != nil {
		return fmt.Errorf("samples validation failed: %w", err)
	}

	if err := validateExpectations(s.Expectations); err != nil {
		return fmt.Errorf("expectations validation failed: %w", err)
	}

	return nil
}

// Samples are stamped on arrival, so they must be listed in time order
func validateSamples(samples []SampleEvent) error {
	if len(samples) == 0 {
		return fmt.Errorf("at least one sample is required")
	}

	last := 0
	for i, sample := range samples {
		if sample.TimeMs < 0 {
			return fmt.Errorf("sample %d: time cannot be negative", i)
		}
		if sample.TimeMs < last {
			return fmt.Errorf("sample %d: time %dms is before previous sample at %dms", i, sample.TimeMs, last)
		}
		if sample.Description == "" {
			return fmt.Errorf("sample %d: description is required", i)
		}
		last = sample.TimeMs
	}

	return nil
}

func validateExpectations(expectations []Expectation) error {
	if len(expectations) == 0 {
		return fmt.Errorf("at least one expectation is required")
	}

	for i, exp := range expectations {
		if exp.TimeMs < 0 {
			return fmt.Errorf("expectation %d: time cannot be negative", i)
		}

		set := 0
		for _, v := range []string{exp.Topic, exp.RedisField, exp.PostgresQuery} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("expectation %d: exactly one of topic, redis_field or postgres_query is required", i)
		}

		if exp.Topic != "" && len(exp.Payload) == 0 {
			return fmt.Errorf("expectation %d: MQTT expectations require a payload", i)
		}
		if exp.RedisField != "" && exp.Expected == "" {
			return fmt.Errorf("expectation %d: redis expectations require 'expected'", i)
		}
		if exp.PostgresQuery != "" && exp.PostgresExpected == nil {
			return fmt.Errorf("expectation %d: postgres expectations require 'postgres_expected'", i)
		}
	}

	return nil
}
