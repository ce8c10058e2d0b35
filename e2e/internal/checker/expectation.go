package checker

import (
	"fmt"

	"github.com/saaga0h/jeeves-presence/e2e/internal/observer"
	"github.com/saaga0h/jeeves-presence/e2e/internal/scenario"
)

// CheckExpectation validates an expectation against the latest captured
// message on its topic
func CheckExpectation(exp scenario.Expectation, messages []observer.CapturedMessage) (bool, string, interface{}) {
	var latest *observer.CapturedMessage
	for i := range messages {
		if messages[i].Topic == exp.Topic {
			latest = &messages[i]
		}
	}

	if latest == nil {
		return false, fmt.Sprintf("no messages found for topic %q", exp.Topic), nil
	}

	payloadMap, ok := latest.Payload.(map[string]interface{})
	if !ok {
		return false, fmt.Sprintf("payload is not a JSON object, got %T", latest.Payload), latest.Payload
	}

	if matches, reason := MatchesExpectation(payloadMap, exp.Payload); !matches {
		return false, reason, latest.Payload
	}

	return true, "", latest.Payload
}
