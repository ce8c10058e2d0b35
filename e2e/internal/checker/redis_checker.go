package checker

import (
	"context"
	"fmt"

	"github.com/saaga0h/jeeves-presence/e2e/internal/scenario"
	"github.com/saaga0h/jeeves-presence/pkg/redis"
)

// CheckRedisExpectation validates a field of the presence snapshot hash
func CheckRedisExpectation(ctx context.Context, client redis.Client, location string, exp scenario.Expectation) (bool, string, interface{}) {
	key := redis.PresenceStateKey(location)

	fields, err := client.HGetAll(ctx, key)
	if err != nil {
		return false, fmt.Sprintf("Redis error: %v", err), nil
	}

	value, ok := fields[exp.RedisField]
	if !ok {
		return false, fmt.Sprintf("key %q field %q not found in Redis", key, exp.RedisField), nil
	}

	if matches, reason := MatchesExpectation(value, exp.Expected); !matches {
		return false, reason, value
	}

	return true, "", value
}
