package checker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/saaga0h/jeeves-presence/pkg/postgres"
)

// PostgresChecker validates episode history
type PostgresChecker struct {
	pg postgres.Client
}

// NewPostgresChecker wraps a connected client
func NewPostgresChecker(pg postgres.Client) *PostgresChecker {
	return &PostgresChecker{pg: pg}
}

// CheckQuery runs a single-value query with $1 bound to location and
// compares the result. "~n" accepts values within 20% of n; ">n", "<=n" and
// friends compare numerically.
func (p *PostgresChecker) CheckQuery(ctx context.Context, query, location string, expected interface{}) (interface{}, error) {
	var result interface{}
	if err := p.pg.QueryRow(ctx, query, location).Scan(&result); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	if s, ok := expected.(string); ok {
		switch {
		case strings.HasPrefix(s, "~"):
			return result, compareApproximate(result, s)
		case strings.HasPrefix(s, ">") || strings.HasPrefix(s, "<"):
			if matches, reason := matchComparison(normalize(result), s); !matches {
				return result, errors.New(reason)
			}
			return result, nil
		}
	}

	if fmt.Sprintf("%v", normalize(result)) == fmt.Sprintf("%v", expected) {
		return result, nil
	}
	return result, fmt.Errorf("mismatch: expected %v, got %v", expected, result)
}

// normalize turns driver byte slices (NUMERIC, TEXT) into strings
func normalize(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func compareApproximate(actual interface{}, expectedStr string) error {
	target, err := strconv.ParseFloat(strings.TrimPrefix(expectedStr, "~"), 64)
	if err != nil {
		return fmt.Errorf("invalid approximate value: %s", expectedStr)
	}

	actualFloat, err := toFloat64(actual)
	if err != nil {
		return fmt.Errorf("cannot convert actual value to number: %v", actual)
	}

	tolerance := target * 0.2
	if actualFloat >= target-tolerance && actualFloat <= target+tolerance {
		return nil
	}
	return fmt.Errorf("value %.2f not within ±20%% of %.2f", actualFloat, target)
}
