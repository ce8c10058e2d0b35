package checker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MatchesExpectation checks if actual matches expected.
//
// String expectations support two matchers: "~pattern~" for a regex and
// ">n", "<n", ">=n", "<=n" for numeric comparison. Numbers compare by value
// whatever their type, and maps match when every expected key matches.
func MatchesExpectation(actual, expected interface{}) (bool, string) {
	if expected == nil || actual == nil {
		if expected == actual {
			return true, ""
		}
		return false, fmt.Sprintf("expected %v, got %v", expected, actual)
	}

	switch exp := expected.(type) {
	case string:
		if len(exp) > 1 && strings.HasPrefix(exp, "~") && strings.HasSuffix(exp, "~") {
			return matchRegex(actual, strings.Trim(exp, "~"))
		}
		if strings.HasPrefix(exp, ">") || strings.HasPrefix(exp, "<") {
			return matchComparison(actual, exp)
		}
		if s, ok := actual.(string); ok {
			if s == exp {
				return true, ""
			}
			return false, fmt.Sprintf("expected %q, got %q", exp, s)
		}
		return false, fmt.Sprintf("type mismatch: expected string, got %T", actual)

	case bool:
		if b, ok := actual.(bool); ok {
			if b == exp {
				return true, ""
			}
			return false, fmt.Sprintf("expected %v, got %v", exp, b)
		}
		return false, fmt.Sprintf("type mismatch: expected bool, got %T", actual)

	case map[string]interface{}:
		return matchMap(actual, exp)
	}

	if expectedFloat, err := toFloat64(expected); err == nil {
		actualFloat, err := toFloat64(actual)
		if err != nil {
			return false, fmt.Sprintf("type mismatch: expected number, got %T", actual)
		}
		if actualFloat == expectedFloat {
			return true, ""
		}
		return false, fmt.Sprintf("expected %v, got %v", expected, actual)
	}

	return false, fmt.Sprintf("unsupported expectation type %T", expected)
}

func matchRegex(actual interface{}, pattern string) (bool, string) {
	actualStr := fmt.Sprintf("%v", actual)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Sprintf("invalid regex pattern %q: %v", pattern, err)
	}

	if re.MatchString(actualStr) {
		return true, ""
	}
	return false, fmt.Sprintf("value %q does not match pattern ~%s~", actualStr, pattern)
}

func matchComparison(actual interface{}, comparison string) (bool, string) {
	actualFloat, err := toFloat64(actual)
	if err != nil {
		return false, fmt.Sprintf("cannot compare non-numeric value: %v", actual)
	}

	var op string
	for _, candidate := range []string{">=", "<=", ">", "<"} {
		if strings.HasPrefix(comparison, candidate) {
			op = candidate
			break
		}
	}

	target, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(comparison, op)), 64)
	if err != nil {
		return false, fmt.Sprintf("invalid comparison value: %s", comparison)
	}

	var ok bool
	switch op {
	case ">":
		ok = actualFloat > target
	case "<":
		ok = actualFloat < target
	case ">=":
		ok = actualFloat >= target
	case "<=":
		ok = actualFloat <= target
	}

	if ok {
		return true, ""
	}
	return false, fmt.Sprintf("expected value %s %v, got %v", op, target, actualFloat)
}

func matchMap(actual interface{}, expected map[string]interface{}) (bool, string) {
	actualMap, ok := actual.(map[string]interface{})
	if !ok {
		return false, fmt.Sprintf("expected map, got %T", actual)
	}

	for key, expectedValue := range expected {
		actualValue, exists := actualMap[key]
		if !exists {
			return false, fmt.Sprintf("missing key %q", key)
		}
		if matches, reason := MatchesExpectation(actualValue, expectedValue); !matches {
			return false, fmt.Sprintf("key %q: %s", key, reason)
		}
	}

	return true, ""
}

// toFloat64 converts numeric types and numeric strings (Redis hash values)
func toFloat64(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	default:
		return 0, fmt.Errorf("not a numeric type: %T", val)
	}
}
