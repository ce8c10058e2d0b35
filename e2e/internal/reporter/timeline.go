package reporter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/saaga0h/jeeves-presence/e2e/internal/scenario"
)

// TimelineEvent represents a single event in the timeline
type TimelineEvent struct {
	Elapsed     float64
	Layer       string
	Description string
	Success     bool // only meaningful when IsCheck
	IsCheck     bool
}

// GenerateTimeline creates a human-readable timeline of a scenario run
func GenerateTimeline(result *scenario.TestResult, events []TimelineEvent) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Scenario: %s\n", result.Scenario.Name)
	fmt.Fprintf(&sb, "Location: %s\n", result.Scenario.Location)
	fmt.Fprintf(&sb, "Duration: %s\n\n", formatDuration(result.EndTime.Sub(result.StartTime)))

	for _, event := range events {
		icon := "→"
		if event.IsCheck {
			icon = "✓"
			if !event.Success {
				icon = "✗"
			}
		}
		fmt.Fprintf(&sb, "[%7.2fs] %s %-8s: %s\n", event.Elapsed, icon, event.Layer, event.Description)
	}

	var failures []scenario.ExpectationResult
	for _, r := range result.Expectations {
		if !r.Passed {
			failures = append(failures, r)
		}
	}
	if len(failures) > 0 {
		sb.WriteString("\n=== Failures ===\n")
		for _, f := range failures {
			fmt.Fprintf(&sb, "  ✗ [%s] at %dms: %s\n", f.Layer, f.Expectation.TimeMs, f.Reason)
		}
	}

	status := "ALL EXPECTATIONS PASSED"
	if result.FailedCount > 0 {
		status = fmt.Sprintf("%d EXPECTATION(S) FAILED", result.FailedCount)
	}
	fmt.Fprintf(&sb, "\nPassed: %d  Failed: %d  Status: %s\n", result.PassedCount, result.FailedCount, status)

	return sb.String()
}

// SaveTimeline saves a timeline report to a file
func SaveTimeline(content string, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	seconds := d.Seconds()
	if seconds < 60 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	minutes := int(seconds / 60)
	return fmt.Sprintf("%dm %.1fs", minutes, seconds-float64(minutes*60))
}
