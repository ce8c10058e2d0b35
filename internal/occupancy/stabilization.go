package occupancy

import (
	"math"
	"sync"
	"time"
)

// SampleRecord is a raw detection kept for flicker analysis
type SampleRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Detected  bool      `json:"detected"`
	Source    string    `json:"source"`
}

// FlickerResult describes how noisy the raw detection signal has been
type FlickerResult struct {
	OscillationCount  int     `json:"oscillation_count"`
	OscillationFactor float64 `json:"oscillation_factor"`
	DetectionRate     float64 `json:"detection_rate"`
	Window            int     `json:"window"`
	Recommendation    string  `json:"recommendation"`
}

// flickerWindow is the number of most recent samples analysed
const flickerWindow = 6

// ComputeFlicker measures oscillation in the most recent raw detections.
// Frequent flips mean the miss threshold is too low for the classifier.
func ComputeFlicker(history []SampleRecord) FlickerResult {
	// Insufficient history - need at least 2 samples
	if len(history) < 2 {
		return FlickerResult{
			Window:         len(history),
			Recommendation: "insufficient_history",
		}
	}

	windowSize := flickerWindow
	if len(history) < windowSize {
		windowSize = len(history)
	}
	recent := history[len(history)-windowSize:]

	oscillationCount := calculateOscillationCount(recent)
	oscillationFactor := math.Min(0.3, float64(oscillationCount)*0.1)

	return FlickerResult{
		OscillationCount:  oscillationCount,
		OscillationFactor: oscillationFactor,
		DetectionRate:     calculateDetectionRate(recent),
		Window:            windowSize,
		Recommendation:    getRecommendation(oscillationCount),
	}
}

// calculateOscillationCount counts detected/not-detected flips
func calculateOscillationCount(samples []SampleRecord) int {
	if len(samples) < 2 {
		return 0
	}

	flips := 0
	for i := 1; i < len(samples); i++ {
		if samples[i].Detected != samples[i-1].Detected {
			flips++
		}
	}

	return flips
}

func calculateDetectionRate(samples []SampleRecord) float64 {
	if len(samples) == 0 {
		return 0
	}
	hits := 0
	for _, s := range samples {
		if s.Detected {
			hits++
		}
	}
	return float64(hits) / float64(len(samples))
}

// getRecommendation maps the oscillation count to operator advice
func getRecommendation(oscillationCount int) string {
	if oscillationCount > 2 {
		return "raise_threshold"
	}
	return "maintain_course"
}

// SampleHistory is a bounded FIFO of raw samples, oldest first
type SampleHistory struct {
	mu      sync.Mutex
	size    int
	records []SampleRecord
}

// NewSampleHistory creates a history holding at most size records
func NewSampleHistory(size int) *SampleHistory {
	if size < flickerWindow {
		size = flickerWindow
	}
	return &SampleHistory{
		size:    size,
		records: make([]SampleRecord, 0, size),
	}
}

// Add appends a sample, dropping the oldest when full
func (h *SampleHistory) Add(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) == h.size {
		copy(h.records, h.records[1:])
		h.records = h.records[:h.size-1]
	}
	h.records = append(h.records, SampleRecord{
		Timestamp: s.Timestamp,
		Detected:  s.Detected,
		Source:    s.Source,
	})
}

// Records returns a copy of the history, oldest first
func (h *SampleHistory) Records() []SampleRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]SampleRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Flicker analyses the current history
func (h *SampleHistory) Flicker() FlickerResult {
	return ComputeFlicker(h.Records())
}
