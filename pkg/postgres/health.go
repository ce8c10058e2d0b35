package postgres

import (
	"context"
	"fmt"
	"time"
)

// HealthStatus is the result of a connection probe
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// HealthCheck pings the pool and reports the round trip
func (c *PostgresClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	if c.db == nil {
		return &HealthStatus{Error: "not connected"}, nil
	}

	start := time.Now()
	if err := c.db.PingContext(ctx); err != nil {
		return &HealthStatus{Latency: time.Since(start), Error: fmt.Sprintf("ping failed: %v", err)}, nil
	}
	return &HealthStatus{Connected: true, Latency: time.Since(start)}, nil
}
