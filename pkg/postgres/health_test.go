package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/jeeves-presence/pkg/config"
)

func TestHealthCheckWithoutConnection(t *testing.T) {
	client := NewClient(config.NewConfig(), nil)

	status, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Equal(t, "not connected", status.Error)
	assert.Zero(t, status.Latency)
}
