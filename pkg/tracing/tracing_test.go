package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "bridge"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitEnabled(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping exporter test")
	}

	// The gRPC exporter connects lazily, so Init succeeds without a collector.
	shutdown, err := Init(context.Background(), Config{
		Enabled:        true,
		ServiceName:    "bridge-test",
		ServiceVersion: "v0.0.1",
		Environment:    "test",
		Endpoint:       "localhost:4317",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
