package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orion-trading/tec/internal/config"
)

// TestNewWiresInMemoryBackends exercises the whole composition root with no
// DSN and no brokers configured: every component builds, registers, starts,
// and stops cleanly against the in-memory storage and broker.
func TestNewWiresInMemoryBackends(t *testing.T) {
	cfg := config.New()
	cfg.Server.Port = 0 // ephemeral port; nothing dials it in this test
	cfg.Logging.Level = "error"

	application, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, application.Manager)
	require.NotNil(t, application.HTTP)

	ctx := context.Background()
	require.NoError(t, application.Manager.Start(ctx))

	// Give the background loops one scheduling round before teardown.
	time.Sleep(50 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, application.Manager.Stop(stopCtx))
	require.NoError(t, application.Close())
}
