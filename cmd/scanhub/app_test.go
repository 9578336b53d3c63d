package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanhub/internal/adapters/memory"
	"scanhub/internal/config"
	"scanhub/internal/logger"
	"scanhub/internal/metrics"
	"scanhub/internal/push"
)

func testApp(cfg config.Config) *app {
	store := memory.New()
	return &app{
		cfg:           cfg,
		log:           logger.NewNop(),
		metrics:       metrics.New(),
		reports:       store,
		notifications: store,
		prefs:         store,
		close:         func() {},
	}
}

func TestDashboardURL(t *testing.T) {
	cfg := config.Defaults()
	assert.Empty(t, testApp(cfg).dashboardURL())

	cfg.FrontLink = "https://app.example.com/"
	assert.Equal(t, "https://app.example.com/tester/dashboard", testApp(cfg).dashboardURL())
}

func TestOriginPatterns(t *testing.T) {
	cfg := config.Defaults()
	assert.Nil(t, testApp(cfg).originPatterns())

	cfg.FrontLink = "https://app.example.com:8443/"
	assert.Equal(t, []string{"app.example.com:8443"}, testApp(cfg).originPatterns())
}

func TestNotifierAndGatewayWiring(t *testing.T) {
	cfg := config.Defaults()
	cfg.Engine.ResultsDir = t.TempDir()
	cfg.Engine.Tools = map[string][]string{"echo": {"true"}}
	a := testApp(cfg)

	notifier, err := a.notifier(push.NewHub(a.log))
	require.NoError(t, err)

	pool := a.pool()
	pool.Start()
	defer pool.Stop(context.Background())

	gw := a.gateway(pool, notifier, nil)
	assert.Equal(t, 0, gw.Scheduled())
}
