package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.True(t, cfg.StopProxiesOnShutdown)
	assert.Equal(t, "/api/route/", cfg.PublicPathPrefix)
	assert.False(t, cfg.EnableScaleDown)
	assert.Equal(t, time.Minute, cfg.ProbeTimeout)
	assert.Equal(t, 2*time.Second, cfg.ProbeInterval)
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.RecoverProxies)
}

func TestLoadFromEnv(t *testing.T) { //nolint:paralleltest // mutates environment
	t.Setenv("APPPROXY_PROXY_STOP_PROXIES_ON_SHUTDOWN", "false")
	t.Setenv("APPPROXY_PROXY_PUBLIC_PATH_PREFIX", "/proxy/")
	t.Setenv("APPPROXY_PROXY_SHARING_ENABLE_SCALE_DOWN", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.StopProxiesOnShutdown)
	assert.Equal(t, "/proxy/", cfg.PublicPathPrefix)
	assert.True(t, cfg.EnableScaleDown)
}
