package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, RelayNone, cfg.GroupRelay)
	assert.Equal(t, 250*time.Millisecond, cfg.MessageMaxWait)
	assert.Equal(t, 2*time.Second, cfg.RescopeWait)
	assert.Equal(t, int64(65536), cfg.MaxMessageBytes)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_CustomPortAndEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "production", cfg.AppEnv)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_RelayRequiresURL(t *testing.T) {
	tests := []struct {
		name    string
		relay   string
		wantErr string
	}{
		{"redis without url", "redis", "REDIS_URL is required when GROUP_RELAY is redis"},
		{"nats without url", "NATS", "NATS_URL is required when GROUP_RELAY is nats"},
		{"unknown relay", "kafka", `GROUP_RELAY must be one of none, redis, nats, got "kafka"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GROUP_RELAY", tt.relay)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_RelayWithURL(t *testing.T) {
	t.Setenv("GROUP_RELAY", "nats")
	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, RelayNATS, cfg.GroupRelay)
}

func TestLoad_RedisAuthRequiresURL(t *testing.T) {
	t.Setenv("AUTH_REDIS_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_REDIS_ENABLED")
}

func TestLoad_RejectsNonPositiveLimits(t *testing.T) {
	t.Setenv("WS_MESSAGE_BURST", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, "WS_MESSAGE_BURST must be positive", err.Error())
}
