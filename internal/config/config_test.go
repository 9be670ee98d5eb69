package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 256, cfg.LedgerQueueSize)
	assert.False(t, cfg.AdminEnabled(), "admin disabled without a token")
	assert.True(t, cfg.IsDev())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("HTTP_WRITE_TIMEOUT", "5m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.IsProd())
	assert.True(t, cfg.AdminEnabled())
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Minute, cfg.HTTPWriteTimeout)
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=config.Load")
}
