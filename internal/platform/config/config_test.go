package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.OpsAddr)
	assert.Equal(t, 1, cfg.Keys.ActiveVersion)
	assert.Equal(t, 600000, cfg.Keys.Iterations)
	assert.Equal(t, 24*time.Hour, cfg.Retention.SweepInterval)
	assert.True(t, cfg.Retention.VerifyChain)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("RETENTION_SWEEP_INTERVAL", "1h")
	t.Setenv("KEY_ACTIVE_VERSION", "3")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Hour, cfg.Retention.SweepInterval)
	assert.Equal(t, 3, cfg.Keys.ActiveVersion)
}

func TestFromEnv_RejectsBadValues(t *testing.T) {
	t.Run("malformed duration", func(t *testing.T) {
		t.Setenv("RETENTION_SWEEP_INTERVAL", "daily")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("zero key version", func(t *testing.T) {
		t.Setenv("KEY_ACTIVE_VERSION", "0")
		_, err := FromEnv()
		require.Error(t, err)
	})
}
