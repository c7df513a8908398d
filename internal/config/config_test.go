package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{"XBTUSDTM"}, cfg.Feed.Symbols)
	assert.Equal(t, "https://api-futures.kucoin.com", cfg.Feed.RESTURL)
	assert.Equal(t, 18*time.Second, cfg.Feed.PingInterval)
	assert.Equal(t, 10000, cfg.Sequencer.ResyncBufferLimit)
	assert.Equal(t, 10*time.Second, cfg.Sequencer.ResyncTimeout)
	assert.True(t, cfg.Sequencer.ResyncOnInvariant)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.PollInterval)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DEPTHBOOK_ENV", "production")
	t.Setenv("DEPTHBOOK_FEED_SYMBOLS", "XBTUSDTM, ETHUSDTM")
	t.Setenv("DEPTHBOOK_SEQUENCER_RESYNC_TIMEOUT", "3s")
	t.Setenv("DEPTHBOOK_REDIS_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, []string{"XBTUSDTM", "ETHUSDTM"}, cfg.Feed.Symbols)
	assert.Equal(t, 3*time.Second, cfg.Sequencer.ResyncTimeout)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depthbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
feed:
  symbols: [SOLUSDTM, ETHUSDTM]
sequencer:
  resync_buffer_limit: 64
render:
  enabled: false
`), 0o600))
	t.Setenv("DEPTHBOOK_CONFIG_FILE", path)
	t.Setenv("DEPTHBOOK_SEQUENCER_RESYNC_BUFFER_LIMIT", "128")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"SOLUSDTM", "ETHUSDTM"}, cfg.Feed.Symbols)
	// The environment wins over the file.
	assert.Equal(t, 128, cfg.Sequencer.ResyncBufferLimit)
	assert.False(t, cfg.Render.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("DEPTHBOOK_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.Feed.Symbols = nil
	bad.Sequencer.ResyncBufferLimit = 0
	bad.Kafka = KafkaConfig{Enabled: true}

	err = bad.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "feed.symbols")
	assert.Contains(t, err.Error(), "resync_buffer_limit")
	assert.Contains(t, err.Error(), "kafka")

	t.Setenv("DEPTHBOOK_SEQUENCER_RESYNC_TIMEOUT", "0s")
	_, err = Load()
	require.ErrorIs(t, err, ErrInvalid)
}
