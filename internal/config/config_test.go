package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.LogLevel = "loud"
	cfg.Redis.Addr = ""
	cfg.Queue.MaxSignalsPerBatch = 0
	cfg.RateLimit.BackoffMultiplier = 1.0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "max_signals_per_batch")
	assert.Contains(t, err.Error(), "backoff_multiplier")
}

func TestValidateS3OnlyRequiredForArchiving(t *testing.T) {
	cfg := Defaults()
	cfg.S3.Endpoint = ""
	cfg.S3.Bucket = ""
	require.NoError(t, cfg.Validate())

	cfg.Pipeline.ArchiveEnabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: endpoint")
}

func TestMinNotionalFor(t *testing.T) {
	s := SizingConfig{
		MinTradeSizeUSDT: 10,
		MinNotional: map[string]map[string]float64{
			"binance": {"*": 5, "BTCUSDT": 12},
		},
	}

	assert.Equal(t, 12.0, s.MinNotionalFor("binance", "BTCUSDT"))
	assert.Equal(t, 5.0, s.MinNotionalFor("Binance", "ETHUSDT"))
	// Unknown venue falls back to the global floor.
	assert.Equal(t, 10.0, s.MinNotionalFor("okx", "ETHUSDT"))
}

func TestDurationUnmarshalText(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	require.Error(t, d.UnmarshalText([]byte("ninety")))
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Redis.Password = "secret"
	cfg.Credentials.MasterKey = "0123456789abcdef"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.Credentials.MasterKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Originals stay untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)

	// Mutating the copy's slices must not leak back.
	red.Notify.Events[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Notify.Events[0])
}
