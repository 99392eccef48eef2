package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DAILY_CAPACITY", "")
	t.Setenv("NOTIFY_DEFAULT_CHANNELS", "")

	cfg := Load()
	assert.Equal(t, 8*time.Hour, cfg.DailyCapacity)
	assert.Equal(t, []string{"email"}, cfg.NotifyDefaults)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DAILY_CAPACITY", "6h")
	t.Setenv("NOTIFY_DEFAULT_CHANNELS", "email, sms ,")
	t.Setenv("ARCHIVE_S3_PATH_STYLE", "true")
	t.Setenv("BUSINESS_TIMEZONE", "Not/AZone")

	cfg := Load()
	assert.Equal(t, 6*time.Hour, cfg.DailyCapacity)
	assert.Equal(t, []string{"email", "sms"}, cfg.NotifyDefaults)
	assert.True(t, cfg.ArchiveS3PathStyle)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestGetEnvIgnoresMalformed(t *testing.T) {
	t.Setenv("SWEEP_BATCH_SIZE", "lots")
	t.Setenv("SWEEP_INTERVAL", "soon")

	cfg := Load()
	assert.Equal(t, 100, cfg.SweepBatchSize)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}
