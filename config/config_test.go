// ffbot/config/config_test.go
package config_test

import (
	"testing"
	"time"

	"ffbot/config"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		t.Setenv("FFBOT_PORT", "")
		t.Setenv("FFBOT_MAX_CONCURRENCY", "")
		t.Setenv("FFBOT_AUTH_ENABLE", "")
		t.Setenv("FFBOT_PROGRESS_INTERVAL", "")
		t.Setenv("FFBOT_THROTTLE_FREEDISK", "")

		cfg, err := config.Load()
		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, 0, cfg.MaxConcurrency)
		assert.Equal(t, false, cfg.AuthEnable)
		assert.Equal(t, "ffmpeg", cfg.FFBin)
		assert.Equal(t, 3*time.Second, cfg.ProgressInterval)
		assert.Equal(t, 5*time.Second, cfg.CancelGrace)
		assert.Equal(t, time.Hour+23*time.Minute, cfg.ResultLifetime)
		assert.Equal(t, 20, cfg.OutputTailLines)
		assert.Equal(t, "@every 10m", cfg.SweepSchedule)
		assert.Equal(t, int64(200*1024*1024), cfg.ThrottleFreeDisk)
		assert.Equal(t, int64(2<<30), cfg.MaxInputSize)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "stdout", cfg.Log.Output)
		assert.Equal(t, 100, cfg.Log.MaxSize)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("FFBOT_PORT", "9999")
		t.Setenv("FFBOT_MAX_CONCURRENCY", "4")
		t.Setenv("FFBOT_AUTH_ENABLE", "true")
		t.Setenv("FFBOT_AUTH_KEY", "newsecret")
		t.Setenv("FFBOT_PROGRESS_INTERVAL", "2s")
		t.Setenv("FFBOT_CANCEL_GRACE", "750ms")
		t.Setenv("FFBOT_THROTTLE_FREEDISK", "50MB")
		t.Setenv("FFBOT_LOG_LEVEL", "debug")
		t.Setenv("FFBOT_BOT_TOKEN", "123:abc")

		cfg, err := config.Load()
		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 4, cfg.MaxConcurrency)
		assert.Equal(t, true, cfg.AuthEnable)
		assert.Equal(t, "newsecret", cfg.AuthKey)
		assert.Equal(t, 2*time.Second, cfg.ProgressInterval)
		assert.Equal(t, 750*time.Millisecond, cfg.CancelGrace)
		assert.Equal(t, int64(50*1024*1024), cfg.ThrottleFreeDisk)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "123:abc", cfg.BotToken)
	})
}
