package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("ANIMA_GEMINI_API_KEY", "test-key")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8089", cfg.Addr)
	assert.Equal(t, "test-key", cfg.GeminiAPIKey)
	assert.Equal(t, 500*time.Millisecond, cfg.GoAwayMargin)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Empty(t, cfg.CORSAllowedOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnv_APIKeyFallback(t *testing.T) {
	t.Setenv("ANIMA_GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "fallback-key")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "fallback-key", cfg.GeminiAPIKey)
}

func TestLoadFromEnv_MissingAPIKey(t *testing.T) {
	t.Setenv("ANIMA_GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANIMA_GEMINI_API_KEY")
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("ANIMA_GEMINI_API_KEY", "k")
	t.Setenv("ANIMA_ADDR", ":9000")
	t.Setenv("ANIMA_GOAWAY_MARGIN", "250ms")
	t.Setenv("ANIMA_MAX_RECONNECT_ATTEMPTS", "5")
	t.Setenv("ANIMA_CORS_ORIGINS", "http://localhost:5173, http://localhost:3000")
	t.Setenv("ANIMA_LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.GoAwayMargin)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Contains(t, cfg.CORSAllowedOrigins, "http://localhost:5173")
	assert.Contains(t, cfg.CORSAllowedOrigins, "http://localhost:3000")

	timing := cfg.Timing()
	assert.Equal(t, 250*time.Millisecond, timing.GoAwayMargin)
	assert.Equal(t, 5, timing.MaxReconnectAttempts)
}

func TestLoadFromEnv_InvalidLogLevel(t *testing.T) {
	t.Setenv("ANIMA_GEMINI_API_KEY", "k")
	t.Setenv("ANIMA_LOG_LEVEL", "verbose")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestLoadFromEnv_BadDurationFallsBackToDefault(t *testing.T) {
	t.Setenv("ANIMA_GEMINI_API_KEY", "k")
	t.Setenv("ANIMA_RECONNECT_DELAY", "not-a-duration")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
}
