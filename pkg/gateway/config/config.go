// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/daoch4n/anima/pkg/core/session"
)

type Config struct {
	Addr string

	// GeminiAPIKey authenticates the live conduits and the summarization
	// call. ANIMA_GEMINI_API_KEY wins; GEMINI_API_KEY is the fallback.
	GeminiAPIKey string

	// LadderPath optionally points at a YAML file overriding the built-in
	// model ladder.
	LadderPath string

	SummaryModel string

	// Session timing.
	GoAwayMargin         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Browser bridge websocket.
	CORSAllowedOrigins    map[string]struct{} // empty => same-origin only
	WSWriteTimeout        time.Duration
	WSPingInterval        time.Duration
	MaxClientMessageBytes int64

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("ANIMA_ADDR", ":8089"),
		GeminiAPIKey:          envOr("ANIMA_GEMINI_API_KEY", envOr("GEMINI_API_KEY", "")),
		LadderPath:            envOr("ANIMA_LADDER_PATH", ""),
		SummaryModel:          envOr("ANIMA_SUMMARY_MODEL", ""),
		GoAwayMargin:          envDurationOr("ANIMA_GOAWAY_MARGIN", 500*time.Millisecond),
		ReconnectDelay:        envDurationOr("ANIMA_RECONNECT_DELAY", 2*time.Second),
		MaxReconnectAttempts:  envIntOr("ANIMA_MAX_RECONNECT_ATTEMPTS", 3),
		CORSAllowedOrigins:    make(map[string]struct{}),
		WSWriteTimeout:        envDurationOr("ANIMA_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:        envDurationOr("ANIMA_WS_PING_INTERVAL", 20*time.Second),
		MaxClientMessageBytes: envInt64Or("ANIMA_MAX_CLIENT_MESSAGE_BYTES", 256<<10),
		ReadHeaderTimeout:     envDurationOr("ANIMA_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("ANIMA_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		LogLevel:              envOr("ANIMA_LOG_LEVEL", "info"),
	}

	for _, origin := range splitCSV(os.Getenv("ANIMA_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("ANIMA_GEMINI_API_KEY (or GEMINI_API_KEY) must be set")
	}
	if cfg.GoAwayMargin < 0 {
		return Config{}, fmt.Errorf("ANIMA_GOAWAY_MARGIN must be >= 0")
	}
	if cfg.ReconnectDelay <= 0 {
		return Config{}, fmt.Errorf("ANIMA_RECONNECT_DELAY must be > 0")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("ANIMA_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("ANIMA_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("ANIMA_WS_PING_INTERVAL must be > 0")
	}
	if cfg.MaxClientMessageBytes <= 0 {
		return Config{}, fmt.Errorf("ANIMA_MAX_CLIENT_MESSAGE_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("ANIMA_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("ANIMA_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("ANIMA_LOG_LEVEL must be one of debug|info|warn|error")
	}

	return cfg, nil
}

// Timing maps the configured timers onto the session machine's shape.
func (c Config) Timing() session.Timing {
	return session.Timing{
		GoAwayMargin:         c.GoAwayMargin,
		ReconnectDelay:       c.ReconnectDelay,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
