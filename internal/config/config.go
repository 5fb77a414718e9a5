// Package config supplies environment-driven defaults layered under the
// host-supplied SDK configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults for endpoints and behavior knobs. Every value can be overridden
// by the host config or by environment variables.
const (
	DefaultBaseURL               = "https://api.notifly.tech"
	DefaultIngestPath            = "/records"
	DefaultAuthPath              = "/authorize"
	DefaultPlatform              = "server"
	DefaultCalendarOffsetMinutes = 540 // KST
	DefaultSessionInterval       = 30 * time.Minute
)

// Env holds the environment-derived settings.
type Env struct {
	BaseURL string
	// LogLevel enables the built-in logger when set; empty keeps the SDK
	// silent unless the host supplies its own logger.
	LogLevel              string
	MetricsEnabled        bool
	CalendarOffsetMinutes int
	SessionInterval       time.Duration
	StorageTimeout        time.Duration
}

// FromEnv reads settings from environment variables with sensible defaults.
func FromEnv() Env {
	return Env{
		BaseURL:               getEnv("NOTIFLY_BASE_URL", DefaultBaseURL),
		LogLevel:              getEnv("NOTIFLY_LOG_LEVEL", ""),
		MetricsEnabled:        getBoolEnv("NOTIFLY_METRICS_ENABLED", false),
		CalendarOffsetMinutes: getIntEnv("NOTIFLY_CALENDAR_OFFSET_MINUTES", DefaultCalendarOffsetMinutes),
		SessionInterval:       getDurationEnv("NOTIFLY_SESSION_INTERVAL", DefaultSessionInterval),
		StorageTimeout:        getDurationEnv("NOTIFLY_STORAGE_TIMEOUT", 3*time.Second),
	}
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
