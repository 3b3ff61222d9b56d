package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by SettingsFromEnv.
const (
	EnvQueryTimeout   = "MCP_QUERY_TIMEOUT"
	EnvConnectTimeout = "MCP_CONNECT_TIMEOUT"
	EnvMaxRows        = "MCP_MAX_ROWS"
	EnvMaxBytes       = "MCP_MAX_BYTES"
	EnvSchemaTTL      = "MCP_SCHEMA_TTL"
	EnvIdleTimeout    = "MCP_IDLE_TIMEOUT"
	EnvRateLimit      = "MCP_RATE_LIMIT"
	EnvRateBurst      = "MCP_RATE_BURST"
	EnvMaintenance    = "MCP_MAINTENANCE_SCHEDULE"
	EnvLogFile        = "MCP_LOG_FILE"
	EnvLogLevel       = "MCP_LOG_LEVEL"
)

// Settings are the tunables of a running gateway.
type Settings struct {
	QueryTimeout   time.Duration
	ConnectTimeout time.Duration
	MaxRows        int
	MaxBytes       int
	// SchemaTTL of zero keeps schema entries for the process lifetime.
	SchemaTTL   time.Duration
	IdleTimeout time.Duration
	// RateLimit is queries per second per database; zero disables it.
	RateLimit           float64
	RateBurst           int
	MaintenanceSchedule string
	LogFile             string
	LogLevel            string
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		QueryTimeout:        30 * time.Second,
		ConnectTimeout:      10 * time.Second,
		MaxRows:             1000,
		MaxBytes:            1 << 20,
		SchemaTTL:           10 * time.Minute,
		IdleTimeout:         15 * time.Minute,
		MaintenanceSchedule: "@every 1m",
		LogFile:             "mcp-db-gateway.log",
		LogLevel:            "info",
	}
}

// LoadDotEnv loads ./.env into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// SettingsFromEnv overlays environment variables on the defaults. A
// malformed value is an error rather than silently ignored.
func SettingsFromEnv() (Settings, error) {
	s := DefaultSettings()
	var errs []error

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{EnvQueryTimeout, &s.QueryTimeout},
		{EnvConnectTimeout, &s.ConnectTimeout},
		{EnvSchemaTTL, &s.SchemaTTL},
		{EnvIdleTimeout, &s.IdleTimeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed < 0 {
				errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.env, v))
				continue
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{EnvMaxRows, &s.MaxRows},
		{EnvMaxBytes, &s.MaxBytes},
		{EnvRateBurst, &s.RateBurst},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 0 {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", i.env, v))
				continue
			}
			*i.dst = parsed
		}
	}

	if v := os.Getenv(EnvRateLimit); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid rate %q", EnvRateLimit, v))
		} else {
			s.RateLimit = parsed
		}
	}

	if v := os.Getenv(EnvMaintenance); v != "" {
		s.MaintenanceSchedule = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		s.LogFile = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		s.LogLevel = v
	}

	return s, errors.Join(errs...)
}
