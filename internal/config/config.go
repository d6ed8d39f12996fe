package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration
// Note: This is a stateless configuration - session state lives in the
// engine, never on disk, so there is no database to configure.
type Config struct {
	// Environment
	Environment string
	APIHost     string
	APIPort     string

	// OSC output (SuperDirt by default)
	OSCHost    string
	OSCPort    int
	OSCAddress string

	// MIDI output. Empty means "first available port".
	MIDIPort string

	// Destination registry file (YAML). Optional.
	DestinationsFile string

	// Sample/SynthDef storage
	AssetsDir       string
	MaxSampleSizeMB int

	// CORS. Empty falls back to the local development origins.
	AllowedOrigins []string

	// Observability
	SentryDSN string
}

func Load() *Config {
	return &Config{
		Environment:      getEnv("ENVIRONMENT", "development"),
		APIHost:          getEnv("API_HOST", "127.0.0.1"),
		APIPort:          getEnv("API_PORT", "9000"),
		OSCHost:          getEnv("OSC_HOST", "127.0.0.1"),
		OSCPort:          getEnvInt("OSC_PORT", 57120),
		OSCAddress:       getEnv("OSC_ADDRESS", "/dirt/play"),
		MIDIPort:         getEnv("MIDI_PORT", ""),
		DestinationsFile: getEnv("DESTINATIONS_FILE", ""),
		AssetsDir:        getEnv("ASSETS_DIR", "assets"),
		MaxSampleSizeMB:  getEnvInt("MAX_SAMPLE_SIZE_MB", 50),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS"),
		SentryDSN:        getEnv("SENTRY_DSN", ""),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsProduction reports whether the app runs with production settings
// (release gin mode, CloudWatch metrics enabled).
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
