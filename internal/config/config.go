package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds widget server configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Agent / scheduling backend
	AgentAPIBaseURL string
	AgentAPITimeout time.Duration

	// Booking status polling cadence
	PollInitialDelay         time.Duration
	PollAwaitingInitialDelay time.Duration
	PollInterval             time.Duration
	PollAwaitingInterval     time.Duration
	PollTimeout              time.Duration

	// Presentation defaults, overridable per connection
	DefaultAppointmentMinutes int
	WidgetLocale              string
	WidgetTimezone            string

	// Optional Redis transcript mirror
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	TranscriptTTL time.Duration

	CORSAllowedOrigins  []string
	SubmitRatePerSecond float64
	SubmitBurst         int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		AgentAPIBaseURL: strings.TrimRight(getEnv("AGENT_API_BASE_URL", "http://localhost:8000"), "/"),
		AgentAPITimeout: getEnvAsDuration("AGENT_API_TIMEOUT", 30*time.Second),

		PollInitialDelay:         getEnvAsDuration("POLL_INITIAL_DELAY", 2*time.Second),
		PollAwaitingInitialDelay: getEnvAsDuration("POLL_AWAITING_INITIAL_DELAY", time.Second),
		PollInterval:             getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		PollAwaitingInterval:     getEnvAsDuration("POLL_AWAITING_INTERVAL", 3*time.Second),
		PollTimeout:              getEnvAsDuration("POLL_TIMEOUT", 10*time.Second),

		DefaultAppointmentMinutes: getEnvAsInt("DEFAULT_APPOINTMENT_MINUTES", 30),
		WidgetLocale:              getEnv("WIDGET_LOCALE", "en-US"),
		WidgetTimezone:            getEnv("WIDGET_TIMEZONE", "UTC"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		TranscriptTTL: getEnvAsDuration("TRANSCRIPT_TTL", 2*time.Hour),

		CORSAllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		SubmitRatePerSecond: getEnvAsFloat("SUBMIT_RATE_PER_SECOND", 1),
		SubmitBurst:         getEnvAsInt("SUBMIT_BURST", 3),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping empty entries.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
