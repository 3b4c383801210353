package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the command proxy service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Pipeline
	RequestTimeout      time.Duration
	ConfirmationWindow  time.Duration
	IntentConfidenceMin float64
	AllowedServices     []string
	DangerousServices   []string

	// Home Assistant
	HomeAssistantURL   string
	HomeAssistantToken string
	SnapshotCacheTTL   time.Duration

	// OpenAI-compatible provider
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	IntentModel     string
	EmbeddingModel  string
	EmbeddingDim    int
	ProviderTimeout time.Duration

	// Memory
	DatabaseURL        string
	ShortTermWindow    int
	LongTermRecallK    int
	MemoryCleanupEvery time.Duration

	// Rate limiting (requests per minute)
	GlobalRatePerMinute   int
	PerUserRatePerMinute  int
	ProviderRatePerMinute int
	PlatformRatePerMinute int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "ha_proxy"),
		AllowAnyOrigin:   false,

		RequestTimeout:      20 * time.Second,
		ConfirmationWindow:  45 * time.Second,
		IntentConfidenceMin: 0.55,
		AllowedServices: splitPatterns(envOrDefault("PIPELINE_ALLOWED_SERVICES",
			"light.*,switch.*,media_player.*,climate.*,cover.*,fan.*,scene.turn_on,script.*,lock.*,vacuum.*")),
		DangerousServices: splitPatterns(envOrDefault("PIPELINE_DANGEROUS_SERVICES",
			"lock.*,alarm_control_panel.*,cover.garage_*")),

		HomeAssistantURL:   stringsTrimSpace("HA_URL"),
		HomeAssistantToken: stringsTrimSpace("HA_TOKEN"),
		SnapshotCacheTTL:   5 * time.Second,

		OpenAIAPIKey:    stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:   stringsTrimSpace("OPENAI_BASE_URL"),
		IntentModel:     envOrDefault("OPENAI_INTENT_MODEL", "gpt-4o-mini"),
		EmbeddingModel:  envOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDim:    1536,
		ProviderTimeout: 15 * time.Second,

		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		ShortTermWindow:    20,
		LongTermRecallK:    3,
		MemoryCleanupEvery: 10 * time.Minute,

		GlobalRatePerMinute:   120,
		PerUserRatePerMinute:  30,
		ProviderRatePerMinute: 60,
		PlatformRatePerMinute: 120,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestTimeout, err = durationFromEnv("PIPELINE_REQUEST_TIMEOUT", cfg.RequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfirmationWindow, err = durationFromEnv("PIPELINE_CONFIRMATION_WINDOW", cfg.ConfirmationWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.SnapshotCacheTTL, err = durationFromEnv("HA_SNAPSHOT_CACHE_TTL", cfg.SnapshotCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderTimeout, err = durationFromEnv("OPENAI_TIMEOUT", cfg.ProviderTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryCleanupEvery, err = durationFromEnv("MEMORY_CLEANUP_INTERVAL", cfg.MemoryCleanupEvery)
	if err != nil {
		return Config{}, err
	}
	cfg.IntentConfidenceMin, err = floatFromEnv("PIPELINE_INTENT_CONFIDENCE_MIN", cfg.IntentConfidenceMin)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("OPENAI_EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.ShortTermWindow, err = intFromEnv("MEMORY_SHORT_TERM_WINDOW", cfg.ShortTermWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.LongTermRecallK, err = intFromEnv("MEMORY_LONG_TERM_RECALL_K", cfg.LongTermRecallK)
	if err != nil {
		return Config{}, err
	}
	cfg.GlobalRatePerMinute, err = intFromEnv("RATE_GLOBAL_PER_MINUTE", cfg.GlobalRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.PerUserRatePerMinute, err = intFromEnv("RATE_PER_USER_PER_MINUTE", cfg.PerUserRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderRatePerMinute, err = intFromEnv("RATE_PROVIDER_PER_MINUTE", cfg.ProviderRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.PlatformRatePerMinute, err = intFromEnv("RATE_PLATFORM_PER_MINUTE", cfg.PlatformRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.IntentConfidenceMin < 0 || cfg.IntentConfidenceMin > 1 {
		return Config{}, fmt.Errorf("PIPELINE_INTENT_CONFIDENCE_MIN must be in [0,1]")
	}
	if cfg.RequestTimeout < time.Second {
		return Config{}, fmt.Errorf("PIPELINE_REQUEST_TIMEOUT must be at least 1s")
	}
	if cfg.ConfirmationWindow < time.Second {
		return Config{}, fmt.Errorf("PIPELINE_CONFIRMATION_WINDOW must be at least 1s")
	}
	if cfg.ShortTermWindow <= 0 {
		return Config{}, fmt.Errorf("MEMORY_SHORT_TERM_WINDOW must be positive")
	}
	if cfg.LongTermRecallK <= 0 {
		return Config{}, fmt.Errorf("MEMORY_LONG_TERM_RECALL_K must be positive")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("OPENAI_EMBEDDING_DIM must be positive")
	}
	if len(cfg.AllowedServices) == 0 {
		return Config{}, fmt.Errorf("PIPELINE_ALLOWED_SERVICES must not be empty")
	}

	return cfg, nil
}

func splitPatterns(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
