package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/companion/internal/auth"
)

// Config contains all runtime settings for the companion gateway.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogFormat                string

	AllowAnyOrigin bool

	Credentials      *auth.Credentials
	AuthReplayWindow time.Duration
	SessionTokenTTL  time.Duration

	AudioInputSampleRate  int
	AudioOutputSampleRate int

	VADMinBatchSamples  int
	VADPauseThreshold   time.Duration
	VADMinSpeech        time.Duration
	VADEnergyThreshold  float64
	TaskQueueDepth      int
	MemoryHistoryTurns  int
	PipelineMode        string
	PipelineHTTPURL     string
	PipelineHTTPTimeout time.Duration
	PipelineHTTPStrict  bool
	PipelineHTTPRetries int
	DefaultVoiceID      string

	DatabaseURL     string
	MemoryRedactPII bool
}

// Load reads environment variables and applies safe defaults. Missing or
// malformed AUTH_CREDENTIALS is an error.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "companion"),
		LogLevel:                 strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		AllowAnyOrigin:           false,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		AuthReplayWindow:         auth.DefaultReplayWindow,
		SessionTokenTTL:          5 * time.Minute,
		AudioInputSampleRate:     16000,
		AudioOutputSampleRate:    24000,
		VADMinBatchSamples:       1024,
		VADPauseThreshold:        650 * time.Millisecond,
		VADMinSpeech:             200 * time.Millisecond,
		VADEnergyThreshold:       0.01,
		TaskQueueDepth:           32,
		MemoryHistoryTurns:       10,
		PipelineMode:             strings.ToLower(envOrDefault("PIPELINE_MODE", "mock")),
		PipelineHTTPURL:          stringsTrimSpace("PIPELINE_HTTP_URL"),
		PipelineHTTPTimeout:      60 * time.Second,
		PipelineHTTPRetries:      1,
		DefaultVoiceID:           envOrDefault("PIPELINE_DEFAULT_VOICE_ID", "Dennis"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		MemoryRedactPII:          true,
	}

	creds, err := auth.LoadCredentials(stringsTrimSpace("AUTH_CREDENTIALS"))
	if err != nil {
		return Config{}, fmt.Errorf("AUTH_CREDENTIALS: %w", err)
	}
	cfg.Credentials = creds

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"AUTH_REPLAY_WINDOW", &cfg.AuthReplayWindow},
		{"SESSION_TOKEN_TTL", &cfg.SessionTokenTTL},
		{"VAD_PAUSE_THRESHOLD", &cfg.VADPauseThreshold},
		{"VAD_MIN_SPEECH", &cfg.VADMinSpeech},
		{"PIPELINE_HTTP_TIMEOUT", &cfg.PipelineHTTPTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"AUDIO_INPUT_SAMPLE_RATE", &cfg.AudioInputSampleRate},
		{"AUDIO_OUTPUT_SAMPLE_RATE", &cfg.AudioOutputSampleRate},
		{"VAD_MIN_BATCH_SAMPLES", &cfg.VADMinBatchSamples},
		{"TASK_QUEUE_DEPTH", &cfg.TaskQueueDepth},
		{"MEMORY_HISTORY_TURNS", &cfg.MemoryHistoryTurns},
		{"PIPELINE_HTTP_RETRIES", &cfg.PipelineHTTPRetries},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.VADEnergyThreshold, err = floatFromEnv("VAD_ENERGY_THRESHOLD", cfg.VADEnergyThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PipelineHTTPStrict, err = boolFromEnv("PIPELINE_HTTP_STREAM_STRICT", cfg.PipelineHTTPStrict)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.MemoryRedactPII)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.AuthReplayWindow <= 0 {
		return fmt.Errorf("AUTH_REPLAY_WINDOW must be positive")
	}
	if cfg.SessionTokenTTL <= 0 {
		return fmt.Errorf("SESSION_TOKEN_TTL must be positive")
	}
	if cfg.AudioInputSampleRate <= 0 || cfg.AudioOutputSampleRate <= 0 {
		return fmt.Errorf("AUDIO_INPUT_SAMPLE_RATE and AUDIO_OUTPUT_SAMPLE_RATE must be positive")
	}
	if cfg.VADMinBatchSamples <= 0 {
		return fmt.Errorf("VAD_MIN_BATCH_SAMPLES must be positive")
	}
	if cfg.VADPauseThreshold <= 0 {
		return fmt.Errorf("VAD_PAUSE_THRESHOLD must be positive")
	}
	if cfg.VADMinSpeech < 0 {
		return fmt.Errorf("VAD_MIN_SPEECH must be >= 0")
	}
	if cfg.VADEnergyThreshold <= 0 || cfg.VADEnergyThreshold >= 1 {
		return fmt.Errorf("VAD_ENERGY_THRESHOLD must be in (0, 1)")
	}
	if cfg.TaskQueueDepth < 0 {
		return fmt.Errorf("TASK_QUEUE_DEPTH must be >= 0")
	}
	if cfg.PipelineHTTPRetries < 0 || cfg.PipelineHTTPRetries > 5 {
		return fmt.Errorf("PIPELINE_HTTP_RETRIES must be in [0, 5]")
	}
	switch cfg.PipelineMode {
	case "mock":
	case "http":
		if cfg.PipelineHTTPURL == "" {
			return fmt.Errorf("PIPELINE_HTTP_URL is required when PIPELINE_MODE=http")
		}
	default:
		return fmt.Errorf("PIPELINE_MODE must be mock or http, got %q", cfg.PipelineMode)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	return nil
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
