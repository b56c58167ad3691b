package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voicedesk service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	FirstAudioSLO            time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	SpeechProvider string

	DeepgramAPIKey    string
	DeepgramWSBaseURL string
	DeepgramAPIURL    string
	DeepgramSTTModel  string
	DeepgramTTSVoice  string
	AudioSampleRate   int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	LLMTimeout    time.Duration

	PulpooAPIKey  string
	PulpooBaseURL string
	PulpooTimeout time.Duration
	AssigneeEmail string

	DatabaseURL string
}

// Load reads an optional .env file, then environment variables, and applies
// safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voicedesk"),
		AllowAnyOrigin:    false,
		SpeechProvider:    envOrDefault("SPEECH_PROVIDER", "auto"),
		DeepgramWSBaseURL: envOrDefault("DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com"),
		DeepgramAPIURL:    envOrDefault("DEEPGRAM_API_URL", "https://api.deepgram.com"),
		DeepgramSTTModel:  envOrDefault("DEEPGRAM_STT_MODEL", "flux-general-en"),
		// Default to a warm, neutral voice for the receptionist agent.
		DeepgramTTSVoice: envOrDefault("DEEPGRAM_TTS_VOICE", "aura-2-asteria-en"),
		OpenAIBaseURL:    envOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:      envOrDefault("OPENAI_MODEL", "gpt-4o"),
		PulpooBaseURL:    envOrDefault("PULPOO_BASE_URL", "https://api.pulpoo.com"),
		AssigneeEmail:    envTrimmed("PULPOO_ASSIGNEE_EMAIL"),

		DeepgramAPIKey: envTrimmed("DEEPGRAM_API_KEY"),
		OpenAIAPIKey:   envTrimmed("OPENAI_API_KEY"),
		PulpooAPIKey:   envTrimmed("PULPOO_API_KEY"),
		DatabaseURL:    envTrimmed("DATABASE_URL"),

		AudioSampleRate:          16000,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		FirstAudioSLO:            900 * time.Millisecond,
		LLMTimeout:               30 * time.Second,
		PulpooTimeout:            10 * time.Second,
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
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTimeout, err = durationFromEnv("OPENAI_TIMEOUT", cfg.LLMTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PulpooTimeout, err = durationFromEnv("PULPOO_TIMEOUT", cfg.PulpooTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("APP_AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}

	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.LLMTimeout < time.Second {
		return Config{}, fmt.Errorf("OPENAI_TIMEOUT must be at least 1s")
	}
	if cfg.PulpooTimeout < time.Second {
		return Config{}, fmt.Errorf("PULPOO_TIMEOUT must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
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
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
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
