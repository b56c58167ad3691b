package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.DeepgramSTTModel != "flux-general-en" {
		t.Fatalf("DeepgramSTTModel = %q, want %q", cfg.DeepgramSTTModel, "flux-general-en")
	}
	if cfg.OpenAIModel != "gpt-4o" {
		t.Fatalf("OpenAIModel = %q, want %q", cfg.OpenAIModel, "gpt-4o")
	}
	if cfg.PulpooBaseURL != "https://api.pulpoo.com" {
		t.Fatalf("PulpooBaseURL = %q, want default", cfg.PulpooBaseURL)
	}
	if cfg.AudioSampleRate != 16000 {
		t.Fatalf("AudioSampleRate = %d, want 16000", cfg.AudioSampleRate)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_TIMEOUT", "45s")
	t.Setenv("PULPOO_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLMTimeout != 45*time.Second {
		t.Fatalf("LLMTimeout = %v, want 45s", cfg.LLMTimeout)
	}
	if cfg.PulpooTimeout != 3*time.Second {
		t.Fatalf("PulpooTimeout = %v, want 3s", cfg.PulpooTimeout)
	}
}

func TestLoadRejectsTinyInactivityTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_INACTIVITY_TIMEOUT", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want validation failure")
	}
}

func TestLoadRejectsBadBool(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want parse failure")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_FIRST_AUDIO_SLO",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_AUDIO_SAMPLE_RATE",
		"SPEECH_PROVIDER",
		"DEEPGRAM_API_KEY",
		"DEEPGRAM_WS_BASE_URL",
		"DEEPGRAM_API_URL",
		"DEEPGRAM_STT_MODEL",
		"DEEPGRAM_TTS_VOICE",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_MODEL",
		"OPENAI_TIMEOUT",
		"PULPOO_API_KEY",
		"PULPOO_BASE_URL",
		"PULPOO_TIMEOUT",
		"PULPOO_ASSIGNEE_EMAIL",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
