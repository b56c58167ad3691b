// Package app assembles the service from configuration: providers, session
// manager, conversation controller and HTTP API.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmop77/voicedesk/internal/agent"
	"github.com/dmop77/voicedesk/internal/config"
	"github.com/dmop77/voicedesk/internal/history"
	"github.com/dmop77/voicedesk/internal/httpapi"
	"github.com/dmop77/voicedesk/internal/llm"
	"github.com/dmop77/voicedesk/internal/observability"
	"github.com/dmop77/voicedesk/internal/pulpoo"
	"github.com/dmop77/voicedesk/internal/session"
	"github.com/dmop77/voicedesk/internal/speech"
)

type SpeechInfo struct {
	Provider     string
	DefaultVoice string
}

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Controller *agent.Controller
	Metrics    *observability.Metrics
	Speech     SpeechInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	transcripts, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	adapter, err := llm.NewAdapter(llm.Config{
		Mode:    "auto",
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.LLMTimeout,
	})
	if err != nil {
		_ = transcripts.Close()
		return nil, fmt.Errorf("llm adapter init failed: %w", err)
	}

	stt, tts, resolvedProvider, err := resolveSpeechProviders(cfg)
	if err != nil {
		_ = transcripts.Close()
		return nil, err
	}
	cfg.SpeechProvider = resolvedProvider

	var tasks *pulpoo.Client
	if strings.TrimSpace(cfg.PulpooAPIKey) != "" {
		tasks = pulpoo.NewClient(cfg.PulpooBaseURL, cfg.PulpooAPIKey, cfg.PulpooTimeout)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	controller := agent.NewController(
		sessions,
		adapter,
		stt,
		tts,
		tasks,
		transcripts,
		metrics,
		cfg.FirstAudioSLO,
		cfg.DeepgramTTSVoice,
		cfg.AssigneeEmail,
	)

	api := httpapi.New(cfg, sessions, controller, transcripts, metrics)

	cleanup := func() error {
		return transcripts.Close()
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Controller: controller,
		Metrics:    metrics,
		Speech: SpeechInfo{
			Provider:     resolvedProvider,
			DefaultVoice: cfg.DeepgramTTSVoice,
		},
		Cleanup: cleanup,
	}, nil
}

// resolveSpeechProviders picks the STT and TTS backends. "auto" uses
// Deepgram when a key is configured and the local mock otherwise, which
// keeps development working without credentials.
func resolveSpeechProviders(cfg config.Config) (speech.Provider, speech.Synthesizer, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.SpeechProvider))
	hasKey := strings.TrimSpace(cfg.DeepgramAPIKey) != ""

	switch mode {
	case "", "auto":
		if hasKey {
			p := newDeepgram(cfg)
			return p, p, "deepgram", nil
		}
		return speech.NewMockProvider(), speech.NewMockSynthesizer(), "mock", nil
	case "deepgram":
		if !hasKey {
			return nil, nil, "", fmt.Errorf("speech provider %q requires DEEPGRAM_API_KEY", mode)
		}
		p := newDeepgram(cfg)
		return p, p, "deepgram", nil
	case "mock":
		return speech.NewMockProvider(), speech.NewMockSynthesizer(), "mock", nil
	default:
		return nil, nil, "", fmt.Errorf("unknown speech provider %q", cfg.SpeechProvider)
	}
}

func newDeepgram(cfg config.Config) *speech.DeepgramProvider {
	return speech.NewDeepgramProvider(speech.DeepgramConfig{
		APIKey:     cfg.DeepgramAPIKey,
		WSBaseURL:  cfg.DeepgramWSBaseURL,
		APIURL:     cfg.DeepgramAPIURL,
		STTModel:   cfg.DeepgramSTTModel,
		SampleRate: cfg.AudioSampleRate,
	})
}
