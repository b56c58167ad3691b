package speech

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"
)

// MockProvider is a local fallback used when Deepgram credentials are not
// configured. It fabricates a turn every few audio chunks so the rest of
// the stack can be exercised end to end.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartStream(_ context.Context, _ string) (Stream, <-chan TurnEvent, error) {
	events := make(chan TurnEvent, 64)
	s := &mockStream{events: events}
	return s, events, nil
}

type mockStream struct {
	mu      sync.Mutex
	events  chan TurnEvent
	chunks  int
	talking bool
	closed  bool
}

func (s *mockStream) SendAudioChunk(_ context.Context, audioBase64 string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || strings.TrimSpace(audioBase64) == "" {
		return nil
	}
	s.chunks++
	now := time.Now().UnixMilli()
	if !s.talking {
		s.talking = true
		s.events <- TurnEvent{Type: TurnEventStart, Timestamp: now}
		return nil
	}
	if s.chunks%8 == 0 {
		s.talking = false
		s.events <- TurnEvent{Type: TurnEventEnd, Text: "simulated voice input", Confidence: 0.9, Timestamp: now}
		return nil
	}
	s.events <- TurnEvent{Type: TurnEventUpdate, Text: "simulated", Confidence: 0.5, Timestamp: now}
	return nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockSynthesizer renders reply text as base64 text bytes, one word per chunk.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (p *MockSynthesizer) StartSpeech(_ context.Context, _ string, text string) (SpeechStream, error) {
	events := make(chan SpeechEvent, 128)
	go func() {
		defer close(events)
		for _, word := range strings.Fields(text) {
			events <- SpeechEvent{
				Type:        SpeechEventAudio,
				AudioBase64: base64.StdEncoding.EncodeToString([]byte(word)),
				Format:      "mock_text_bytes",
			}
		}
		events <- SpeechEvent{Type: SpeechEventFinal}
	}()
	return &mockSpeech{events: events}, nil
}

type mockSpeech struct {
	events chan SpeechEvent
}

func (s *mockSpeech) Events() <-chan SpeechEvent { return s.events }

func (s *mockSpeech) Close() error { return nil }
