package speech

import "context"

type TurnEventType string

const (
	TurnEventStart  TurnEventType = "start_of_turn"
	TurnEventUpdate TurnEventType = "update"
	TurnEventEnd    TurnEventType = "end_of_turn"
	TurnEventError  TurnEventType = "error"
)

// TurnEvent is one turn-boundary or transcript signal from the STT stream.
type TurnEvent struct {
	Type       TurnEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Retryable  bool
	Timestamp  int64
}

// Stream accepts caller audio for one STT session.
type Stream interface {
	SendAudioChunk(ctx context.Context, audioBase64 string, sampleRate int) error
	Close() error
}

// Provider opens STT streams. Events arrive on the returned channel in
// provider order; the channel closes when the stream ends.
type Provider interface {
	StartStream(ctx context.Context, sessionID string) (Stream, <-chan TurnEvent, error)
}

type SpeechEventType string

const (
	SpeechEventAudio SpeechEventType = "audio"
	SpeechEventFinal SpeechEventType = "final"
	SpeechEventError SpeechEventType = "error"
)

// SpeechEvent is one synthesized audio chunk or terminal signal.
type SpeechEvent struct {
	Type        SpeechEventType
	AudioBase64 string
	Format      string
	Code        string
	Detail      string
	Retryable   bool
}

// SpeechStream yields synthesized audio lazily. The stream is finite and
// not restartable; resynthesis requires a new StartSpeech call.
type SpeechStream interface {
	Events() <-chan SpeechEvent
	Close() error
}

// Synthesizer turns reply text into a streamed audio rendition.
type Synthesizer interface {
	StartSpeech(ctx context.Context, voice, text string) (SpeechStream, error)
}
