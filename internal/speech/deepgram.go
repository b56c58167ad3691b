package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmop77/voicedesk/internal/reliability"
	"github.com/gorilla/websocket"
)

type DeepgramConfig struct {
	APIKey     string
	WSBaseURL  string
	APIURL     string
	STTModel   string
	SampleRate int
	HTTPClient *http.Client
}

// DeepgramProvider speaks the Flux listen websocket for STT and the Aura
// speak endpoint for TTS.
type DeepgramProvider struct {
	cfg DeepgramConfig
}

func NewDeepgramProvider(cfg DeepgramConfig) *DeepgramProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = "https://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.STTModel) == "" {
		cfg.STTModel = "flux-general-en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &DeepgramProvider{cfg: cfg}
}

func (p *DeepgramProvider) StartStream(ctx context.Context, _ string) (Stream, <-chan TurnEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v2/listen")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model", p.cfg.STTModel)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.cfg.SampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	events := make(chan TurnEvent, 256)
	s := &deepgramStream{conn: conn, closed: make(chan struct{}), events: events}
	go s.readLoop()
	return s, events, nil
}

type deepgramStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	events    chan TurnEvent
}

func (s *deepgramStream) SendAudioChunk(_ context.Context, audioBase64 string, _ int) error {
	pcm, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return fmt.Errorf("decode audio chunk: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

type fluxMessage struct {
	Type       string  `json:"type"`
	Event      string  `json:"event"`
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"end_of_turn_confidence"`
	Code       string  `json:"code"`
	Detail     string  `json:"description"`
}

// readLoop is the sole writer and closer of the events channel; Close only
// shuts the connection, which unblocks the pending read.
func (s *deepgramStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok := ParseFluxMessage(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}

// ParseFluxMessage maps one Flux websocket frame onto a turn event. Control
// frames that carry no turn signal report ok=false.
func ParseFluxMessage(data []byte) (TurnEvent, bool) {
	var msg fluxMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return TurnEvent{}, false
	}
	now := time.Now().UnixMilli()
	switch msg.Type {
	case "TurnInfo":
		switch msg.Event {
		case "StartOfTurn":
			return TurnEvent{Type: TurnEventStart, Timestamp: now}, true
		case "Update":
			return TurnEvent{Type: TurnEventUpdate, Text: msg.Transcript, Confidence: msg.Confidence, Timestamp: now}, true
		case "EndOfTurn":
			return TurnEvent{Type: TurnEventEnd, Text: msg.Transcript, Confidence: msg.Confidence, Timestamp: now}, true
		default:
			// EagerEndOfTurn and TurnResumed are speculative signals; the
			// arbiter only acts on definite boundaries.
			return TurnEvent{}, false
		}
	case "Error":
		return TurnEvent{
			Type:      TurnEventError,
			Code:      msg.Code,
			Detail:    msg.Detail,
			Retryable: reliability.IsRetryableSTTErrorCode(msg.Code),
			Timestamp: now,
		}, true
	default:
		return TurnEvent{}, false
	}
}

func (s *deepgramStream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
	s.writeMu.Unlock()

	var retErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		retErr = s.conn.Close()
	})
	return retErr
}

const speakChunkSize = 8192

func (p *DeepgramProvider) StartSpeech(ctx context.Context, voice, text string) (SpeechStream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}
	if strings.TrimSpace(voice) == "" {
		voice = "aura-2-asteria-en"
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.APIURL, "/") + "/v1/speak")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", voice)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.cfg.SampleRate))
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speak request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, &SpeakError{Status: resp.StatusCode, Detail: string(detail), Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode)}
	}

	s := &deepgramSpeech{body: resp.Body, closed: make(chan struct{}), events: make(chan SpeechEvent, 512)}
	go s.readLoop()
	return s, nil
}

// SpeakError reports a non-200 response from the speak endpoint.
type SpeakError struct {
	Status    int
	Detail    string
	Retryable bool
}

func (e *SpeakError) Error() string {
	return fmt.Sprintf("speak endpoint status %d: %s", e.Status, e.Detail)
}

type deepgramSpeech struct {
	body      io.ReadCloser
	closeOnce sync.Once
	closed    chan struct{}
	events    chan SpeechEvent
}

// readLoop is the sole writer and closer of the events channel. Close only
// shuts the response body, which unblocks the pending Read.
func (s *deepgramSpeech) readLoop() {
	defer close(s.events)
	buf := make([]byte, speakChunkSize)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			if !s.emit(SpeechEvent{
				Type:        SpeechEventAudio,
				AudioBase64: base64.StdEncoding.EncodeToString(buf[:n]),
				Format:      "pcm16",
			}) {
				return
			}
		}
		if err == io.EOF {
			s.emit(SpeechEvent{Type: SpeechEventFinal})
			return
		}
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.emit(SpeechEvent{Type: SpeechEventError, Code: "stream_read", Detail: err.Error(), Retryable: true})
			}
			return
		}
	}
}

func (s *deepgramSpeech) emit(ev SpeechEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *deepgramSpeech) Events() <-chan SpeechEvent { return s.events }

func (s *deepgramSpeech) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		retErr = s.body.Close()
	})
	return retErr
}
