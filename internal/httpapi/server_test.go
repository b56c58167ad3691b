package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmop77/voicedesk/internal/config"
	"github.com/dmop77/voicedesk/internal/history"
	"github.com/dmop77/voicedesk/internal/observability"
	"github.com/dmop77/voicedesk/internal/protocol"
	"github.com/dmop77/voicedesk/internal/session"
)

var nsCounter int

func newTestServer(t *testing.T, agent Agent) (*httptest.Server, *session.Manager, *history.InMemoryStore) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		DeepgramTTSVoice:         "aura-2-asteria-en",
		AudioSampleRate:          16000,
		AllowAnyOrigin:           true,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	transcripts := history.NewInMemoryStore()
	nsCounter++
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", nsCounter))
	srv := New(cfg, sessions, agent, transcripts, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions, transcripts
}

func TestCreateAndEndSession(t *testing.T) {
	ts, sessions, _ := newTestServer(t, nil)

	createReq := map[string]string{
		"name":  "Dana Reyes",
		"email": "dana@example.com",
	}
	body, _ := json.Marshal(createReq)
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("missing session_id in create response")
	}
	if created.Voice != "aura-2-asteria-en" {
		t.Fatalf("voice = %q, want default", created.Voice)
	}

	fields, err := sessions.Fields(created.SessionID)
	if err != nil {
		t.Fatalf("Fields: %v", err)
	}
	if fields["name"] != "Dana Reyes" || fields["email"] != "dana@example.com" {
		t.Fatalf("caller info not stored at create: %v", fields)
	}

	endRes, err := http.Post(ts.URL+"/v1/sessions/"+created.SessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	missingRes, err := http.Post(ts.URL+"/v1/sessions/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end unknown session request error = %v", err)
	}
	defer missingRes.Body.Close()
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("end unknown status = %d, want %d", missingRes.StatusCode, http.StatusNotFound)
	}
}

func TestSessionTranscript(t *testing.T) {
	ts, sessions, transcripts := newTestServer(t, nil)
	sess := sessions.Create("")

	for i, text := range []string{"Hi, thanks for calling.", "I need to book an appointment.", "Sure, what time works?"} {
		role := "agent"
		if i == 1 {
			role = "user"
		}
		err := transcripts.SaveEntry(context.Background(), history.Entry{
			SessionID: sess.ID,
			Role:      role,
			Content:   text,
		})
		if err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
	}

	res, err := http.Get(ts.URL + "/v1/sessions/" + sess.ID + "/transcript?limit=2")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var got struct {
		SessionID string          `json:"session_id"`
		Entries   []history.Entry `json:"entries"`
	}
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != sess.ID {
		t.Fatalf("session_id = %q", got.SessionID)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(got.Entries))
	}
	if got.Entries[0].Content != "I need to book an appointment." || got.Entries[1].Content != "Sure, what time works?" {
		t.Fatalf("unexpected entries: %+v", got.Entries)
	}

	emptyRes, err := http.Get(ts.URL + "/v1/sessions/never-spoke/transcript")
	if err != nil {
		t.Fatalf("GET empty transcript error = %v", err)
	}
	defer emptyRes.Body.Close()
	if emptyRes.StatusCode != http.StatusOK {
		t.Fatalf("empty status = %d", emptyRes.StatusCode)
	}

	badRes, err := http.Get(ts.URL + "/v1/sessions/" + sess.ID + "/transcript?limit=0")
	if err != nil {
		t.Fatalf("GET bad limit error = %v", err)
	}
	defer badRes.Body.Close()
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", badRes.StatusCode, http.StatusBadRequest)
	}
}

func TestListVoices(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/voices")
	if err != nil {
		t.Fatalf("GET /v1/voices error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var listed listVoicesResponse
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listed.DefaultVoiceID != "aura-2-asteria-en" {
		t.Fatalf("default voice = %q", listed.DefaultVoiceID)
	}
	if len(listed.Voices) == 0 || len(listed.Recommended) == 0 {
		t.Fatalf("empty catalog: %+v", listed)
	}
}

func TestHealthAndPerf(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}

	perfRes, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer perfRes.Body.Close()
	if perfRes.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d", perfRes.StatusCode)
	}
	if ct := perfRes.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("perf content type = %q", ct)
	}
}

// echoAgent acknowledges every inbound message with a system event so the
// websocket plumbing can be exercised without providers.
type echoAgent struct{}

func (echoAgent) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if _, isAudio := msg.(protocol.ClientAudioChunk); isAudio {
				outbound <- protocol.SystemEvent{
					Type:      protocol.TypeSystemEvent,
					SessionID: s.ID,
					Code:      "audio_received",
				}
			}
		}
	}
}

func (echoAgent) PreviewSpeech(ctx context.Context, voice, text string) ([]byte, string, error) {
	return []byte{0x01, 0x00, 0x02, 0x00}, "pcm16", nil
}

func TestSessionWebSocket(t *testing.T) {
	ts, sessions, _ := newTestServer(t, echoAgent{})
	sess := sessions.Create("aura-2-asteria-en")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	chunk := protocol.ClientAudioChunk{
		Type:        protocol.TypeClientAudioChunk,
		SessionID:   sess.ID,
		Seq:         1,
		PCM16Base64: "AAAA",
		SampleRate:  16000,
	}
	if err := conn.WriteJSON(chunk); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var evt protocol.SystemEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if evt.Code != "audio_received" {
		t.Fatalf("ack code = %q", evt.Code)
	}

	// Malformed payloads come back as error events instead of killing the
	// connection.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	var errEvt protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvt); err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if errEvt.Code != "invalid_client_message" {
		t.Fatalf("error code = %q", errEvt.Code)
	}
}

func TestWebSocketRequiresKnownSession(t *testing.T) {
	ts, _, _ := newTestServer(t, echoAgent{})

	res, err := http.Get(ts.URL + "/v1/sessions/ws?session_id=unknown")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestPreviewSpeechWrapsWAV(t *testing.T) {
	ts, _, _ := newTestServer(t, echoAgent{})

	body, _ := json.Marshal(previewSpeechRequest{Voice: "aura-2-luna-en", Text: "hello"})
	res, err := http.Post(ts.URL+"/v1/tts/preview", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("preview request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %q, want audio/wav", ct)
	}
	buf := make([]byte, 4)
	if _, err := res.Body.Read(buf); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(buf) != "RIFF" {
		t.Fatalf("body does not start with RIFF header: %q", buf)
	}
}
