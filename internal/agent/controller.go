// Package agent drives one voice conversation: it consumes STT turn events,
// arbitrates floor ownership, and runs the cancellable response pipeline
// (LLM, optional appointment tool, streamed TTS).
package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmop77/voicedesk/internal/history"
	"github.com/dmop77/voicedesk/internal/llm"
	"github.com/dmop77/voicedesk/internal/observability"
	"github.com/dmop77/voicedesk/internal/policy"
	"github.com/dmop77/voicedesk/internal/protocol"
	"github.com/dmop77/voicedesk/internal/pulpoo"
	"github.com/dmop77/voicedesk/internal/session"
	"github.com/dmop77/voicedesk/internal/speech"
	"github.com/dmop77/voicedesk/internal/turn"
	"github.com/google/uuid"
)

const (
	greetingText     = "Hi, thanks for calling. How can I help you today?"
	apologyText      = "I'm sorry, I'm having a little trouble right now. Could you say that again?"
	taskApologyText  = "I'm sorry, I couldn't book that just now. Let's try again in a moment."
	historySaveLimit = 2 * time.Second
)

type Controller struct {
	sessions      *session.Manager
	adapter       llm.Adapter
	stt           speech.Provider
	tts           speech.Synthesizer
	tasks         *pulpoo.Client
	transcripts   history.Store
	metrics       *observability.Metrics
	firstAudioSLO time.Duration
	defaultVoice  string
	assigneeEmail string
}

func NewController(
	sessions *session.Manager,
	adapter llm.Adapter,
	stt speech.Provider,
	tts speech.Synthesizer,
	tasks *pulpoo.Client,
	transcripts history.Store,
	metrics *observability.Metrics,
	firstAudioSLO time.Duration,
	defaultVoice string,
	assigneeEmail string,
) *Controller {
	return &Controller{
		sessions:      sessions,
		adapter:       adapter,
		stt:           stt,
		tts:           tts,
		tasks:         tasks,
		transcripts:   transcripts,
		metrics:       metrics,
		firstAudioSLO: firstAudioSLO,
		defaultVoice:  defaultVoice,
		assigneeEmail: assigneeEmail,
	}
}

type pipelineResult struct {
	turnID    string
	cancelled bool
}

// RunConnection drives a session lifecycle for one websocket connection.
// All turn events are processed in arrival order on this goroutine; the
// pipeline runs concurrently but reports back through pipelineDone so the
// arbiter never races with it.
func (c *Controller) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	sttStream, sttEvents, err := c.stt.StartStream(ctx, s.ID)
	if err != nil {
		c.metrics.ProviderErrors.WithLabelValues("stt", "connect_failed").Inc()
		c.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "stt_connect_failed",
			Source:    "stt",
			Retryable: true,
			Detail:    err.Error(),
		})
		return err
	}
	defer sttStream.Close()

	var (
		turnMu       sync.Mutex
		turnCancel   context.CancelFunc
		activeTurnID string
		lastCancelAt time.Time
	)
	arbiter := turn.New()
	pipelineDone := make(chan pipelineResult, 8)

	hasActiveTurn := func() bool {
		turnMu.Lock()
		defer turnMu.Unlock()
		return activeTurnID != ""
	}

	cancelActiveTurn := func(reason string) {
		turnMu.Lock()
		cancel := turnCancel
		turnID := activeTurnID
		turnCancel = nil
		activeTurnID = ""
		lastCancelAt = time.Now()
		turnMu.Unlock()

		if cancel != nil {
			cancel()
			c.send(outbound, protocol.AgentTurnEnd{
				Type:      protocol.TypeAgentTurnEnd,
				SessionID: s.ID,
				TurnID:    turnID,
				Reason:    reason,
			})
		}
	}

	startResponse := func(transcript string, endedAt time.Time) {
		_ = c.sessions.RecordMessage(s.ID, session.RoleUser, transcript)
		c.saveEntryBestEffort(s.ID, string(session.RoleUser), transcript, false)

		turnID := uuid.NewString()
		if err := c.sessions.BeginResponse(s.ID, turnID); err != nil {
			// The previous slot holder is being torn down; reclaim it.
			cancelActiveTurn("superseded")
			_ = c.sessions.EndResponse(s.ID, "")
			if err := c.sessions.BeginResponse(s.ID, turnID); err != nil {
				c.send(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: s.ID,
					Code:      "response_slot_conflict",
					Source:    "controller",
					Retryable: true,
					Detail:    err.Error(),
				})
				arbiter.OnResponseDone()
				return
			}
		}

		turnCtx, cancel := context.WithCancel(ctx)
		turnMu.Lock()
		turnCancel = cancel
		activeTurnID = turnID
		turnMu.Unlock()

		go func() {
			cancelled := c.runPipeline(turnCtx, s.ID, s.Voice, turnID, transcript, endedAt, outbound)
			cancel()
			pipelineDone <- pipelineResult{turnID: turnID, cancelled: cancelled}
		}()
	}

	bargeIn := func() {
		c.metrics.Interruptions.Inc()
		c.metrics.ObserveTurnIndicator("barge_in")
		_ = c.sessions.Interrupt(s.ID)
		turnMu.Lock()
		turnID := activeTurnID
		turnMu.Unlock()
		c.send(outbound, protocol.AgentInterrupted{
			Type:      protocol.TypeAgentInterrupted,
			SessionID: s.ID,
			TurnID:    turnID,
		})
		cancelActiveTurn("barge_in")
	}

	// Open every conversation; the greeting runs as a regular cancellable
	// turn so the caller can talk over it.
	c.speakGreeting(ctx, s, outbound, &turnMu, &turnCancel, &activeTurnID, pipelineDone)

	for {
		select {
		case <-ctx.Done():
			cancelActiveTurn("connection_closed")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				cancelActiveTurn("connection_closed")
				return nil
			}
			switch m := msg.(type) {
			case protocol.ClientAudioChunk:
				_ = c.sessions.Touch(s.ID)
				if err := sttStream.SendAudioChunk(ctx, m.PCM16Base64, m.SampleRate); err != nil {
					c.metrics.ProviderErrors.WithLabelValues("stt", "send_audio_failed").Inc()
					c.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "stt_send_audio_failed",
						Source:    "stt",
						Retryable: true,
						Detail:    err.Error(),
					})
				}
			case protocol.ClientControl:
				_ = c.sessions.Touch(s.ID)
				switch m.Action {
				case protocol.ActionInterrupt:
					_ = c.sessions.Interrupt(s.ID)
					if hasActiveTurn() {
						c.send(outbound, protocol.AgentInterrupted{
							Type:      protocol.TypeAgentInterrupted,
							SessionID: s.ID,
						})
					}
					cancelActiveTurn("interrupted")
					arbiter.Reset()
				case protocol.ActionStop:
					cancelActiveTurn("stopped")
					arbiter.Reset()
				case protocol.ActionReset:
					cancelActiveTurn("reset")
					arbiter.Reset()
					_ = c.sessions.Reset(s.ID)
					c.send(outbound, protocol.SystemEvent{
						Type:      protocol.TypeSystemEvent,
						SessionID: s.ID,
						Code:      "session_reset",
					})
				}
			}
		case evt, ok := <-sttEvents:
			if !ok {
				cancelActiveTurn("stt_closed")
				return nil
			}
			_ = c.sessions.Touch(s.ID)
			switch evt.Type {
			case speech.TurnEventStart:
				d := arbiter.OnStartOfTurn()
				if d.Action == turn.ActionCancelResponse || (hasActiveTurn() && arbiter.Owner() == turn.OwnerUser) {
					bargeIn()
				}
			case speech.TurnEventUpdate:
				d := arbiter.OnUpdate(evt.Text)
				if d.Action == turn.ActionPublishUpdate && strings.TrimSpace(d.Transcript) != "" {
					c.send(outbound, protocol.TranscriptUpdate{
						Type:      protocol.TypeTranscriptUpdate,
						SessionID: s.ID,
						Text:      d.Transcript,
						TSMs:      evt.Timestamp,
					})
				}
			case speech.TurnEventEnd:
				d := arbiter.OnEndOfTurn(evt.Text)
				if strings.TrimSpace(evt.Text) != "" {
					c.send(outbound, protocol.TranscriptFinal{
						Type:      protocol.TypeTranscriptFinal,
						SessionID: s.ID,
						Text:      strings.TrimSpace(evt.Text),
						TSMs:      evt.Timestamp,
					})
				}
				if d.Action == turn.ActionStartResponse {
					startResponse(d.Transcript, time.Now())
				}
			case speech.TurnEventError:
				c.metrics.ProviderErrors.WithLabelValues("stt", nonEmpty(evt.Code, "stream_error")).Inc()
				c.send(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: s.ID,
					Code:      nonEmpty(evt.Code, "stt_stream_error"),
					Source:    "stt",
					Retryable: evt.Retryable,
					Detail:    evt.Detail,
				})
			}
		case res := <-pipelineDone:
			_ = c.sessions.EndResponse(s.ID, res.turnID)
			turnMu.Lock()
			if activeTurnID == res.turnID {
				activeTurnID = ""
				turnCancel = nil
			}
			cancelAt := lastCancelAt
			turnMu.Unlock()

			// A pipeline can finish naturally in the same instant a barge-in
			// lands; its completion then arrives while the arbiter is waiting
			// for a cancel-ack. That completion IS the ack, so the arbiter
			// state decides here, not the pipeline's own view.
			if res.cancelled || arbiter.State() == turn.StateAgentInterrupted {
				if !cancelAt.IsZero() {
					c.metrics.ObserveTurnStage("cancel_to_ack", time.Since(cancelAt))
				}
				d := arbiter.OnCancelComplete()
				if d.Action == turn.ActionStartResponse {
					startResponse(d.Transcript, time.Now())
				}
			} else {
				arbiter.OnResponseDone()
				c.send(outbound, protocol.AgentTurnEnd{
					Type:      protocol.TypeAgentTurnEnd,
					SessionID: s.ID,
					TurnID:    res.turnID,
					Reason:    "completed",
				})
			}
		}
	}
}

// speakGreeting opens the conversation with a fixed agent turn. It claims
// the response slot like any pipeline so a barge-in cancels it.
func (c *Controller) speakGreeting(
	ctx context.Context,
	s *session.Session,
	outbound chan<- any,
	turnMu *sync.Mutex,
	turnCancel *context.CancelFunc,
	activeTurnID *string,
	pipelineDone chan<- pipelineResult,
) {
	turnID := uuid.NewString()
	if err := c.sessions.BeginResponse(s.ID, turnID); err != nil {
		return
	}
	_ = c.sessions.RecordMessage(s.ID, session.RoleAgent, greetingText)
	c.saveEntryBestEffort(s.ID, string(session.RoleAgent), greetingText, false)

	turnCtx, cancel := context.WithCancel(ctx)
	turnMu.Lock()
	*turnCancel = cancel
	*activeTurnID = turnID
	turnMu.Unlock()

	go func() {
		cancelled := c.streamSpeech(turnCtx, s.ID, s.Voice, turnID, greetingText, time.Now(), outbound)
		cancel()
		pipelineDone <- pipelineResult{turnID: turnID, cancelled: cancelled}
	}()
}

// streamSpeech synthesizes text and forwards audio chunks until the stream
// ends or ctx is cancelled. The cancellation flag is checked before every
// chunk send so barge-in stops transmission within one chunk.
func (c *Controller) streamSpeech(
	ctx context.Context,
	sessionID, voice, turnID, text string,
	startedAt time.Time,
	outbound chan<- any,
) (cancelled bool) {
	if strings.TrimSpace(voice) == "" {
		voice = c.defaultVoice
	}

	c.send(outbound, protocol.AgentReplyText{
		Type:      protocol.TypeAgentReplyText,
		SessionID: sessionID,
		TurnID:    turnID,
		Text:      text,
	})

	stream, err := c.tts.StartSpeech(ctx, voice, text)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		c.metrics.ProviderErrors.WithLabelValues("tts", "start_failed").Inc()
		c.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "tts_start_failed",
			Source:    "tts",
			Retryable: true,
			Detail:    err.Error(),
		})
		return false
	}
	defer stream.Close()

	seq := 0
	firstAudio := false
	for {
		select {
		case <-ctx.Done():
			// Stop forwarding immediately; the provider may still emit
			// buffered chunks but the client has pivoted to the caller.
			return true
		case evt, ok := <-stream.Events():
			if !ok {
				return false
			}
			switch evt.Type {
			case speech.SpeechEventAudio:
				// The select picks arms at random when both are ready, so a
				// cancelled ctx must win here or buffered chunks keep flowing.
				if ctx.Err() != nil {
					return true
				}
				if !firstAudio {
					firstAudio = true
					latency := time.Since(startedAt)
					c.metrics.ObserveFirstAudioLatency(latency)
					c.metrics.ObserveTurnStage("end_of_turn_to_first_audio", latency)
					if c.firstAudioSLO > 0 && latency > c.firstAudioSLO {
						c.metrics.ObserveTurnIndicator("first_audio_slo_miss")
					}
				}
				seq++
				c.send(outbound, protocol.AgentAudioChunk{
					Type:        protocol.TypeAgentAudioChunk,
					SessionID:   sessionID,
					TurnID:      turnID,
					Seq:         seq,
					Format:      evt.Format,
					AudioBase64: evt.AudioBase64,
				})
			case speech.SpeechEventFinal:
				return false
			case speech.SpeechEventError:
				c.metrics.ProviderErrors.WithLabelValues("tts", nonEmpty(evt.Code, "stream_error")).Inc()
				c.send(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      nonEmpty(evt.Code, "tts_stream_error"),
					Source:    "tts",
					Retryable: evt.Retryable,
					Detail:    evt.Detail,
				})
				return false
			}
		}
	}
}

// PreviewSpeech synthesizes a short standalone utterance for voice
// auditioning. It bypasses the LLM and session state entirely.
func (c *Controller) PreviewSpeech(ctx context.Context, voice, text string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 12*time.Second)
	defer cancel()

	if strings.TrimSpace(voice) == "" {
		voice = c.defaultVoice
	}
	if strings.TrimSpace(text) == "" {
		text = "Hi, thanks for calling."
	}

	stream, err := c.tts.StartSpeech(ctx, voice, text)
	if err != nil {
		return nil, "", err
	}
	defer stream.Close()

	var out []byte
	format := ""
	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case evt, ok := <-stream.Events():
			if !ok {
				return out, format, nil
			}
			switch evt.Type {
			case speech.SpeechEventAudio:
				if ctx.Err() != nil {
					return nil, "", ctx.Err()
				}
				if format == "" {
					format = evt.Format
				}
				chunk, err := base64.StdEncoding.DecodeString(evt.AudioBase64)
				if err != nil {
					return nil, "", fmt.Errorf("decode audio chunk: %w", err)
				}
				out = append(out, chunk...)
			case speech.SpeechEventFinal:
				return out, format, nil
			case speech.SpeechEventError:
				return nil, "", fmt.Errorf("tts error: %s %s", evt.Code, evt.Detail)
			}
		}
	}
}

// send delivers critical control messages with a bounded wait and drops
// low-priority bursts when the client cannot keep up.
func (c *Controller) send(outbound chan<- any, msg any) {
	msgType, critical := outboundMessageMeta(msg)

	if critical {
		timer := time.NewTimer(600 * time.Millisecond)
		defer timer.Stop()
		select {
		case outbound <- msg:
			c.metrics.ObserveOutboundMessage(msgType, "delivered")
		case <-timer.C:
			c.metrics.ObserveOutboundMessage(msgType, "timeout")
			c.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
		return
	}

	select {
	case outbound <- msg:
		c.metrics.ObserveOutboundMessage(msgType, "delivered")
	default:
		c.metrics.ObserveOutboundMessage(msgType, "dropped")
		c.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.AgentAudioChunk:
		return string(m.Type), false
	case protocol.TranscriptUpdate:
		return string(m.Type), false
	case protocol.TranscriptFinal:
		return string(m.Type), true
	case protocol.AgentReplyText:
		return string(m.Type), true
	case protocol.AgentInterrupted:
		return string(m.Type), true
	case protocol.AgentTurnEnd:
		return string(m.Type), true
	case protocol.ToolStatus:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	default:
		return fmt.Sprintf("%T", msg), false
	}
}

func (c *Controller) saveEntryBestEffort(sessionID, role, text string, interrupted bool) {
	if c.transcripts == nil {
		return
	}
	redacted, changed := policy.RedactPII(text)
	entry := history.Entry{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Role:        role,
		Content:     redacted,
		PIIRedacted: changed,
		Interrupted: interrupted,
		CreatedAt:   time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historySaveLimit)
		defer cancel()
		if err := c.transcripts.SaveEntry(ctx, entry); err != nil {
			c.metrics.SessionEvents.WithLabelValues("history_save_failed").Inc()
		}
	}()
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
