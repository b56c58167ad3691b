package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dmop77/voicedesk/internal/audio"
)

type voiceSummary struct {
	VoiceID string            `json:"voice_id"`
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Recommended    []voiceSummary `json:"recommended"`
	Voices         []voiceSummary `json:"voices"`
}

// The Aura catalog is fixed, so the list is served locally instead of
// proxying the provider.
var auraVoices = []voiceSummary{
	{VoiceID: "aura-2-asteria-en", Name: "Asteria (US, clear)", Labels: map[string]string{"gender": "female", "accent": "american"}},
	{VoiceID: "aura-2-luna-en", Name: "Luna (US, warm)", Labels: map[string]string{"gender": "female", "accent": "american"}},
	{VoiceID: "aura-2-stella-en", Name: "Stella (US, bright)", Labels: map[string]string{"gender": "female", "accent": "american"}},
	{VoiceID: "aura-2-athena-en", Name: "Athena (UK, steady)", Labels: map[string]string{"gender": "female", "accent": "british"}},
	{VoiceID: "aura-2-hera-en", Name: "Hera (US, confident)", Labels: map[string]string{"gender": "female", "accent": "american"}},
	{VoiceID: "aura-2-orion-en", Name: "Orion (US, deep)", Labels: map[string]string{"gender": "male", "accent": "american"}},
	{VoiceID: "aura-2-arcas-en", Name: "Arcas (US, calm)", Labels: map[string]string{"gender": "male", "accent": "american"}},
	{VoiceID: "aura-2-helios-en", Name: "Helios (UK, crisp)", Labels: map[string]string{"gender": "male", "accent": "british"}},
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	defaultID := strings.TrimSpace(s.cfg.DeepgramTTSVoice)
	if defaultID == "" {
		defaultID = auraVoices[0].VoiceID
	}

	recommended := []voiceSummary{auraVoices[0], auraVoices[1], auraVoices[3]}
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: defaultID,
		Recommended:    recommended,
		Voices:         auraVoices,
	})
}

type previewSpeechRequest struct {
	Voice string `json:"voice"`
	Text  string `json:"text"`
}

func (s *Server) handlePreviewSpeech(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "agent not configured")
		return
	}

	var req previewSpeechRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	pcm, format, err := s.agent.PreviewSpeech(r.Context(), strings.TrimSpace(req.Voice), strings.TrimSpace(req.Text))
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
		return
	}

	contentType := "application/octet-stream"
	out := pcm
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(format)), "pcm") {
		wav, err := audio.EncodeWAVPCM16LE(pcm, s.cfg.AudioSampleRate)
		if err != nil {
			respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
			return
		}
		out = wav
		contentType = "audio/wav"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	if strings.TrimSpace(format) != "" {
		w.Header().Set("X-Audio-Format", strings.TrimSpace(format))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
