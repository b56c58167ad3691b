package httpapi

import (
	"net/http"

	"github.com/dmop77/voicedesk/internal/observability"
)

// handlePerfLatency reports the rolling per-stage latency window for turn
// processing. Without a metrics registry it still answers with an empty
// snapshot so probes never 500.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{Stages: []observability.StageStats{}})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}
