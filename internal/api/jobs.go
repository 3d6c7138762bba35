package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/elonfeng/dinq-analyze-sub001/internal/apperr"
)

type cardSnapshot struct {
	Status   string         `json:"status"`
	Internal bool           `json:"internal"`
	Output   cardOutputView `json:"output"`
}

// handleGetJob implements GET /analyze/jobs/{id} (spec §6): a no-store
// snapshot of the job and its cards.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, cards, err := s.Jobs.GetJobWithCards(jobID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}

	cardSnapshots := make(map[string]cardSnapshot, len(cards))
	for _, c := range cards {
		cardSnapshots[c.CardType] = cardSnapshot{
			Status:   string(c.Status),
			Internal: c.Internal,
			Output:   cardOutputView{Data: c.Output.Data, Stream: c.Output.Stream},
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"source":     job.Source,
		"status":     job.Status,
		"last_seq":   job.LastSeq,
		"next_after": job.LastSeq,
		"cards":      cardSnapshots,
	})
}

// handleStreamJob implements GET /analyze/jobs/{id}/stream?after=<seq>
// (spec §6): server-sent events, one line per event, closing after the
// job's terminal event.
func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.Jobs.GetJob(jobID); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}

	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			after = v
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.Events.Stream(r.Context(), jobID, after, s.Jobs)
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}
