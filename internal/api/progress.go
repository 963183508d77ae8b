package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/store"
)

const progressRoute = "/v1/runs/{id}/progress"

// handleStreamProgress streams step events of a run as server-sent events.
// Each event is a JSON-encoded model.StepEvent; a final "done" event carries
// the run's status once it finishes.
func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for progress", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(run.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", run.Status)
		return
	}

	// SSE connections outlive the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to a finished run yields a closed channel, so a run that
	// ends between the status check and here still terminates the loop.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	progressStreams.Inc()
	defer progressStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				status := s.finalStatus(r, id)
				_ = writeSSEEvent(w, "done", status)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEStep(w, ev); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// finalStatus reads the run's status after its stream closed. The engine
// writes the final record before closing the stream.
func (s *Server) finalStatus(r *http.Request, id string) string {
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		return "unknown"
	}
	return run.Status
}

// progressHistoryResponse is the JSON response for GET /v1/runs/{id}/progress/history.
type progressHistoryResponse struct {
	RunID  string            `json:"run_id"`
	Status string            `json:"status"`
	Steps  []model.StepEvent `json:"steps"`
}

func (s *Server) handleGetProgressHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for progress history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	events, err := s.store.GetStepEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("get step events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get step events")
		return
	}
	if events == nil {
		events = []model.StepEvent{}
	}

	s.writeJSON(w, http.StatusOK, progressHistoryResponse{
		RunID:  id,
		Status: run.Status,
		Steps:  events,
	})
}

// writeSSEStep writes one step event as a "step" SSE event with a JSON payload.
func writeSSEStep(w http.ResponseWriter, ev model.StepEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "step", string(b))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
