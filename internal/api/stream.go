package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codegen-autofix/internal/fixloop"
)

// sseStream writes Server-Sent Events. Payloads are single-line JSON, so
// user output cannot break an event boundary.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// newSSEStream returns nil if the ResponseWriter does not support flushing.
func newSSEStream(w http.ResponseWriter) *sseStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseStream{w: w, flusher: flusher}
}

func (s *sseStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// streamObserver forwards run progress to the client.
type streamObserver struct {
	stream *sseStream
}

func (o streamObserver) StateChanged(runID string, attempt int, s fixloop.State) {
	if err := o.stream.send("state", StateEvent{RunID: runID, Attempt: attempt + 1, State: s}); err != nil {
		log.Debug().Err(err).Str("run_id", runID).Msg("dropping state event")
	}
}

func (o streamObserver) AttemptFinished(runID string, rec fixloop.AttemptRecord) {
	if err := o.stream.send("attempt", newAttemptEvent(runID, rec)); err != nil {
		log.Debug().Err(err).Str("run_id", runID).Msg("dropping attempt event")
	}
}

// HandleGenerateStream runs the fix loop and streams one attempt event per
// attempt followed by a done or error event.
func (h *Handlers) HandleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeGenerate(w, r)
	if !ok {
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	runID := uuid.New().String()
	started := time.Now()
	res, err := h.fixer.RunWithOptions(r.Context(), req.Prompt, fixloop.RunOptions{
		RunID:       runID,
		MaxAttempts: req.MaxIterations,
		MaxTokens:   req.MaxTokens,
		Observer:    streamObserver{stream: stream},
	})
	if err != nil {
		h.auditFailedRun(runID, req.Prompt, started, err, r)
		_, body := runErrorResponse(err, r)
		_ = stream.send("error", body)
		return
	}

	h.auditRun(res, r)
	_ = stream.send("done", newGenerateResponse(res))
}
