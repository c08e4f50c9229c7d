package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/flowtest/internal/eventlog"
	"github.com/flexinfer/flowtest/internal/metrics"
	"github.com/flexinfer/flowtest/pkg/types"
)

// heartbeatInterval keeps idle proxies from closing the stream.
var heartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/tasks/{id}/events.
//
// Events are replayed from the log starting after Last-Event-ID (or the
// "offset" query parameter), then followed live until the run's terminal
// event. Event ids are log sequence numbers, so a reconnecting client resumes
// exactly where it stopped.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	offset, err := resumeOffset(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid resume offset", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	events, err := h.Events.Subscribe(ctx, taskID, offset)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "failed to subscribe to events", err)
		return
	}

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	logger := h.logger.With(
		slog.String("task_id", taskID),
		slog.String("request_id", requestID),
	)
	logger.Info("SSE connection opened", slog.Int64("offset", offset), slog.String("remote_addr", r.RemoteAddr))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		logger.Info("SSE connection closed", slog.Duration("duration", duration), slog.String("reason", reason))
	}

	// Redis streams may redeliver across reconnects of the reader.
	dedup := eventlog.NewDedup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-events:
			if !ok {
				closed("stream_end")
				return
			}
			if evt.Seq <= offset || !dedup.Accept(evt) {
				continue
			}
			if !h.writeSSE(w, flusher, evt) {
				closed("write_error")
				return
			}
			if evt.Type.IsTerminal() {
				closed("run_" + string(evt.Type))
				return
			}

		case <-heartbeat.C:
			if !h.writeComment(w, flusher, "heartbeat") {
				closed("write_error")
				return
			}
		}
	}
}

func resumeOffset(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("offset")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, &strconv.NumError{Func: "ParseInt", Num: raw, Err: strconv.ErrSyntax}
	}
	return n, nil
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) bool {
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", "error", err)
		return false
	}
	flusher.Flush()
	return true
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) bool {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
