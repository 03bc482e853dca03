package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/metrics"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// StreamEvents handles GET /api/v1/workflows/{id}/stream
// It implements Server-Sent Events (SSE) for streaming workflow events.
// The SSE id is the event sequence; a reconnecting client sends it back as
// Last-Event-ID and receives only later events.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	after, err := lastEventID(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid Last-Event-ID", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	// Subscribe before reading the log so nothing appended in between is lost.
	sub := h.bus.Subscribe(workflowID)
	defer sub.Close()

	history, err := h.insp.Events(ctx, workflowID)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to read events", err)
		return
	}

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("workflow_id", workflowID),
		slog.String("request_id", requestID),
		slog.Int64("after", after),
		slog.String("remote_addr", r.RemoteAddr),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		h.logger.Info("SSE connection closed",
			slog.String("workflow_id", workflowID),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	sent := after
	for _, evt := range history {
		if evt.Sequence <= sent {
			continue
		}
		if !h.writeSSE(w, flusher, evt) {
			closed("write_failed")
			return
		}
		sent = evt.Sequence
		if evt.Type.IsWorkflowTerminal() {
			closed("workflow_finished")
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-sub.C():
			if !ok {
				closed("bus_closed")
				return
			}
			if evt.Sequence <= sent {
				continue
			}
			if !h.writeSSE(w, flusher, evt) {
				closed("write_failed")
				return
			}
			sent = evt.Sequence
			if evt.Type.IsWorkflowTerminal() {
				closed("workflow_finished")
				return
			}

		case <-heartbeat.C:
			if !h.writeComment(w, flusher, "heartbeat") {
				closed("write_failed")
				return
			}
		}
	}
}

// lastEventID reads the resume point from the Last-Event-ID header or the
// after query parameter. Zero means from the beginning.
func lastEventID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) bool {
	if evt == nil {
		return true
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return false
	}
	flusher.Flush()
	return true
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) bool {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return false
	}
	flusher.Flush()
	return true
}
