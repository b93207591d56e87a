package diag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/listenupapp/filenotify/internal/watcher"
)

// StreamHandler serves GET /events as a server-sent event stream of change events.
//
// Query parameters: prefix limits the stream to one subtree, types is a comma separated list
// of event names (created, modified, deleted, renamed_from, renamed_to).
type StreamHandler struct {
	broker *Broker
	logger *slog.Logger
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(broker *Broker, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		broker: broker,
		logger: logger,
	}
}

// ServeHTTP handles the SSE connection.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Context().Err() != nil {
		return
	}

	prefix := r.URL.Query().Get("prefix")
	if prefix != "" {
		if !filepath.IsAbs(prefix) {
			http.Error(w, "prefix must be an absolute path", http.StatusBadRequest)
			return
		}
		prefix = filepath.Clean(prefix)
	}
	mask, err := watcher.ParseEventMask(r.URL.Query().Get("types"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		h.logger.Error("failed to flush headers", slog.String("error", err.Error()))
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	client, err := h.broker.Connect(prefix, mask)
	if err != nil {
		h.logger.Error("failed to register stream client", slog.String("error", err.Error()))
		http.Error(w, "Failed to establish connection", http.StatusInternalServerError)
		return
	}
	defer h.broker.Disconnect(client.ID)

	clientLogger := h.logger.With(slog.String("client_id", client.ID))

	if err := h.sendEvent(w, rc, streamConnected, map[string]string{
		"client_id": client.ID,
		"prefix":    prefix,
	}); err != nil {
		clientLogger.Warn("failed to send connection message", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-client.Events:
			if !ok {
				return
			}
			if err := h.sendEvent(w, rc, ev.Type, ev); err != nil {
				clientLogger.Debug("client disconnected during send")
				return
			}

		case <-client.Done:
			clientLogger.Debug("client closed by broker")
			return

		case <-ctx.Done():
			clientLogger.Debug("client context canceled")
			return
		}
	}
}

// sendEvent writes one "event:/data:" frame and flushes it.
func (h *StreamHandler) sendEvent(w http.ResponseWriter, rc *http.ResponseController, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		return err
	}

	// Not every ResponseWriter supports deadlines.
	if err := rc.SetWriteDeadline(time.Now().Add(60 * time.Second)); err != nil {
		h.logger.Debug("failed to set write deadline", slog.String("error", err.Error()))
	}
	return nil
}
