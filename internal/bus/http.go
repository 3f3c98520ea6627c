package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const maxPublishBytes = 4 * 1024 * 1024

// Server exposes a Bus over HTTP for Remote clients. Routing and authentication are the
// caller's concern; handlers receive the channel name already extracted from the path.
type Server struct {
	bus       Bus
	keepAlive time.Duration
	logger    *slog.Logger
}

// NewServer wraps b for HTTP access.
func NewServer(b Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bus: b, keepAlive: 15 * time.Second, logger: logger}
}

// ServePublish publishes the request body, which must be a JSON document, on channel.
func (s *Server) ServePublish(w http.ResponseWriter, r *http.Request, channel string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxPublishBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Frames are single SSE data lines, so payloads are compacted on the way in.
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		http.Error(w, "payload must be JSON", http.StatusBadRequest)
		return
	}

	if err := s.bus.Publish(r.Context(), channel, compact.Bytes()); err != nil {
		s.logger.Error("bus publish failed", "channel", channel, "error", err)
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ServeSubscribe streams channel as server-sent events until the client goes away.
// The subscription is registered before headers are written, so a client that has
// received the response status is already live.
func (s *Server) ServeSubscribe(w http.ResponseWriter, r *http.Request, channel string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.bus.Subscribe(r.Context(), channel)
	if err != nil {
		s.logger.Error("bus subscribe failed", "channel", channel, "error", err)
		http.Error(w, "subscribe failed", http.StatusBadGateway)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info("remote subscriber attached", "channel", channel, "remote", r.RemoteAddr)
	defer s.logger.Info("remote subscriber detached", "channel", channel, "remote", r.RemoteAddr)

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", msg.ID, msg.Payload); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
