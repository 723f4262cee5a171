package codec

import (
	"fmt"
	"net/http"
)

// SSEWriter frames events as server-sent-event units on an HTTP response.
// Every unit is flushed immediately so tokens reach the client as they are
// decoded, not when the response buffer fills.
type SSEWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewSSEWriter prepares w for event streaming and returns a writer for it.
// Fails if the underlying ResponseWriter cannot flush incrementally.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &SSEWriter{w: w, f: flusher}, nil
}

// Send writes one event as a "data: <json>" unit and flushes it.
func (s *SSEWriter) Send(ev Event) error {
	payload, err := ev.Payload()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write sse unit: %w", err)
	}
	s.f.Flush()
	return nil
}
