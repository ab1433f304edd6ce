package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

var errUnknownEventType = errors.New("sse: unknown event type")

// Writer frames events onto an underlying stream and flushes after
// every frame so clients observe each event as soon as it is produced.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w. If w implements http.Flusher each frame is flushed
// immediately after writing.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// PrepareHeaders sets the response headers required for an SSE stream.
// It must be called before the first Send.
func PrepareHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Send writes one complete frame: "data: " + payload + "\n\n".
func (sw *Writer) Send(e Event) error {
	payload, err := e.MarshalPayload()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}
