// Package sse writes Server-Sent Event frames to an http.ResponseWriter.
// It writes whatever named event + JSON payload a caller already has in
// hand — the request pipeline's synthetic intercept stream
// (internal/pipeline), the Copilot plugin's translated Anthropic events
// (internal/plugin), and the Anthropic plugin's verbatim passthrough
// chunks all share it.
package sse

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// Writer wraps an http.ResponseWriter that has already been asserted to
// support http.Flusher, and writes SSE frames to it.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter asserts that w supports flushing and sets the standard SSE
// response headers. It must be called before the first byte of the
// response body is written — headers are locked in at that point.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing (http.Flusher)")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteNamedEvent writes an Anthropic-style named SSE frame:
//
//	event: <name>
//	data: <json>
//	<blank line>
//
// then flushes immediately so the client observes it in real time.
func (sw *Writer) WriteNamedEvent(name string, payload any) error {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshaling %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, jsonBytes); err != nil {
		return fmt.Errorf("sse: writing %s event: %w", name, err)
	}
	sw.flusher.Flush()
	return nil
}

// WriteData writes a bare "data: <json>\n\n" frame with no event: line
// — the shape OpenAI-compatible streams use (Copilot chat/completions
// passthrough, and this module's own translated Copilot→Anthropic
// output, which likewise omits the event: line).
func (sw *Writer) WriteData(payload any) error {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshaling data event: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("sse: writing data event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// WriteDone writes the terminal "data: [DONE]\n\n" sentinel.
func (sw *Writer) WriteDone() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("sse: writing [DONE]: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// WriteRaw writes pre-framed bytes verbatim and flushes — used by the
// fan-out's client-forwarding sink, which already has a full raw line
// (including its trailing newline) read off the upstream body and must
// not re-encode it.
func (sw *Writer) WriteRaw(line []byte) error {
	if _, err := sw.w.Write(line); err != nil {
		return fmt.Errorf("sse: writing raw line: %w", err)
	}
	sw.flusher.Flush()
	return nil
}
