// Package sse frames and parses Server-Sent Events. Writer emits the
// downstream "data: <payload>\n\n" frames; Reader parses upstream provider
// streams.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// DoneMarker is the payload of the terminal success frame.
const DoneMarker = "[DONE]"

// SetHeaders marks a response as an uncached, persistent event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Del("Content-Length")
}

// Writer writes data-only SSE frames and flushes after every frame so each
// one reaches the client as soon as it is produced.
type Writer struct {
	w  io.Writer
	rc *http.ResponseController
}

func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// WriteData writes one frame carrying payload verbatim. payload must not
// contain newlines.
func (s *Writer) WriteData(payload []byte) error {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.Flush()
}

// WriteJSON encodes v without HTML escaping and writes it as one frame.
func (s *Writer) WriteJSON(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return s.WriteData(bytes.TrimRight(buf.Bytes(), "\n"))
}

func (s *Writer) WriteDone() error {
	return s.WriteData([]byte(DoneMarker))
}

func (s *Writer) Flush() error {
	if s.rc == nil {
		return nil
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
