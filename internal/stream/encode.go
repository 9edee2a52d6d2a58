package stream

import (
	"io"
	"net/http"
	"strings"
)

// Writer frames text deltas as data lines. Line breaks inside a delta become empty data lines, so
// Decode reproduces the original text exactly.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter returns a Writer on w. If w is an http.Flusher, every delta is flushed as it is written.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// WriteDelta writes one delta. An empty delta writes nothing.
func (w *Writer) WriteDelta(delta string) error {
	if delta == "" {
		return nil
	}

	var sb strings.Builder
	for i, part := range strings.Split(delta, "\n") {
		if i > 0 {
			sb.WriteString(dataPrefix + "\n")
		}
		if part != "" {
			sb.WriteString(dataPrefix)
			sb.WriteString(part)
			sb.WriteString("\n")
		}
	}

	if _, err := io.WriteString(w.w, sb.String()); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
