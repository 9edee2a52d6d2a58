// Package stream decodes the event-stream the backend uses to deliver assistant text, and encodes
// text in the same framing for the servers in this repository.
//
// A content line carries the exact prefix "data:" followed by the payload, with no space stripped.
// An empty payload is a line break in the assistant's text. Every other line is framing and ignored.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
)

const dataPrefix = "data:"

// maxErrorBody bounds how much of a failed response is kept in StatusError.
const maxErrorBody = 4 << 10

var (
	// ErrStreamUnavailable is returned when the ask response failed or has no readable body.
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrStreamTimeout is returned when the stream stayed silent longer than the idle timeout.
	ErrStreamTimeout = errors.New("stream timeout")
)

// StatusError describes a non-success ask response. It unwraps to ErrStreamUnavailable.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", ErrStreamUnavailable, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrStreamUnavailable, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrStreamUnavailable
}

// Open validates an ask response before any decoding happens. A non-2xx status or a missing body
// fails with an error matching ErrStreamUnavailable, and the response body is closed.
func Open(resp *http.Response) (io.ReadCloser, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: no response", ErrStreamUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		if resp.Body != nil {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			se.Body = strings.TrimSpace(string(b))
		}
		return nil, se
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fmt.Errorf("%w: response has no body", ErrStreamUnavailable)
	}
	return resp.Body, nil
}

// Decode yields the text deltas of r in source order. Lines are split on '\n' at the byte level, so a
// multi-byte character split across reads is reassembled before it is decoded. A final line that is not
// newline-terminated is still emitted if it carries the data prefix.
func Decode(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if err == nil {
				if delta, ok := parseLine(line[:len(line)-1]); ok {
					if !yield(delta, nil) {
						return
					}
				}
				continue
			}

			if errors.Is(err, io.EOF) {
				if delta, ok := parseLine(line); ok {
					yield(delta, nil)
				}
				return
			}

			if errors.Is(err, ErrStreamTimeout) {
				yield("", err)
				return
			}
			yield("", fmt.Errorf("error reading stream: %w", err))
			return
		}
	}
}

// parseLine extracts the delta carried by one complete line.
func parseLine(line string) (string, bool) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	content := line[len(dataPrefix):]
	if content == "" {
		return "\n", true
	}
	return strings.ToValidUTF8(content, "\uFFFD"), true
}
