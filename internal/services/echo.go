package services

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/legisapp/legis/internal/models"
)

// Echo answers with the last user message, word by word. It needs no model and is the default
// provider of the development API.
type Echo struct {
	prefix string
	delay  time.Duration
}

// NewEcho returns an Echo that prefixes its answers with prefix and pauses delay between chunks.
func NewEcho(prefix string, delay time.Duration) Echo {
	return Echo{prefix: prefix, delay: delay}
}

// Chat yields the prefix and then every word of the last user message, keeping line breaks as their
// own chunks.
func (e Echo) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var prompt string
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == models.RoleUser {
				prompt = messages[i].Content
				break
			}
		}

		chunks := echoChunks(e.prefix + prompt)
		for i, chunk := range chunks {
			if i > 0 && e.delay > 0 {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-time.After(e.delay):
				}
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// echoChunks splits s after every space, and around every newline.
func echoChunks(s string) []string {
	var chunks []string
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			chunks = append(chunks, "\n")
		}
		for len(line) > 0 {
			n := strings.IndexByte(line, ' ')
			if n < 0 {
				chunks = append(chunks, line)
				break
			}
			chunks = append(chunks, line[:n+1])
			line = line[n+1:]
		}
	}
	return chunks
}
