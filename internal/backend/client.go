// Package backend is the client of the remote legal-practice API: conversation creation, streaming
// asks and transcript reads, all authenticated with the session's bearer credential.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/legisapp/legis/internal/models"
	"github.com/legisapp/legis/internal/scope"
	"github.com/legisapp/legis/internal/stream"
)

const maxErrorBody = 4 << 10

// StatusError is a non-success response from a JSON endpoint.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the backend on behalf of one session.
type Client struct {
	baseURL     string
	token       string
	idleTimeout time.Duration

	client *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithStreamIdleTimeout fails an ask stream that stays silent for d with stream.ErrStreamTimeout.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.idleTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient returns a Client for the API at baseURL authenticated with token.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	c.logger = c.logger.With(slog.String("module", "backend"))
	return c
}

// BaseURL returns the API root the client targets.
func (c Client) BaseURL() string {
	return c.baseURL
}

// CreateChat creates a conversation in s and returns its identifier.
func (c Client) CreateChat(ctx context.Context, s models.Scope) (string, error) {
	var created models.CreatedChat
	if err := c.doJSON(ctx, http.MethodPost, scope.CreatePath(s), nil, &created); err != nil {
		return "", err
	}
	c.logger.Debug("Chat created", slog.String("scope", s.String()), slog.String("chatID", created.ChatID))
	return created.ChatID, nil
}

// Chat returns the persisted transcript of chatID.
func (c Client) Chat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	if err := c.doJSON(ctx, http.MethodGet, scope.ChatPath(chatID), nil, &chat); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// Chats returns the conversation history of s.
func (c Client) Chats(ctx context.Context, s models.Scope) ([]models.ChatSummary, error) {
	var chats []models.ChatSummary
	if err := c.doJSON(ctx, http.MethodGet, scope.ListPath(s), nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// Ask posts prompt to the ask endpoint of s and returns the event-stream body. Failures to obtain a
// readable stream match stream.ErrStreamUnavailable.
func (c Client) Ask(ctx context.Context, s models.Scope, chatID, prompt string) (io.ReadCloser, error) {
	body, err := json.Marshal(models.AskRequest{Prompt: prompt, ChatID: chatID})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, scope.AskPath(s), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrStreamUnavailable, err)
	}

	rc, err := stream.Open(resp)
	if err != nil {
		c.logger.Error("Ask failed",
			slog.String("scope", s.String()),
			slog.String("chatID", chatID),
			slog.String("err", err.Error()))
		return nil, err
	}
	return stream.WithIdleTimeout(rc, c.idleTimeout), nil
}

func (c Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	op := method + " " + path
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding %s response: %w", op, err)
	}
	return nil
}
