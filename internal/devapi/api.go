// Package devapi is a local stand-in for the legal-practice backend. It issues sessions, creates
// scoped chats, persists transcripts and streams answers from a configured language model in the
// same data-line framing the production API uses.
package devapi

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/legisapp/legis/internal/models"
	"github.com/legisapp/legis/internal/services"
	"github.com/legisapp/legis/internal/stream"
)

const (
	errLoggerKey = "err"

	defaultSessionTTL = 24 * time.Hour
	maxTitleRunes     = 60
)

// LLM produces the answer to a conversation as a sequence of text chunks.
type LLM interface {
	Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[string, error]
}

// Store persists sessions, chats and transcripts.
type Store interface {
	AddSession(ctx context.Context, token, userID string, ttl time.Duration) error
	Session(ctx context.Context, token string) (string, error)

	AddChat(ctx context.Context, s models.Scope) (string, error)
	ChatRecord(ctx context.Context, chatID string) (services.ChatRecord, error)
	SetTitle(ctx context.Context, chatID, title string) error
	Chats(ctx context.Context, s models.Scope) ([]models.ChatSummary, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	AddMessage(ctx context.Context, chatID string, msg models.ChatMessage) (string, error)
}

// API serves the backend contract over HTTP.
type API struct {
	llm        LLM
	store      Store
	sessionTTL time.Duration
	logger     *slog.Logger
}

type sessionRequest struct {
	UserID string `json:"uid"`
}

type sessionResponse struct {
	Status string `json:"status"`
	UserID string `json:"uid"`
}

// NewAPI returns an API answering with llm and persisting to store. A zero sessionTTL selects 24h.
func NewAPI(llm LLM, store Store, sessionTTL time.Duration, logger *slog.Logger) API {
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return API{
		llm:        llm,
		store:      store,
		sessionTTL: sessionTTL,
		logger:     logger.With(slog.String("module", "devapi")),
	}
}

// Handler returns the routed API.
func (a API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/session", a.HandleSession)

	for _, p := range []string{"/api/chats", "/api/cases/{caseId}/chats", "/api/clients/{clientId}/chats"} {
		mux.Handle("POST "+p, a.authenticated(a.HandleCreateChat))
		mux.Handle("GET "+p, a.authenticated(a.HandleListChats))
	}
	mux.Handle("GET /api/chats/{chatId}", a.authenticated(a.HandleChat))

	mux.Handle("POST /api/ai/ask", a.authenticated(a.HandleAsk))
	mux.Handle("POST /api/ai/ask/case/{caseId}", a.authenticated(a.HandleAsk))
	mux.Handle("POST /api/ai/ask/client/{clientId}", a.authenticated(a.HandleAsk))
	return mux
}

// HandleSession issues a session token as a cookie. Any user id is accepted.
func (a API) HandleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = "dev"
	}

	token := uuid.New().String()
	if err := a.store.AddSession(r.Context(), token, req.UserID, a.sessionTTL); err != nil {
		a.logger.Error("Failed to add session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.sessionTTL.Seconds()),
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, sessionResponse{Status: "ok", UserID: req.UserID})
}

// HandleCreateChat creates an empty chat in the scope of the route.
func (a API) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	s := routeScope(r)
	chatID, err := a.store.AddChat(r.Context(), s)
	if err != nil {
		a.logger.Error("Failed to add chat", slog.String("scope", s.String()), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.logger.Info("Chat created", slog.String("scope", s.String()), slog.String("chatID", chatID))
	writeJSON(w, http.StatusOK, models.CreatedChat{ChatID: chatID})
}

// HandleListChats lists the chats of the route's scope, most recent first.
func (a API) HandleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := a.store.Chats(r.Context(), routeScope(r))
	if err != nil {
		a.logger.Error("Failed to list chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// HandleChat returns a transcript.
func (a API) HandleChat(w http.ResponseWriter, r *http.Request) {
	chat, err := a.store.Chat(r.Context(), r.PathValue("chatId"))
	if errors.Is(err, services.ErrChatNotFound) {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("Failed to get chat", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// HandleAsk stores the prompt, then streams the model's answer as data lines and stores it too.
// Model failures before the first chunk are answered with 502; later ones end the stream early.
func (a API) HandleAsk(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		http.Error(w, "Prompt is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s := routeScope(r)
	chatID, status, err := a.askChat(ctx, s, req.ChatID)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	if _, err := a.store.AddMessage(ctx, chatID, models.ChatMessage{Role: models.RoleUser, Content: req.Prompt}); err != nil {
		a.logger.Error("Failed to add user message", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.store.SetTitle(ctx, chatID, title(req.Prompt)); err != nil {
		a.logger.Warn("Failed to set title", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
	}

	chat, err := a.store.Chat(ctx, chatID)
	if err != nil {
		a.logger.Error("Failed to get chat", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	next, stop := iter.Pull2(a.llm.Chat(ctx, chat.Messages))
	defer stop()

	first, err, ok := next()
	if ok && err != nil {
		a.logger.Error("Error from llm provider", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Upstream error", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	sw := stream.NewWriter(w)

	var answer strings.Builder
	for chunk := first; ok; chunk, err, ok = next() {
		if err != nil {
			a.logger.Error("Error from llm provider", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
			break
		}
		answer.WriteString(chunk)
		if err := sw.WriteDelta(chunk); err != nil {
			a.logger.Warn("Client went away", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
			break
		}
	}

	if answer.Len() == 0 {
		return
	}
	// The request context may be gone already; the answer is persisted regardless.
	msg := models.ChatMessage{Role: models.RoleAssistant, Content: answer.String()}
	if _, err := a.store.AddMessage(context.WithoutCancel(ctx), chatID, msg); err != nil {
		a.logger.Error("Failed to add assistant message", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
	}
}

// askChat resolves the conversation an ask request appends to, creating one when none is given.
func (a API) askChat(ctx context.Context, s models.Scope, chatID string) (string, int, error) {
	if chatID == "" {
		id, err := a.store.AddChat(ctx, s)
		if err != nil {
			return "", http.StatusInternalServerError, err
		}
		return id, 0, nil
	}

	rec, err := a.store.ChatRecord(ctx, chatID)
	if errors.Is(err, services.ErrChatNotFound) {
		return "", http.StatusNotFound, errors.New("chat not found")
	}
	if err != nil {
		return "", http.StatusInternalServerError, err
	}
	if rec.Scope() != s {
		return "", http.StatusBadRequest, errors.New("chat belongs to another scope")
	}
	return chatID, 0, nil
}

func (a API) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		user, err := a.store.Session(r.Context(), token)
		if err != nil {
			if !errors.Is(err, services.ErrSessionNotFound) {
				a.logger.Error("Failed to get session", slog.String(errLoggerKey, err.Error()))
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		a.logger.Debug("Authenticated", slog.String("user", user), slog.String("path", r.URL.Path))
		next(w, r)
	})
}

func routeScope(r *http.Request) models.Scope {
	if id := r.PathValue("caseId"); id != "" {
		return models.CaseScope(id)
	}
	if id := r.PathValue("clientId"); id != "" {
		return models.ClientScope(id)
	}
	return models.Unscoped()
}

func title(prompt string) string {
	line, _, _ := strings.Cut(prompt, "\n")
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	r := []rune(line)
	return strings.TrimSpace(string(r[:maxTitleRunes])) + "…"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
