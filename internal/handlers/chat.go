package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/legisapp/legis/internal/chat"
	"github.com/legisapp/legis/internal/conversation"
	"github.com/legisapp/legis/internal/models"
	"github.com/tmaxmax/go-sse"
)

// SSE event types pushed to surface observers. Store changes use their ChangeKind as event type.
const (
	conversationSSEType = "conversation"
	chatsSSEType        = "chats"
	errorSSEType        = "error"
	closeSSEType        = "close"
)

type createSurfaceRequest struct {
	Scope    string `json:"scope"`
	TargetID string `json:"target_id"`
	ChatID   string `json:"chat_id,omitempty"`
}

type createSurfaceResponse struct {
	SurfaceID string `json:"surface_id"`
}

type conversationEvent struct {
	ChatID  string `json:"chat_id"`
	Created bool   `json:"created"`
}

type errorEvent struct {
	Message string `json:"message"`
}

type surface struct {
	id      string
	token   string
	session *chat.Session
	backend Backend

	ctx       context.Context
	cancel    context.CancelFunc
	unobserve func()
	closeOnce sync.Once
	emit      func(eventType string, v any)
}

func (sf *surface) close() {
	sf.closeOnce.Do(func() {
		sf.cancel()
		sf.unobserve()
		sf.session.Close()
	})
}

// HandleCreate opens a surface in the requested scope, optionally loading an existing conversation.
//
// The body is JSON {"scope": "none|case|client", "target_id": "...", "chat_id": "..."}. The response
// is {"surface_id": "..."}, which observers pass to the SSE endpoint.
func (s Surfaces) HandleCreate(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		http.Error(w, "Missing session", http.StatusUnauthorized)
		return
	}

	var req createSurfaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	sc, err := models.ParseScope(req.Scope, req.TargetID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sf := s.open(token, sc)
	if req.ChatID != "" {
		if err := sf.session.Load(r.Context(), req.ChatID); err != nil {
			s.logger.Error("Failed to load chat",
				slog.String("chatID", req.ChatID),
				slog.String(errLoggerKey, err.Error()))
			s.remove(sf.id)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}

	s.logger.Info("Surface opened", slog.String("surfaceID", sf.id), slog.String("scope", sc.String()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createSurfaceResponse{SurfaceID: sf.id})
}

// authorize returns the surface id names, provided the request carries the session that opened it.
// Otherwise it answers 401 without a session cookie, 404 for unknown surfaces and 403 for another
// session's surface.
func (s Surfaces) authorize(w http.ResponseWriter, r *http.Request, id string) (*surface, bool) {
	token, err := sessionToken(r)
	if err != nil {
		http.Error(w, "Missing session", http.StatusUnauthorized)
		return nil, false
	}
	sf, ok := s.lookup(id)
	if !ok {
		http.Error(w, "Surface not found", http.StatusNotFound)
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(sf.token), []byte(token)) != 1 {
		s.logger.Warn("Surface accessed with another session", slog.String("surfaceID", id))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return sf, true
}

// HandleMessages sends a prompt from the surface. It answers 202 once the send is underway; the
// answer reaches observers as events.
func (s Surfaces) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sf, ok := s.authorize(w, r, r.PathValue("surfaceId"))
	if !ok {
		return
	}

	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "Prompt is required", http.StatusBadRequest)
		return
	}
	if sf.session.Submitting() {
		http.Error(w, chat.ErrBusy.Error(), http.StatusConflict)
		return
	}

	go func() {
		err := sf.session.Send(sf.ctx, req.Prompt)
		switch {
		case err == nil:
		case errors.Is(err, chat.ErrBusy), errors.Is(err, chat.ErrEmptyPrompt):
			// Never entered the send, so it was not reported.
			sf.emit(errorSSEType, errorEvent{Message: err.Error()})
		default:
			s.logger.Debug("Send ended with error",
				slog.String("surfaceID", sf.id),
				slog.String(errLoggerKey, err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// HandleReset starts a new conversation on the surface. A send still in flight is canceled and its
// output discarded.
func (s Surfaces) HandleReset(w http.ResponseWriter, r *http.Request) {
	sf, ok := s.authorize(w, r, r.PathValue("surfaceId"))
	if !ok {
		return
	}

	sf.session.NewChat()
	go s.publishChats(sf)

	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete tears the surface down. Deleting an unknown surface is not an error.
func (s Surfaces) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("surfaceId")
	if _, known := s.lookup(id); !known {
		if _, err := sessionToken(r); err != nil {
			http.Error(w, "Missing session", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, ok := s.authorize(w, r, id); !ok {
		return
	}

	if s.remove(id) {
		e := &sse.Message{Type: sse.Type(closeSSEType)}
		e.AppendData("bye")
		_ = s.sseSrv.Publish(e, surfaceTopic(id))
		s.logger.Info("Surface closed", slog.String("surfaceID", id))
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE subscribes the caller to the events of ?surface_id=. Only the session that opened the
// surface may observe it.
func (s Surfaces) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, r.URL.Query().Get("surface_id")); !ok {
		return
	}
	s.sseSrv.ServeHTTP(w, r)
}

// Register mounts the surface routes on mux.
func (s Surfaces) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /surfaces", s.HandleCreate)
	mux.HandleFunc("POST /surfaces/{surfaceId}/messages", s.HandleMessages)
	mux.HandleFunc("POST /surfaces/{surfaceId}/reset", s.HandleReset)
	mux.HandleFunc("DELETE /surfaces/{surfaceId}", s.HandleDelete)
	mux.HandleFunc("GET /sse/surfaces", s.HandleSSE)
}

func (s Surfaces) open(token string, sc models.Scope) *surface {
	id := uuid.New().String()
	topic := surfaceTopic(id)
	b := s.newBackend(token)

	sf := &surface{id: id, token: token, backend: b}
	sf.ctx, sf.cancel = context.WithCancel(context.Background())
	sf.emit = func(t string, v any) { s.publish(topic, t, v) }

	sf.session = chat.NewSession(b, sc, chat.Options{
		Interval: s.interval,
		Logger:   s.sessionLogger.With(slog.String("surfaceID", id)),
		Notify: func(err error) {
			s.publish(topic, errorSSEType, errorEvent{Message: err.Error()})
		},
		OnConversation: func(chatID string, created bool) {
			if !created {
				return
			}
			s.publish(topic, conversationSSEType, conversationEvent{ChatID: chatID, Created: true})
			go s.publishChats(sf)
		},
	})
	sf.unobserve = sf.session.Store().Subscribe(func(c conversation.Change) {
		s.publish(topic, string(c.Kind), c)
	})

	s.mu.Lock()
	s.surfaces[id] = sf
	s.mu.Unlock()
	return sf
}

func (s Surfaces) lookup(id string) (*surface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, ok := s.surfaces[id]
	return sf, ok
}

func (s Surfaces) remove(id string) bool {
	s.mu.Lock()
	sf, ok := s.surfaces[id]
	delete(s.surfaces, id)
	s.mu.Unlock()

	if ok {
		sf.close()
	}
	return ok
}

// publishChats pushes the refreshed history list of the surface's scope.
func (s Surfaces) publishChats(sf *surface) {
	chats, err := sf.backend.Chats(sf.ctx, sf.session.Scope())
	if err != nil {
		if sf.ctx.Err() == nil {
			s.logger.Error("Failed to list chats",
				slog.String("surfaceID", sf.id),
				slog.String(errLoggerKey, err.Error()))
		}
		return
	}
	if chats == nil {
		chats = []models.ChatSummary{}
	}
	s.publish(surfaceTopic(sf.id), chatsSSEType, chats)
}

func (s Surfaces) publish(topic, eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal event", slog.String("type", eventType), slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: sse.Type(eventType),
	}
	msg.AppendData(string(data))
	if err := s.sseSrv.Publish(&msg, topic); err != nil {
		s.logger.Error("Failed to publish event",
			slog.String("topic", topic),
			slog.String(errLoggerKey, err.Error()))
	}
}
