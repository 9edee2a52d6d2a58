// Package handlers serves the browser-facing HTTP surface: the session-cookie relays to the backend
// API and the server-hosted chat surfaces whose store changes are pushed over server-sent events.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/legisapp/legis/internal/chat"
	"github.com/legisapp/legis/internal/models"
	"github.com/tmaxmax/go-sse"
)

const errLoggerKey = "err"

// Backend is the API a hosted surface talks to on behalf of one browser session.
type Backend interface {
	chat.Backend
	Chats(ctx context.Context, s models.Scope) ([]models.ChatSummary, error)
}

// BackendFactory returns a Backend authenticated with the session token of the creating request.
type BackendFactory func(token string) Backend

// Surfaces hosts one chat Session per browser tab. Each surface has its own SSE topic, so observers of
// one tab never see another tab's conversation.
type Surfaces struct {
	sseSrv     *sse.Server
	newBackend BackendFactory
	interval   time.Duration
	logger     *slog.Logger

	// sessionLogger is handed to hosted sessions, which add their own module attribute.
	sessionLogger *slog.Logger

	mu       *sync.Mutex
	surfaces map[string]*surface
}

// NewSurfaces creates the surface host. interval is the playback tick of every hosted session.
func NewSurfaces(newBackend BackendFactory, interval time.Duration, logger *slog.Logger) Surfaces {
	if logger == nil {
		logger = slog.Default()
	}

	return Surfaces{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// Only the surface's own topic; HandleSSE has already checked that it exists.
				surfaceID := s.Req.URL.Query().Get("surface_id")
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, surfaceTopic(surfaceID)},
				}, true
			},
		},
		newBackend:    newBackend,
		interval:      interval,
		logger:        logger.With(slog.String("module", "surfaces")),
		sessionLogger: logger,
		mu:            &sync.Mutex{},
		surfaces:      make(map[string]*surface),
	}
}

func surfaceTopic(surfaceID string) string {
	return fmt.Sprintf("surface-%s", surfaceID)
}

// Len returns the number of live surfaces.
func (s Surfaces) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.surfaces)
}

// Shutdown tears every surface down and terminates the SSE server. Clients get a close event, then
// up to 5 seconds to disconnect before they are cut off.
func (s Surfaces) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*surface, 0, len(s.surfaces))
	for id, sf := range s.surfaces {
		live = append(live, sf)
		delete(s.surfaces, id)
	}
	s.mu.Unlock()

	for _, sf := range live {
		sf.close()
	}

	e := &sse.Message{Type: sse.Type(closeSSEType)}
	e.AppendData("bye")
	// We ignore the error here since we're shutting down anyway
	_ = s.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return s.sseSrv.Shutdown(ctx)
}
