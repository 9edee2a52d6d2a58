// Package scope resolves which persisted conversation a send belongs to. Each Resolver caches the
// identifier of exactly one scope instance and creates it on the backend the first time it is needed.
package scope

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/legisapp/legis/internal/models"
	"golang.org/x/sync/singleflight"
)

// ErrConversationCreationFailed is returned when no conversation identifier could be obtained.
var ErrConversationCreationFailed = errors.New("conversation creation failed")

// Creator creates a conversation bound to a scope and returns its server-issued identifier.
type Creator interface {
	CreateChat(ctx context.Context, s models.Scope) (string, error)
}

// Resolver owns the cached conversation identifier of one scope instance. It is never shared between
// scope instances: switching to another case or client means a new Resolver.
type Resolver struct {
	scope   models.Scope
	creator Creator

	mu         sync.Mutex
	chatID     string
	generation uint64

	group singleflight.Group
}

// NewResolver returns a Resolver for s with an empty cache.
func NewResolver(s models.Scope, creator Creator) *Resolver {
	return &Resolver{scope: s, creator: creator}
}

// Scope returns the scope this resolver is bound to.
func (r *Resolver) Scope() models.Scope {
	return r.scope
}

// ChatID returns the cached identifier, empty when none exists yet.
func (r *Resolver) ChatID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatID
}

// Adopt caches an identifier obtained elsewhere, e.g. a conversation loaded from history.
func (r *Resolver) Adopt(chatID string) {
	r.mu.Lock()
	r.chatID = chatID
	r.generation++
	r.mu.Unlock()
}

// Reset forgets the cached identifier. A creation still in flight when Reset is called does not
// repopulate the cache.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.chatID = ""
	r.generation++
	r.mu.Unlock()
}

// EnsureConversation returns the cached identifier, creating one on the backend if needed. Concurrent
// callers share a single creation request. The reported created flag is true for the caller whose
// call issued the request.
func (r *Resolver) EnsureConversation(ctx context.Context) (chatID string, created bool, err error) {
	r.mu.Lock()
	if r.chatID != "" {
		id := r.chatID
		r.mu.Unlock()
		return id, false, nil
	}
	gen := r.generation
	r.mu.Unlock()

	// Only the caller whose function issues the request sees leader set.
	leader := false
	v, err, _ := r.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		r.mu.Lock()
		if r.generation == gen && r.chatID != "" {
			id := r.chatID
			r.mu.Unlock()
			return id, nil
		}
		r.mu.Unlock()

		leader = true
		id, err := r.creator.CreateChat(ctx, r.scope)
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", errors.New("backend returned an empty chat id")
		}

		r.mu.Lock()
		if r.generation == gen {
			r.chatID = id
		}
		r.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w for %s: %w", ErrConversationCreationFailed, r.scope, err)
	}
	return v.(string), leader, nil
}
