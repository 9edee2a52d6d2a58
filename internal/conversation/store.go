// Package conversation holds the displayed transcript of one chat surface and folds played-back deltas
// into it.
package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/legisapp/legis/internal/models"
)

// State tracks whether the last message is still receiving deltas.
type State int

const (
	// StateIdle means every message is frozen. The next delta starts a new assistant message.
	StateIdle State = iota
	// StateGrowing means the last message is an assistant message that deltas are appended to.
	StateGrowing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGrowing:
		return "growing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ChangeKind tells observers how the message list was mutated.
type ChangeKind string

const (
	// ChangeAppend is a new message at the end of the list.
	ChangeAppend ChangeKind = "message"
	// ChangeGrow is text appended to the last message.
	ChangeGrow ChangeKind = "delta"
	// ChangeReplace is a wholesale load of a persisted transcript.
	ChangeReplace ChangeKind = "replace"
	// ChangeReset is an empty list with no conversation.
	ChangeReset ChangeKind = "reset"
)

// Change describes one mutation. Message is the affected message after the mutation, and Delta the
// appended text for ChangeGrow. Messages is set only for ChangeReplace.
type Change struct {
	Kind     ChangeKind           `json:"kind"`
	ChatID   string               `json:"chat_id,omitempty"`
	Index    int                  `json:"index"`
	Message  models.ChatMessage   `json:"message"`
	Delta    string               `json:"delta,omitempty"`
	Messages []models.ChatMessage `json:"messages,omitempty"`
}

// Loader fetches a persisted transcript.
type Loader interface {
	Chat(ctx context.Context, chatID string) (models.Chat, error)
}

// Store is the single source of truth for the message list and conversation identifier of one chat
// surface. All methods are safe for concurrent use.
type Store struct {
	loader Loader

	// writeMu orders mutations together with their notifications.
	writeMu sync.Mutex

	mu        sync.RWMutex
	chatID    string
	title     string
	messages  []models.ChatMessage
	state     State
	observers map[int]func(Change)
	nextObs   int
}

// NewStore returns an empty store that loads transcripts through loader.
func NewStore(loader Loader) *Store {
	return &Store{
		loader:    loader,
		observers: make(map[int]func(Change)),
	}
}

// Messages returns a copy of the ordered message list.
func (s *Store) Messages() []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ChatMessage(nil), s.messages...)
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the last message, if any.
func (s *Store) Last() (models.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return models.ChatMessage{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// ChatID returns the active conversation identifier, empty until one is known.
func (s *Store) ChatID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatID
}

// Title returns the server-assigned title of a loaded conversation.
func (s *Store) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// SetChatID records the identifier the current messages belong to.
func (s *Store) SetChatID(chatID string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.chatID = chatID
	s.mu.Unlock()
}

// State returns the growth state of the last message.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Load replaces the whole list with the persisted transcript of chatID. On failure the store is left
// untouched.
func (s *Store) Load(ctx context.Context, chatID string) error {
	if s.loader == nil {
		return fmt.Errorf("store has no loader")
	}
	chat, err := s.loader.Chat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to load chat %s: %w", chatID, err)
	}
	if chat.ID == "" {
		chat.ID = chatID
	}
	s.Replace(chat)
	return nil
}

// Replace installs chat as the displayed conversation. Every loaded message is frozen.
func (s *Store) Replace(chat models.Chat) {
	msgs := append([]models.ChatMessage(nil), chat.Messages...)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.chatID = chat.ID
	s.title = chat.Title
	s.messages = msgs
	s.state = StateIdle
	c := Change{
		Kind:     ChangeReplace,
		ChatID:   chat.ID,
		Index:    len(msgs) - 1,
		Messages: append([]models.ChatMessage(nil), msgs...),
	}
	s.mu.Unlock()

	s.notify(c)
}

// Reset clears the messages and forgets the conversation identifier.
func (s *Store) Reset() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.chatID = ""
	s.title = ""
	s.messages = nil
	s.state = StateIdle
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReset, Index: -1})
}

// append adds msg and moves to the given state.
func (s *Store) append(msg models.ChatMessage, state State) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.state = state
	c := Change{Kind: ChangeAppend, ChatID: s.chatID, Index: len(s.messages) - 1, Message: msg}
	s.mu.Unlock()

	s.notify(c)
}

// growOrStart appends delta to the growing message, or starts a new assistant message with newID when
// nothing is growing.
func (s *Store) growOrStart(delta string, newID func() string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	last := len(s.messages) - 1
	if s.state == StateGrowing && last >= 0 && s.messages[last].Role == models.RoleAssistant {
		s.messages[last].Content += delta
		c := Change{Kind: ChangeGrow, ChatID: s.chatID, Index: last, Message: s.messages[last], Delta: delta}
		s.mu.Unlock()
		s.notify(c)
		return
	}

	msg := models.ChatMessage{ID: newID(), Role: models.RoleAssistant, Content: delta}
	s.messages = append(s.messages, msg)
	s.state = StateGrowing
	c := Change{Kind: ChangeAppend, ChatID: s.chatID, Index: len(s.messages) - 1, Message: msg}
	s.mu.Unlock()

	s.notify(c)
}

// Subscribe registers fn for every subsequent change and returns a function that removes it. Observers
// run synchronously on the mutating goroutine, in mutation order, and must not call mutating methods.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
