// Package services holds the storage and language-model providers behind the development API.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/legisapp/legis/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	chatsBucket    = []byte("chats")
	sessionsBucket = []byte("sessions")
)

var (
	// ErrChatNotFound is returned for unknown chat identifiers.
	ErrChatNotFound = errors.New("chat not found")
	// ErrSessionNotFound is returned for unknown or expired session tokens.
	ErrSessionNotFound = errors.New("session not found")
)

// ChatRecord is a stored chat header. Messages live in their own bucket.
type ChatRecord struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	ScopeKind models.ScopeKind `json:"scope_kind"`
	TargetID  string           `json:"target_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Scope returns the scope the chat was created in.
func (c ChatRecord) Scope() models.Scope {
	return models.Scope{Kind: c.ScopeKind, TargetID: c.TargetID}
}

type sessionRecord struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltDB persists sessions, chats and their transcripts in a BoltDB file.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (or creates with 0600 permissions) the database at path and initializes the
// top-level buckets.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chatsBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to initialize bolt db: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

// AddSession stores a session token for userID, valid for ttl.
func (b BoltDB) AddSession(_ context.Context, token, userID string, ttl time.Duration) error {
	v, err := json.Marshal(sessionRecord{UserID: userID, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(token), v)
	})
}

// Session returns the user of a live session token.
func (b BoltDB) Session(_ context.Context, token string) (string, error) {
	var rec sessionRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(token))
		if v == nil {
			return ErrSessionNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return "", err
	}
	if time.Now().After(rec.ExpiresAt) {
		return "", ErrSessionNotFound
	}
	return rec.UserID, nil
}

// AddChat creates an empty chat in scope s and its message bucket. The identifier combines a
// sequence number with a random suffix.
func (b BoltDB) AddChat(_ context.Context, s models.Scope) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", idPrefix, uuid.New().String()[:8])

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(newID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(ChatRecord{
			ID:        newID,
			ScopeKind: s.Kind,
			TargetID:  s.TargetID,
			CreatedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return bk.Put([]byte(newID), v)
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// ChatRecord returns the header of chatID.
func (b BoltDB) ChatRecord(_ context.Context, chatID string) (ChatRecord, error) {
	var rec ChatRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if v == nil {
			return ErrChatNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// SetTitle sets the title of chatID unless it already has one.
func (b BoltDB) SetTitle(_ context.Context, chatID, title string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		v := bk.Get([]byte(chatID))
		if v == nil {
			return ErrChatNotFound
		}

		var rec ChatRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		if rec.Title != "" {
			return nil
		}
		rec.Title = title

		v, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return bk.Put([]byte(chatID), v)
	})
}

// Chats returns the chats of scope s, most recent first.
func (b BoltDB) Chats(_ context.Context, s models.Scope) ([]models.ChatSummary, error) {
	chats := []models.ChatSummary{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var rec ChatRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if rec.Scope() == s {
				chats = append(chats, models.ChatSummary{ID: rec.ID, Title: rec.Title})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys sort by sequence only within the same digit count.
	slices.SortStableFunc(chats, func(x, y models.ChatSummary) int {
		return compareChatIDs(y.ID, x.ID)
	})
	return chats, nil
}

// Chat returns chatID with its transcript in stored order.
func (b BoltDB) Chat(ctx context.Context, chatID string) (models.Chat, error) {
	rec, err := b.ChatRecord(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}

	chat := models.Chat{ID: rec.ID, Title: rec.Title, Messages: []models.ChatMessage{}}
	err = b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(_, v []byte) error {
			var msg models.ChatMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			chat.Messages = append(chat.Messages, msg)
			return nil
		})
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// AddMessage appends msg to the transcript of chatID. Keys are zero-padded sequence numbers so that
// iteration follows insertion order.
func (b BoltDB) AddMessage(_ context.Context, chatID string, msg models.ChatMessage) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return ErrChatNotFound
		}

		seq, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		newID = msg.ID

		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bk.Put([]byte(fmt.Sprintf("%020d", seq)), v)
	})
	return newID, err
}

func compareChatIDs(a, b string) int {
	var sa, sb uint64
	_, _ = fmt.Sscanf(a, "%d-", &sa)
	_, _ = fmt.Sscanf(b, "%d-", &sb)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}
