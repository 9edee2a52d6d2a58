package models

// ChatMessage represents one turn of a conversation. User messages are immutable once created, while
// the content of the last assistant message grows as deltas are played back.
type ChatMessage struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message the user submitted.
	RoleUser Role = "user"
	// RoleAssistant represents a message assembled from streamed deltas.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}
