package models

// Chat represents a persisted conversation as the backend returns it. The ID is server issued and
// Messages are in chronological order.
type Chat struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Messages []ChatMessage `json:"messages"`
}

// ChatSummary is a chat entry of the history list, without its transcript.
type ChatSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// CreatedChat is the backend response to a chat creation request.
type CreatedChat struct {
	ChatID string `json:"chat_id"`
}

// AskRequest is the body posted to every ask endpoint, regardless of scope.
type AskRequest struct {
	Prompt string `json:"prompt"`
	ChatID string `json:"chat_id,omitempty"`
}
