package scope

import (
	"net/url"

	"github.com/legisapp/legis/internal/models"
)

// CreatePath returns the backend path that creates a conversation in s.
func CreatePath(s models.Scope) string {
	switch s.Kind {
	case models.ScopeCase:
		return "/api/cases/" + url.PathEscape(s.TargetID) + "/chats"
	case models.ScopeClient:
		return "/api/clients/" + url.PathEscape(s.TargetID) + "/chats"
	default:
		return "/api/chats"
	}
}

// ListPath returns the backend path of the conversation history of s. It shares CreatePath's
// resource, read with GET instead of POST.
func ListPath(s models.Scope) string {
	return CreatePath(s)
}

// AskPath returns the streaming ask endpoint of s.
func AskPath(s models.Scope) string {
	switch s.Kind {
	case models.ScopeCase:
		return "/api/ai/ask/case/" + url.PathEscape(s.TargetID)
	case models.ScopeClient:
		return "/api/ai/ask/client/" + url.PathEscape(s.TargetID)
	default:
		return "/api/ai/ask"
	}
}

// ChatPath returns the transcript path of a conversation.
func ChatPath(chatID string) string {
	return "/api/chats/" + url.PathEscape(chatID)
}
