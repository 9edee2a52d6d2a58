package models

import "fmt"

// ScopeKind is the binding context of a conversation.
type ScopeKind string

const (
	// ScopeNone is the free-standing assistant.
	ScopeNone ScopeKind = "none"
	// ScopeCase binds a conversation to a case.
	ScopeCase ScopeKind = "case"
	// ScopeClient binds a conversation to a client.
	ScopeClient ScopeKind = "client"
)

// Scope identifies which conversation context a message belongs to. TargetID is empty for ScopeNone
// and carries the case or client identifier otherwise.
type Scope struct {
	Kind     ScopeKind
	TargetID string
}

// Unscoped returns the scope of the free-standing assistant.
func Unscoped() Scope {
	return Scope{Kind: ScopeNone}
}

// CaseScope returns the scope of a case-bound conversation.
func CaseScope(caseID string) Scope {
	return Scope{Kind: ScopeCase, TargetID: caseID}
}

// ClientScope returns the scope of a client-bound conversation.
func ClientScope(clientID string) Scope {
	return Scope{Kind: ScopeClient, TargetID: clientID}
}

// ParseScope builds a Scope from its wire form. An empty kind is treated as ScopeNone.
func ParseScope(kind, targetID string) (Scope, error) {
	s := Scope{Kind: ScopeKind(kind), TargetID: targetID}
	if kind == "" {
		s.Kind = ScopeNone
	}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Validate checks that the kind is known and that a target is present exactly when required.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeNone:
		if s.TargetID != "" {
			return fmt.Errorf("unscoped conversation must not carry a target id, got %q", s.TargetID)
		}
	case ScopeCase, ScopeClient:
		if s.TargetID == "" {
			return fmt.Errorf("%s scope requires a target id", s.Kind)
		}
	default:
		return fmt.Errorf("unknown scope kind: %q", s.Kind)
	}
	return nil
}

func (s Scope) String() string {
	if s.Kind == ScopeNone || s.Kind == "" {
		return string(ScopeNone)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.TargetID)
}
