package conversation

import (
	"github.com/google/uuid"
	"github.com/legisapp/legis/internal/models"
)

// Clearer is the pending-delta queue left over from a previous exchange.
type Clearer interface {
	Clear()
}

// Assembler folds user sends and played-back deltas into a Store.
type Assembler struct {
	store   *Store
	pending Clearer
	newID   func() string
}

// NewAssembler returns an Assembler writing to store. pending may be nil.
func NewAssembler(store *Store, pending Clearer) *Assembler {
	return &Assembler{
		store:   store,
		pending: pending,
		newID:   func() string { return uuid.New().String() },
	}
}

// Begin records a send: residual deltas of the previous exchange are dropped and the submitted text
// is appended as an immutable user message, freezing whatever was growing.
func (a *Assembler) Begin(prompt string) models.ChatMessage {
	if a.pending != nil {
		a.pending.Clear()
	}
	msg := models.ChatMessage{
		ID:      a.newID(),
		Role:    models.RoleUser,
		Content: prompt,
	}
	a.store.append(msg, StateIdle)
	return msg
}

// Apply grows the current assistant message by delta, or starts one when the last message is frozen.
// A lone "\n" is content like any other delta.
func (a *Assembler) Apply(delta string) {
	a.store.growOrStart(delta, a.newID)
}
