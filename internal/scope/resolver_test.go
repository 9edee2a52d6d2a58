package scope_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/legisapp/legis/internal/models"
	"github.com/legisapp/legis/internal/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCreator struct {
	mu     sync.Mutex
	calls  map[models.Scope]int
	delay  time.Duration
	err    error
	nextID atomic.Int64
}

func newMockCreator() *mockCreator {
	return &mockCreator{calls: make(map[models.Scope]int)}
}

func (m *mockCreator) CreateChat(_ context.Context, s models.Scope) (string, error) {
	m.mu.Lock()
	m.calls[s]++
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("%s#%d", s, m.nextID.Add(1)), nil
}

func (m *mockCreator) callCount(s models.Scope) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[s]
}

func TestEnsureConversationReusesCachedID(t *testing.T) {
	creator := newMockCreator()
	r := scope.NewResolver(models.CaseScope("A"), creator)

	id1, created1, err := r.EnsureConversation(context.Background())
	require.NoError(t, err)
	id2, created2, err := r.EnsureConversation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.True(t, created1)
	assert.False(t, created2)
	assert.Equal(t, 1, creator.callCount(models.CaseScope("A")))
	assert.Equal(t, id1, r.ChatID())
}

func TestEnsureConversationConcurrentCallers(t *testing.T) {
	creator := newMockCreator()
	creator.delay = 20 * time.Millisecond
	r := scope.NewResolver(models.ClientScope("K"), creator)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	var createdCount atomic.Int32
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, created, err := r.EnsureConversation(context.Background())
			assert.NoError(t, err)
			if created {
				createdCount.Add(1)
			}
			ids[i] = id
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, creator.callCount(models.ClientScope("K")))
	assert.Equal(t, int32(1), createdCount.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEnsureConversationScopeIsolation(t *testing.T) {
	creator := newMockCreator()
	a := scope.NewResolver(models.CaseScope("A"), creator)
	b := scope.NewResolver(models.CaseScope("B"), creator)

	var wg sync.WaitGroup
	var idA, idB string
	wg.Add(2)
	go func() {
		defer wg.Done()
		idA, _, _ = a.EnsureConversation(context.Background())
	}()
	go func() {
		defer wg.Done()
		idB, _, _ = b.EnsureConversation(context.Background())
	}()
	wg.Wait()

	assert.NotEqual(t, idA, idB)
	assert.Equal(t, idA, a.ChatID())
	assert.Equal(t, idB, b.ChatID())
	assert.Equal(t, 1, creator.callCount(models.CaseScope("A")))
	assert.Equal(t, 1, creator.callCount(models.CaseScope("B")))

	a.Reset()
	assert.Empty(t, a.ChatID())
	assert.Equal(t, idB, b.ChatID())
}

func TestEnsureConversationFailureIsNotCached(t *testing.T) {
	creator := newMockCreator()
	creator.err = errors.New("status 500")
	r := scope.NewResolver(models.Unscoped(), creator)

	id, created, err := r.EnsureConversation(context.Background())
	require.ErrorIs(t, err, scope.ErrConversationCreationFailed)
	assert.Empty(t, id)
	assert.False(t, created)
	assert.Empty(t, r.ChatID())

	creator.err = nil
	id, created, err = r.EnsureConversation(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, created)
	assert.Equal(t, 2, creator.callCount(models.Unscoped()))
}

func TestResetDuringCreation(t *testing.T) {
	creator := newMockCreator()
	creator.delay = 30 * time.Millisecond
	r := scope.NewResolver(models.Unscoped(), creator)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = r.EnsureConversation(context.Background())
	}()

	time.Sleep(5 * time.Millisecond)
	r.Reset()
	<-done

	assert.Empty(t, r.ChatID())
}

func TestAdopt(t *testing.T) {
	creator := newMockCreator()
	r := scope.NewResolver(models.Unscoped(), creator)
	r.Adopt("existing")

	id, created, err := r.EnsureConversation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "existing", id)
	assert.False(t, created)
	assert.Zero(t, creator.callCount(models.Unscoped()))
}

func TestEndpoints(t *testing.T) {
	tests := []struct {
		scope      models.Scope
		createPath string
		askPath    string
	}{
		{models.Unscoped(), "/api/chats", "/api/ai/ask"},
		{models.CaseScope("c 1"), "/api/cases/c%201/chats", "/api/ai/ask/case/c%201"},
		{models.ClientScope("k1"), "/api/clients/k1/chats", "/api/ai/ask/client/k1"},
	}

	for _, tt := range tests {
		t.Run(tt.scope.String(), func(t *testing.T) {
			assert.Equal(t, tt.createPath, scope.CreatePath(tt.scope))
			assert.Equal(t, tt.createPath, scope.ListPath(tt.scope))
			assert.Equal(t, tt.askPath, scope.AskPath(tt.scope))
		})
	}
	assert.Equal(t, "/api/chats/abc", scope.ChatPath("abc"))
}
