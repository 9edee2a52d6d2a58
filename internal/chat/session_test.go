package chat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/legisapp/legis/internal/backend"
	"github.com/legisapp/legis/internal/chat"
	"github.com/legisapp/legis/internal/models"
	"github.com/legisapp/legis/internal/scope"
	"github.com/legisapp/legis/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	creates  atomic.Int32
	createOK bool
	askFn    http.HandlerFunc
}

func (f *fakeAPI) mux() *http.ServeMux {
	mux := http.NewServeMux()
	create := func(w http.ResponseWriter, _ *http.Request) {
		n := f.creates.Add(1)
		if !f.createOK {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(models.CreatedChat{ChatID: "chat-" + string(rune('0'+n))})
	}
	mux.HandleFunc("POST /api/chats", create)
	mux.HandleFunc("POST /api/cases/{caseId}/chats", create)
	mux.HandleFunc("POST /api/ai/ask", func(w http.ResponseWriter, r *http.Request) { f.askFn(w, r) })
	mux.HandleFunc("POST /api/ai/ask/case/{caseId}", func(w http.ResponseWriter, r *http.Request) { f.askFn(w, r) })
	mux.HandleFunc("GET /api/chats/{chatId}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.Chat{
			ID: r.PathValue("chatId"),
			Messages: []models.ChatMessage{
				{ID: "u", Role: models.RoleUser, Content: "antes"},
				{ID: "a", Role: models.RoleAssistant, Content: "respuesta"},
			},
		})
	})
	return mux
}

func streamOf(deltas ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sw := stream.NewWriter(w)
		for _, d := range deltas {
			_ = sw.WriteDelta(d)
		}
	}
}

type notifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *notifier) notify(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *notifier) all() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.errs...)
}

func newSession(t *testing.T, api *fakeAPI, s models.Scope, opts chat.Options) *chat.Session {
	t.Helper()
	srv := httptest.NewServer(api.mux())
	t.Cleanup(srv.Close)

	opts.Interval = time.Millisecond
	sess := chat.NewSession(backend.NewClient(srv.URL, "tok"), s, opts)
	t.Cleanup(sess.Close)
	return sess
}

func waitPlayback(t *testing.T, sess *chat.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Wait(ctx))
}

func TestSendStreamsAnswer(t *testing.T) {
	api := &fakeAPI{createOK: true, askFn: streamOf("Hola", ", ", "mundo", "\n", "fin")}
	var convs []string
	sess := newSession(t, api, models.Unscoped(), chat.Options{
		OnConversation: func(chatID string, created bool) {
			if created {
				convs = append(convs, chatID)
			}
		},
	})

	require.NoError(t, sess.Send(context.Background(), "  saludo  "))
	waitPlayback(t, sess)

	msgs := sess.Store().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "saludo", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hola, mundo\nfin", msgs[1].Content)
	assert.Equal(t, "chat-1", sess.Store().ChatID())
	assert.Equal(t, []string{"chat-1"}, convs)
	assert.False(t, sess.Submitting())
}

func TestSendReusesConversation(t *testing.T) {
	api := &fakeAPI{createOK: true, askFn: streamOf("ok")}
	sess := newSession(t, api, models.CaseScope("A"), chat.Options{})

	for range 3 {
		require.NoError(t, sess.Send(context.Background(), "otra"))
		waitPlayback(t, sess)
	}

	assert.Equal(t, int32(1), api.creates.Load())
	assert.Len(t, sess.Store().Messages(), 6)
}

func TestSendUpstreamFailure(t *testing.T) {
	api := &fakeAPI{createOK: true, askFn: func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}}
	n := &notifier{}
	sess := newSession(t, api, models.Unscoped(), chat.Options{Notify: n.notify})

	err := sess.Send(context.Background(), "hola")
	require.ErrorIs(t, err, stream.ErrStreamUnavailable)
	waitPlayback(t, sess)

	msgs := sess.Store().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hola", msgs[0].Content)

	errs := n.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], stream.ErrStreamUnavailable)
	assert.False(t, sess.Submitting())
}

func TestSendEmptyStream(t *testing.T) {
	api := &fakeAPI{createOK: true, askFn: streamOf()}
	n := &notifier{}
	sess := newSession(t, api, models.Unscoped(), chat.Options{Notify: n.notify})

	require.NoError(t, sess.Send(context.Background(), "hola"))
	waitPlayback(t, sess)

	assert.Len(t, sess.Store().Messages(), 1)
	assert.Empty(t, n.all())
}

func TestSendCreationFailure(t *testing.T) {
	var asked atomic.Bool
	api := &fakeAPI{askFn: func(w http.ResponseWriter, _ *http.Request) {
		asked.Store(true)
		streamOf("x")(w, nil)
	}}
	n := &notifier{}
	sess := newSession(t, api, models.CaseScope("A"), chat.Options{Notify: n.notify})

	err := sess.Send(context.Background(), "hola")
	require.ErrorIs(t, err, scope.ErrConversationCreationFailed)
	assert.False(t, asked.Load())
	assert.Len(t, sess.Store().Messages(), 1)
	assert.Len(t, n.all(), 1)
	assert.Empty(t, sess.Store().ChatID())
}

func TestSendRejections(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	api := &fakeAPI{createOK: true, askFn: func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}}
	sess := newSession(t, api, models.Unscoped(), chat.Options{})

	require.ErrorIs(t, sess.Send(context.Background(), "   "), chat.ErrEmptyPrompt)

	done := make(chan error, 1)
	go func() { done <- sess.Send(context.Background(), "primera") }()
	<-started
	assert.True(t, sess.Submitting())
	require.ErrorIs(t, sess.Send(context.Background(), "segunda"), chat.ErrBusy)
	close(release)
	require.NoError(t, <-done)

	sess.Close()
	sess.Close()
	require.ErrorIs(t, sess.Send(context.Background(), "tercera"), chat.ErrClosed)
}

func TestLoadAndNewChat(t *testing.T) {
	api := &fakeAPI{createOK: true, askFn: streamOf("nueva")}
	sess := newSession(t, api, models.Unscoped(), chat.Options{})

	require.NoError(t, sess.Load(context.Background(), "old"))
	assert.Equal(t, "old", sess.Store().ChatID())
	assert.Len(t, sess.Store().Messages(), 2)

	// Loaded conversations are continued, not recreated.
	require.NoError(t, sess.Send(context.Background(), "sigo"))
	waitPlayback(t, sess)
	assert.Zero(t, api.creates.Load())
	msgs := sess.Store().Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "respuesta", msgs[1].Content)
	assert.Equal(t, "nueva", msgs[3].Content)

	sess.NewChat()
	assert.Empty(t, sess.Store().Messages())
	assert.Empty(t, sess.Store().ChatID())

	require.NoError(t, sess.Send(context.Background(), "de cero"))
	assert.Equal(t, int32(1), api.creates.Load())
}

func TestSwitchScope(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	api := &fakeAPI{createOK: true}
	api.askFn = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		streamOf("ok")(w, r)
	}
	sess := newSession(t, api, models.Unscoped(), chat.Options{})

	require.NoError(t, sess.Send(context.Background(), "general"))
	sess.SwitchScope(models.CaseScope("A"))
	assert.Equal(t, models.CaseScope("A"), sess.Scope())
	assert.Empty(t, sess.Store().Messages())

	require.NoError(t, sess.Send(context.Background(), "del caso"))
	assert.Equal(t, int32(2), api.creates.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/api/ai/ask", "/api/ai/ask/case/A"}, paths)
}

func TestSendCanceled(t *testing.T) {
	api := &fakeAPI{createOK: true, askFn: func(w http.ResponseWriter, r *http.Request) {
		_ = stream.NewWriter(w).WriteDelta("parcial")
		<-r.Context().Done()
	}}
	n := &notifier{}
	sess := newSession(t, api, models.Unscoped(), chat.Options{Notify: n.notify})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := sess.Send(ctx, "hola")
	require.Error(t, err)
	waitPlayback(t, sess)

	msgs := sess.Store().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "parcial", msgs[1].Content)
	assert.Len(t, n.all(), 1)
}

// blockingAsk streams first and then holds the response open until the client goes away. Later calls
// stream rest.
func blockingAsk(first string, rest ...string) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			streamOf(rest...)(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_ = stream.NewWriter(w).WriteDelta(first)
		<-r.Context().Done()
		_ = stream.NewWriter(w).WriteDelta("secret")
	}
}

func sendAsync(sess *chat.Session, prompt string) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- sess.Send(context.Background(), prompt) }()
	return errc
}

func waitPartial(t *testing.T, sess *chat.Session, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		msgs := sess.Store().Messages()
		return len(msgs) == 2 && msgs[1].Content == want
	}, 2*time.Second, time.Millisecond)
}

func TestSwitchScopeDuringSend(t *testing.T) {
	api := &fakeAPI{createOK: true, askFn: blockingAsk("case A ")}
	n := &notifier{}
	sess := newSession(t, api, models.CaseScope("A"), chat.Options{Notify: n.notify})

	errc := sendAsync(sess, "hola")
	waitPartial(t, sess, "case A ")

	sess.SwitchScope(models.CaseScope("B"))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, chat.ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("send was not canceled by the scope switch")
	}
	waitPlayback(t, sess)

	assert.Equal(t, models.CaseScope("B"), sess.Scope())
	assert.Empty(t, sess.Store().Messages())
	assert.Empty(t, sess.Store().ChatID())
	assert.Empty(t, n.all())
	assert.False(t, sess.Submitting())
}

func TestNewChatDuringSend(t *testing.T) {
	api := &fakeAPI{createOK: true, askFn: blockingAsk("answer", "nueva")}
	n := &notifier{}
	sess := newSession(t, api, models.Unscoped(), chat.Options{Notify: n.notify})

	errc := sendAsync(sess, "hola")
	waitPartial(t, sess, "answer")

	sess.NewChat()
	require.ErrorIs(t, <-errc, chat.ErrSuperseded)
	waitPlayback(t, sess)
	assert.Empty(t, sess.Store().Messages())
	assert.Empty(t, sess.Store().ChatID())

	require.NoError(t, sess.Send(context.Background(), "otra vez"))
	waitPlayback(t, sess)
	msgs := sess.Store().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "otra vez", msgs[0].Content)
	assert.Equal(t, "nueva", msgs[1].Content)
	assert.Equal(t, "chat-2", sess.Store().ChatID())
	assert.Equal(t, int32(2), api.creates.Load())
	assert.Empty(t, n.all())
}

func TestLoadDuringSend(t *testing.T) {
	api := &fakeAPI{createOK: true, askFn: blockingAsk("parcial")}
	sess := newSession(t, api, models.Unscoped(), chat.Options{})

	errc := sendAsync(sess, "hola")
	waitPartial(t, sess, "parcial")

	require.NoError(t, sess.Load(context.Background(), "old"))
	require.ErrorIs(t, <-errc, chat.ErrSuperseded)
	waitPlayback(t, sess)

	msgs := sess.Store().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "antes", msgs[0].Content)
	assert.Equal(t, "respuesta", msgs[1].Content)
	assert.Equal(t, "old", sess.Store().ChatID())
}
