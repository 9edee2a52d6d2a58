// Package chat hosts one chat surface: the conversation store, its playback scheduler and the scope
// resolver, wired so that a send flows resolver → stream → scheduler → assembler → store.
//
// Failures are caught at the send boundary, reported once through the notifier, and returned. The
// store is never rolled back: the user's message stays, and a half-grown answer simply stops growing.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/legisapp/legis/internal/conversation"
	"github.com/legisapp/legis/internal/models"
	"github.com/legisapp/legis/internal/playback"
	"github.com/legisapp/legis/internal/scope"
	"github.com/legisapp/legis/internal/stream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const errLoggerKey = "err"

var (
	// ErrBusy is returned when a send is attempted while another one is in flight.
	ErrBusy = errors.New("a message is already being sent")
	// ErrEmptyPrompt is returned for prompts that are blank after trimming.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrClosed is returned by a session that was torn down.
	ErrClosed = errors.New("chat session is closed")
	// ErrSuperseded is returned by a send whose conversation was replaced while it ran, by NewChat,
	// SwitchScope or Load. Its output is discarded and it is not reported.
	ErrSuperseded = errors.New("conversation changed during send")
)

// queuedDelta is a delta tagged with the conversation epoch it was produced for.
type queuedDelta struct {
	epoch uint64
	text  string
}

// Backend is everything a session needs from the remote API.
type Backend interface {
	scope.Creator
	conversation.Loader
	Ask(ctx context.Context, s models.Scope, chatID, prompt string) (io.ReadCloser, error)
}

// Options tunes a Session. The zero value is usable.
type Options struct {
	// Interval is the playback tick. Zero selects playback.DefaultInterval.
	Interval time.Duration
	Logger   *slog.Logger

	// Notify receives every failed send, once. It is the user-visible notification.
	Notify func(err error)
	// OnConversation is called when a send obtained its conversation id; created reports whether the
	// backend issued it for this send.
	OnConversation func(chatID string, created bool)
}

// Session is one chat surface. It is safe for concurrent use, but only one send runs at a time.
type Session struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	store     *conversation.Store
	scheduler *playback.Scheduler[queuedDelta]
	assembler *conversation.Assembler

	mu       sync.Mutex
	resolver *scope.Resolver

	// playMu orders store mutations against conversation switches. epoch changes on every switch;
	// deltas and adoptions of an older epoch are dropped.
	playMu     sync.Mutex
	epoch      uint64
	cancelSend context.CancelFunc

	submitting atomic.Bool
	closed     atomic.Bool
}

// NewSession creates a surface for scope s and starts its playback scheduler.
func NewSession(b Backend, s models.Scope, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := conversation.NewStore(b)
	sess := &Session{
		backend:  b,
		opts:     opts,
		logger:   logger.With(slog.String("module", "chat"), slog.String("scope", s.String())),
		store:    store,
		resolver: scope.NewResolver(s, b),
	}
	sess.scheduler = playback.NewScheduler(opts.Interval, func(d queuedDelta) {
		sess.playMu.Lock()
		defer sess.playMu.Unlock()
		if d.epoch != sess.epoch {
			return
		}
		sess.assembler.Apply(d.text)
		instruments().deltas.Add(context.Background(), 1)
	})
	sess.assembler = conversation.NewAssembler(store, sess.scheduler)
	sess.scheduler.Start()
	return sess
}

// Store returns the observed conversation store.
func (s *Session) Store() *conversation.Store {
	return s.store
}

// Scope returns the current scope.
func (s *Session) Scope() models.Scope {
	return s.currentResolver().Scope()
}

// Submitting reports whether a send is in flight.
func (s *Session) Submitting() bool {
	return s.submitting.Load()
}

// Send submits prompt in the current scope and blocks until the answer stream is consumed. Deltas
// keep being played back after Send returns; use Wait to block until playback drains.
func (s *Session) Send(ctx context.Context, prompt string) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	if !s.submitting.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.submitting.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resolver := s.currentResolver()
	ins := instruments()
	ctx, span := ins.tracer.Start(ctx, "chat.send",
		trace.WithAttributes(attribute.String("legis.scope", resolver.Scope().String())))
	// The question is visible before any request is issued.
	epoch := s.begin(prompt, cancel)

	defer func() {
		attrs := metric.WithAttributes(attribute.String("legis.scope_kind", string(resolver.Scope().Kind)))
		ins.sends.Add(ctx, 1, attrs)
		switch {
		case err == nil:
		case s.closed.Load():
			err = ErrClosed
		case s.stale(epoch):
			err = ErrSuperseded
		}
		if err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrSuperseded) {
				ins.failures.Add(ctx, 1, attrs)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.report(err)
		}
		span.End()
	}()

	chatID, created, err := resolver.EnsureConversation(ctx)
	if err != nil {
		return err
	}
	if !s.adopt(resolver, epoch, chatID, created) {
		return ErrSuperseded
	}

	body, err := s.backend.Ask(ctx, resolver.Scope(), chatID, prompt)
	if err != nil {
		if !errors.Is(err, stream.ErrStreamUnavailable) {
			err = fmt.Errorf("%w: %w", stream.ErrStreamUnavailable, err)
		}
		return err
	}
	defer body.Close()

	count := 0
	for delta, err := range stream.Decode(body) {
		if err != nil {
			return err
		}
		if s.closed.Load() {
			s.logger.Debug("Discarding stream of closed session", slog.String("chatID", chatID))
			return ErrClosed
		}
		if !s.push(epoch, delta) {
			s.logger.Debug("Discarding stream of replaced conversation", slog.String("chatID", chatID))
			return ErrSuperseded
		}
		count++
	}

	span.SetAttributes(attribute.Int("legis.deltas", count))
	if count == 0 {
		s.logger.Info("Stream closed without content", slog.String("chatID", chatID))
	}
	return nil
}

// Load switches the surface to a previously created conversation of the current scope.
func (s *Session) Load(ctx context.Context, chatID string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.switchConversation(nil)
	if err := s.store.Load(ctx, chatID); err != nil {
		return err
	}
	s.currentResolver().Adopt(chatID)
	return nil
}

// NewChat forgets the current conversation. The next send creates a new one; a send still in flight
// is canceled and its output discarded.
func (s *Session) NewChat() {
	s.switchConversation(func() {
		s.currentResolver().Reset()
		s.store.Reset()
	})
}

// SwitchScope moves the surface to another scope, e.g. a different case. The previous scope's cached
// identifier is dropped with its resolver.
func (s *Session) SwitchScope(sc models.Scope) {
	s.mu.Lock()
	s.resolver = scope.NewResolver(sc, s.backend)
	s.logger = s.logger.With(slog.String("scope", sc.String()))
	s.mu.Unlock()

	s.switchConversation(s.store.Reset)
}

// Wait blocks until every pending delta was applied, or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	return s.scheduler.Wait(ctx)
}

// Close tears the surface down. Further stream output is discarded. Closing twice is a no-op.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.switchConversation(nil)
	s.scheduler.Stop()
}

// begin opens a new exchange in the current epoch and returns that epoch.
func (s *Session) begin(prompt string, cancel context.CancelFunc) uint64 {
	s.playMu.Lock()
	defer s.playMu.Unlock()
	s.cancelSend = cancel
	s.assembler.Begin(prompt)
	return s.epoch
}

// switchConversation starts a new epoch: the in-flight send is canceled, pending deltas are dropped
// and reset runs before any later delta can be applied.
func (s *Session) switchConversation(reset func()) {
	s.playMu.Lock()
	defer s.playMu.Unlock()
	s.epoch++
	if s.cancelSend != nil {
		s.cancelSend()
		s.cancelSend = nil
	}
	s.scheduler.Clear()
	if reset != nil {
		reset()
	}
}

func (s *Session) push(epoch uint64, delta string) bool {
	s.playMu.Lock()
	defer s.playMu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.scheduler.Push(queuedDelta{epoch: epoch, text: delta})
	return true
}

func (s *Session) stale(epoch uint64) bool {
	s.playMu.Lock()
	defer s.playMu.Unlock()
	return epoch != s.epoch
}

func (s *Session) currentResolver() *scope.Resolver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver
}

// adopt records chatID on the store unless the surface moved on during the creation request.
func (s *Session) adopt(r *scope.Resolver, epoch uint64, chatID string, created bool) bool {
	if s.currentResolver() != r {
		return false
	}
	s.playMu.Lock()
	if epoch != s.epoch {
		s.playMu.Unlock()
		return false
	}
	if s.store.ChatID() != chatID {
		s.store.SetChatID(chatID)
	}
	s.playMu.Unlock()

	if created {
		s.logger.Info("Conversation created", slog.String("chatID", chatID))
	}
	if s.opts.OnConversation != nil {
		s.opts.OnConversation(chatID, created)
	}
	return true
}

func (s *Session) report(err error) {
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrSuperseded) {
		return
	}
	s.logger.Error("Send failed", slog.String(errLoggerKey, err.Error()))
	if s.opts.Notify != nil {
		s.opts.Notify(err)
	}
}
