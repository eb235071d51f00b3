// ABOUTME: Binds externally issued conversation ids to internal sessions
// ABOUTME: Resolves bindings under eventual consistency with waiter hand-off and backoff retry

package binder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sagelane/tutor-gateway/internal/store"
)

// ErrBindingConflict is returned when an external id is already bound to a
// different session. Bindings are created once and never reassigned.
var ErrBindingConflict = errors.New("external id bound to a different session")

// Defaults for the resolution retry schedule and binding cleanup.
const (
	DefaultMaxAttempts     = 3
	DefaultBaseBackoff     = 100 * time.Millisecond
	DefaultBindingTTL      = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// BindingStore defines what the binder needs from storage
type BindingStore interface {
	CreateBinding(ctx context.Context, binding *store.ConversationBinding) error
	GetBindingByExternalID(ctx context.Context, externalID string) (*store.ConversationBinding, error)
	DeleteBindingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
}

// Options tune the retry schedule and cleanup policy.
type Options struct {
	MaxAttempts     int           // backoff retries after the initial lookup
	BaseBackoff     time.Duration // first wait; doubles per retry
	BindingTTL      time.Duration // bindings older than this are removed by cleanup
	CleanupInterval time.Duration
}

// Binder maps external conversation ids to sessions. The external platform
// may call back before the binding write is durably visible, so resolution
// supports a bounded retry window. Binds performed in this process also
// signal any in-flight resolver directly, so the common same-process race
// resolves without waiting out a backoff interval.
type Binder struct {
	store  BindingStore
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	waiters map[string][]chan struct{} // keyed by external id
}

// New creates a Binder. Zero-value option fields fall back to defaults.
func New(s BindingStore, logger *slog.Logger, opts Options) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.BindingTTL <= 0 {
		opts.BindingTTL = DefaultBindingTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	return &Binder{
		store:   s,
		logger:  logger.With("component", "binder"),
		opts:    opts,
		waiters: make(map[string][]chan struct{}),
	}
}

// Bind records that externalID belongs to sessionID. Idempotent: binding the
// same pair again is a no-op. Binding an external id to a different session
// returns ErrBindingConflict.
func (b *Binder) Bind(ctx context.Context, sessionID, externalID string) error {
	if sessionID == "" || externalID == "" {
		return fmt.Errorf("session id and external id are required")
	}

	binding := &store.ConversationBinding{
		ExternalID: externalID,
		SessionID:  sessionID,
		CreatedAt:  time.Now(),
	}

	err := b.store.CreateBinding(ctx, binding)
	if errors.Is(err, store.ErrDuplicateBinding) {
		existing, lookupErr := b.store.GetBindingByExternalID(ctx, externalID)
		if lookupErr != nil {
			return fmt.Errorf("checking existing binding: %w", lookupErr)
		}
		if existing.SessionID != sessionID {
			return fmt.Errorf("%w: external id %s", ErrBindingConflict, externalID)
		}
		// Same pair, already bound
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating binding: %w", err)
	}

	b.logger.Debug("bound conversation", "external_id", externalID, "session_id", sessionID)
	b.notifyWaiters(externalID)
	return nil
}

// Resolve looks up the session bound to externalID with a single attempt.
// Returns store.ErrNotFound if no binding exists or the session is gone.
func (b *Binder) Resolve(ctx context.Context, externalID string) (*store.Session, error) {
	binding, err := b.store.GetBindingByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return b.store.GetSession(ctx, binding.SessionID)
}

// ResolveWithRetry resolves externalID, retrying with exponential backoff
// when the binding is not yet visible. The session-creation side is not
// blocked on the external platform round trip; the callback handler is the
// side with the retry budget, so the waiting happens here. A Bind in this
// process wakes the resolver immediately; otherwise the backoff schedule is
// base, 2*base, 4*base (~700ms total at defaults) before failing soft with
// store.ErrNotFound.
func (b *Binder) ResolveWithRetry(ctx context.Context, externalID string) (*store.Session, error) {
	wake := b.addWaiter(externalID)
	defer b.removeWaiter(externalID, wake)

	sess, err := b.Resolve(ctx, externalID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	backoff := b.opts.BaseBackoff
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		sess, err = b.Resolve(ctx, externalID)
		if err == nil {
			b.logger.Debug("resolved after retry", "external_id", externalID, "attempt", attempt)
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		backoff *= 2
	}

	b.logger.Warn("binding never became visible", "external_id", externalID, "attempts", b.opts.MaxAttempts)
	return nil, store.ErrNotFound
}

// addWaiter registers a wake-up channel for an external id. The channel is
// registered before the first lookup so a concurrent Bind cannot slip
// between lookup and wait.
func (b *Binder) addWaiter(externalID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.waiters[externalID] = append(b.waiters[externalID], ch)
	b.mu.Unlock()
	return ch
}

func (b *Binder) removeWaiter(externalID string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.waiters[externalID]
	for i, w := range list {
		if w == ch {
			b.waiters[externalID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.waiters[externalID]) == 0 {
		delete(b.waiters, externalID)
	}
}

func (b *Binder) notifyWaiters(externalID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.waiters[externalID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// RunCleanup periodically removes bindings older than the TTL until the
// context is cancelled. Runs off the request path; a resolution racing a
// cleanup simply observes NotFound and takes the soft-fail path.
func (b *Binder) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(b.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.CleanupOnce(ctx); err != nil {
				b.logger.Error("binding cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// CleanupOnce removes bindings older than the TTL.
func (b *Binder) CleanupOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-b.opts.BindingTTL)
	deleted, err := b.store.DeleteBindingsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		b.logger.Info("removed stale bindings", "count", deleted)
	}
	return nil
}
