// ABOUTME: Session lifecycle operations behind the management API
// ABOUTME: Creation, binding, state inspection, manual advance, pause and end

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagelane/tutor-gateway/internal/lesson"
	"github.com/sagelane/tutor-gateway/internal/store"
)

// ErrSessionNotActive is returned for progression operations on paused or
// ended sessions.
var ErrSessionNotActive = errors.New("session is not active")

// CreateSessionParams describe a new session.
type CreateSessionParams struct {
	Kind                   store.SessionKind
	LessonSlug             string // required for lesson-based sessions
	Personalization        bool
	StructuredMode         bool
	ExternalConversationID string // optional; bound immediately when set
}

// SessionState is the full inspectable state of a session.
type SessionState struct {
	Session  *store.Session   `json:"session"`
	Progress *lesson.Progress `json:"progress,omitempty"`
}

// CreateSession creates a session and, for lesson-based sessions, positions
// it at the first chunk of the named lesson. If an external conversation id
// is already known it is bound in the same call.
func (o *Orchestrator) CreateSession(ctx context.Context, params CreateSessionParams) (*store.Session, error) {
	switch params.Kind {
	case store.SessionKindOpenEnded, store.SessionKindLessonBased:
	default:
		return nil, fmt.Errorf("unknown session kind %q", params.Kind)
	}
	if params.Kind == store.SessionKindLessonBased && params.LessonSlug == "" {
		return nil, fmt.Errorf("lesson-based sessions require a lesson slug")
	}

	// Resolve the lesson before writing anything so a bad slug cannot
	// leave an orphaned session behind
	var lsn *store.Lesson
	if params.Kind == store.SessionKindLessonBased {
		var err error
		lsn, err = o.store.GetLessonBySlug(ctx, params.LessonSlug)
		if err != nil {
			return nil, fmt.Errorf("resolving lesson %q: %w", params.LessonSlug, err)
		}
	}

	now := time.Now()
	sess := &store.Session{
		ID:              uuid.New().String(),
		Kind:            params.Kind,
		Phase:           store.PhaseIntroduction,
		Personalization: params.Personalization,
		StructuredMode:  params.StructuredMode,
		Status:          store.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if params.Kind == store.SessionKindOpenEnded {
		sess.Phase = store.PhaseQAConversation
	}

	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if lsn != nil {
		if err := o.engine.StartLesson(ctx, sess, lsn.ID); err != nil {
			return nil, err
		}
	}

	if params.ExternalConversationID != "" {
		if err := o.binder.Bind(ctx, sess.ID, params.ExternalConversationID); err != nil {
			return nil, fmt.Errorf("binding conversation: %w", err)
		}
	}

	o.logger.Info("session created",
		"session_id", sess.ID,
		"kind", sess.Kind,
		"structured_mode", sess.StructuredMode)
	return sess, nil
}

// BindConversation binds an external conversation id to an existing
// session. Used when the platform assigns the id after session creation.
func (o *Orchestrator) BindConversation(ctx context.Context, sessionID, externalID string) error {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return o.binder.Bind(ctx, sessionID, externalID)
}

// GetState returns a session plus its lesson progress when one is in
// progress.
func (o *Orchestrator) GetState(ctx context.Context, sessionID string) (*SessionState, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state := &SessionState{Session: sess}
	if sess.CurrentLessonID != "" {
		prog, err := o.engine.Snapshot(ctx, sess)
		if err != nil {
			return nil, err
		}
		state.Progress = prog
	}
	return state, nil
}

// GetCurrentChunk returns the chunk a lesson-based session is positioned
// at, or nil when the lesson is completed. Fetching an undelivered chunk in
// structured mode counts as delivering it, so the learner's next turn is
// treated as their answer rather than met with a repeat of the material.
func (o *Orchestrator) GetCurrentChunk(ctx context.Context, sessionID string) (*store.Chunk, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	chunk, err := o.engine.CurrentChunk(ctx, sess)
	if err != nil || chunk == nil {
		return chunk, err
	}
	if sess.StructuredMode && sess.ChunkState == store.ChunkStateAwaitingDelivery {
		if _, err := o.engine.MarkDelivered(ctx, sess); err != nil {
			return nil, err
		}
	}
	return chunk, nil
}

// AdvanceChunk manually advances a lesson-based session past the chunk at
// fromIndex, regardless of chunk state. Operator escape hatch for a learner
// who wants to skip ahead or a stuck delivery. The caller names the chunk
// it is advancing from; if the session has already moved past it, including
// a double-delivered request whose first copy applied, the call no-ops with
// applied=false instead of skipping a further chunk.
func (o *Orchestrator) AdvanceChunk(ctx context.Context, sessionID string, fromIndex int) (bool, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.Status != store.StatusActive {
		return false, fmt.Errorf("%w: %s", ErrSessionNotActive, sess.Status)
	}
	if sess.CurrentChunkIndex != fromIndex || sess.ChunkState == store.ChunkStateCompleted {
		return false, nil
	}
	return o.engine.Advance(ctx, sess)
}

// PauseSession pauses an active session. Callbacks for a paused session get
// a spoken notice instead of processing.
func (o *Orchestrator) PauseSession(ctx context.Context, sessionID string) error {
	return o.setStatus(ctx, sessionID, store.StatusActive, store.StatusPaused)
}

// ResumeSession reactivates a paused session.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) error {
	return o.setStatus(ctx, sessionID, store.StatusPaused, store.StatusActive)
}

// EndSession ends a session permanently. History remains readable.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == store.StatusEnded {
		return nil
	}
	sess.Status = store.StatusEnded
	sess.Phase = store.PhaseIdle
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	o.logger.Info("session ended", "session_id", sessionID)
	return nil
}

func (o *Orchestrator) setStatus(ctx context.Context, sessionID string, from, to store.SessionStatus) error {
	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == to {
		return nil
	}
	if sess.Status != from {
		return fmt.Errorf("%w: cannot move %s from %s to %s",
			ErrSessionNotActive, sessionID, sess.Status, to)
	}
	sess.Status = to
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	o.logger.Info("session status changed", "session_id", sessionID, "status", to)
	return nil
}
