// ABOUTME: Drives chunk-by-chunk lesson progression for lesson-based sessions
// ABOUTME: Enforces delivery/response/advance state transitions against the store

package lesson

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sagelane/tutor-gateway/internal/store"
)

var (
	// ErrStaleChunk is returned when a response or delivery refers to a
	// chunk the session has already moved past.
	ErrStaleChunk = errors.New("chunk is no longer current")

	// ErrNoLesson is returned for progression operations on a session with
	// no lesson in progress.
	ErrNoLesson = errors.New("session has no lesson in progress")

	// ErrLessonCompleted is returned when delivery is requested after the
	// final chunk has been worked through.
	ErrLessonCompleted = errors.New("lesson already completed")
)

// EngineStore defines what the progression engine needs from storage
type EngineStore interface {
	GetLesson(ctx context.Context, id string) (*store.Lesson, error)
	UpdateSession(ctx context.Context, session *store.Session) error
	AdvanceSession(ctx context.Context, id string, fromIndex int, fromState store.ChunkState, to store.SessionAdvance) (bool, error)
}

// Progress is a point-in-time snapshot of where a session stands in its
// lesson.
type Progress struct {
	LessonID    string           `json:"lesson_id"`
	LessonTitle string           `json:"lesson_title"`
	ChunkIndex  int              `json:"chunk_index"`
	TotalChunks int              `json:"total_chunks"`
	ChunkState  store.ChunkState `json:"chunk_state"`
	Completed   bool             `json:"completed"`
}

// Engine advances lesson-based sessions through their chunks. One chunk is
// current at a time; it is delivered, answered, then advanced past. All
// index-moving writes go through the store's conditional advance, so a
// redelivered trigger that lost the race observes applied=false instead of
// skipping a chunk.
type Engine struct {
	store  EngineStore
	logger *slog.Logger
}

// NewEngine creates a progression engine.
func NewEngine(s EngineStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  s,
		logger: logger.With("component", "lesson"),
	}
}

// StartLesson puts a session at the first chunk of a lesson. A lesson with
// no chunks completes immediately and the session moves straight to open
// conversation.
func (e *Engine) StartLesson(ctx context.Context, session *store.Session, lessonID string) error {
	lsn, err := e.store.GetLesson(ctx, lessonID)
	if err != nil {
		return fmt.Errorf("loading lesson %s: %w", lessonID, err)
	}

	session.CurrentLessonID = lsn.ID
	session.CurrentChunkIndex = 0
	if len(lsn.Chunks) == 0 {
		session.ChunkState = store.ChunkStateCompleted
		session.Phase = store.PhaseQAConversation
	} else {
		session.ChunkState = store.ChunkStateAwaitingDelivery
		session.Phase = store.PhaseLessonDelivery
	}

	if err := e.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("starting lesson: %w", err)
	}

	e.logger.Info("lesson started",
		"session_id", session.ID,
		"lesson_id", lsn.ID,
		"chunks", len(lsn.Chunks))
	return nil
}

// CurrentChunk returns the chunk the session is positioned at, or nil when
// the lesson is completed.
func (e *Engine) CurrentChunk(ctx context.Context, session *store.Session) (*store.Chunk, error) {
	if session.CurrentLessonID == "" {
		return nil, ErrNoLesson
	}
	if session.ChunkState == store.ChunkStateCompleted {
		return nil, nil
	}

	lsn, err := e.store.GetLesson(ctx, session.CurrentLessonID)
	if err != nil {
		return nil, fmt.Errorf("loading lesson: %w", err)
	}
	if session.CurrentChunkIndex >= len(lsn.Chunks) {
		return nil, nil
	}
	return lsn.Chunks[session.CurrentChunkIndex], nil
}

// MarkDelivered transitions the current chunk from awaiting delivery to
// awaiting response once its content has actually been sent to the learner.
// Returns false without error if another delivery already won the
// transition.
func (e *Engine) MarkDelivered(ctx context.Context, session *store.Session) (bool, error) {
	if session.CurrentLessonID == "" {
		return false, ErrNoLesson
	}
	if session.ChunkState == store.ChunkStateCompleted {
		return false, ErrLessonCompleted
	}

	applied, err := e.store.AdvanceSession(ctx, session.ID,
		session.CurrentChunkIndex, store.ChunkStateAwaitingDelivery,
		store.SessionAdvance{
			ChunkIndex: session.CurrentChunkIndex,
			ChunkState: store.ChunkStateAwaitingResponse,
			Phase:      store.PhaseLessonDelivery,
		})
	if err != nil {
		return false, fmt.Errorf("marking chunk delivered: %w", err)
	}
	if applied {
		session.ChunkState = store.ChunkStateAwaitingResponse
		session.Phase = store.PhaseLessonDelivery
	}
	return applied, nil
}

// RecordResponse accepts a learner response to the chunk the session is
// actually waiting on. The exchange itself lives in the session's message
// ledger; this call is the gate that a response targets the current chunk.
// Responses to already-advanced chunks are rejected with ErrStaleChunk,
// never silently reassigned to the current chunk.
func (e *Engine) RecordResponse(session *store.Session, chunkIndex int) error {
	if session.CurrentLessonID == "" {
		return ErrNoLesson
	}
	if session.ChunkState != store.ChunkStateAwaitingResponse {
		return fmt.Errorf("%w: session not awaiting a response", ErrStaleChunk)
	}
	if chunkIndex != session.CurrentChunkIndex {
		return fmt.Errorf("%w: got chunk %d, current is %d",
			ErrStaleChunk, chunkIndex, session.CurrentChunkIndex)
	}
	return nil
}

// Advance moves the session past the current chunk after its response has
// been handled. Past the final chunk the session shifts to open
// conversation and stays active; whether a further chunk exists afterwards
// is visible on the session's chunk state. Returns false if a concurrent
// advance for the same chunk already applied.
func (e *Engine) Advance(ctx context.Context, session *store.Session) (bool, error) {
	if session.CurrentLessonID == "" {
		return false, ErrNoLesson
	}
	if session.ChunkState == store.ChunkStateCompleted {
		return false, ErrLessonCompleted
	}

	lsn, err := e.store.GetLesson(ctx, session.CurrentLessonID)
	if err != nil {
		return false, fmt.Errorf("loading lesson: %w", err)
	}

	next := store.SessionAdvance{
		ChunkIndex: session.CurrentChunkIndex + 1,
		ChunkState: store.ChunkStateAwaitingDelivery,
		Phase:      store.PhaseLessonDelivery,
	}
	if session.CurrentChunkIndex+1 >= len(lsn.Chunks) {
		// Last chunk done; shift to open conversation over what was taught
		next = store.SessionAdvance{
			ChunkIndex: session.CurrentChunkIndex,
			ChunkState: store.ChunkStateCompleted,
			Phase:      store.PhaseQAConversation,
		}
	}

	applied, err := e.store.AdvanceSession(ctx, session.ID,
		session.CurrentChunkIndex, session.ChunkState, next)
	if err != nil {
		return false, fmt.Errorf("advancing session: %w", err)
	}
	if !applied {
		e.logger.Debug("advance lost race, already applied",
			"session_id", session.ID,
			"chunk_index", session.CurrentChunkIndex)
		return false, nil
	}

	session.CurrentChunkIndex = next.ChunkIndex
	session.ChunkState = next.ChunkState
	session.Phase = next.Phase

	e.logger.Info("session advanced",
		"session_id", session.ID,
		"chunk_index", session.CurrentChunkIndex,
		"chunk_state", session.ChunkState,
		"phase", session.Phase)
	return true, nil
}

// Snapshot reports the session's position in its lesson.
func (e *Engine) Snapshot(ctx context.Context, session *store.Session) (*Progress, error) {
	if session.CurrentLessonID == "" {
		return nil, ErrNoLesson
	}
	lsn, err := e.store.GetLesson(ctx, session.CurrentLessonID)
	if err != nil {
		return nil, fmt.Errorf("loading lesson: %w", err)
	}
	return &Progress{
		LessonID:    lsn.ID,
		LessonTitle: lsn.Title,
		ChunkIndex:  session.CurrentChunkIndex,
		TotalChunks: len(lsn.Chunks),
		ChunkState:  session.ChunkState,
		Completed:   session.ChunkState == store.ChunkStateCompleted,
	}, nil
}
