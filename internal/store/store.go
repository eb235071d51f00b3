// ABOUTME: Store interface and data types for tutor-gateway persistence
// ABOUTME: Defines Session, Message, Lesson, Chunk, ConversationBinding and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// ErrDuplicateBinding is returned when a binding already exists for an external conversation id
var ErrDuplicateBinding = errors.New("binding already exists")

// ErrDuplicateLesson is returned when a lesson slug/version pair already exists
var ErrDuplicateLesson = errors.New("lesson version already exists")

// SessionKind selects between free-form advisory sessions and lesson delivery
type SessionKind string

const (
	SessionKindOpenEnded   SessionKind = "open_ended"
	SessionKindLessonBased SessionKind = "lesson_based"
)

// SessionPhase tracks where the conversation is in its lifecycle
type SessionPhase string

const (
	PhaseIntroduction   SessionPhase = "introduction"
	PhaseLessonDelivery SessionPhase = "lesson_delivery"
	PhaseQAConversation SessionPhase = "qa_conversation"
	PhaseIdle           SessionPhase = "idle"
)

// SessionStatus tracks whether the session is still live
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusPaused SessionStatus = "paused"
	StatusEnded  SessionStatus = "ended"
)

// ChunkState is the per-session lesson progression state.
// awaiting_delivery: the current chunk has not been sent yet.
// awaiting_response: the current chunk was sent, waiting on the user.
// completed: the chunk index moved past the last chunk.
type ChunkState string

const (
	ChunkStateAwaitingDelivery ChunkState = "awaiting_delivery"
	ChunkStateAwaitingResponse ChunkState = "awaiting_response"
	ChunkStateCompleted        ChunkState = "completed"
)

// Session is one user interaction, open-ended or lesson-based.
// CurrentChunkIndex is monotonically non-decreasing for the session's
// lifetime and never exceeds the chunk count of CurrentLessonID.
type Session struct {
	ID                string
	Kind              SessionKind
	Phase             SessionPhase
	CurrentLessonID   string // empty when no lesson is attached
	CurrentChunkIndex int
	ChunkState        ChunkState
	Personalization   bool // fixed at creation
	StructuredMode    bool // fixed at creation
	Status            SessionStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Speaker constants for messages
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Message is a single conversational turn within a session.
// Messages for a session are totally ordered by Timestamp.
type Message struct {
	ID                string
	SessionID         string
	Speaker           string // "user" or "assistant"
	Content           string
	ExternalMessageID string // the platform's turn id; not globally unique
	LessonContextID   string // lesson id this turn relates to, if any
	Timestamp         time.Time
	Metadata          map[string]string
}

// Lesson is an ordered sequence of chunks. Lessons are immutable once
// referenced by a session: edits produce a new version row, and running
// sessions keep the version they started with.
type Lesson struct {
	ID        string
	Slug      string
	Title     string
	Version   int
	Chunks    []*Chunk
	CreatedAt time.Time
}

// Chunk is one unit of lesson content plus its follow-up question.
type Chunk struct {
	ID       string
	LessonID string
	Index    int
	Content  string
	Question string
}

// ConversationBinding maps an externally issued conversation id to an
// internal session. Created once per session, never mutated, superseded
// only by TTL cleanup.
type ConversationBinding struct {
	ExternalID string
	SessionID  string
	CreatedAt  time.Time
}

// SessionAdvance is the target state for a conditional chunk transition.
type SessionAdvance struct {
	ChunkIndex int
	ChunkState ChunkState
	Phase      SessionPhase
}

// Store defines the interface for session, message, lesson, and binding persistence
type Store interface {
	// Sessions. All session field updates commit together; readers never
	// observe a half-written row.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error

	// AdvanceSession applies the chunk transition only if the session is
	// still at fromIndex with fromState. Returns false without error when
	// another caller already moved the session on (duplicate delivery).
	AdvanceSession(ctx context.Context, id string, fromIndex int, fromState ChunkState, to SessionAdvance) (bool, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)

	// Lessons
	CreateLesson(ctx context.Context, lesson *Lesson) error
	GetLesson(ctx context.Context, id string) (*Lesson, error)
	GetLessonBySlug(ctx context.Context, slug string) (*Lesson, error)
	ListLessons(ctx context.Context) ([]*Lesson, error)

	// Conversation bindings
	CreateBinding(ctx context.Context, binding *ConversationBinding) error
	GetBindingByExternalID(ctx context.Context, externalID string) (*ConversationBinding, error)
	DeleteBindingsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
