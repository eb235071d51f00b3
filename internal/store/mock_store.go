// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session              // keyed by session ID
	messages map[string][]*Message            // keyed by session ID
	lessons  map[string]*Lesson               // keyed by lesson ID
	bindings map[string]*ConversationBinding  // keyed by external ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		lessons:  make(map[string]*Lesson),
		bindings: make(map[string]*ConversationBinding),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}

	// Make a copy to avoid external modification
	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *s
	return &result, nil
}

// SessionCount reports how many sessions are stored. Test support.
func (m *MockStore) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// UpdateSession updates an existing session.
func (m *MockStore) UpdateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return ErrNotFound
	}

	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// AdvanceSession applies the chunk transition only when the stored session
// still matches fromIndex and fromState, mirroring the SQLite conditional UPDATE.
func (m *MockStore) AdvanceSession(ctx context.Context, id string, fromIndex int, fromState ChunkState, to SessionAdvance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.CurrentChunkIndex != fromIndex || s.ChunkState != fromState {
		return false, nil
	}

	s.CurrentChunkIndex = to.ChunkIndex
	s.ChunkState = to.ChunkState
	s.Phase = to.Phase
	s.UpdatedAt = time.Now()
	return true, nil
}

// AppendMessage stores a message.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgCopy := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &msgCopy)
	return nil
}

// ListMessages retrieves messages for a session sorted by timestamp,
// with message id as the tie-breaker to match SQLiteStore behavior.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]

	// Return copies
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		msgCopy := *msg
		result[i] = &msgCopy
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// CreateLesson stores a lesson with its chunks.
func (m *MockStore) CreateLesson(ctx context.Context, lesson *Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.lessons {
		if existing.Slug == lesson.Slug && existing.Version == lesson.Version {
			return ErrDuplicateLesson
		}
	}

	l := *lesson
	l.Chunks = make([]*Chunk, len(lesson.Chunks))
	for i, chunk := range lesson.Chunks {
		chunkCopy := *chunk
		l.Chunks[i] = &chunkCopy
	}
	m.lessons[l.ID] = &l
	return nil
}

// GetLesson retrieves a lesson by ID.
func (m *MockStore) GetLesson(ctx context.Context, id string) (*Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lessons[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLesson(l), nil
}

// GetLessonBySlug retrieves the newest version of a lesson by slug.
func (m *MockStore) GetLessonBySlug(ctx context.Context, slug string) (*Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *Lesson
	for _, l := range m.lessons {
		if l.Slug != slug {
			continue
		}
		if newest == nil || l.Version > newest.Version {
			newest = l
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return copyLesson(newest), nil
}

// ListLessons returns all lessons without chunks.
func (m *MockStore) ListLessons(ctx context.Context) ([]*Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Lesson, 0, len(m.lessons))
	for _, l := range m.lessons {
		lessonCopy := *l
		lessonCopy.Chunks = nil
		result = append(result, &lessonCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Slug != result[j].Slug {
			return result[i].Slug < result[j].Slug
		}
		return result[i].Version > result[j].Version
	})

	return result, nil
}

func copyLesson(l *Lesson) *Lesson {
	result := *l
	result.Chunks = make([]*Chunk, len(l.Chunks))
	for i, chunk := range l.Chunks {
		chunkCopy := *chunk
		result.Chunks[i] = &chunkCopy
	}
	sort.Slice(result.Chunks, func(i, j int) bool {
		return result.Chunks[i].Index < result.Chunks[j].Index
	})
	return &result
}

// CreateBinding stores a conversation binding.
func (m *MockStore) CreateBinding(ctx context.Context, binding *ConversationBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bindings[binding.ExternalID]; exists {
		return ErrDuplicateBinding
	}

	b := *binding
	m.bindings[b.ExternalID] = &b
	return nil
}

// GetBindingByExternalID retrieves a binding by external conversation id.
func (m *MockStore) GetBindingByExternalID(ctx context.Context, externalID string) (*ConversationBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[externalID]
	if !ok {
		return nil, ErrNotFound
	}

	result := *b
	return &result, nil
}

// DeleteBindingsBefore removes bindings created before the cutoff.
func (m *MockStore) DeleteBindingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, b := range m.bindings {
		if b.CreatedAt.Before(cutoff) {
			delete(m.bindings, key)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Verify MockStore implements Store interface at compile time.
var _ Store = (*MockStore)(nil)
