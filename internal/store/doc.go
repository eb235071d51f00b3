// Package store provides persistent storage for tutor-gateway using SQLite.
//
// # Data Models
//
//   - Session: one user interaction, open-ended or lesson-based, carrying the
//     chunk cursor (current_chunk_index + chunk_state) for lesson delivery
//   - Message: a single conversational turn, totally ordered by timestamp
//   - Lesson/Chunk: versioned lesson content; immutable once referenced by a
//     session (edits create a new version row)
//   - ConversationBinding: external conversation id -> session id, created
//     once per session and removed only by TTL cleanup
//
// # Consistency
//
// All session writes are single-statement updates, so concurrent readers
// never observe a half-written row. AdvanceSession is a conditional update
// pinned to the expected chunk index and state: the loser of a duplicate
// delivery race matches zero rows and reports applied=false instead of
// skipping a chunk.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339Nano text so lexicographic ordering in SQL
// matches chronological ordering.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateSession / ErrDuplicateLesson / ErrDuplicateBinding:
//     uniqueness violations surfaced as sentinels
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests; it implements the full Store interface
// in memory. Use NewSQLiteStore(":memory:") for integration tests with real
// SQLite.
package store
