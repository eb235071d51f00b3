// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message/lesson/binding persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id                  TEXT PRIMARY KEY,
			kind                TEXT NOT NULL,
			phase               TEXT NOT NULL,
			current_lesson_id   TEXT,
			current_chunk_index INTEGER NOT NULL DEFAULT 0,
			chunk_state         TEXT NOT NULL,
			personalization     INTEGER NOT NULL DEFAULT 0,
			structured_mode     INTEGER NOT NULL DEFAULT 0,
			status              TEXT NOT NULL,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			CHECK (kind IN ('open_ended', 'lesson_based')),
			CHECK (phase IN ('introduction', 'lesson_delivery', 'qa_conversation', 'idle')),
			CHECK (chunk_state IN ('awaiting_delivery', 'awaiting_response', 'completed')),
			CHECK (status IN ('active', 'paused', 'ended')),
			CHECK (current_chunk_index >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			session_id          TEXT NOT NULL,
			speaker             TEXT NOT NULL,
			content             TEXT NOT NULL,
			external_message_id TEXT,
			lesson_context_id   TEXT,
			timestamp           TEXT NOT NULL,
			metadata_json       TEXT,

			CHECK (speaker IN ('user', 'assistant')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_timestamp
			ON messages(session_id, timestamp);

		CREATE TABLE IF NOT EXISTS lessons (
			id         TEXT PRIMARY KEY,
			slug       TEXT NOT NULL,
			title      TEXT NOT NULL,
			version    INTEGER NOT NULL,
			created_at TEXT NOT NULL,

			UNIQUE(slug, version)
		);

		CREATE INDEX IF NOT EXISTS idx_lessons_slug ON lessons(slug);

		CREATE TABLE IF NOT EXISTS chunks (
			id        TEXT PRIMARY KEY,
			lesson_id TEXT NOT NULL,
			idx       INTEGER NOT NULL,
			content   TEXT NOT NULL,
			question  TEXT NOT NULL,

			UNIQUE(lesson_id, idx),
			FOREIGN KEY (lesson_id) REFERENCES lessons(id)
		);

		CREATE INDEX IF NOT EXISTS idx_chunks_lesson ON chunks(lesson_id, idx);

		CREATE TABLE IF NOT EXISTS conversation_bindings (
			external_id TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_bindings_created ON conversation_bindings(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateSession creates a new session row.
// Returns ErrDuplicateSession if a session with the same id already exists.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, kind, phase, current_lesson_id, current_chunk_index,
			chunk_state, personalization, structured_mode, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		string(session.Kind),
		string(session.Phase),
		nullString(session.CurrentLessonID),
		session.CurrentChunkIndex,
		string(session.ChunkState),
		boolToInt(session.Personalization),
		boolToInt(session.StructuredMode),
		string(session.Status),
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
		session.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "kind", session.Kind)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, kind, phase, current_lesson_id, current_chunk_index, chunk_state,
			personalization, structured_mode, status, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	return scanSession(row)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var kind, phase, chunkState, status string
	var lessonID sql.NullString
	var personalization, structured int
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&sess.ID,
		&kind,
		&phase,
		&lessonID,
		&sess.CurrentChunkIndex,
		&chunkState,
		&personalization,
		&structured,
		&status,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Kind = SessionKind(kind)
	sess.Phase = SessionPhase(phase)
	sess.ChunkState = ChunkState(chunkState)
	sess.Status = SessionStatus(status)
	sess.Personalization = personalization != 0
	sess.StructuredMode = structured != 0
	if lessonID.Valid {
		sess.CurrentLessonID = lessonID.String
	}

	sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &sess, nil
}

// UpdateSession updates an existing session. All fields commit in a single
// statement so concurrent readers never observe a partial update.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *Session) error {
	query := `
		UPDATE sessions
		SET kind = ?, phase = ?, current_lesson_id = ?, current_chunk_index = ?,
			chunk_state = ?, status = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(session.Kind),
		string(session.Phase),
		nullString(session.CurrentLessonID),
		session.CurrentChunkIndex,
		string(session.ChunkState),
		string(session.Status),
		session.UpdatedAt.UTC().Format(time.RFC3339Nano),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated session", "id", session.ID, "phase", session.Phase)
	return nil
}

// AdvanceSession conditionally moves a session's chunk cursor. The WHERE
// clause pins the expected index and state, so a duplicate caller that lost
// the race simply matches zero rows and gets applied=false.
func (s *SQLiteStore) AdvanceSession(ctx context.Context, id string, fromIndex int, fromState ChunkState, to SessionAdvance) (bool, error) {
	query := `
		UPDATE sessions
		SET current_chunk_index = ?, chunk_state = ?, phase = ?, updated_at = ?
		WHERE id = ? AND current_chunk_index = ? AND chunk_state = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		to.ChunkIndex,
		string(to.ChunkState),
		string(to.Phase),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		fromIndex,
		string(fromState),
	)
	if err != nil {
		return false, fmt.Errorf("advancing session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Either the session doesn't exist or someone else advanced it first
		if _, err := s.GetSession(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	s.logger.Debug("advanced session", "id", id, "from_index", fromIndex, "to_index", to.ChunkIndex, "state", to.ChunkState)
	return true, nil
}

// AppendMessage saves a message to the database
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	var metadataJSON any
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding message metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	query := `
		INSERT INTO messages (id, session_id, speaker, content, external_message_id,
			lesson_context_id, timestamp, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.Speaker,
		msg.Content,
		nullString(msg.ExternalMessageID),
		nullString(msg.LessonContextID),
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "session_id", msg.SessionID, "speaker", msg.Speaker)
	return nil
}

// ListMessages retrieves all messages for a session in timestamp order,
// with message id as the tie-breaker for identical timestamps.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	query := `
		SELECT id, session_id, speaker, content, external_message_id,
			lesson_context_id, timestamp, metadata_json
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var externalID, lessonID, metadataJSON sql.NullString
		var timestampStr string

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Speaker, &msg.Content,
			&externalID, &lessonID, &timestampStr, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}

		if externalID.Valid {
			msg.ExternalMessageID = externalID.String
		}
		if lessonID.Valid {
			msg.LessonContextID = lessonID.String
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding message metadata: %w", err)
			}
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// CreateLesson inserts a lesson and its chunks in a single transaction.
func (s *SQLiteStore) CreateLesson(ctx context.Context, lesson *Lesson) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning lesson transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lessons (id, slug, title, version, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, lesson.ID, lesson.Slug, lesson.Title, lesson.Version,
		lesson.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("lesson %s version %d: %w", lesson.Slug, lesson.Version, ErrDuplicateLesson)
		}
		return fmt.Errorf("inserting lesson: %w", err)
	}

	for _, chunk := range lesson.Chunks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (id, lesson_id, idx, content, question)
			VALUES (?, ?, ?, ?, ?)
		`, chunk.ID, lesson.ID, chunk.Index, chunk.Content, chunk.Question)
		if err != nil {
			return fmt.Errorf("inserting chunk %d: %w", chunk.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing lesson: %w", err)
	}

	s.logger.Debug("created lesson", "id", lesson.ID, "slug", lesson.Slug, "chunks", len(lesson.Chunks))
	return nil
}

// GetLesson retrieves a lesson with its chunks in index order.
// Returns ErrNotFound if the lesson doesn't exist.
func (s *SQLiteStore) GetLesson(ctx context.Context, id string) (*Lesson, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, title, version, created_at
		FROM lessons WHERE id = ?
	`, id)
	lesson, err := scanLesson(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadChunks(ctx, lesson); err != nil {
		return nil, err
	}
	return lesson, nil
}

// GetLessonBySlug retrieves the newest version of a lesson by slug.
func (s *SQLiteStore) GetLessonBySlug(ctx context.Context, slug string) (*Lesson, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, title, version, created_at
		FROM lessons WHERE slug = ?
		ORDER BY version DESC LIMIT 1
	`, slug)
	lesson, err := scanLesson(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadChunks(ctx, lesson); err != nil {
		return nil, err
	}
	return lesson, nil
}

func scanLesson(row rowScanner) (*Lesson, error) {
	var lesson Lesson
	var createdAtStr string

	err := row.Scan(&lesson.ID, &lesson.Slug, &lesson.Title, &lesson.Version, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning lesson: %w", err)
	}

	lesson.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing lesson created_at: %w", err)
	}
	return &lesson, nil
}

func (s *SQLiteStore) loadChunks(ctx context.Context, lesson *Lesson) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lesson_id, idx, content, question
		FROM chunks WHERE lesson_id = ?
		ORDER BY idx ASC
	`, lesson.ID)
	if err != nil {
		return fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chunk Chunk
		if err := rows.Scan(&chunk.ID, &chunk.LessonID, &chunk.Index, &chunk.Content, &chunk.Question); err != nil {
			return fmt.Errorf("scanning chunk row: %w", err)
		}
		lesson.Chunks = append(lesson.Chunks, &chunk)
	}
	return rows.Err()
}

// ListLessons returns all lessons (without chunks), newest versions first per slug.
func (s *SQLiteStore) ListLessons(ctx context.Context) ([]*Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, title, version, created_at
		FROM lessons
		ORDER BY slug ASC, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying lessons: %w", err)
	}
	defer rows.Close()

	var lessons []*Lesson
	for rows.Next() {
		lesson, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, lesson)
	}
	return lessons, rows.Err()
}

// CreateBinding inserts a conversation binding.
// Returns ErrDuplicateBinding if the external id is already bound.
func (s *SQLiteStore) CreateBinding(ctx context.Context, binding *ConversationBinding) error {
	query := `
		INSERT INTO conversation_bindings (external_id, session_id, created_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		binding.ExternalID,
		binding.SessionID,
		binding.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateBinding
		}
		return fmt.Errorf("inserting binding: %w", err)
	}

	s.logger.Debug("created binding", "external_id", binding.ExternalID, "session_id", binding.SessionID)
	return nil
}

// GetBindingByExternalID retrieves a binding by external conversation id.
// Returns ErrNotFound if no binding exists.
func (s *SQLiteStore) GetBindingByExternalID(ctx context.Context, externalID string) (*ConversationBinding, error) {
	query := `
		SELECT external_id, session_id, created_at
		FROM conversation_bindings
		WHERE external_id = ?
	`

	var binding ConversationBinding
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, externalID).Scan(
		&binding.ExternalID,
		&binding.SessionID,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying binding: %w", err)
	}

	binding.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing binding created_at: %w", err)
	}

	return &binding, nil
}

// DeleteBindingsBefore removes bindings created before the cutoff.
// Returns the number of bindings removed.
func (s *SQLiteStore) DeleteBindingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_bindings WHERE created_at < ?
	`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("deleting stale bindings: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		s.logger.Debug("deleted stale bindings", "count", rowsAffected)
	}
	return rowsAffected, nil
}

// nullString returns nil for empty strings, otherwise the string value
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
