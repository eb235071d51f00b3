// ABOUTME: Assembles session history into model-ready transcripts
// ABOUTME: Renders general or lesson-augmented context for the model client

package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sagelane/tutor-gateway/internal/model"
	"github.com/sagelane/tutor-gateway/internal/store"
)

// AssemblerStore defines what the assembler needs from storage
type AssemblerStore interface {
	ListMessages(ctx context.Context, sessionID string) ([]*store.Message, error)
	GetLesson(ctx context.Context, id string) (*store.Lesson, error)
}

// Assembler turns a session's stored history into the prompt sent to the
// model. The full history is always included; persistence is the source of
// truth and nothing is truncated here. If the conversation outgrows the
// model's window the client reports that and the caller degrades.
type Assembler struct {
	store      AssemblerStore
	logger     *slog.Logger
	basePrompt string
}

// NewAssembler creates an Assembler. basePrompt is the standing persona and
// style instruction included in every rendered context.
func NewAssembler(s AssemblerStore, logger *slog.Logger, basePrompt string) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:      s,
		logger:     logger.With("component", "transcript"),
		basePrompt: basePrompt,
	}
}

// BuildTranscript returns the session's full message history as ordered
// model turns. Ordering is by timestamp, ties broken by insertion order, so
// out-of-order persistence cannot scramble the conversation. Consecutive
// turns by the same speaker are merged because the model API requires
// alternating roles.
func (a *Assembler) BuildTranscript(ctx context.Context, sessionID string) ([]model.Message, error) {
	msgs, err := a.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	var turns []model.Message
	for _, m := range msgs {
		role := model.RoleUser
		if m.Speaker == store.SpeakerAssistant {
			role = model.RoleAssistant
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + m.Content
			continue
		}
		turns = append(turns, model.Message{Role: role, Content: m.Content})
	}
	return turns, nil
}

// RenderForModel builds the complete model request for a session's next
// reply: system context plus full transcript. With a chunk present the
// system context is lesson-augmented, carrying the lesson identifier, the
// phase label, and the chunk the learner is responding to, so the model
// acknowledges the stored material rather than improvising; with no chunk
// the general advisory context applies.
func (a *Assembler) RenderForModel(ctx context.Context, session *store.Session, chunk *store.Chunk) (*model.Request, error) {
	turns, err := a.BuildTranscript(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	var system string
	if chunk != nil && session.CurrentLessonID != "" {
		system, err = a.lessonContext(ctx, session, chunk)
		if err != nil {
			return nil, err
		}
	} else {
		system = a.generalContext(session)
	}

	return &model.Request{System: system, Messages: turns}, nil
}

// generalContext renders the system prompt for open conversation.
func (a *Assembler) generalContext(session *store.Session) string {
	var b strings.Builder
	b.WriteString(a.basePrompt)
	b.WriteString("\n\nCurrent phase: ")
	b.WriteString(phaseLabel(session.Phase))
	return b.String()
}

// lessonContext renders the system prompt for acknowledging a learner's
// answer to the current chunk's question. The chunk content is
// authoritative; the model responds to what was actually taught.
func (a *Assembler) lessonContext(ctx context.Context, session *store.Session, chunk *store.Chunk) (string, error) {
	lsn, err := a.store.GetLesson(ctx, session.CurrentLessonID)
	if err != nil {
		return "", fmt.Errorf("loading lesson for context: %w", err)
	}

	var b strings.Builder
	b.WriteString(a.generalContext(session))
	fmt.Fprintf(&b, "\n\nLesson %s (%q), section %d of %d.",
		lsn.ID, lsn.Title, chunk.Index+1, len(lsn.Chunks))
	b.WriteString("\nThe learner was just taught this material:\n\n")
	b.WriteString(chunk.Content)
	if chunk.Question != "" {
		b.WriteString("\n\nThey are answering this question:\n")
		b.WriteString(chunk.Question)
	}
	b.WriteString("\n\nAcknowledge their answer briefly and gently correct any misunderstanding. Do not introduce new material; the next section is delivered separately.")
	return b.String(), nil
}

func phaseLabel(phase store.SessionPhase) string {
	switch phase {
	case store.PhaseIntroduction:
		return "introduction, getting to know the learner"
	case store.PhaseLessonDelivery:
		return "lesson delivery"
	case store.PhaseQAConversation:
		return "open question-and-answer conversation"
	case store.PhaseIdle:
		return "idle"
	default:
		return string(phase)
	}
}
