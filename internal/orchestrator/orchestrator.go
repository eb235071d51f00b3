// ABOUTME: Coordinates callback handling across binder, lessons, transcript, and model
// ABOUTME: Serializes per-session processing and guarantees success-shaped replies

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagelane/tutor-gateway/internal/binder"
	"github.com/sagelane/tutor-gateway/internal/dedupe"
	"github.com/sagelane/tutor-gateway/internal/lesson"
	"github.com/sagelane/tutor-gateway/internal/model"
	"github.com/sagelane/tutor-gateway/internal/store"
	"github.com/sagelane/tutor-gateway/internal/transcript"
)

// Spoken replies used when a turn cannot be processed normally. The
// external platform reads these to the learner, so they are phrased as the
// tutor, never as an error code.
const (
	replyUnavailable = "I'm sorry, I'm having a little trouble right now. Could you give me a moment and say that again?"
	replyUnknown     = "I'm sorry, I can't find our session right now. Please try reconnecting in a moment."
	replyReprompt    = "I didn't catch that. Could you say it again?"
	replyEnded       = "This session has ended. Thank you for learning with me today."
	replyPaused      = "This session is paused right now. Your advisor can resume it when you're ready to continue."
	replyTooLong     = "We've covered a lot together and I'm having trouble holding all of it in mind at once. Let's keep going, but you may need to remind me of recent details."

	// Used between chunks when the session has personalization off.
	ackCanned       = "Thank you, I've noted your answer."
	lessonCompleted = "That completes this lesson. Feel free to ask me anything about what we covered."
)

// CallbackRequest is one learner turn delivered by the external platform.
type CallbackRequest struct {
	ExternalConversationID string
	TurnID                 string
	Message                string
	ExternalMessageID      string
}

// CallbackResult is the envelope returned for every callback. It is always
// success-shaped: failures surface as a spoken apology with Degraded set,
// never as a transport error the platform would retry into a loop.
type CallbackResult struct {
	SessionID string
	Reply     string
	Duplicate bool
	Degraded  bool
}

// Orchestrator owns the callback pipeline and the session lifecycle. All
// state mutation for a session happens while holding that session's lock,
// so concurrent callbacks for one session are processed one at a time while
// different sessions proceed in parallel.
type Orchestrator struct {
	store     store.Store
	binder    *binder.Binder
	engine    *lesson.Engine
	assembler *transcript.Assembler
	client    model.Client
	seen      *dedupe.Cache
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Orchestrator.
func New(
	s store.Store,
	b *binder.Binder,
	eng *lesson.Engine,
	asm *transcript.Assembler,
	client model.Client,
	seen *dedupe.Cache,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     s,
		binder:    b,
		engine:    eng,
		assembler: asm,
		client:    client,
		seen:      seen,
		logger:    logger.With("component", "orchestrator"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// HandleCallback processes one learner turn end to end: dedupe, binding
// resolution, user message persistence, lesson state transitions, model
// completion, and assistant message persistence. The assistant message is
// written last so a crash mid-pipeline never leaves a reply on record that
// was not produced.
//
// The error return is reserved for malformed requests; every processing
// failure is absorbed into a degraded CallbackResult.
func (o *Orchestrator) HandleCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error) {
	if req.ExternalConversationID == "" || req.TurnID == "" {
		return nil, fmt.Errorf("external conversation id and turn id are required")
	}

	// An empty turn carries nothing to respond to; re-prompt without
	// touching any persisted state.
	if strings.TrimSpace(req.Message) == "" {
		return &CallbackResult{Reply: replyReprompt}, nil
	}

	// The platform redelivers a turn when it never got (or lost) the first
	// answer, so a duplicate is answered with the reply the first delivery
	// produced rather than processed again.
	if o.seen.Seen(req.TurnID) {
		o.logger.Info("answering redelivered turn from cache", "turn_id", req.TurnID)
		reply := o.seen.Reply(req.TurnID)
		if reply == "" {
			// First delivery still in flight or reply already evicted
			reply = replyUnavailable
		}
		return &CallbackResult{Reply: reply, Duplicate: true}, nil
	}

	sess, err := o.binder.ResolveWithRetry(ctx, req.ExternalConversationID)
	if err != nil {
		// Nothing was persisted; let a redelivery try again
		o.seen.Forget(req.TurnID)
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("callback for unbound conversation",
				"external_id", req.ExternalConversationID)
			return &CallbackResult{Reply: replyUnknown, Degraded: true}, nil
		}
		o.logger.Error("binding resolution failed", "error", err)
		return &CallbackResult{Reply: replyUnavailable, Degraded: true}, nil
	}

	unlock := o.lockSession(sess.ID)
	defer unlock()

	// State may have moved while we waited on the lock
	sess, err = o.store.GetSession(ctx, sess.ID)
	if err != nil {
		o.logger.Error("reloading session", "error", err)
		return &CallbackResult{Reply: replyUnavailable, Degraded: true}, nil
	}

	var result *CallbackResult
	switch sess.Status {
	case store.StatusEnded:
		result = &CallbackResult{Reply: replyEnded}
	case store.StatusPaused:
		result = &CallbackResult{Reply: replyPaused}
	default:
		result = o.processTurn(ctx, sess, req)
	}
	result.SessionID = sess.ID
	o.seen.Record(req.TurnID, result.Reply)
	return result, nil
}

// processTurn runs the locked portion of the pipeline for an active
// session. The reply is composed according to where the session stands:
// outside structured delivery the model answers over the general
// transcript; a chunk awaiting delivery is returned verbatim with no model
// call; a chunk awaiting a response gets an acknowledgment (model-written
// when personalization is on, canned otherwise) with the next chunk
// concatenated into the same reply so no round trip is wasted.
func (o *Orchestrator) processTurn(ctx context.Context, sess *store.Session, req *CallbackRequest) *CallbackResult {
	userMsg := &store.Message{
		ID:                uuid.New().String(),
		SessionID:         sess.ID,
		Speaker:           store.SpeakerUser,
		Content:           req.Message,
		ExternalMessageID: req.ExternalMessageID,
		Timestamp:         time.Now(),
	}
	if sess.Phase == store.PhaseLessonDelivery {
		userMsg.LessonContextID = sess.CurrentLessonID
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		o.logger.Error("persisting user message", "session_id", sess.ID, "error", err)
		return &CallbackResult{Reply: replyUnavailable, Degraded: true}
	}

	var chunk *store.Chunk
	if sess.StructuredMode && sess.CurrentLessonID != "" &&
		sess.ChunkState != store.ChunkStateCompleted {
		var err error
		chunk, err = o.engine.CurrentChunk(ctx, sess)
		if err != nil {
			o.logger.Error("loading current chunk", "session_id", sess.ID, "error", err)
			return &CallbackResult{Reply: replyUnavailable, Degraded: true}
		}
	}

	var reply string
	var degraded bool
	switch {
	case chunk == nil:
		// Open-ended, structured mode off, or lesson completed: the model
		// answers over the general transcript and the chunk engine is
		// never consulted.
		reply, degraded = o.modelReply(ctx, sess, nil)

	case sess.ChunkState == store.ChunkStateAwaitingDelivery:
		// The chunk content is authoritative; deliver it directly.
		reply = renderChunk(chunk)
		if _, err := o.engine.MarkDelivered(ctx, sess); err != nil {
			o.logger.Error("marking chunk delivered", "session_id", sess.ID, "error", err)
			return &CallbackResult{Reply: replyUnavailable, Degraded: true}
		}

	default: // awaiting_response
		reply, degraded = o.answerChunkResponse(ctx, sess, chunk)
	}

	assistantMsg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Speaker:   store.SpeakerAssistant,
		Content:   reply,
		Timestamp: time.Now(),
	}
	if sess.Phase == store.PhaseLessonDelivery {
		assistantMsg.LessonContextID = sess.CurrentLessonID
	}
	if err := o.store.AppendMessage(ctx, assistantMsg); err != nil {
		o.logger.Error("persisting assistant message", "session_id", sess.ID, "error", err)
		return &CallbackResult{Reply: reply, Degraded: true}
	}

	return &CallbackResult{Reply: reply, Degraded: degraded}
}

// answerChunkResponse handles a learner's answer to the current chunk:
// acknowledge, advance, and deliver the next chunk in the same reply. A
// degraded acknowledgment does not advance, so the same chunk is retried
// on the learner's next turn.
func (o *Orchestrator) answerChunkResponse(ctx context.Context, sess *store.Session, chunk *store.Chunk) (string, bool) {
	if err := o.engine.RecordResponse(sess, sess.CurrentChunkIndex); err != nil {
		o.logger.Warn("response rejected", "session_id", sess.ID, "error", err)
		reply, degraded := o.modelReply(ctx, sess, nil)
		return reply, degraded
	}

	ack := ackCanned
	if sess.Personalization {
		var degraded bool
		ack, degraded = o.modelReply(ctx, sess, chunk)
		if degraded {
			return ack, true
		}
	}

	if _, err := o.engine.Advance(ctx, sess); err != nil {
		o.logger.Error("advancing after response", "session_id", sess.ID, "error", err)
		return replyUnavailable, true
	}

	if sess.ChunkState == store.ChunkStateCompleted {
		return ack + "\n\n" + lessonCompleted, false
	}

	next, err := o.engine.CurrentChunk(ctx, sess)
	if err != nil || next == nil {
		o.logger.Error("loading next chunk", "session_id", sess.ID, "error", err)
		return ack, false
	}
	if _, err := o.engine.MarkDelivered(ctx, sess); err != nil {
		o.logger.Error("marking next chunk delivered", "session_id", sess.ID, "error", err)
	}
	return ack + "\n\n" + renderChunk(next), false
}

// modelReply calls the model over the rendered transcript and maps
// failures to spoken degraded replies.
func (o *Orchestrator) modelReply(ctx context.Context, sess *store.Session, chunk *store.Chunk) (string, bool) {
	promptReq, err := o.assembler.RenderForModel(ctx, sess, chunk)
	if err != nil {
		o.logger.Error("rendering model context", "session_id", sess.ID, "error", err)
		return replyUnavailable, true
	}

	resp, err := o.client.Complete(ctx, promptReq)
	switch {
	case err == nil:
		return resp.Content, false
	case errors.Is(err, model.ErrContextTooLarge):
		o.logger.Warn("conversation exceeds model window", "session_id", sess.ID)
		return replyTooLong, true
	default:
		o.logger.Error("model completion failed", "session_id", sess.ID, "error", err)
		return replyUnavailable, true
	}
}

// renderChunk formats a chunk's content and follow-up question as one
// spoken turn.
func renderChunk(chunk *store.Chunk) string {
	if chunk.Question == "" {
		return chunk.Content
	}
	return chunk.Content + "\n\n" + chunk.Question
}

// lockSession acquires the per-session mutex and returns its unlock func.
func (o *Orchestrator) lockSession(id string) func() {
	o.mu.Lock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	o.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
