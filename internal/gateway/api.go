// ABOUTME: HTTP handlers for the callback endpoint and management API
// ABOUTME: Request/response shapes and error-to-status mapping

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sagelane/tutor-gateway/internal/binder"
	"github.com/sagelane/tutor-gateway/internal/lesson"
	"github.com/sagelane/tutor-gateway/internal/orchestrator"
	"github.com/sagelane/tutor-gateway/internal/store"
)

// callbackPayload is what the external platform posts per learner turn.
// Some platform configurations carry the conversation id in a top-level
// field, others inside the variables map; both are accepted. The same goes
// for the learner's words: either an ordered turns list, from which the
// last user turn is taken, or a flat message field.
type callbackPayload struct {
	ConversationID string            `json:"conversation_id"`
	TurnID         string            `json:"turn_id"`
	Message        string            `json:"message"`
	MessageID      string            `json:"message_id"`
	Turns          []callbackTurn    `json:"turns,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// callbackTurn is one prior turn in the platform's transcript of the
// conversation so far.
type callbackTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// lastUserTurn returns the content of the most recent user turn, falling
// back to the flat message field when no turns list was sent. An empty
// return means the payload carries nothing to respond to.
func (p *callbackPayload) lastUserTurn() string {
	for i := len(p.Turns) - 1; i >= 0; i-- {
		if p.Turns[i].Role == "user" {
			return p.Turns[i].Content
		}
	}
	if len(p.Turns) > 0 {
		return ""
	}
	return p.Message
}

// callbackReply is always returned with status 200 for well-formed
// callbacks. The platform reads Reply to the learner verbatim and threads
// Variables back on the next turn.
type callbackReply struct {
	SessionID string            `json:"session_id,omitempty"`
	Reply     string            `json:"reply"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Degraded  bool              `json:"degraded,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

func (g *Gateway) handleConversationCallback(w http.ResponseWriter, r *http.Request) {
	var payload callbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	conversationID := payload.ConversationID
	if conversationID == "" {
		conversationID = payload.Variables["conversation_id"]
	}

	result, err := g.orch.HandleCallback(r.Context(), &orchestrator.CallbackRequest{
		ExternalConversationID: conversationID,
		TurnID:                 payload.TurnID,
		Message:                payload.lastUserTurn(),
		ExternalMessageID:      payload.MessageID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply := callbackReply{
		SessionID: result.SessionID,
		Reply:     result.Reply,
		Duplicate: result.Duplicate,
		Degraded:  result.Degraded,
	}
	if result.SessionID != "" {
		if state, err := g.orch.GetState(r.Context(), result.SessionID); err == nil {
			reply.Variables = map[string]string{
				"session_id": result.SessionID,
				"phase":      string(state.Session.Phase),
			}
			if state.Progress != nil {
				reply.Variables["chunk_index"] = strconv.Itoa(state.Progress.ChunkIndex)
				reply.Variables["total_chunks"] = strconv.Itoa(state.Progress.TotalChunks)
			}
		}
	}
	writeJSON(w, http.StatusOK, reply)
}

type createSessionPayload struct {
	Kind            string `json:"kind"`
	LessonSlug      string `json:"lesson_slug,omitempty"`
	Personalization bool   `json:"personalization"`
	StructuredMode  bool   `json:"structured_mode"`
	ConversationID  string `json:"conversation_id,omitempty"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload createSessionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	sess, err := g.orch.CreateSession(r.Context(), orchestrator.CreateSessionParams{
		Kind:                   store.SessionKind(payload.Kind),
		LessonSlug:             payload.LessonSlug,
		Personalization:        payload.Personalization,
		StructuredMode:         payload.StructuredMode,
		ExternalConversationID: payload.ConversationID,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, err := g.orch.GetState(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (g *Gateway) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	chunk, err := g.orch.GetCurrentChunk(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, lesson.ErrNoLesson) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeMappedError(w, err)
		return
	}
	if chunk == nil {
		writeJSON(w, http.StatusOK, map[string]any{"chunk": nil, "completed": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunk": chunk})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := g.store.GetSession(r.Context(), sessionID); err != nil {
		writeMappedError(w, err)
		return
	}
	msgs, err := g.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type bindPayload struct {
	ConversationID string `json:"conversation_id"`
}

func (g *Gateway) handleBindConversation(w http.ResponseWriter, r *http.Request) {
	var payload bindPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	err := g.orch.BindConversation(r.Context(), chi.URLParam(r, "sessionID"), payload.ConversationID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "bound"})
}

// advancePayload names the chunk the caller is advancing from, so a
// double-delivered request no-ops instead of skipping a further chunk.
type advancePayload struct {
	FromIndex *int `json:"from_index"`
}

func (g *Gateway) handleAdvanceChunk(w http.ResponseWriter, r *http.Request) {
	var payload advancePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.FromIndex == nil {
		writeError(w, http.StatusBadRequest, "from_index is required")
		return
	}

	applied, err := g.orch.AdvanceChunk(r.Context(), chi.URLParam(r, "sessionID"), *payload.FromIndex)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (g *Gateway) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	g.statusChange(w, r, g.orch.PauseSession, "paused")
}

func (g *Gateway) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	g.statusChange(w, r, g.orch.ResumeSession, "active")
}

func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	g.statusChange(w, r, g.orch.EndSession, "ended")
}

func (g *Gateway) statusChange(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, sessionID string) error,
	status string,
) {
	if err := op(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (g *Gateway) handleListLessons(w http.ResponseWriter, r *http.Request) {
	lessons, err := g.store.ListLessons(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lessons": lessons})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeMappedError translates domain errors to HTTP statuses.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, binder.ErrBindingConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrSessionNotActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
