// ABOUTME: Tests for the HTTP API
// ABOUTME: Exercises callback auth, session management routes, and error mapping

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagelane/tutor-gateway/internal/auth"
	"github.com/sagelane/tutor-gateway/internal/binder"
	"github.com/sagelane/tutor-gateway/internal/dedupe"
	"github.com/sagelane/tutor-gateway/internal/lesson"
	"github.com/sagelane/tutor-gateway/internal/model"
	"github.com/sagelane/tutor-gateway/internal/orchestrator"
	"github.com/sagelane/tutor-gateway/internal/store"
	"github.com/sagelane/tutor-gateway/internal/transcript"
)

const (
	testCallbackSecret = "hook-secret"
	testTokenSecret    = "token-secret"
)

type apiHarness struct {
	srv      *httptest.Server
	store    *store.MockStore
	verifier *auth.Verifier
	token    string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	ms := store.NewMockStore()
	b := binder.New(ms, nil, binder.Options{BaseBackoff: 5 * time.Millisecond})
	eng := lesson.NewEngine(ms, nil)
	asm := transcript.NewAssembler(ms, nil, "You are a tutor.")
	client := model.NewMockClient("api test reply")
	seen := dedupe.NewCache(time.Minute, 100)
	orch := orchestrator.New(ms, b, eng, asm, client, seen, nil)

	verifier, err := auth.NewVerifier(testTokenSecret)
	require.NoError(t, err)
	token, err := verifier.Sign("test-operator", "", time.Hour)
	require.NoError(t, err)

	g := New(orch, ms, b, verifier, nil, Options{
		Addr:           "127.0.0.1:0",
		CallbackSecret: testCallbackSecret,
	})

	srv := httptest.NewServer(g.Routes())
	t.Cleanup(srv.Close)

	return &apiHarness{srv: srv, store: ms, verifier: verifier, token: token}
}

func (h *apiHarness) request(t *testing.T, method, path string, body any, authed bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *apiHarness) createSession(t *testing.T, payload createSessionPayload) *store.Session {
	t.Helper()
	resp := h.request(t, http.MethodPost, "/api/sessions/", payload, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decode[*store.Session](t, resp)
	require.NotEmpty(t, sess.ID)
	return sess
}

func seedLesson(t *testing.T, ms *store.MockStore) *store.Lesson {
	t.Helper()
	lsn := &store.Lesson{
		ID:      "lesson-1",
		Slug:    "basics",
		Title:   "Basics",
		Version: 1,
		Chunks: []*store.Chunk{
			{ID: "c0", LessonID: "lesson-1", Index: 0, Content: "content 0", Question: "q0?"},
			{ID: "c1", LessonID: "lesson-1", Index: 1, Content: "content 1", Question: "q1?"},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, ms.CreateLesson(context.Background(), lsn))
	return lsn
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.request(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCallback_RequiresSecret(t *testing.T) {
	h := newAPIHarness(t)

	body, _ := json.Marshal(callbackPayload{ConversationID: "ext-1", TurnID: "t1"})
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/callback/conversation", bytes.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCallback_RoundTrip(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, createSessionPayload{Kind: "open_ended", ConversationID: "ext-1"})

	body, _ := json.Marshal(callbackPayload{
		ConversationID: "ext-1",
		TurnID:         "turn-1",
		Message:        "hello",
	})
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/callback/conversation", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Callback-Secret", testCallbackSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reply := decode[callbackReply](t, resp)
	assert.Equal(t, sess.ID, reply.SessionID)
	assert.Equal(t, "api test reply", reply.Reply)
	assert.False(t, reply.Degraded)
}

func TestAPI_RequiresToken(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.request(t, http.MethodGet, "/api/lessons", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateSession_LessonBased(t *testing.T) {
	h := newAPIHarness(t)
	lsn := seedLesson(t, h.store)

	sess := h.createSession(t, createSessionPayload{
		Kind:           "lesson_based",
		LessonSlug:     "basics",
		StructuredMode: true,
	})
	assert.Equal(t, lsn.ID, sess.CurrentLessonID)
	assert.Equal(t, store.PhaseLessonDelivery, sess.Phase)
}

func TestCreateSession_UnknownLesson(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.request(t, http.MethodPost, "/api/sessions/", createSessionPayload{
		Kind:       "lesson_based",
		LessonSlug: "missing",
	}, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSession(t *testing.T) {
	h := newAPIHarness(t)
	seedLesson(t, h.store)
	sess := h.createSession(t, createSessionPayload{Kind: "lesson_based", LessonSlug: "basics"})

	resp := h.request(t, http.MethodGet, "/api/sessions/"+sess.ID+"/", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	state := decode[orchestrator.SessionState](t, resp)
	assert.Equal(t, sess.ID, state.Session.ID)
	require.NotNil(t, state.Progress)
	assert.Equal(t, 2, state.Progress.TotalChunks)

	resp = h.request(t, http.MethodGet, "/api/sessions/missing/", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBindConversation_Conflict(t *testing.T) {
	h := newAPIHarness(t)
	h.createSession(t, createSessionPayload{Kind: "open_ended", ConversationID: "ext-1"})
	second := h.createSession(t, createSessionPayload{Kind: "open_ended"})

	resp := h.request(t, http.MethodPost,
		fmt.Sprintf("/api/sessions/%s/bind", second.ID),
		bindPayload{ConversationID: "ext-1"}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAdvanceChunk(t *testing.T) {
	h := newAPIHarness(t)
	seedLesson(t, h.store)
	sess := h.createSession(t, createSessionPayload{
		Kind:           "lesson_based",
		LessonSlug:     "basics",
		StructuredMode: true,
	})

	zero := 0
	resp := h.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/advance",
		advancePayload{FromIndex: &zero}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]bool](t, resp)
	assert.True(t, out["applied"])

	// A double-delivered request names the same from-chunk and no-ops
	resp = h.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/advance",
		advancePayload{FromIndex: &zero}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[map[string]bool](t, resp)
	assert.False(t, out["applied"])

	got, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentChunkIndex)

	// The from-chunk is not optional
	resp = h.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/advance",
		map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLifecycleEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, createSessionPayload{Kind: "open_ended"})

	resp := h.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/pause", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/resume", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/end", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Resuming an ended session conflicts
	resp = h.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/resume", nil, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListMessages(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, createSessionPayload{Kind: "open_ended"})

	require.NoError(t, h.store.AppendMessage(context.Background(), &store.Message{
		ID:        "m1",
		SessionID: sess.ID,
		Speaker:   store.SpeakerUser,
		Content:   "hi",
		Timestamp: time.Now(),
	}))

	resp := h.request(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string][]*store.Message](t, resp)
	require.Len(t, out["messages"], 1)
	assert.Equal(t, "hi", out["messages"][0].Content)
}

func TestCallback_TurnsListExtractsLastUserTurn(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, createSessionPayload{Kind: "open_ended", ConversationID: "ext-1"})

	body, _ := json.Marshal(callbackPayload{
		ConversationID: "ext-1",
		TurnID:         "turn-1",
		Turns: []callbackTurn{
			{Role: "user", Content: "hello there"},
			{Role: "assistant", Content: "hi, what can I help with?"},
			{Role: "user", Content: "what is a deductible?"},
		},
	})
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/callback/conversation", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Callback-Secret", testCallbackSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reply := decode[callbackReply](t, resp)
	assert.Equal(t, "api test reply", reply.Reply)

	// Only the last user turn is persisted; the platform's transcript of
	// earlier turns is context, not new input
	msgs, err := h.store.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "what is a deductible?", msgs[0].Content)
}

func TestCallback_TurnsListWithoutUserTurnReprompts(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, createSessionPayload{Kind: "open_ended", ConversationID: "ext-1"})

	// A flat message is ignored when a turns list is present but carries
	// no user turn; there is nothing to respond to
	body, _ := json.Marshal(callbackPayload{
		ConversationID: "ext-1",
		TurnID:         "turn-1",
		Message:        "should be ignored",
		Turns: []callbackTurn{
			{Role: "assistant", Content: "are you still there?"},
		},
	})
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/callback/conversation", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Callback-Secret", testCallbackSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reply := decode[callbackReply](t, resp)
	assert.NotEmpty(t, reply.Reply)
	assert.False(t, reply.Degraded)

	msgs, err := h.store.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCallback_EchoesLessonVariables(t *testing.T) {
	h := newAPIHarness(t)
	seedLesson(t, h.store)
	sess := h.createSession(t, createSessionPayload{
		Kind:           "lesson_based",
		LessonSlug:     "basics",
		StructuredMode: true,
		ConversationID: "ext-1",
	})

	// Conversation id carried in the variables map instead of top-level
	body, _ := json.Marshal(callbackPayload{
		TurnID:    "turn-1",
		Message:   "ready",
		Variables: map[string]string{"conversation_id": "ext-1"},
	})
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/callback/conversation", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Callback-Secret", testCallbackSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The first turn of a structured lesson delivers the chunk verbatim
	reply := decode[callbackReply](t, resp)
	assert.Equal(t, "content 0\n\nq0?", reply.Reply)
	assert.Equal(t, sess.ID, reply.Variables["session_id"])
	assert.Equal(t, "lesson_delivery", reply.Variables["phase"])
	assert.Equal(t, "0", reply.Variables["chunk_index"])
	assert.Equal(t, "2", reply.Variables["total_chunks"])
}

func TestGetChunk(t *testing.T) {
	h := newAPIHarness(t)
	seedLesson(t, h.store)
	sess := h.createSession(t, createSessionPayload{
		Kind:           "lesson_based",
		LessonSlug:     "basics",
		StructuredMode: true,
	})

	resp := h.request(t, http.MethodGet, "/api/sessions/"+sess.ID+"/chunk", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]*store.Chunk](t, resp)
	require.NotNil(t, out["chunk"])
	assert.Equal(t, "content 0", out["chunk"].Content)

	// Fetching counts as delivering; the chunk now awaits the learner's
	// answer but stays current, so a repeat fetch returns the same chunk
	got, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChunkStateAwaitingResponse, got.ChunkState)

	resp = h.request(t, http.MethodGet, "/api/sessions/"+sess.ID+"/chunk", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[map[string]*store.Chunk](t, resp)
	require.NotNil(t, out["chunk"])
	assert.Equal(t, "content 0", out["chunk"].Content)

	// Open-ended sessions have no chunk to serve
	open := h.createSession(t, createSessionPayload{Kind: "open_ended"})
	resp = h.request(t, http.MethodGet, "/api/sessions/"+open.ID+"/chunk", nil, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListLessons(t *testing.T) {
	h := newAPIHarness(t)
	seedLesson(t, h.store)

	resp := h.request(t, http.MethodGet, "/api/lessons", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string][]*store.Lesson](t, resp)
	require.Len(t, out["lessons"], 1)
	assert.Equal(t, "basics", out["lessons"][0].Slug)
}
