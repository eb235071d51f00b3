// ABOUTME: In-memory model client for tests
// ABOUTME: Returns scripted replies and records the requests it saw

package model

import (
	"context"
	"sync"
)

// MockClient implements Client with scripted replies for testing.
type MockClient struct {
	mu       sync.Mutex
	replies  []string
	next     int
	err      error
	Requests []*Request
}

// NewMockClient creates a mock that cycles through the given replies.
func NewMockClient(replies ...string) *MockClient {
	if len(replies) == 0 {
		replies = []string{"mock reply"}
	}
	return &MockClient{replies: replies}
}

// Compile-time check that MockClient implements Client
var _ Client = (*MockClient)(nil)

// FailWith makes all subsequent Complete calls return err.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Complete records the request and returns the next scripted reply.
func (m *MockClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.err != nil {
		return nil, m.err
	}

	reply := m.replies[m.next%len(m.replies)]
	m.next++
	return &Response{Content: reply, StopReason: "end_turn"}, nil
}

// LastRequest returns the most recent request, or nil if none were made.
func (m *MockClient) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	return m.Requests[len(m.Requests)-1]
}
