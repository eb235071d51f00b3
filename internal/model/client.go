// ABOUTME: Client interface and message types for the language model backend
// ABOUTME: Defines the completion contract the orchestrator speaks

package model

import (
	"context"
	"errors"
)

// Roles for conversation turns sent to the model.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrContextTooLarge is returned when the assembled conversation exceeds
// the model's context window. Callers treat it as recoverable and answer
// with a degraded reply instead of failing the turn.
var ErrContextTooLarge = errors.New("conversation exceeds model context window")

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request: a system prompt plus the ordered
// turn history ending with the message to respond to.
type Request struct {
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Response is the model's reply to a Request.
type Response struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Client generates completions. Implementations must be safe for
// concurrent use.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
