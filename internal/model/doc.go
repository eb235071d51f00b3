// ABOUTME: Package documentation for the model client
// ABOUTME: Notes the completion contract and recoverable error handling

// Package model provides the language model backend used to generate
// assistant replies.
//
// Client is a narrow completion interface: a system prompt plus ordered
// turn history in, one reply out. HTTPClient implements it against an
// Anthropic-style messages endpoint; MockClient scripts replies for tests.
//
// One error deserves special handling: ErrContextTooLarge signals that the
// conversation history no longer fits the model's context window. Callers
// detect it with errors.Is and respond with a degraded reply rather than
// failing the learner's turn.
package model
