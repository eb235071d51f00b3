// ABOUTME: Package documentation for the conversation binder
// ABOUTME: Explains binding semantics, the resolution race, and cleanup

// Package binder maps external conversation ids to internal sessions.
//
// The external conversation platform assigns its own conversation id when a
// session is registered with it. Callbacks arrive keyed by that external id
// only, so the gateway keeps a binding table from external id to session id
// and resolves every callback through it.
//
// # Binding Semantics
//
// A binding is written once when the platform acknowledges registration and
// is never reassigned. Bind is idempotent for the same (external id, session)
// pair and returns ErrBindingConflict for any other pair.
//
// # The Resolution Race
//
// The platform can deliver the first callback before the binding write is
// visible to the callback handler. ResolveWithRetry absorbs that window: it
// retries with exponential backoff (100ms base, doubling, 3 retries by
// default) and gives up soft with store.ErrNotFound. Binds performed in the
// same process additionally wake in-flight resolvers directly, so the common
// case resolves without sleeping out a full backoff interval.
//
// # Cleanup
//
// Bindings for long-dead sessions are garbage. RunCleanup deletes bindings
// older than a TTL on a fixed interval.
package binder
