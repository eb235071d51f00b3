// ABOUTME: Package documentation for the conversation orchestrator
// ABOUTME: Describes the callback pipeline, locking, and failure envelope

// Package orchestrator coordinates everything that happens when the
// external conversation platform delivers a learner turn.
//
// # Callback Pipeline
//
// HandleCallback runs each turn through a fixed pipeline: re-prompt empty
// turns, answer redelivered turn ids with the reply their first delivery
// produced, resolve the external conversation id to a session (with a
// bounded retry for the registration race), persist the learner's message,
// compose the reply, and persist the assistant's reply last. Because the
// reply is written last, a crash anywhere earlier never records an answer
// the learner did not hear.
//
// How the reply is composed depends on where the session stands. Outside
// structured lesson delivery the model answers over the general transcript.
// An undelivered chunk is returned verbatim, content plus question, with no
// model call; the stored material is authoritative. A learner's answer to a
// chunk gets an acknowledgment, written by the model when the session has
// personalization enabled and canned otherwise, and the next chunk is
// concatenated into the same reply so delivery costs no extra round trip.
//
// # Serialization
//
// All mutation for one session happens under that session's lock. Two
// callbacks for the same session are processed strictly one after the
// other; sessions do not contend with each other. Chunk advancement is
// additionally pinned to the observed index and state in the store, so even
// a duplicate that slipped past the dedupe cache cannot double-advance.
//
// # Failure Envelope
//
// Every callback returns a success-shaped CallbackResult. Failures become a
// spoken apology with Degraded set rather than a transport error, because
// the platform would read an error payload to the learner or retry into a
// loop. The only hard error HandleCallback returns is a malformed request.
package orchestrator
