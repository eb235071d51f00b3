// ABOUTME: Package documentation for lesson content and progression
// ABOUTME: Explains the chunk state machine and lesson versioning

// Package lesson holds structured lesson content and the state machine that
// walks a session through it.
//
// # Chunk State Machine
//
// A lesson is an ordered list of chunks; each chunk is a piece of content
// plus an optional comprehension question. Exactly one chunk is current at a
// time and it moves through three states:
//
//	awaiting_delivery -> awaiting_response -> (advance to next chunk)
//
// MarkDelivered performs the first transition once the chunk content has
// been sent. Advance performs the second once the learner's response has
// been handled. Past the final chunk the session's chunk state becomes
// completed and its phase shifts to open conversation; the session stays
// active so the learner can keep asking questions about what was taught.
//
// Both transitions go through the store's conditional advance, pinned to
// the index and state the caller observed. A redelivered webhook or a
// concurrent trigger loses the pin and no-ops instead of double-advancing.
//
// # Lesson Versioning
//
// Lesson content is immutable once stored. The Loader seeds lessons from
// TOML files at startup and only writes (slug, version) pairs the store has
// not seen; editing content means bumping the file's version. Sessions hold
// a concrete lesson id, so a learner mid-lesson keeps the version they
// started with.
package lesson
