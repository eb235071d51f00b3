// ABOUTME: Package documentation for transcript assembly
// ABOUTME: Explains ordering guarantees and context rendering modes

// Package transcript assembles stored session history into the prompt sent
// to the model.
//
// BuildTranscript returns the full history in timestamp order with
// consecutive same-speaker turns merged. History is never truncated here;
// if it outgrows the model's window the model client reports that and the
// orchestrator degrades gracefully.
//
// RenderForModel wraps the transcript in system context. Two renderings
// exist: a general advisory one (persona plus phase label) and a
// lesson-augmented one used when the learner is answering a chunk's
// question, which embeds the lesson identifier and the chunk's content and
// question so the model acknowledges the stored material instead of
// improvising.
package transcript
