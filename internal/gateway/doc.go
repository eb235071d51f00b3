// ABOUTME: Package documentation for the HTTP gateway
// ABOUTME: Describes the two API surfaces and their authentication

// Package gateway exposes the service over HTTP.
//
// Two surfaces exist with different trust models. The /callback routes
// receive learner turns from the external conversation platform and are
// authenticated by a shared secret header; well-formed callbacks always get
// a 200 with a success-shaped reply envelope. The /api routes are the
// management surface (session lifecycle, transcripts, lessons) and require
// a bearer JWT.
//
// The gateway owns the http.Server and background maintenance such as the
// binding cleanup loop; Start blocks until Shutdown drains it.
package gateway
