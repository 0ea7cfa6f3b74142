// Package server implements the authorization flow controller and the
// refresh rotation engine.
//
// The flow controller drives the authorization-code state machine:
// authorize (with a consent gate) issues a single-use code, exchange
// atomically consumes it and mints a signed access/refresh pair, and
// introspection and revocation operate on issued tokens. The rotation
// engine advances a session's refresh fingerprint with a single
// compare-and-swap in the store and escalates replays to whole-family
// revocation.
//
// The package depends on the storage interfaces for persistence, the token
// package for signing and verification, and the security package for PKCE,
// auditing, and rate limiting. Errors surface as *FlowError carrying both
// the RFC 6749 wire code and a distinct internal outcome for audit.
package server
