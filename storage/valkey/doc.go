// Package valkey provides a Valkey-backed implementation of the storage
// interfaces for multi-instance deployments.
//
// The two race-sensitive operations are server-evaluated Lua scripts:
// authorization-code consumption marks the code used in the same script that
// reads it, and refresh rotation compares and swaps the session fingerprint
// while recording the used-nonce marker, all in one round trip. Everything
// else is plain keyed reads and writes under a configurable prefix.
//
// Idempotent reads are retried with bounded exponential backoff; the atomic
// scripts are never retried, because a retry after an ambiguous failure could
// consume a grant twice.
package valkey
