// Package security provides the security primitives of the authorization
// core: PKCE verification, audit logging with PII hashing, per-identifier
// rate limiting with LRU eviction, client IP extraction, request ID
// propagation, and response security headers.
//
// Rate limiter defaults: 10,000 tracked identifiers, cleanup every 5
// minutes, 30 minute idle timeout. When the entry limit is reached the
// least recently used identifiers are evicted first, which keeps repeat
// legitimate callers tracked while one-shot attack sources fall out.
package security
