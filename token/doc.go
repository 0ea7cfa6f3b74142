// Package token implements the capability token codec: EdDSA-signed JWTs
// carrying subject, scope, session id, issuer, expiry, and a kind
// discriminator separating access from refresh tokens. Refresh tokens
// additionally carry the rotation nonce whose fingerprint the session store
// tracks.
//
// Verification outcomes are disjoint sentinel errors (expired, malformed,
// signature invalid, session revoked) so callers can audit the precise
// failure while presenting a uniform answer externally.
package token
