// Package storage defines the persistence interfaces for the authorization
// core: single-use authorization codes, rotating refresh sessions, and the
// registered client set.
//
// Implementations must make ConsumeCode and SwapRefreshFingerprint atomic.
// Both are single-writer-wins primitives: under concurrent callers exactly one
// may succeed, and the loser must be able to tell "lost the race" apart from
// "never existed". The memory implementation serves tests and single-process
// deployments; the valkey implementation is the production backend.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations.
var (
	// ErrCodeNotFound indicates the authorization code does not exist or has expired.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeConsumed indicates the authorization code was already consumed.
	// ConsumeCode returns the stored code data alongside this error so the
	// caller can revoke whatever was issued from the first consumption.
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrClientNotFound indicates no client is registered under the given id.
	ErrClientNotFound = errors.New("client not found")

	// ErrSessionNotFound indicates the session does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionRevoked is returned by SwapRefreshFingerprint when the
	// session carries a revocation marker at swap time. The swap does not
	// happen and no used-nonce marker is written.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrStoreUnavailable indicates the backend could not be reached.
	// Callers treat this as a retryable condition for idempotent reads and
	// fail closed everywhere else.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Client is a registered OAuth client.
type Client struct {
	ID           string
	Name         string
	RedirectURIs []string
	Scopes       []string

	// SecretHash is the bcrypt hash of the client secret.
	// Empty for public clients, which authenticate with PKCE only.
	SecretHash string

	Public    bool
	CreatedAt time.Time
}

// AuthorizationCode is a single-use code binding an authorization grant to
// the client, redirect URI, subject, scope, and PKCE challenge it was issued
// for. Exchange must present the same client id and the exact redirect URI.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Subject             string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string

	// SessionID is set once the code has been exchanged, so a detected
	// double-consume can revoke what the first exchange created.
	SessionID string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the code is past its expiry at the given time.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Session is a refresh-token session. The store additionally tracks the
// session's current refresh fingerprint, used-nonce markers, and revocation
// flag; those live behind the SessionStore operations rather than on the
// struct because they must only ever change through atomic primitives.
type Session struct {
	ID        string
	Subject   string
	ClientID  string
	Scope     string
	UserAgent string
	RemoteIP  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CodeStore persists authorization codes with exactly-once consumption.
type CodeStore interface {
	// SaveCode stores a new authorization code with its TTL.
	SaveCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeCode atomically retrieves the code and marks it consumed.
	// Under concurrent calls for the same code, exactly one caller receives
	// the code with a nil error; the rest receive ErrCodeConsumed together
	// with the stored data. Unknown or expired codes yield ErrCodeNotFound.
	ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// BindCodeSession records the session created from a consumed code, kept
	// for the remainder of the code's retention window so replayed codes can
	// be traced back to what they minted.
	BindCodeSession(ctx context.Context, code, sessionID string) error
}

// SessionStore persists refresh sessions and implements the rotation CAS.
type SessionStore interface {
	// CreateSession stores the session, seeds its refresh fingerprint, and
	// adds it to the subject's session index.
	CreateSession(ctx context.Context, session *Session, fingerprint string) error

	// GetSession returns the stored session, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// SwapRefreshFingerprint is the rotation primitive. In one atomic
	// server-side operation it verifies the session is not revoked,
	// compares the session's stored fingerprint with presented and, on
	// match, installs next and records a used-nonce marker for presented
	// with the given TTL. It reports whether the swap happened. A revoked
	// session yields ErrSessionRevoked; the check is part of the same
	// atomic operation, so a revocation racing a rotation can never mint.
	// A false return with a nil error means the comparison failed; the
	// caller decides between replay and plain rejection by checking
	// IsFingerprintUsed.
	SwapRefreshFingerprint(ctx context.Context, sessionID, presented, next string, markerTTL time.Duration) (bool, error)

	// IsFingerprintUsed reports whether a used-nonce marker exists for the
	// fingerprint, i.e. whether it was consumed by an earlier rotation.
	IsFingerprintUsed(ctx context.Context, sessionID, fingerprint string) (bool, error)

	// RevokeSession marks the session revoked. Idempotent.
	RevokeSession(ctx context.Context, sessionID string) error

	// IsSessionRevoked reports whether the session has been revoked.
	IsSessionRevoked(ctx context.Context, sessionID string) (bool, error)

	// RevokeSubjectSessions revokes every session in the subject's index and
	// clears the index. Returns the number of sessions revoked.
	RevokeSubjectSessions(ctx context.Context, subject string) (int, error)

	// ListSubjectSessions returns the subject's live sessions.
	ListSubjectSessions(ctx context.Context, subject string) ([]*Session, error)
}

// ClientStore persists registered clients.
type ClientStore interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// Store aggregates all storage concerns. Both bundled implementations
// satisfy it with a single backend.
type Store interface {
	CodeStore
	SessionStore
	ClientStore
}
