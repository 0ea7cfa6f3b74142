package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind discriminates access tokens from refresh tokens. A refresh token can
// never be used where an access token is expected and vice versa.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Verification outcomes. Exactly one applies to any verification failure.
var (
	// ErrExpired indicates a well-formed, correctly signed token past its expiry.
	ErrExpired = errors.New("token expired")

	// ErrMalformed indicates the token could not be parsed or is missing
	// required claims.
	ErrMalformed = errors.New("token malformed")

	// ErrSignatureInvalid indicates the signature does not verify.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrSessionRevoked indicates a valid token whose session has been revoked.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrWrongKind indicates a valid token presented for the other kind's use.
	ErrWrongKind = errors.New("wrong token kind")
)

// NowTimeFunc returns the current time; tests swap it to exercise expiry.
var NowTimeFunc = time.Now

// Claims is the decoded content of a capability token.
type Claims struct {
	ID        string
	Subject   string
	Scope     string
	SessionID string
	Issuer    string
	Kind      Kind

	// Nonce is the rotation nonce, present on refresh tokens only. Its
	// fingerprint is what the session store compares and swaps.
	Nonce string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// jwtClaims is the wire form of Claims.
type jwtClaims struct {
	jwt.RegisteredClaims
	Scope     string `json:"scope,omitempty"`
	SessionID string `json:"sid"`
	Kind      string `json:"kind"`
	Nonce     string `json:"nonce,omitempty"`
}

// RevocationChecker answers whether a session has been revoked. The session
// store satisfies it.
type RevocationChecker interface {
	IsSessionRevoked(ctx context.Context, sessionID string) (bool, error)
}

// Codec mints and verifies capability tokens with a single Ed25519 key.
type Codec struct {
	keys       *KeyPair
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	logger     *slog.Logger
}

// CodecConfig configures a Codec.
type CodecConfig struct {
	Keys   *KeyPair
	Issuer string

	// AccessTTL default: 15 minutes.
	AccessTTL time.Duration

	// RefreshTTL default: 7 days.
	RefreshTTL time.Duration

	// Leeway absorbs clock skew between issuer and verifier. Default: 5s.
	Leeway time.Duration

	Logger *slog.Logger
}

// NewCodec creates a codec. Keys and Issuer are required.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("signing keys are required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Codec{
		keys:       cfg.Keys,
		issuer:     cfg.Issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		leeway:     leeway,
		logger:     logger,
	}, nil
}

// Issuer returns the configured issuer identifier.
func (c *Codec) Issuer() string { return c.issuer }

// AccessTTL returns the access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// JWKS returns the public key set for the /.well-known/jwks.json document.
func (c *Codec) JWKS() JWKS { return c.keys.JWKS() }

// MintAccess signs an access token for the subject and session.
func (c *Codec) MintAccess(subject, scope, sessionID string) (string, error) {
	return c.mint(subject, scope, sessionID, KindAccess, "", c.accessTTL)
}

// MintRefresh signs a refresh token carrying the rotation nonce.
func (c *Codec) MintRefresh(subject, scope, sessionID, nonce string) (string, error) {
	if nonce == "" {
		return "", fmt.Errorf("rotation nonce is required for refresh tokens")
	}
	return c.mint(subject, scope, sessionID, KindRefresh, nonce, c.refreshTTL)
}

func (c *Codec) mint(subject, scope, sessionID string, kind Kind, nonce string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}

	now := NowTimeFunc()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope:     scope,
		SessionID: sessionID,
		Kind:      string(kind),
		Nonce:     nonce,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = c.keys.KeyID

	signed, err := t.SignedString(c.keys.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature, issuer, expiry, and kind of a raw token
// without consulting session state. The returned error is one of the
// sentinel outcomes.
func (c *Codec) Parse(raw string, want Kind) (*Claims, error) {
	var claims jwtClaims

	_, err := jwt.ParseWithClaims(raw, &claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(func() time.Time { return NowTimeFunc() }),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, classifyParseError(err)
	}

	if claims.Subject == "" || claims.SessionID == "" || claims.Kind == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrMalformed)
	}
	if Kind(claims.Kind) != want {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongKind, claims.Kind, want)
	}
	if want == KindRefresh && claims.Nonce == "" {
		return nil, fmt.Errorf("%w: refresh token missing nonce", ErrMalformed)
	}

	out := &Claims{
		ID:        claims.ID,
		Subject:   claims.Subject,
		Scope:     claims.Scope,
		SessionID: claims.SessionID,
		Issuer:    claims.Issuer,
		Kind:      Kind(claims.Kind),
		Nonce:     claims.Nonce,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// Verify is Parse plus the session revocation check. Revocation is checked
// last: a forged token must never trigger a store lookup.
func (c *Codec) Verify(ctx context.Context, raw string, want Kind, checker RevocationChecker) (*Claims, error) {
	claims, err := c.Parse(raw, want)
	if err != nil {
		return nil, err
	}

	revoked, err := checker.IsSessionRevoked(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to check session revocation: %w", err)
	}
	if revoked {
		return nil, ErrSessionRevoked
	}

	return claims, nil
}

func (c *Codec) keyFunc(t *jwt.Token) (any, error) {
	if kid, ok := t.Header["kid"].(string); ok && kid != c.keys.KeyID {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return c.keys.PublicKey, nil
}

// classifyParseError maps jwt/v5 errors onto the sentinel outcomes.
// Anything unrecognized is treated as malformed, failing closed.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
}

// Warmup runs a background signer self-test: mint and parse a throwaway
// token so key material problems surface at startup instead of on the first
// request. Failures are logged and discarded; warm-up never affects
// correctness.
func (c *Codec) Warmup(ctx context.Context) {
	go func() {
		raw, err := c.MintAccess("warmup", "", "warmup")
		if err != nil {
			c.logger.Warn("Token codec warmup failed to sign", "error", err)
			return
		}
		if _, err := c.Parse(raw, KindAccess); err != nil {
			c.logger.Warn("Token codec warmup failed to verify", "error", err)
			return
		}
		select {
		case <-ctx.Done():
		default:
			c.logger.Debug("Token codec warmup complete", "kid", c.keys.KeyID)
		}
	}()
}

// Fingerprint derives the store-side fingerprint of a rotation nonce:
// base64url-encoded SHA-256. The raw nonce never touches the store.
func Fingerprint(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
