package authcore

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds the authorization server configuration.
// Structured using composition, secure by default.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	// Embedded in every minted token and echoed in discovery metadata.
	Issuer string

	// SupportedScopes lists the scopes this server grants.
	// Empty allows any requested scope.
	SupportedScopes []string

	// Tokens configures signing keys and lifetimes.
	Tokens TokenConfig

	// RateLimit configures per-IP and per-subject rate limiting.
	RateLimit RateLimitConfig

	// Security holds security settings.
	Security SecurityConfig

	// Logger for structured logging (optional, uses slog.Default if not provided).
	Logger *slog.Logger
}

// TokenConfig holds signing key material and token lifetimes.
type TokenConfig struct {
	// SigningKeySeed is the Ed25519 private key seed as 64 hex characters
	// (32 bytes). Empty generates an ephemeral key pair; tokens then do not
	// survive a restart, which is fine for development and tests only.
	SigningKeySeed string

	// AccessTokenTTL is the access token lifetime. Default: 15 minutes.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token and session lifetime.
	// Default: 7 days.
	RefreshTokenTTL time.Duration

	// AuthorizationCodeTTL is the authorization code lifetime.
	// Default: 5 minutes.
	AuthorizationCodeTTL time.Duration

	// UsedNonceTTL bounds the refresh replay detection horizon: markers for
	// consumed rotation nonces are kept this long. Default: 7 days.
	UsedNonceTTL time.Duration

	// ClockSkewLeeway is the tolerance applied to token time claims.
	// Default: 5 seconds.
	ClockSkewLeeway time.Duration
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// SubjectRate is requests per second allowed per authenticated subject,
	// applied in addition to IP-based limiting. Zero disables.
	SubjectRate int

	// SubjectBurst is the maximum burst size per subject.
	SubjectBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// server, used to pick the right X-Forwarded-For entry.
	TrustedProxyCount int
}

// SecurityConfig holds security settings (secure by default).
type SecurityConfig struct {
	// AllowPKCEPlain enables the deprecated 'plain' code_challenge_method.
	// WARNING: 'plain' gives no protection against challenge interception.
	AllowPKCEPlain bool

	// DisableConsentPrompt skips the consent gate on /authorize. Only
	// suitable for first-party deployments where consent is implied.
	DisableConsentPrompt bool

	// AllowInsecureHTTP permits a non-localhost http:// issuer.
	// Development only.
	AllowInsecureHTTP bool

	// AllowedCustomSchemes lists allowed custom redirect URI scheme regex
	// patterns for native apps. Default: RFC 3986 compliant schemes.
	AllowedCustomSchemes []string

	// MinStateLength is the minimum accepted state parameter length.
	// Default: 8.
	MinStateLength int

	// EnableAuditLogging enables security audit logging. Auth events, token
	// operations and violations are logged with sensitive values hashed.
	EnableAuditLogging bool

	// AllowedCORSOrigins lists origins allowed to call the token endpoint
	// from a browser. Empty disables CORS headers entirely.
	AllowedCORSOrigins []string
}

// Validate checks the configuration for outright errors. Zero values that
// have defaults are not errors.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if seed := c.Tokens.SigningKeySeed; seed != "" && len(seed) != 64 {
		return fmt.Errorf("signing key seed must be 64 hex characters (32 bytes), got %d", len(seed))
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	return nil
}
