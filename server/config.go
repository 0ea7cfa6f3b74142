package server

import (
	"log/slog"
	"time"
)

// Default lifetimes.
const (
	DefaultAuthorizationCodeTTL = 5 * time.Minute
	DefaultUsedNonceTTL         = 7 * 24 * time.Hour
	DefaultMinStateLength       = 8
)

// Config holds flow controller configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 5 minutes.
	AuthorizationCodeTTL time.Duration

	// UsedNonceTTL bounds the replay-detection horizon: consumed rotation
	// nonces keep a marker for this long. A replay older than the marker is
	// indistinguishable from an unknown grant and rejected as such.
	// Default: 7 days.
	UsedNonceTTL time.Duration

	// SupportedScopes lists the scopes this server grants. Empty allows all.
	SupportedScopes []string

	// AllowPKCEPlain enables the deprecated 'plain' code_challenge_method
	// for legacy clients. Default: false, S256 only.
	AllowPKCEPlain bool

	// DisableConsentPrompt skips the consent gate: authorize issues a code
	// without requiring an explicit approval resubmission. Only suitable for
	// first-party deployments where consent is implied. Default: false,
	// consent required.
	DisableConsentPrompt bool

	// MinStateLength is the minimum accepted length of the state parameter.
	// Default: 8.
	MinStateLength int

	// AllowInsecureHTTP permits a non-localhost http:// issuer. Development
	// only; production issuers must be https.
	AllowInsecureHTTP bool

	// AllowedCustomSchemes lists regex patterns for custom redirect URI
	// schemes (native apps). Empty falls back to the RFC 3986 scheme shape.
	AllowedCustomSchemes []string
}

// applySecureDefaults fills zero values with secure defaults. It returns a
// copy so shared Config literals are not mutated.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	cfg := *config

	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if cfg.UsedNonceTTL <= 0 {
		cfg.UsedNonceTTL = DefaultUsedNonceTTL
	}
	if cfg.MinStateLength <= 0 {
		cfg.MinStateLength = DefaultMinStateLength
	}

	if cfg.AllowPKCEPlain {
		logger.Warn("Insecure 'plain' PKCE method is enabled",
			"recommendation", "Upgrade clients to S256 and disable AllowPKCEPlain")
	}

	return &cfg
}
