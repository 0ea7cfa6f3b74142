package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE constants (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// VerifyPKCE checks a code verifier against a code challenge per RFC 7636.
// It is a pure function with no I/O: every failure mode rejects, and the
// final comparison is constant-time in both methods.
//
// The 'plain' method is deprecated and only honored when allowPlain is set;
// otherwise only S256 is accepted.
func VerifyPKCE(method, verifier, challenge string, allowPlain bool) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	// Rejecting everything else also keeps null bytes and control characters out
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string

	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	case PKCEMethodPlain:
		if !allowPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		computedChallenge = verifier

	default:
		return fmt.Errorf("unsupported code_challenge_method: %q", method)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}
