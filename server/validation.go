package server

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/quillpress/authcore/storage"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

var (
	// DangerousSchemes must never appear in a redirect URI regardless of
	// configuration. Each of them turns a redirect into script execution or
	// local file access.
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultCustomSchemePatterns accepts any RFC 3986 compliant scheme for
	// native app redirects when no explicit allow-list is configured.
	DefaultCustomSchemePatterns = []string{"^[a-z][a-z0-9+.-]*$"}
)

// validateHTTPSEnforcement rejects a plaintext non-localhost issuer at
// construction time. Codes and tokens travel through every endpoint; over
// plain HTTP all of them are open to interception.
func (s *Server) validateHTTPSEnforcement() error {
	// An empty issuer fails elsewhere with a clearer error
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case schemeHTTPS:
		return nil

	case schemeHTTP:
		if isLocalhostHostname(issuerURL.Hostname()) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("Serving over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"to_suppress", "set AllowInsecureHTTP=true")
			}
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"issuer must use HTTPS in production (got %s://%s); set AllowInsecureHTTP=true only for development",
				issuerURL.Scheme, issuerURL.Hostname())
		}
		s.Logger.Error("Serving over HTTP on a non-localhost issuer",
			"issuer", s.Config.Issuer,
			"risk", "codes and tokens exposed to interception")
		return nil

	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname reports whether the hostname refers to the local
// machine: the localhost name, 0.0.0.0, and any loopback IP.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// url.Hostname() may leave brackets on IPv6 literals
	trimmed := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(trimmed); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURI requires the redirect URI to be registered for the
// client, byte for byte. No prefix matching, no normalization: anything
// looser opens a redirect to an attacker-chosen path.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return fmt.Errorf("redirect URI not registered for client")
	}
	return validateRedirectURISecurity(redirectURI, s.Config.Issuer, s.Config.AllowedCustomSchemes)
}

// validateScopes checks the requested scopes against the server's supported
// set. An empty configured set allows everything.
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 || scope == "" {
		return nil
	}

	for _, requested := range strings.Fields(scope) {
		if !slices.Contains(s.Config.SupportedScopes, requested) {
			return fmt.Errorf("unsupported scope: %s", requested)
		}
	}
	return nil
}

// validateClientScopes restricts the request to the client's registered
// scopes. An empty registration allows every server-supported scope.
func (s *Server) validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 || requestedScope == "" {
		return nil
	}

	for _, requested := range strings.Fields(requestedScope) {
		if !slices.Contains(clientScopes, requested) {
			// Deliberately does not name the scope: the message would let
			// one client probe another client's registration
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// validateStateParameter enforces presence and minimum length of the CSRF
// state value.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}
	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters", s.Config.MinStateLength)
	}
	return nil
}

// validateRedirectURISecurity applies the OAuth 2.0 Security BCP checks that
// hold for every client: no fragments, HTTPS outside loopback when the
// server itself is HTTPS, and custom schemes only when they pass the
// configured patterns.
func validateRedirectURISecurity(redirectURI, serverIssuer string, allowedCustomSchemes []string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// BCP section 4.1.3: fragments never belong in a redirect_uri
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != schemeHTTP && scheme != schemeHTTPS {
		return validateCustomScheme(scheme, allowedCustomSchemes)
	}

	if scheme == schemeHTTP && !isLoopbackHost(parsed.Hostname()) {
		if issuerURL, err := url.Parse(serverIssuer); err == nil && issuerURL.Scheme == schemeHTTPS {
			return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
		}
	}
	return nil
}

// validateCustomScheme checks a native-app scheme against the configured
// allow patterns, after refusing the schemes that are dangerous everywhere.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	lower := strings.ToLower(scheme)

	if slices.Contains(DangerousSchemes, lower) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultCustomSchemePatterns
	}
	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, lower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns", scheme)
}

// isLoopbackHost reports whether a redirect host is a loopback development
// address, where plain HTTP stays acceptable per RFC 8252.
func isLoopbackHost(hostname string) bool {
	hostname = strings.TrimSpace(strings.Trim(hostname, "[]"))

	switch hostname {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasPrefix(hostname, "127.") || strings.HasPrefix(hostname, "localhost:")
}
