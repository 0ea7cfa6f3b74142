package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the response headers every token-bearing endpoint
// carries. The CSP is maximally strict: these endpoints serve JSON and
// redirects, never markup, so nothing may load anything.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	// HSTS only makes sense when the server itself is reachable over TLS
	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Responses carry codes and tokens, nothing here may be cached
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}
