package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "https://auth.example.com")

	want := map[string]string{
		"X-Frame-Options":           "DENY",
		"X-Content-Type-Options":    "nosniff",
		"X-XSS-Protection":          "1; mode=block",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store, no-cache, must-revalidate, private",
		"Pragma":                    "no-cache",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}

	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestSetSecurityHeaders_NoHSTSOverHTTP(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
	}{
		{"http server", "http://localhost:8080"},
		{"unparseable url", "://invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeaders(w, tt.serverURL)

			if got := w.Header().Get("Strict-Transport-Security"); got != "" {
				t.Errorf("Strict-Transport-Security = %q, want unset", got)
			}
			// The rest of the header set does not depend on the scheme
			if got := w.Header().Get("Cache-Control"); got == "" {
				t.Error("Cache-Control should always be set")
			}
		})
	}
}
