package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()

	if a == b {
		t.Error("consecutive request IDs should differ")
	}
	if len(a) != 22 {
		t.Errorf("request ID length = %d, want 22 (16 bytes base64url)", len(a))
	}
	if strings.ContainsAny(a, "+/=") {
		t.Errorf("request ID %q should be unpadded base64url", a)
	}
	if !requestIDPattern.MatchString(a) {
		t.Errorf("generated ID %q should satisfy the accepted pattern", a)
	}
}

func TestRequestIDContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)

	if got := GetRequestID(r.Context()); got != "" {
		t.Errorf("GetRequestID on a bare context = %q, want empty", got)
	}

	ctx := WithRequestID(r.Context(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID = %q, want req-123", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

		echoed := rec.Header().Get(RequestIDHeader)
		if echoed == "" {
			t.Fatal("response should carry a request ID")
		}
		if seen != echoed {
			t.Errorf("context ID %q != response header %q", seen, echoed)
		}
	})

	t.Run("preserves valid upstream ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(RequestIDHeader, "upstream-abc_123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if seen != "upstream-abc_123" {
			t.Errorf("context ID = %q, want the upstream ID", seen)
		}
		if rec.Header().Get(RequestIDHeader) != "upstream-abc_123" {
			t.Error("upstream ID should be echoed in the response")
		}
	})

	t.Run("replaces malformed upstream ID", func(t *testing.T) {
		tests := []string{
			"has spaces in it",
			"crlf\r\ninjection",
			strings.Repeat("x", 200),
			"unicode-é",
		}
		for _, bad := range tests {
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set(RequestIDHeader, bad)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == bad {
				t.Errorf("malformed upstream ID %q should be replaced", bad)
			}
			if !requestIDPattern.MatchString(seen) {
				t.Errorf("replacement %q should satisfy the pattern", seen)
			}
		}
	})
}
