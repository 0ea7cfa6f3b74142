package authcore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/quillpress/authcore/instrumentation"
	"github.com/quillpress/authcore/internal/testutil"
	"github.com/quillpress/authcore/storage/memory"
	"github.com/quillpress/authcore/token"
)

const (
	handlerIssuer   = "https://auth.example.com"
	handlerRedirect = "https://app.example.com/callback"
	handlerState    = "state-1234567890"
)

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	return store
}

// newTestHandler builds a server plus handler over a memory store with a
// fixed subject authenticator.
func newTestHandler(t *testing.T, config *Config) (*Handler, *memory.Store) {
	t.Helper()

	store := newTestStore(t)
	if config == nil {
		config = &Config{
			Issuer:   handlerIssuer,
			Tokens:   TokenConfig{SigningKeySeed: testutil.TestSigningSeed},
			Security: SecurityConfig{DisableConsentPrompt: true},
		}
	}

	srv, err := NewServer(store, config)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(srv.Close)

	handler := NewHandler(srv, nil)
	handler.Authenticator = func(r *http.Request) (string, error) {
		if r.Header.Get("X-Test-Subject") == "" {
			return "", fmt.Errorf("no subject header")
		}
		return r.Header.Get("X-Test-Subject"), nil
	}

	if err := store.SaveClient(context.Background(),
		testutil.NewPublicClient("client-1", handlerRedirect, "read", "write")); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	return handler, store
}

func newTestMux(t *testing.T, config *Config) (*http.ServeMux, *memory.Store) {
	t.Helper()
	handler, store := newTestHandler(t, config)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return mux, store
}

func authorizeURL(pkce testutil.PKCEPair) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"client-1"},
		"redirect_uri":          {handlerRedirect},
		"scope":                 {"read"},
		"state":                 {handlerState},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
	}
	return PathAuthorize + "?" + q.Encode()
}

// obtainCode drives the authorize endpoint and extracts the code from the
// redirect.
func obtainCode(t *testing.T, mux *http.ServeMux, pkce testutil.PKCEPair) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, authorizeURL(pkce), nil)
	req.Header.Set("X-Test-Subject", "user-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect carried no code: %s", rec.Header().Get("Location"))
	}
	if location.Query().Get("state") != handlerState {
		t.Fatalf("redirect state = %q, want %q", location.Query().Get("state"), handlerState)
	}
	return code
}

func postToken(mux *http.ServeMux, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func exchangeForm(code string, pkce testutil.PKCEPair) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"client-1"},
		"redirect_uri":  {handlerRedirect},
		"code_verifier": {pkce.Verifier},
	}
}

func decodeTokenResponse(t *testing.T, rec *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return resp
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	pkce := testutil.NewPKCEPair(t)

	code := obtainCode(t, mux, pkce)
	resp := decodeTokenResponse(t, postToken(mux, exchangeForm(code, pkce)))

	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("token response is missing tokens")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 900 {
		t.Errorf("expires_in = %d, want 900", resp.ExpiresIn)
	}
	if resp.Scope != "read" {
		t.Errorf("scope = %q, want read", resp.Scope)
	}
}

func TestHandler_TokenEndpointJSON(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	pkce := testutil.NewPKCEPair(t)
	code := obtainCode(t, mux, pkce)

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"client_id":     "client-1",
		"redirect_uri":  handlerRedirect,
		"code_verifier": pkce.Verifier,
	})
	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	resp := decodeTokenResponse(t, rec)
	if resp.AccessToken == "" {
		t.Error("JSON token request should mint tokens")
	}
}

func TestHandler_RefreshGrant(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	pkce := testutil.NewPKCEPair(t)
	code := obtainCode(t, mux, pkce)
	first := decodeTokenResponse(t, postToken(mux, exchangeForm(code, pkce)))

	rec := postToken(mux, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	})
	second := decodeTokenResponse(t, rec)
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh must rotate the refresh token")
	}

	// The consumed refresh token is now dead
	rec = postToken(mux, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("replayed refresh status = %d, want 400", rec.Code)
	}
	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if errResp.Error != "invalid_grant" {
		t.Errorf("error = %q, want invalid_grant", errResp.Error)
	}
}

func TestHandler_TokenEndpointRejections(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	tests := []struct {
		name      string
		form      url.Values
		wantCode  int
		wantError string
	}{
		{
			name:      "unsupported grant type",
			form:      url.Values{"grant_type": {"password"}},
			wantCode:  http.StatusBadRequest,
			wantError: "unsupported_grant_type",
		},
		{
			name:      "missing grant type",
			form:      url.Values{},
			wantCode:  http.StatusBadRequest,
			wantError: "unsupported_grant_type",
		},
		{
			name:      "refresh without token",
			form:      url.Values{"grant_type": {"refresh_token"}},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid_request",
		},
		{
			name:      "exchange with unknown code",
			form:      url.Values{"grant_type": {"authorization_code"}, "code": {"nope"}, "client_id": {"client-1"}},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid_grant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postToken(mux, tt.form)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if resp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestHandler_AuthorizeRejections(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	pkce := testutil.NewPKCEPair(t)

	t.Run("wrong response_type", func(t *testing.T) {
		target := strings.Replace(authorizeURL(pkce), "response_type=code", "response_type=token", 1)
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("X-Test-Subject", "user-1")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, authorizeURL(pkce), nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("401 should carry WWW-Authenticate")
		}
	})

	t.Run("unregistered redirect does not redirect", func(t *testing.T) {
		target := strings.Replace(authorizeURL(pkce),
			url.QueryEscape(handlerRedirect), url.QueryEscape("https://evil.example.com/cb"), 1)
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("X-Test-Subject", "user-1")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		if rec.Header().Get("Location") != "" {
			t.Error("invalid redirect URI must never be redirected to")
		}
	})
}

func TestHandler_ConsentFlow(t *testing.T) {
	mux, _ := newTestMux(t, &Config{
		Issuer: handlerIssuer,
		Tokens: TokenConfig{SigningKeySeed: testutil.TestSigningSeed},
	})
	pkce := testutil.NewPKCEPair(t)

	req := httptest.NewRequest(http.MethodGet, authorizeURL(pkce), nil)
	req.Header.Set("X-Test-Subject", "user-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 consent prompt", rec.Code)
	}
	var consent ConsentRequiredResponse
	if err := json.NewDecoder(rec.Body).Decode(&consent); err != nil {
		t.Fatalf("failed to decode consent response: %v", err)
	}
	if !consent.ConsentRequired || consent.ClientID != "client-1" {
		t.Errorf("consent response = %+v", consent)
	}

	// Resubmitting with approval issues the code
	req = httptest.NewRequest(http.MethodGet, authorizeURL(pkce)+"&consent=approve", nil)
	req.Header.Set("X-Test-Subject", "user-1")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status after approval = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil || loc.Query().Get("code") == "" {
		t.Errorf("approval redirect %q carries no code", rec.Header().Get("Location"))
	}

	// The longer spelling is tolerated as well
	req = httptest.NewRequest(http.MethodGet, authorizeURL(testutil.NewPKCEPair(t))+"&consent=approved", nil)
	req.Header.Set("X-Test-Subject", "user-1")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Errorf("status with consent=approved = %d, want 302", rec.Code)
	}

	// Anything else keeps the gate closed
	req = httptest.NewRequest(http.MethodGet, authorizeURL(testutil.NewPKCEPair(t))+"&consent=deny", nil)
	req.Header.Set("X-Test-Subject", "user-1")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with consent=deny = %d, want 200 consent prompt", rec.Code)
	}
}

func TestHandler_Introspect(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	pkce := testutil.NewPKCEPair(t)
	code := obtainCode(t, mux, pkce)
	pair := decodeTokenResponse(t, postToken(mux, exchangeForm(code, pkce)))

	introspect := func(tok string) IntrospectionResponse {
		req := httptest.NewRequest(http.MethodPost, PathIntrospect,
			strings.NewReader(url.Values{"token": {tok}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("introspect status = %d, want 200", rec.Code)
		}
		var resp IntrospectionResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode introspection: %v", err)
		}
		return resp
	}

	active := introspect(pair.AccessToken)
	if !active.Active {
		t.Fatal("live token should be active")
	}
	if active.Subject != "user-1" || active.Issuer != handlerIssuer || active.TokenKind != "access" {
		t.Errorf("introspection = %+v", active)
	}

	inactive := introspect("garbage")
	if inactive.Active {
		t.Error("garbage token should be inactive")
	}
	if inactive.Subject != "" || inactive.Scope != "" {
		t.Errorf("inactive response leaks claims: %+v", inactive)
	}
}

func TestHandler_Revoke(t *testing.T) {
	mux, store := newTestMux(t, nil)
	pkce := testutil.NewPKCEPair(t)
	code := obtainCode(t, mux, pkce)
	pair := decodeTokenResponse(t, postToken(mux, exchangeForm(code, pkce)))

	revoke := func(tok string) int {
		req := httptest.NewRequest(http.MethodPost, PathRevoke,
			strings.NewReader(url.Values{"token": {tok}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	if status := revoke(pair.AccessToken); status != http.StatusOK {
		t.Errorf("revoke status = %d, want 200", status)
	}
	// Revocation of an unverifiable token is the same 200
	if status := revoke("garbage"); status != http.StatusOK {
		t.Errorf("revoke of garbage = %d, want 200", status)
	}

	claims, err := parseTestClaims(t, pair.AccessToken)
	if err != nil {
		t.Fatalf("minted token does not parse: %v", err)
	}
	revoked, err := store.IsSessionRevoked(context.Background(), claims.SessionID)
	if err != nil {
		t.Fatalf("IsSessionRevoked failed: %v", err)
	}
	if !revoked {
		t.Error("session should be revoked")
	}
}

// parseTestClaims decodes claims with a codec built from the shared test seed.
func parseTestClaims(t *testing.T, raw string) (*token.Claims, error) {
	t.Helper()
	keys, err := token.NewKeyPairFromSeedHex(testutil.TestSigningSeed)
	if err != nil {
		t.Fatalf("failed to build keys: %v", err)
	}
	codec, err := token.NewCodec(token.CodecConfig{Keys: keys, Issuer: handlerIssuer})
	if err != nil {
		t.Fatalf("failed to build codec: %v", err)
	}
	return codec.Parse(raw, token.KindAccess)
}

func TestHandler_JWKS(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	req := httptest.NewRequest(http.MethodGet, PathJWKS, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age") {
		t.Errorf("Cache-Control = %q, want a max-age directive", cc)
	}

	var jwks token.JWKS
	if err := json.NewDecoder(rec.Body).Decode(&jwks); err != nil {
		t.Fatalf("failed to decode JWKS: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("JWKS has %d keys, want 1", len(jwks.Keys))
	}
	key := jwks.Keys[0]
	if key.Kty != "OKP" || key.Crv != "Ed25519" || key.Alg != "EdDSA" {
		t.Errorf("unexpected key parameters: %+v", key)
	}
	if key.Kid == "" {
		t.Error("key should carry a kid")
	}
}

func TestHandler_Metadata(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	req := httptest.NewRequest(http.MethodGet, PathMetadata, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var meta AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&meta); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	if meta.Issuer != handlerIssuer {
		t.Errorf("issuer = %q, want %q", meta.Issuer, handlerIssuer)
	}
	if meta.TokenEndpoint != handlerIssuer+PathToken {
		t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}
	if len(meta.GrantTypesSupported) != 2 {
		t.Errorf("grant_types_supported = %v", meta.GrantTypesSupported)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	mux, _ := newTestMux(t, &Config{
		Issuer:    handlerIssuer,
		Tokens:    TokenConfig{SigningKeySeed: testutil.TestSigningSeed},
		Security:  SecurityConfig{DisableConsentPrompt: true},
		RateLimit: RateLimitConfig{Rate: 1, Burst: 2},
	})

	limited := false
	for i := 0; i < 5; i++ {
		rec := postToken(mux, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"x"}})
		if rec.Code == http.StatusTooManyRequests {
			if rec.Header().Get("Retry-After") == "" {
				t.Error("429 should carry Retry-After")
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of requests from one IP should hit the rate limit")
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, PathToken},
		{http.MethodGet, PathIntrospect},
		{http.MethodGet, PathRevoke},
		{http.MethodPost, PathJWKS},
		{http.MethodDelete, PathAuthorize},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tt.method, tt.path, rec.Code)
		}
	}
}

func TestServer_InstrumentationWiring(t *testing.T) {
	store := newTestStore(t)
	srv, err := NewServer(store, &Config{
		Issuer: handlerIssuer,
		Tokens: TokenConfig{SigningKeySeed: testutil.TestSigningSeed},
		Security: SecurityConfig{
			DisableConsentPrompt: true,
			EnableAuditLogging:   true,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(srv.Close)

	inst, err := instrumentation.New(instrumentation.Config{})
	if err != nil {
		t.Fatalf("instrumentation.New failed: %v", err)
	}
	srv.SetInstrumentation(inst)

	// The memory store backs the storage size gauges
	var counts countingStore = store
	if counts.CodeCount() != 0 || counts.SessionCount() != 0 || counts.ClientCount() != 0 {
		t.Error("fresh store should report zero counts")
	}

	// Audit events flow through the recorder hook into the event counter
	srv.Flow().Auditor.LogAuthFailure("user-1", "client-1", "192.0.2.1", "bad credentials")

	// Attaching nil instrumentation is tolerated
	srv.SetInstrumentation(nil)
}
