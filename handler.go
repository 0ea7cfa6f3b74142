package authcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quillpress/authcore/instrumentation"
	"github.com/quillpress/authcore/internal/util"
	"github.com/quillpress/authcore/security"
	"github.com/quillpress/authcore/server"
)

const (
	defaultCORSMaxAge = 3600 // 1 hour preflight cache
	tokenTypeBearer   = "Bearer"

	// Endpoint paths registered by RegisterRoutes
	PathAuthorize  = "/authorize"
	PathToken      = "/token"
	PathIntrospect = "/introspect"
	PathRevoke     = "/revoke"
	PathJWKS       = "/.well-known/jwks.json"
	PathMetadata   = "/.well-known/oauth-authorization-server"
)

// Authenticator resolves the authenticated end user from an authorize
// request. It returns the stable subject identifier, or an error when the
// request carries no valid authentication.
type Authenticator func(r *http.Request) (subject string, err error)

// Handler is a thin HTTP adapter for the authorization Server.
// It parses requests and delegates to the flow controller for all logic.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer

	// Authenticator supplies the authenticated subject on /authorize.
	// Required before serving; requests fail with access_denied otherwise.
	Authenticator Authenticator

	// instrumentation shortcut, may be nil
	inst *instrumentation.Instrumentation
}

// NewHandler creates an HTTP handler for the server.
func NewHandler(srv *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
		inst:   srv.flow.Instrumentation,
	}

	if h.inst != nil {
		h.tracer = h.inst.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all endpoints on the mux, wrapped in request ID
// propagation.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(PathAuthorize, security.RequestIDMiddleware(http.HandlerFunc(h.ServeAuthorize)))
	mux.Handle(PathToken, security.RequestIDMiddleware(http.HandlerFunc(h.ServeToken)))
	mux.Handle(PathIntrospect, security.RequestIDMiddleware(http.HandlerFunc(h.ServeIntrospect)))
	mux.Handle(PathRevoke, security.RequestIDMiddleware(http.HandlerFunc(h.ServeRevoke)))
	mux.HandleFunc(PathJWKS, h.ServeJWKS)
	mux.HandleFunc(PathMetadata, h.ServeMetadata)
}

// ServeAuthorize handles the authorization endpoint. The subject must
// already be authenticated; Authenticator resolves it from the request.
//
// Failures before the redirect URI is validated are rendered directly and
// never redirected.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "auth.http.authorize")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if r.URL.Query().Get("response_type") != "code" {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported response_type")
		h.writeError(w, ErrorCodeInvalidRequest, "Only response_type=code is supported", http.StatusBadRequest)
		return
	}

	subject, err := h.authenticate(r)
	if err != nil {
		h.logger.Warn("Authorize request without valid authentication", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("authorize", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "authentication required")
		h.writeError(w, ErrorCodeAccessDenied, "Authentication required", http.StatusUnauthorized)
		return
	}

	if h.checkSubjectRateLimit(w, r, subject, clientIP) {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	q := r.URL.Query()
	req := server.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Subject:             subject,
		ConsentGranted:      consentApproved(q.Get("consent")),
		UserAgent:           r.UserAgent(),
		RemoteIP:            clientIP,
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	result, err := h.server.flow.Authorize(ctx, req)
	if err != nil {
		fe := AsFlowError(err)
		h.logger.Warn("Authorization request rejected",
			"client_id", req.ClientID, "ip", clientIP,
			"outcome", fe.Outcome, "internal", fe.Internal)
		h.recordHTTPMetrics("authorize", r.Method, fe.Status, startTime)
		instrumentation.SetSpanError(span, fe.Outcome)
		h.writeError(w, fe.Code, fe.Description, fe.Status)
		return
	}

	if result.ConsentRequired {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusOK, startTime)
		instrumentation.SetSpanSuccess(span)
		h.writeJSON(w, http.StatusOK, ConsentRequiredResponse{
			ConsentRequired: true,
			ClientID:        req.ClientID,
			Scope:           req.Scope,
		})
		return
	}

	h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// consentApproved reports whether the consent parameter carries an approval.
// The canonical value is "approve"; "approved" is tolerated for clients that
// echo the response field name back.
func consentApproved(value string) bool {
	return value == "approve" || value == "approved"
}

// tokenRequest carries the parameters of a token endpoint call, whether they
// arrived as form values or JSON.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
}

// parseTokenRequest reads token endpoint parameters. Form encoding is the
// primary format per RFC 6749; a JSON body is tolerated for convenience.
func parseTokenRequest(r *http.Request) (*tokenRequest, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}
	return &tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}, nil
}

// ServeToken handles the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	req, err := parseTokenRequest(r)
	if err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	switch req.GrantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, req, clientIP)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, req, clientIP)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", req.GrantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, req *tokenRequest, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "auth.http.token_exchange")
		defer span.End()
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrGrantType, "authorization_code"),
	)

	pair, err := h.server.flow.ExchangeAuthorizationCode(ctx, server.ExchangeRequest{
		Code:         req.Code,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		UserAgent:    r.UserAgent(),
		RemoteIP:     clientIP,
	})
	if err != nil {
		fe := AsFlowError(err)
		h.logger.Warn("Code exchange rejected",
			"client_id", req.ClientID, "ip", clientIP,
			"outcome", fe.Outcome, "internal", fe.Internal)
		h.recordHTTPMetrics("token", http.MethodPost, fe.Status, startTime)
		instrumentation.SetSpanError(span, fe.Outcome)
		h.writeError(w, fe.Code, fe.Description, fe.Status)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", req.ClientID, "ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, req *tokenRequest, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "auth.http.token_refresh")
		defer span.End()
	}

	if req.RefreshToken == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, "refresh_token"),
	)

	pair, err := h.server.flow.RefreshAccessToken(ctx, req.RefreshToken, clientIP)
	if err != nil {
		fe := AsFlowError(err)
		h.logger.Warn("Token refresh rejected",
			"ip", clientIP, "outcome", fe.Outcome, "internal", fe.Internal)
		h.recordHTTPMetrics("token", http.MethodPost, fe.Status, startTime)
		instrumentation.SetSpanError(span, fe.Outcome)
		h.writeError(w, fe.Code, fe.Description, fe.Status)
		return
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

// ServeIntrospect handles RFC 7662 token introspection. Any verification
// failure answers {"active": false}; only storage outages are errors.
func (h *Handler) ServeIntrospect(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "auth.http.introspect")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	rawToken := r.PostFormValue("token")
	if rawToken == "" {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	result, err := h.server.flow.Introspect(ctx, rawToken, clientIP)
	if err != nil {
		fe := AsFlowError(err)
		h.recordHTTPMetrics("introspect", http.MethodPost, fe.Status, startTime)
		instrumentation.SetSpanError(span, fe.Outcome)
		h.writeError(w, fe.Code, fe.Description, fe.Status)
		return
	}

	resp := IntrospectionResponse{Active: result.Active}
	if result.Active {
		resp.Scope = result.Scope
		resp.Subject = result.Subject
		resp.SessionID = result.SessionID
		resp.TokenKind = result.TokenKind
		resp.Issuer = h.server.config.Issuer
		resp.IssuedAt = result.IssuedAt.Unix()
		resp.ExpiresAt = result.ExpiresAt.Unix()
	}

	h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevoke handles RFC 7009 token revocation. Per the RFC the endpoint
// answers 200 whether or not the presented token was valid, so revocation
// cannot be used to probe token validity.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "auth.http.revoke")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	rawToken := r.PostFormValue("token")
	if rawToken == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	if err := h.server.flow.Revoke(ctx, rawToken, clientIP); err != nil {
		fe := AsFlowError(err)
		h.recordHTTPMetrics("revoke", http.MethodPost, fe.Status, startTime)
		instrumentation.SetSpanError(span, fe.Outcome)
		h.writeError(w, fe.Code, fe.Description, fe.Status)
		return
	}

	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeJWKS serves the public signing keys as an RFC 7517 JWK Set.
// Resource servers fetch this to verify token signatures offline.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	// Keys rotate rarely; a short cache keeps verifier fleets off our back
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(h.server.codec.JWKS())
}

// ServeMetadata serves RFC 8414 authorization server metadata.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := util.NormalizeIssuer(h.server.config.Issuer)
	methods := []string{security.PKCEMethodS256}
	if h.server.config.Security.AllowPKCEPlain {
		methods = append(methods, security.PKCEMethodPlain)
	}

	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		IntrospectionEndpoint:             issuer + PathIntrospect,
		RevocationEndpoint:                issuer + PathRevoke,
		JWKSURI:                           issuer + PathJWKS,
		ScopesSupported:                   h.server.config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     methods,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
	})
}

// authenticate resolves the subject via the configured Authenticator.
func (h *Handler) authenticate(r *http.Request) (string, error) {
	if h.Authenticator == nil {
		return "", fmt.Errorf("no authenticator configured")
	}
	return h.Authenticator(r)
}

// clientIP extracts the client IP honoring the proxy trust configuration.
func (h *Handler) clientIP(r *http.Request) string {
	cfg := h.server.config.RateLimit
	return security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if
// the request was rejected.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	limiter := h.server.rateLimiter
	if limiter == nil || limiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP)
	h.recordRateLimitExceeded(r.Context(), "ip", clientIP, "", r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// checkSubjectRateLimit checks if the subject is rate limited. Returns true
// if the request was rejected.
func (h *Handler) checkSubjectRateLimit(w http.ResponseWriter, r *http.Request, subject, clientIP string) bool {
	limiter := h.server.subjectRateLimiter
	if limiter == nil || limiter.Allow(subject) {
		return false
	}

	h.logger.Warn("Subject rate limit exceeded", "ip", clientIP)
	h.recordRateLimitExceeded(r.Context(), "subject", clientIP, subject, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// recordRateLimitExceeded records rate limit metrics and audit events.
func (h *Handler) recordRateLimitExceeded(ctx context.Context, limitType, clientIP, subject, endpoint string) {
	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(ctx, limitType)
	}
	if aud := h.server.flow.Auditor; aud != nil {
		aud.LogEvent(security.Event{
			Type:      security.EventRateLimitExceeded,
			Subject:   subject,
			IPAddress: clientIP,
			Details:   map[string]any{"endpoint": endpoint},
		})
	}
}

// setCORSHeaders sets CORS headers for browser-based clients on the token
// endpoint, restricted to the configured origins.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origins := h.server.config.Security.AllowedCORSOrigins
	if len(origins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	for _, allowed := range origins {
		if allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", defaultCORSMaxAge))
			w.Header().Set("Vary", "Origin")
			return
		}
	}
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration).
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.inst == nil {
		return
	}

	durationMs := time.Since(startTime).Seconds() * 1000
	h.inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}
