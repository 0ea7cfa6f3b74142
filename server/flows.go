package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/quillpress/authcore/security"
	"github.com/quillpress/authcore/storage"
	"github.com/quillpress/authcore/token"
)

// AuthorizeRequest carries the parameters of a GET /authorize request
// together with the already-authenticated subject.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Subject is the authenticated end user on whose behalf the code is
	// issued. Authentication itself happens upstream of this package.
	Subject string

	// ConsentGranted marks an approval resubmission of the consent prompt.
	ConsentGranted bool

	UserAgent string
	RemoteIP  string
}

// AuthorizeResult is the outcome of a successful or consent-gated authorize
// call. Exactly one of ConsentRequired and RedirectURL is meaningful.
type AuthorizeResult struct {
	// ConsentRequired reports that no code was issued because the subject
	// has not approved the grant yet.
	ConsentRequired bool

	// RedirectURL is the client redirect URI with code and state appended.
	RedirectURL string

	// Code is the issued authorization code.
	Code string
}

// ExchangeRequest carries the parameters of an authorization_code token
// request.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string

	UserAgent string
	RemoteIP  string
}

// TokenPair is a freshly minted access/refresh pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        string
	SessionID    string
}

// Authorize validates an authorization request and issues a single-use code,
// or reports that consent is still required. Validation failures before the
// redirect URI is verified must never redirect; the caller renders them
// directly.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if req.ClientID == "" {
		return nil, errInvalidRequest("client_id is required")
	}
	if req.Subject == "" {
		return nil, errInvalidRequest("authentication is required")
	}
	if err := s.validateStateParameter(req.State); err != nil {
		return nil, errInvalidRequest(err.Error())
	}

	// PKCE is mandatory: a challenge must arrive with the request
	if req.CodeChallenge == "" {
		return nil, errInvalidRequest("code_challenge is required (PKCE)")
	}
	if req.CodeChallengeMethod == "" {
		return nil, errInvalidRequest("code_challenge_method is required when code_challenge is provided")
	}
	switch req.CodeChallengeMethod {
	case security.PKCEMethodS256:
	case security.PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return nil, errInvalidRequest("'plain' code_challenge_method is not allowed (only S256 is supported)")
		}
	default:
		return nil, errInvalidRequest(fmt.Sprintf("unsupported code_challenge_method: %s", req.CodeChallengeMethod))
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrStoreUnavailable) {
			return nil, errStoreUnavailable(err.Error())
		}
		s.Auditor.LogAuthFailure(req.Subject, req.ClientID, req.RemoteIP, "unknown client")
		return nil, errInvalidRequest("unknown client")
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			Subject:   req.Subject,
			ClientID:  req.ClientID,
			IPAddress: req.RemoteIP,
			Details:   map[string]any{"redirect_uri": req.RedirectURI},
		})
		return nil, errInvalidRequest("invalid redirect_uri")
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return nil, errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			Subject:   req.Subject,
			ClientID:  req.ClientID,
			IPAddress: req.RemoteIP,
			Details:   map[string]any{"requested_scope": req.Scope},
		})
		return nil, errInvalidScope(err.Error())
	}

	// Consent gate: pause the state machine until the subject approves
	if !s.Config.DisableConsentPrompt && !req.ConsentGranted {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventConsentRequired,
			Subject:   req.Subject,
			ClientID:  req.ClientID,
			IPAddress: req.RemoteIP,
		})
		return &AuthorizeResult{ConsentRequired: true}, nil
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                uuid.NewString(),
		ClientID:            client.ID,
		RedirectURI:         req.RedirectURI,
		Subject:             req.Subject,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}

	if err := s.codes.SaveCode(ctx, code); err != nil {
		if errors.Is(err, storage.ErrStoreUnavailable) {
			return nil, errStoreUnavailable(err.Error())
		}
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Auditor.LogCodeIssued(req.Subject, client.ID, req.RemoteIP, req.Scope)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeIssued(ctx, client.ID)
	}
	s.Logger.Debug("Authorization code issued",
		"client_id", client.ID,
		"code_prefix", safeTruncate(code.Code, 8))

	return &AuthorizeResult{
		RedirectURL: buildRedirectURL(req.RedirectURI, code.Code, req.State),
		Code:        code.Code,
	}, nil
}

// buildRedirectURL appends code and state to the redirect URI, preserving
// any query parameters the client registered.
func buildRedirectURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// Unreachable after validation; fall back to simple concatenation
		return fmt.Sprintf("%s?code=%s&state=%s", redirectURI, url.QueryEscape(code), url.QueryEscape(state))
	}

	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

// ExchangeAuthorizationCode consumes an authorization code exactly once and
// mints the session's first token pair.
//
// Rejections are deliberately uniform: client mismatch, redirect mismatch,
// PKCE failure, and unknown code all answer invalid_grant, with the real
// reason kept in the internal outcome.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*TokenPair, error) {
	if req.Code == "" {
		return nil, errInvalidRequest("code is required")
	}
	if req.ClientID == "" {
		return nil, errInvalidRequest("client_id is required")
	}

	// Atomic consumption first: under concurrent exchange exactly one caller
	// gets past this line with a nil error
	code, err := s.codes.ConsumeCode(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrCodeConsumed):
		return nil, s.handleCodeReuse(ctx, code, req)

	case errors.Is(err, storage.ErrCodeNotFound):
		s.Auditor.LogAuthFailure("", req.ClientID, req.RemoteIP, "unknown or expired authorization code")
		return nil, errInvalidGrant(OutcomeInvalidGrant, "unknown or expired authorization code")

	case errors.Is(err, storage.ErrStoreUnavailable):
		s.Auditor.LogStoreDegraded("consume_code")
		return nil, errStoreUnavailable(err.Error())

	case err != nil:
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// TTL normally evicts expired codes before they reach here; the check
	// stays for stores without eviction
	if code.Expired(time.Now()) {
		return nil, errInvalidGrant(OutcomeExpired, "authorization code expired")
	}

	if code.ClientID != req.ClientID {
		s.Auditor.LogAuthFailure(code.Subject, req.ClientID, req.RemoteIP, "client mismatch on code exchange")
		return nil, errInvalidGrant(OutcomeInvalidGrant, "client mismatch")
	}

	if err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.RemoteIP); err != nil {
		return nil, err
	}

	// Exact byte equality against the URI the code was issued for
	if code.RedirectURI != req.RedirectURI {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			Subject:   code.Subject,
			ClientID:  req.ClientID,
			IPAddress: req.RemoteIP,
			Details:   map[string]any{"redirect_uri": req.RedirectURI},
		})
		return nil, errInvalidGrant(OutcomeInvalidGrant, "redirect_uri mismatch")
	}

	if err := security.VerifyPKCE(code.CodeChallengeMethod, req.CodeVerifier, code.CodeChallenge, s.Config.AllowPKCEPlain); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			Subject:   code.Subject,
			ClientID:  req.ClientID,
			IPAddress: req.RemoteIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		return nil, errInvalidGrant(OutcomePKCEFailure, err.Error())
	}

	pair, session, err := s.mintSession(ctx, code, req.UserAgent, req.RemoteIP)
	if err != nil {
		return nil, err
	}

	// Best effort: lets a later double-consume trace back to this session
	if err := s.codes.BindCodeSession(ctx, code.Code, session.ID); err != nil {
		s.Logger.Debug("Failed to bind code to session", "error", err)
	}

	s.Auditor.LogCodeExchanged(code.Subject, code.ClientID, session.ID, req.RemoteIP)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeExchange(ctx, code.ClientID, code.CodeChallengeMethod)
	}

	return pair, nil
}

// handleCodeReuse deals with a double-consumed authorization code: whatever
// the first consumption minted is revoked, and the caller gets the same
// generic rejection as for an unknown code.
func (s *Server) handleCodeReuse(ctx context.Context, code *storage.AuthorizationCode, req ExchangeRequest) error {
	s.Logger.Error("Authorization code reuse detected",
		"client_id", req.ClientID,
		"code_prefix", safeTruncate(req.Code, 8))

	if code != nil && code.SessionID != "" {
		if err := s.sessions.RevokeSession(ctx, code.SessionID); err != nil {
			s.Logger.Error("Failed to revoke session after code reuse", "error", err,
				"session_id", code.SessionID)
		}
	}

	subject := ""
	if code != nil {
		subject = code.Subject
	}
	s.Auditor.LogCodeReuse(subject, req.ClientID, req.RemoteIP)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeReuseDetected(ctx)
	}

	return errInvalidGrant(OutcomeInvalidGrant, "authorization code reuse")
}

// authenticateClient verifies the client secret for confidential clients.
// Public clients carry no secret and rely on PKCE.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret, remoteIP string) error {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrStoreUnavailable) {
			return errStoreUnavailable(err.Error())
		}
		return errInvalidGrant(OutcomeInvalidGrant, "unknown client")
	}

	if client.Public {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		s.Auditor.LogAuthFailure("", clientID, remoteIP, "client authentication failed")
		return &FlowError{
			Code:        ErrorCodeInvalidClient,
			Description: "client authentication failed",
			Status:      401,
			Outcome:     OutcomeInvalidGrant,
			Internal:    "bad client secret",
		}
	}

	return nil
}

// mintSession creates the refresh session seeded with the first rotation
// nonce and signs the initial token pair.
func (s *Server) mintSession(ctx context.Context, code *storage.AuthorizationCode, userAgent, remoteIP string) (*TokenPair, *storage.Session, error) {
	now := time.Now()
	session := &storage.Session{
		ID:        uuid.NewString(),
		Subject:   code.Subject,
		ClientID:  code.ClientID,
		Scope:     code.Scope,
		UserAgent: userAgent,
		RemoteIP:  remoteIP,
		CreatedAt: now,
		ExpiresAt: now.Add(s.codec.RefreshTTL()),
	}

	nonce := generateRandomToken()
	if err := s.sessions.CreateSession(ctx, session, token.Fingerprint(nonce)); err != nil {
		if errors.Is(err, storage.ErrStoreUnavailable) {
			s.Auditor.LogStoreDegraded("create_session")
			return nil, nil, errStoreUnavailable(err.Error())
		}
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	pair, err := s.mintPair(session.Subject, session.Scope, session.ID, nonce)
	if err != nil {
		return nil, nil, err
	}
	return pair, session, nil
}

// mintPair signs an access/refresh pair for the session.
func (s *Server) mintPair(subject, scope, sessionID, nonce string) (*TokenPair, error) {
	access, err := s.codec.MintAccess(subject, scope, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}
	refresh, err := s.codec.MintRefresh(subject, scope, sessionID, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to mint refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
		Scope:        scope,
		SessionID:    sessionID,
	}, nil
}

// IntrospectionResult reports a token's state. Inactive results carry no
// claims: callers outside the trust boundary learn nothing but active=false.
type IntrospectionResult struct {
	Active    bool
	Subject   string
	Scope     string
	SessionID string
	ClientID  string
	TokenKind string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Introspect verifies a presented token. Every verification failure yields
// the same inactive result with a nil error; the distinct outcome goes to
// audit only. Store failures are the one exception and fail closed.
func (s *Server) Introspect(ctx context.Context, rawToken, remoteIP string) (*IntrospectionResult, error) {
	claims, err := s.codec.Parse(rawToken, token.KindAccess)
	if errors.Is(err, token.ErrWrongKind) {
		claims, err = s.codec.Parse(rawToken, token.KindRefresh)
	}
	if err != nil {
		outcome := classifyTokenOutcome(err)
		s.Auditor.LogIntrospectionFailed(remoteIP, outcome)
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordIntrospection(ctx, false)
		}
		return &IntrospectionResult{Active: false}, nil
	}

	revoked, err := s.sessions.IsSessionRevoked(ctx, claims.SessionID)
	if err != nil {
		s.Auditor.LogStoreDegraded("introspect")
		return nil, errStoreUnavailable(err.Error())
	}
	if revoked {
		s.Auditor.LogIntrospectionFailed(remoteIP, OutcomeSessionRevoked)
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordIntrospection(ctx, false)
		}
		return &IntrospectionResult{Active: false}, nil
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordIntrospection(ctx, true)
	}

	return &IntrospectionResult{
		Active:    true,
		Subject:   claims.Subject,
		Scope:     claims.Scope,
		SessionID: claims.SessionID,
		TokenKind: string(claims.Kind),
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// Revoke authenticates the presented token and revokes its session. Invalid
// tokens are a silent success per RFC 7009: revocation must not become a
// validity oracle. Only store unavailability surfaces as an error.
func (s *Server) Revoke(ctx context.Context, rawToken, remoteIP string) error {
	claims, err := s.codec.Parse(rawToken, token.KindAccess)
	if errors.Is(err, token.ErrWrongKind) {
		claims, err = s.codec.Parse(rawToken, token.KindRefresh)
	}
	if err != nil {
		s.Logger.Debug("Revocation of unverifiable token ignored",
			"outcome", classifyTokenOutcome(err))
		return nil
	}

	if err := s.sessions.RevokeSession(ctx, claims.SessionID); err != nil {
		if errors.Is(err, storage.ErrStoreUnavailable) {
			s.Auditor.LogStoreDegraded("revoke_session")
			return errStoreUnavailable(err.Error())
		}
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	s.Auditor.LogSessionRevoked(claims.Subject, claims.SessionID, remoteIP)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRevocation(ctx, "")
	}

	return nil
}

// classifyTokenOutcome maps codec sentinel errors onto internal outcome
// names.
func classifyTokenOutcome(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return OutcomeExpired
	case errors.Is(err, token.ErrSignatureInvalid):
		return OutcomeSignatureInvalid
	case errors.Is(err, token.ErrSessionRevoked):
		return OutcomeSessionRevoked
	default:
		return OutcomeMalformed
	}
}
