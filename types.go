package authcore

// TokenResponse represents an OAuth 2.0 token response.
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the rotated refresh token
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// ErrorResponse represents an OAuth 2.0 error response.
type ErrorResponse struct {
	// Error is the OAuth error code
	Error string `json:"error"`

	// ErrorDescription is a human-readable description
	ErrorDescription string `json:"error_description,omitempty"`
}

// IntrospectionResponse represents an RFC 7662 introspection response.
// Inactive tokens answer {"active": false} and nothing else.
type IntrospectionResponse struct {
	Active bool `json:"active"`

	Scope     string `json:"scope,omitempty"`
	Subject   string `json:"sub,omitempty"`
	SessionID string `json:"sid,omitempty"`
	TokenKind string `json:"token_kind,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// ConsentRequiredResponse is returned by the authorize endpoint when the
// subject has not approved the grant yet. The embedding application renders
// its consent UI from this and resubmits with consent=approve.
type ConsentRequiredResponse struct {
	ConsentRequired bool   `json:"consent_required"`
	ClientID        string `json:"client_id"`
	ClientName      string `json:"client_name,omitempty"`
	Scope           string `json:"scope,omitempty"`
}

// AuthorizationServerMetadata represents RFC 8414 server metadata served at
// /.well-known/oauth-authorization-server.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}
