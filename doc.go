// Package authcore implements an OAuth 2.1 style authorization server core:
// the authorization code flow with mandatory PKCE, Ed25519-signed capability
// tokens, and replay-resistant refresh token rotation.
//
// The package wires together the lower-level building blocks:
//
//   - storage: pluggable persistence with in-memory and Valkey backends
//   - token: signing, parsing and verification of capability tokens
//   - server: the flow controller and rotation engine
//   - security: PKCE verification, rate limiting and audit logging
//   - instrumentation: OpenTelemetry metrics and tracing
//
// A minimal deployment:
//
//	store := memory.New()
//	srv, err := authcore.NewServer(store, &authcore.Config{
//	    Issuer: "https://auth.example.com",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//
//	handler := authcore.NewHandler(srv, nil)
//	handler.Authenticator = mySessionAuth
//
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//
// End-user authentication is out of scope: the embedding application
// supplies the authenticated subject through Handler.Authenticator.
package authcore
