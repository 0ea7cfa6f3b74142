package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/quillpress/authcore/instrumentation"
	"github.com/quillpress/authcore/internal/util"
	"github.com/quillpress/authcore/security"
	"github.com/quillpress/authcore/storage"
	"github.com/quillpress/authcore/token"
)

// safeTruncate logs a prefix of a sensitive value instead of the value.
func safeTruncate(s string, maxLen int) string {
	return util.SafeTruncate(s, maxLen)
}

// Server coordinates the authorization code flow and refresh rotation over
// the storage backends and the token codec.
type Server struct {
	codes    storage.CodeStore
	sessions storage.SessionStore
	clients  storage.ClientStore
	codec    *token.Codec

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter // IP-based rate limiter
	UserRateLimiter *security.RateLimiter // subject-based rate limiter
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config
}

// New creates a flow controller. All stores and the codec are required.
func New(
	codes storage.CodeStore,
	sessions storage.SessionStore,
	clients storage.ClientStore,
	codec *token.Codec,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		codes:    codes,
		sessions: sessions,
		clients:  clients,
		codec:    codec,
		Config:   config,
		Logger:   logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// Codec exposes the token codec, mainly for the JWKS document.
func (s *Server) Codec() *token.Codec {
	return s.codec
}

// Sessions exposes the session store for revocation checks outside the flow
// operations (e.g. resource-server middleware).
func (s *Server) Sessions() storage.SessionStore {
	return s.sessions
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.hookAuditorMetrics()
}

// SetRateLimiter sets the IP-based rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetUserRateLimiter sets the subject-based rate limiter.
func (s *Server) SetUserRateLimiter(rl *security.RateLimiter) {
	s.UserRateLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	s.hookAuditorMetrics()
}

// hookAuditorMetrics feeds emitted audit events into the event counter once
// both the auditor and the instrumentation are attached. Idempotent, so the
// setters can run in either order.
func (s *Server) hookAuditorMetrics() {
	if s.Auditor == nil || s.Instrumentation == nil {
		return
	}
	metrics := s.Instrumentation.Metrics()
	s.Auditor.SetEventRecorder(func(eventType string) {
		metrics.RecordAuditEvent(context.Background(), eventType)
	})
}

// generateRandomToken creates a cryptographically secure random value with
// 256 bits of entropy, used for authorization state and rotation nonces.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
