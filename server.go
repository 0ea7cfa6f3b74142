package authcore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quillpress/authcore/instrumentation"
	"github.com/quillpress/authcore/security"
	"github.com/quillpress/authcore/server"
	"github.com/quillpress/authcore/storage"
	"github.com/quillpress/authcore/token"
)

// Server bundles the flow controller with its token codec, rate limiters and
// auditor. Construct with NewServer and release resources with Close.
type Server struct {
	flow  *server.Server
	codec *token.Codec
	store storage.Store

	rateLimiter        *security.RateLimiter
	subjectRateLimiter *security.RateLimiter

	config *Config
	logger *slog.Logger
}

// metricsAwareStore is implemented by stores that record per-operation
// counters and latency histograms, like the valkey backend.
type metricsAwareStore interface {
	SetMetrics(*instrumentation.Metrics)
}

// countingStore is implemented by stores that can report live object counts
// for the storage size gauges, like the memory backend.
type countingStore interface {
	CodeCount() int64
	SessionCount() int64
	ClientCount() int64
}

// NewServer builds an authorization server on top of the given store.
func NewServer(store storage.Store, config *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keys, err := signingKeys(config.Tokens.SigningKeySeed, logger)
	if err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(token.CodecConfig{
		Keys:       keys,
		Issuer:     config.Issuer,
		AccessTTL:  config.Tokens.AccessTokenTTL,
		RefreshTTL: config.Tokens.RefreshTokenTTL,
		Leeway:     config.Tokens.ClockSkewLeeway,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	flow, err := server.New(store, store, store, codec, &server.Config{
		Issuer:               config.Issuer,
		AuthorizationCodeTTL: config.Tokens.AuthorizationCodeTTL,
		UsedNonceTTL:         config.Tokens.UsedNonceTTL,
		SupportedScopes:      config.SupportedScopes,
		AllowPKCEPlain:       config.Security.AllowPKCEPlain,
		DisableConsentPrompt: config.Security.DisableConsentPrompt,
		MinStateLength:       config.Security.MinStateLength,
		AllowInsecureHTTP:    config.Security.AllowInsecureHTTP,
		AllowedCustomSchemes: config.Security.AllowedCustomSchemes,
	}, logger)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		flow:   flow,
		codec:  codec,
		store:  store,
		config: config,
		logger: logger,
	}

	if config.Security.EnableAuditLogging {
		flow.SetAuditor(security.NewAuditor(logger, true))
	}

	if config.RateLimit.Rate > 0 {
		srv.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
		flow.SetRateLimiter(srv.rateLimiter)
	}
	if config.RateLimit.SubjectRate > 0 {
		srv.subjectRateLimiter = security.NewRateLimiter(config.RateLimit.SubjectRate, config.RateLimit.SubjectBurst, logger)
		flow.SetUserRateLimiter(srv.subjectRateLimiter)
	}

	return srv, nil
}

// signingKeys loads the configured seed or generates an ephemeral key pair.
func signingKeys(seedHex string, logger *slog.Logger) (*token.KeyPair, error) {
	if seedHex == "" {
		logger.Warn("No signing key seed configured, generating ephemeral key pair",
			"consequence", "All issued tokens become invalid on restart")
		keys, err := token.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing keys: %w", err)
		}
		return keys, nil
	}

	keys, err := token.NewKeyPairFromSeedHex(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key seed: %w", err)
	}
	return keys, nil
}

// Flow exposes the underlying flow controller.
func (s *Server) Flow() *server.Server {
	return s.flow
}

// Codec exposes the token codec, e.g. for resource servers embedded in the
// same process.
func (s *Server) Codec() *token.Codec {
	return s.codec
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the flow
// controller and, when the store supports it, to the storage layer: stores
// with per-operation metrics start recording them, and stores that can count
// their contents back the storage size gauges.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.flow.SetInstrumentation(inst)
	if inst == nil {
		return
	}

	if m, ok := s.store.(metricsAwareStore); ok {
		m.SetMetrics(inst.Metrics())
	}
	if c, ok := s.store.(countingStore); ok {
		if err := inst.RegisterStorageSizeCallbacks(c.CodeCount, c.SessionCount, c.ClientCount); err != nil {
			s.logger.Warn("Failed to register storage size gauges", "error", err)
		}
	}
}

// Warmup primes hot paths: it exercises the signing key pair once so a key
// misconfiguration surfaces at startup rather than on the first request.
// Failures are logged, not returned.
func (s *Server) Warmup(ctx context.Context) {
	s.codec.Warmup(ctx)
}

// Close releases background resources (rate limiter janitors).
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.subjectRateLimiter != nil {
		s.subjectRateLimiter.Stop()
	}
}
