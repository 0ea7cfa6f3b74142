package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/quillpress/authcore/instrumentation"
	"github.com/quillpress/authcore/storage"
)

// Compile-time interface checks
var (
	_ storage.CodeStore    = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.Store        = (*Store)(nil)
)

// Input limits. Oversized identifiers are rejected before they reach the
// backend so a hostile client cannot bloat the keyspace.
const (
	MaxIDLength   = 256
	MaxValueBytes = 64 * 1024
)

// Retry bounds for idempotent reads.
const (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 500 * time.Millisecond
	retryMaxTries        = 3
)

// Config holds connection settings for the Valkey store.
type Config struct {
	// Address is the host:port of the Valkey server.
	Address string

	// Password authenticates the connection. Empty means no auth.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "authcore:".
	KeyPrefix string

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// RevokedRetention is how long revocation markers are kept. It must be
	// at least as long as the longest refresh token lifetime, otherwise a
	// revoked session could come back to life. Default: 14 days.
	RevokedRetention time.Duration

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a Valkey-backed storage implementation.
type Store struct {
	client           valkeygo.Client
	prefix           string
	revokedRetention time.Duration
	logger           *slog.Logger
	metrics          *instrumentation.Metrics

	swapScript *valkeygo.Lua
}

// New connects to Valkey and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.RevokedRetention
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
		TLSConfig:   cfg.TLSConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	s := &Store{
		client:           client,
		prefix:           cfg.KeyPrefix,
		revokedRetention: retention,
		logger:           logger,
		swapScript:       valkeygo.NewLuaScript(luaSwapFingerprint),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey at %s: %w", cfg.Address, err)
	}

	return s, nil
}

// Close releases the underlying client.
func (s *Store) Close() {
	s.client.Close()
}

// SetMetrics attaches per-operation counters and latency histograms.
// Call during wiring, before the store serves requests.
func (s *Store) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// observe records one storage operation. Nil-safe on both the store's
// metrics and the recorder, so unwired stores pay a single nil check.
func (s *Store) observe(ctx context.Context, op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, storage.ErrStoreUnavailable):
		result = "unavailable"
	case err != nil:
		result = "error"
	}
	s.metrics.RecordStorageOperation(ctx, op, result, float64(time.Since(start).Microseconds())/1000)
}

// Warmup loads the rotation script into the server's script cache so the
// first rotation does not pay the script-transfer cost. It is an optimization
// only: rotation works identically without it, so callers are expected to log
// and discard the error.
func (s *Store) Warmup(ctx context.Context) error {
	resp := s.client.Do(ctx, s.client.B().ScriptLoad().Script(luaSwapFingerprint).Build())
	if err := resp.Error(); err != nil {
		return fmt.Errorf("failed to preload rotation script: %w", err)
	}

	sha, _ := resp.ToString()
	s.logger.Debug("Preloaded rotation script", "sha", sha)
	return nil
}

// ============================================================
// Key builders
// ============================================================

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *Store) fingerprintKey(id string) string {
	return s.prefix + "session_fp:" + id
}

func (s *Store) usedFingerprintKey(id, fp string) string {
	return s.prefix + "used_fp:" + id + ":" + fp
}

func (s *Store) revokedKey(id string) string {
	return s.prefix + "revoked:session:" + id
}

func (s *Store) subjectKey(subject string) string {
	return s.prefix + "subject_sessions:" + subject
}

func (s *Store) clientKey(id string) string {
	return s.prefix + "client:" + id
}

// ============================================================
// Shared helpers
// ============================================================

func validateID(name, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s exceeds maximum length of %d", name, MaxIDLength)
	}
	return nil
}

func isNilError(err error) bool {
	return err != nil && valkeygo.IsValkeyNil(err)
}

// mapErr classifies backend failures as storage.ErrStoreUnavailable so
// callers can distinguish degradation from rejection.
func mapErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, storage.ErrStoreUnavailable, err)
}

// getJSON fetches a key and unmarshals it into T. Reads are retried with
// bounded backoff; a nil reply is returned as notFound without retrying.
func getJSON[T any](ctx context.Context, s *Store, key string, notFound error) (*T, error) {
	raw, err := readWithRetry(ctx, s, func() (string, error) {
		return s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	})
	if err != nil {
		if isNilError(err) {
			return nil, notFound
		}
		return nil, mapErr("get "+key, err)
	}

	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &v, nil
}

// readWithRetry retries an idempotent read with bounded exponential backoff.
// Nil replies are permanent: a missing key is an answer, not a failure.
func readWithRetry[T any](ctx context.Context, s *Store, op func() (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryInitialInterval
	expo.MaxInterval = retryMaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if isNilError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(retryMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Debug("Retrying valkey read", "error", err, "delay", d)
		}),
	)
}

// calculateTTL converts a deadline into a positive expiry for SET EX.
// Deadlines in the past get a 1 second floor so the key is written and
// promptly evicted rather than persisted forever.
func calculateTTL(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

var errOversized = errors.New("value exceeds maximum size")
