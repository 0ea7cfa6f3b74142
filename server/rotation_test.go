package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quillpress/authcore/internal/testutil"
	"github.com/quillpress/authcore/storage"
	"github.com/quillpress/authcore/storage/memory"
	"github.com/quillpress/authcore/token"
)

// mintTestPair runs the full authorize/exchange flow and returns the pair.
func mintTestPair(t *testing.T, srv *Server) *TokenPair {
	t.Helper()
	pkce := testutil.NewPKCEPair(t)
	code := issueCode(t, srv, pkce)
	pair, err := srv.ExchangeAuthorizationCode(context.Background(), exchangeRequest(code, pkce))
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	return pair
}

func TestRefresh_RotatesPair(t *testing.T) {
	srv, store := newFlowServer(t, nil)
	registerClient(t, store)
	pair := mintTestPair(t, srv)

	next, err := srv.RefreshAccessToken(context.Background(), pair.RefreshToken, "192.0.2.1")
	if err != nil {
		t.Fatalf("RefreshAccessToken failed: %v", err)
	}

	if next.RefreshToken == pair.RefreshToken {
		t.Error("rotation must issue a new refresh token")
	}
	if next.AccessToken == pair.AccessToken {
		t.Error("rotation must issue a new access token")
	}
	if next.SessionID != pair.SessionID {
		t.Error("rotation keeps the session")
	}

	claims, err := srv.codec.Parse(next.RefreshToken, token.KindRefresh)
	if err != nil {
		t.Fatalf("rotated refresh token does not verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.Scope != "read" {
		t.Errorf("rotated claims = %+v", claims)
	}

	// The successor rotates again without incident
	if _, err := srv.RefreshAccessToken(context.Background(), next.RefreshToken, "192.0.2.1"); err != nil {
		t.Fatalf("second rotation failed: %v", err)
	}
}

func TestRefresh_ReplayRevokesFamily(t *testing.T) {
	srv, store := newFlowServer(t, nil)
	registerClient(t, store)
	ctx := context.Background()

	// Two sessions for the same subject: replay on one must take down both
	first := mintTestPair(t, srv)
	second := mintTestPair(t, srv)

	next, err := srv.RefreshAccessToken(ctx, first.RefreshToken, "192.0.2.1")
	if err != nil {
		t.Fatalf("rotation failed: %v", err)
	}

	// Presenting the consumed token again is replay
	_, err = srv.RefreshAccessToken(ctx, first.RefreshToken, "192.0.2.1")
	if err == nil {
		t.Fatal("replayed refresh token should be rejected")
	}
	fe := AsFlowError(err)
	if fe.Code != ErrorCodeInvalidGrant {
		t.Errorf("error code = %q, want %q", fe.Code, ErrorCodeInvalidGrant)
	}
	if fe.Outcome != OutcomeReplayDetected {
		t.Errorf("outcome = %q, want %q", fe.Outcome, OutcomeReplayDetected)
	}

	for _, sid := range []string{first.SessionID, second.SessionID} {
		revoked, err := store.IsSessionRevoked(ctx, sid)
		if err != nil {
			t.Fatalf("IsSessionRevoked failed: %v", err)
		}
		if !revoked {
			t.Errorf("session %s should be revoked after replay", sid)
		}
	}

	// The legitimately rotated token is collateral damage of family revocation
	_, err = srv.RefreshAccessToken(ctx, next.RefreshToken, "192.0.2.1")
	if err == nil {
		t.Fatal("tokens of a revoked family must not rotate")
	}
	if fe := AsFlowError(err); fe.Outcome != OutcomeSessionRevoked {
		t.Errorf("outcome = %q, want %q", fe.Outcome, OutcomeSessionRevoked)
	}
}

func TestRefresh_RevokedSession(t *testing.T) {
	srv, store := newFlowServer(t, nil)
	registerClient(t, store)
	ctx := context.Background()
	pair := mintTestPair(t, srv)

	if err := store.RevokeSession(ctx, pair.SessionID); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}

	_, err := srv.RefreshAccessToken(ctx, pair.RefreshToken, "192.0.2.1")
	if err == nil {
		t.Fatal("revoked session must not rotate")
	}
	fe := AsFlowError(err)
	if fe.Code != ErrorCodeInvalidGrant || fe.Outcome != OutcomeSessionRevoked {
		t.Errorf("got code %q outcome %q", fe.Code, fe.Outcome)
	}
}

// lateRevokeStore revokes the session inside the revocation pre-check while
// still answering "not revoked", so the revocation lands between the check
// and the swap. Only the swap's own revocation condition can catch it.
type lateRevokeStore struct {
	*memory.Store
}

func (s *lateRevokeStore) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	if err := s.Store.RevokeSession(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

func TestRefresh_RevokeRacingRotation(t *testing.T) {
	srv, store := newFlowServer(t, nil)
	registerClient(t, store)
	ctx := context.Background()
	pair := mintTestPair(t, srv)

	srv.sessions = &lateRevokeStore{Store: store}

	_, err := srv.RefreshAccessToken(ctx, pair.RefreshToken, "192.0.2.1")
	if err == nil {
		t.Fatal("a session revoked mid-rotation must not mint a pair")
	}
	fe := AsFlowError(err)
	if fe.Code != ErrorCodeInvalidGrant || fe.Outcome != OutcomeSessionRevoked {
		t.Errorf("got code %q outcome %q", fe.Code, fe.Outcome)
	}

	// The losing swap must leave no trace: no used marker, fingerprint intact
	claims, err := srv.codec.Parse(pair.RefreshToken, token.KindRefresh)
	if err != nil {
		t.Fatalf("failed to parse refresh token: %v", err)
	}
	used, err := store.IsFingerprintUsed(ctx, pair.SessionID, token.Fingerprint(claims.Nonce))
	if err != nil {
		t.Fatalf("IsFingerprintUsed failed: %v", err)
	}
	if used {
		t.Error("rejected swap must not write a used marker")
	}
}

func TestRefresh_RejectsBadTokens(t *testing.T) {
	srv, store := newFlowServer(t, nil)
	registerClient(t, store)
	pair := mintTestPair(t, srv)

	tests := []struct {
		name        string
		token       string
		wantOutcome string
	}{
		{"garbage", "not-a-jwt", OutcomeMalformed},
		{"empty", "", OutcomeMalformed},
		{"access token as refresh", pair.AccessToken, OutcomeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.RefreshAccessToken(context.Background(), tt.token, "192.0.2.1")
			if err == nil {
				t.Fatal("rotation should have failed")
			}
			fe := AsFlowError(err)
			if fe.Code != ErrorCodeInvalidGrant {
				t.Errorf("error code = %q, want %q", fe.Code, ErrorCodeInvalidGrant)
			}
			if fe.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", fe.Outcome, tt.wantOutcome)
			}
		})
	}
}

func TestRefresh_StaleTokenWithoutMarker(t *testing.T) {
	srv, store := newFlowServer(t, nil)
	registerClient(t, store)
	ctx := context.Background()

	// A session whose stored fingerprint never matched this token: the swap
	// loses, no used-nonce marker exists, and the rejection stays a plain
	// invalid grant rather than a replay alarm.
	session := &storage.Session{
		ID:        "sess-stale",
		Subject:   "user-1",
		ClientID:  "client-1",
		Scope:     "read",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.CreateSession(ctx, session, token.Fingerprint("nonce-current")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	stale, err := srv.codec.MintRefresh("user-1", "read", session.ID, "nonce-old")
	if err != nil {
		t.Fatalf("MintRefresh failed: %v", err)
	}

	_, err = srv.RefreshAccessToken(ctx, stale, "192.0.2.1")
	if err == nil {
		t.Fatal("stale refresh token should be rejected")
	}
	fe := AsFlowError(err)
	if fe.Outcome != OutcomeInvalidGrant {
		t.Errorf("outcome = %q, want %q", fe.Outcome, OutcomeInvalidGrant)
	}

	// No marker, no replay response: the subject's sessions survive
	revoked, err := store.IsSessionRevoked(ctx, session.ID)
	if err != nil {
		t.Fatalf("IsSessionRevoked failed: %v", err)
	}
	if revoked {
		t.Error("stale rejection must not revoke the session")
	}
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	srv, store := newFlowServer(t, nil)
	registerClient(t, store)
	pair := mintTestPair(t, srv)

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := srv.RefreshAccessToken(context.Background(), pair.RefreshToken, "192.0.2.1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("concurrent rotation succeeded %d times, want exactly 1", successes)
	}
}
