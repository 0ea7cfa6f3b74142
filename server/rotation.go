package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/quillpress/authcore/storage"
	"github.com/quillpress/authcore/token"
)

// RefreshAccessToken rotates a refresh token: the presented token's nonce
// fingerprint is swapped for a successor in a single compare-and-set, and a
// fresh token pair is minted only for the caller that won the swap.
//
// A failed swap whose fingerprint appears in the used-nonce set is a replay
// of an already-rotated token; every session belonging to the subject is
// revoked before the caller is rejected. The swap itself is never retried:
// a second attempt after a network timeout could observe its own rotation
// and misread it as a replay.
func (s *Server) RefreshAccessToken(ctx context.Context, rawRefreshToken, remoteIP string) (*TokenPair, error) {
	claims, err := s.codec.Parse(rawRefreshToken, token.KindRefresh)
	if err != nil {
		outcome := classifyTokenOutcome(err)
		s.Auditor.LogAuthFailure("", "", remoteIP, "refresh token rejected: "+outcome)
		return nil, errInvalidGrant(outcome, err.Error())
	}

	// Revocation check before the swap: a revoked session must not rotate
	revoked, err := s.sessions.IsSessionRevoked(ctx, claims.SessionID)
	if err != nil {
		s.Auditor.LogStoreDegraded("refresh_revocation_check")
		return nil, errStoreUnavailable(err.Error())
	}
	if revoked {
		s.Auditor.LogAuthFailure(claims.Subject, "", remoteIP, "refresh against revoked session")
		return nil, errInvalidGrant(OutcomeSessionRevoked, "session revoked")
	}

	presented := token.Fingerprint(claims.Nonce)
	nextNonce := generateRandomToken()

	// The swap re-checks revocation atomically: a revoke that lands between
	// the check above and this call still loses
	swapped, err := s.sessions.SwapRefreshFingerprint(ctx, claims.SessionID, presented, token.Fingerprint(nextNonce), s.Config.UsedNonceTTL)
	if errors.Is(err, storage.ErrSessionRevoked) {
		s.Auditor.LogAuthFailure(claims.Subject, "", remoteIP, "refresh against revoked session")
		return nil, errInvalidGrant(OutcomeSessionRevoked, "session revoked")
	}
	if err != nil {
		s.Auditor.LogStoreDegraded("refresh_rotation")
		return nil, errStoreUnavailable(err.Error())
	}

	if !swapped {
		return nil, s.handleLostSwap(ctx, claims, presented, remoteIP)
	}

	pair, err := s.mintPair(claims.Subject, claims.Scope, claims.SessionID, nextNonce)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenRotated(claims.Subject, claims.SessionID, remoteIP)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRefresh(ctx, "", true)
	}
	s.Logger.Debug("Refresh token rotated",
		"session_id", claims.SessionID,
		"subject_prefix", safeTruncate(claims.Subject, 8))

	return pair, nil
}

// handleLostSwap distinguishes a replayed refresh token from a merely stale
// one. The used-nonce marker is the deciding evidence: present means some
// earlier rotation consumed this exact token.
func (s *Server) handleLostSwap(ctx context.Context, claims *token.Claims, presented, remoteIP string) error {
	used, err := s.sessions.IsFingerprintUsed(ctx, claims.SessionID, presented)
	if err != nil {
		s.Auditor.LogStoreDegraded("refresh_replay_check")
		return errStoreUnavailable(err.Error())
	}

	if !used {
		// No marker: session state moved on without this token ever being
		// accepted (marker expiry, session replaced). Not proof of theft.
		s.Auditor.LogAuthFailure(claims.Subject, "", remoteIP, "stale refresh token")
		return errInvalidGrant(OutcomeInvalidGrant, "refresh token invalid or superseded")
	}

	s.Logger.Error("Refresh token replay detected",
		"session_id", claims.SessionID,
		"subject_prefix", safeTruncate(claims.Subject, 8))

	count, err := s.sessions.RevokeSubjectSessions(ctx, claims.Subject)
	if err != nil {
		// The rejection stands either way, but an incomplete family
		// revocation is worth the loudest log line we have
		s.Logger.Error("Failed to revoke subject sessions after replay",
			"error", err, "subject_prefix", safeTruncate(claims.Subject, 8))
		if errors.Is(err, storage.ErrStoreUnavailable) {
			return errStoreUnavailable(fmt.Sprintf("replay detected but revocation failed: %v", err))
		}
	}

	s.Auditor.LogReplayDetected(claims.Subject, claims.SessionID, remoteIP, count)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordReplayDetected(ctx)
	}

	return errInvalidGrant(OutcomeReplayDetected, "refresh token replay")
}
