package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quillpress/authcore/storage"
)

// Compile-time interface checks
var (
	_ storage.CodeStore    = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.Store        = (*Store)(nil)
)

// defaultCleanupInterval is how often the janitor sweeps expired state.
const defaultCleanupInterval = time.Minute

type codeEntry struct {
	code     *storage.AuthorizationCode
	consumed bool
}

type sessionEntry struct {
	session     *storage.Session
	fingerprint string
	revoked     bool
	// usedMarkers maps a consumed fingerprint to its marker expiry.
	usedMarkers map[string]time.Time
}

// Store is an in-memory storage backend.
type Store struct {
	mu       sync.RWMutex
	codes    map[string]*codeEntry
	sessions map[string]*sessionEntry
	subjects map[string]map[string]struct{}
	clients  map[string]*storage.Client

	// now is swapped out by tests that need to move time.
	now func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// New creates an in-memory store and starts its cleanup goroutine.
// Call Stop when done to release it.
func New() *Store {
	s := &Store{
		codes:    make(map[string]*codeEntry),
		sessions: make(map[string]*sessionEntry),
		subjects: make(map[string]map[string]struct{}),
		clients:  make(map[string]*storage.Client),
		now:      time.Now,
		done:     make(chan struct{}),
	}

	go s.cleanupLoop(defaultCleanupInterval)

	return s
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops expired codes, expired used-nonce markers, and sessions past
// their expiry. Revoked sessions are kept until expiry so revocation checks
// stay answerable.
func (s *Store) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for code, entry := range s.codes {
		if entry.code.Expired(now) {
			delete(s.codes, code)
		}
	}

	for id, entry := range s.sessions {
		for fp, expiry := range entry.usedMarkers {
			if now.After(expiry) {
				delete(entry.usedMarkers, fp)
			}
		}
		if !entry.session.ExpiresAt.IsZero() && now.After(entry.session.ExpiresAt) {
			delete(s.sessions, id)
			s.removeFromSubjectIndex(entry.session.Subject, id)
		}
	}
}

// CodeCount returns the number of stored authorization codes, consumed ones
// included until the janitor drops them. Serves the storage size gauges.
func (s *Store) CodeCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.codes))
}

// SessionCount returns the number of stored sessions, revoked ones included
// until expiry.
func (s *Store) SessionCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sessions))
}

// ClientCount returns the number of registered clients.
func (s *Store) ClientCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.clients))
}

// removeFromSubjectIndex must be called with mu held.
func (s *Store) removeFromSubjectIndex(subject, sessionID string) {
	ids, ok := s.subjects[subject]
	if !ok {
		return
	}
	delete(ids, sessionID)
	if len(ids) == 0 {
		delete(s.subjects, subject)
	}
}

// ============================================================
// CodeStore
// ============================================================

// SaveCode stores an authorization code.
func (s *Store) SaveCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("code is required")
	}

	cp := *code

	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code.Code] = &codeEntry{code: &cp}
	return nil
}

// ConsumeCode atomically retrieves and invalidates an authorization code.
func (s *Store) ConsumeCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	if entry.code.Expired(s.now()) {
		delete(s.codes, code)
		return nil, storage.ErrCodeNotFound
	}

	cp := *entry.code
	if entry.consumed {
		return &cp, storage.ErrCodeConsumed
	}

	entry.consumed = true
	return &cp, nil
}

// BindCodeSession records the session minted from a consumed code.
func (s *Store) BindCodeSession(_ context.Context, code, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return storage.ErrCodeNotFound
	}

	entry.code.SessionID = sessionID
	return nil
}

// ============================================================
// SessionStore
// ============================================================

// CreateSession stores the session, seeds its refresh fingerprint, and adds
// it to the subject index.
func (s *Store) CreateSession(_ context.Context, session *storage.Session, fingerprint string) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if session.Subject == "" {
		return fmt.Errorf("session subject is required")
	}
	if fingerprint == "" {
		return fmt.Errorf("fingerprint is required")
	}

	cp := *session

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = &sessionEntry{
		session:     &cp,
		fingerprint: fingerprint,
		usedMarkers: make(map[string]time.Time),
	}

	ids, ok := s.subjects[session.Subject]
	if !ok {
		ids = make(map[string]struct{})
		s.subjects[session.Subject] = ids
	}
	ids[session.ID] = struct{}{}

	return nil
}

// GetSession returns the stored session.
func (s *Store) GetSession(_ context.Context, sessionID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}

	cp := *entry.session
	return &cp, nil
}

// SwapRefreshFingerprint compares the session's stored fingerprint with
// presented and, on match, installs next and records a used-nonce marker for
// presented. The whole operation happens under one lock so concurrent
// rotations see exactly one winner and a revocation landing before the swap
// is always honored.
func (s *Store) SwapRefreshFingerprint(_ context.Context, sessionID, presented, next string, markerTTL time.Duration) (bool, error) {
	if presented == "" || next == "" {
		return false, fmt.Errorf("presented and next fingerprints are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}

	if entry.revoked {
		return false, storage.ErrSessionRevoked
	}

	if entry.fingerprint != presented {
		return false, nil
	}

	entry.fingerprint = next
	entry.usedMarkers[presented] = s.now().Add(markerTTL)
	return true, nil
}

// IsFingerprintUsed reports whether a live used-nonce marker exists for the
// fingerprint.
func (s *Store) IsFingerprintUsed(_ context.Context, sessionID, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}

	expiry, ok := entry.usedMarkers[fingerprint]
	if !ok {
		return false, nil
	}

	return s.now().Before(expiry), nil
}

// RevokeSession marks the session revoked. Revoking an unknown session is
// not an error.
func (s *Store) RevokeSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.sessions[sessionID]; ok {
		entry.revoked = true
	}
	return nil
}

// IsSessionRevoked reports whether the session has been revoked.
func (s *Store) IsSessionRevoked(_ context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	return entry.revoked, nil
}

// RevokeSubjectSessions revokes every session in the subject's index and
// clears the index.
func (s *Store) RevokeSubjectSessions(_ context.Context, subject string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.subjects[subject]
	if !ok {
		return 0, nil
	}

	revoked := 0
	for id := range ids {
		if entry, ok := s.sessions[id]; ok {
			entry.revoked = true
			revoked++
		}
	}

	delete(s.subjects, subject)
	return revoked, nil
}

// ListSubjectSessions returns the subject's live (non-revoked) sessions.
func (s *Store) ListSubjectSessions(_ context.Context, subject string) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.subjects[subject]
	if !ok {
		return nil, nil
	}

	sessions := make([]*storage.Session, 0, len(ids))
	for id := range ids {
		entry, ok := s.sessions[id]
		if !ok || entry.revoked {
			continue
		}
		cp := *entry.session
		sessions = append(sessions, &cp)
	}

	return sessions, nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client id is required")
	}

	cp := *client

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ID] = &cp
	return nil
}

// GetClient returns the registered client.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}

	cp := *client
	return &cp, nil
}
