package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/quillpress/authcore/storage"
)

// luaSwapFingerprint is the rotation CAS. It verifies the session carries no
// revocation marker, compares the stored refresh fingerprint with the
// presented one and, on match, installs the successor and records a
// used-nonce marker for the consumed fingerprint, all in a single
// server-side evaluation. The revocation check lives inside the script so a
// revoke landing between the caller's pre-check and the swap still blocks
// the rotation.
//
//	KEYS[1] - session fingerprint key
//	KEYS[2] - used-nonce marker key for the presented fingerprint
//	KEYS[3] - session revocation marker key
//	ARGV[1] - presented fingerprint
//	ARGV[2] - successor fingerprint
//	ARGV[3] - marker TTL in seconds
//
// Returns 1 when the swap happened, -1 when the session is revoked, and 0
// otherwise. A missing fingerprint key compares unequal, so unknown sessions
// fall out as 0.
const luaSwapFingerprint = `
if redis.call('EXISTS', KEYS[3]) == 1 then
	return -1
end
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
	redis.call('SET', KEYS[2], '1', 'EX', ARGV[3])
	return 1
end
return 0
`

// luaRevokeSubjectSessions marks every session in the subject's index
// revoked and deletes the index.
//
//	KEYS[1] - subject session index (set of session ids)
//	ARGV[1] - revoked key prefix
//	ARGV[2] - revocation marker TTL in seconds
//
// Returns the number of sessions revoked.
const luaRevokeSubjectSessions = `
local ids = redis.call('SMEMBERS', KEYS[1])
for i = 1, #ids do
	redis.call('SET', ARGV[1] .. ids[i], '1', 'EX', ARGV[2])
end
redis.call('DEL', KEYS[1])
return #ids
`

// sessionJSON is the wire representation of a session.
type sessionJSON struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toSessionJSON(s *storage.Session) sessionJSON {
	return sessionJSON{
		ID:        s.ID,
		Subject:   s.Subject,
		ClientID:  s.ClientID,
		Scope:     s.Scope,
		UserAgent: s.UserAgent,
		RemoteIP:  s.RemoteIP,
		CreatedAt: s.CreatedAt.Unix(),
		ExpiresAt: s.ExpiresAt.Unix(),
	}
}

func fromSessionJSON(j sessionJSON) *storage.Session {
	return &storage.Session{
		ID:        j.ID,
		Subject:   j.Subject,
		ClientID:  j.ClientID,
		Scope:     j.Scope,
		UserAgent: j.UserAgent,
		RemoteIP:  j.RemoteIP,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// CreateSession stores the session with a TTL matching its expiry, seeds the
// refresh fingerprint, and adds the session to the subject index.
func (s *Store) CreateSession(ctx context.Context, session *storage.Session, fingerprint string) (err error) {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if err := validateID("session id", session.ID); err != nil {
		return err
	}
	if err := validateID("subject", session.Subject); err != nil {
		return err
	}
	if err := validateID("fingerprint", fingerprint); err != nil {
		return err
	}
	start := time.Now()
	defer func() { s.observe(ctx, "create_session", start, err) }()

	data, err := json.Marshal(toSessionJSON(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if len(data) > MaxValueBytes {
		return errOversized
	}

	ttl := calculateTTL(session.ExpiresAt, time.Now())

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(session.ID)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return mapErr("save session", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.fingerprintKey(session.ID)).Value(fingerprint).Ex(ttl).Build(),
	).Error(); err != nil {
		return mapErr("seed fingerprint", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.subjectKey(session.Subject)).Member(session.ID).Build(),
	).Error(); err != nil {
		return mapErr("index session", err)
	}

	return nil
}

// GetSession returns the stored session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session *storage.Session, err error) {
	if err := validateID("session id", sessionID); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { s.observe(ctx, "get_session", start, err) }()

	j, err := getJSON[sessionJSON](ctx, s, s.sessionKey(sessionID), storage.ErrSessionNotFound)
	if err != nil {
		return nil, err
	}
	return fromSessionJSON(*j), nil
}

// SwapRefreshFingerprint runs the rotation CAS. EVALSHA with automatic
// script-load fallback; Warmup primes the cache so the fallback is rare.
// Never retried: retrying after an ambiguous failure could rotate twice.
func (s *Store) SwapRefreshFingerprint(ctx context.Context, sessionID, presented, next string, markerTTL time.Duration) (ok bool, err error) {
	if err := validateID("session id", sessionID); err != nil {
		return false, err
	}
	if err := validateID("presented fingerprint", presented); err != nil {
		return false, err
	}
	if err := validateID("next fingerprint", next); err != nil {
		return false, err
	}
	if markerTTL < time.Second {
		markerTTL = time.Second
	}
	start := time.Now()
	defer func() { s.observe(ctx, "swap_fingerprint", start, err) }()

	keys := []string{
		s.fingerprintKey(sessionID),
		s.usedFingerprintKey(sessionID, presented),
		s.revokedKey(sessionID),
	}
	args := []string{
		presented,
		next,
		strconv.FormatInt(int64(markerTTL.Seconds()), 10),
	}

	swapped, err := s.swapScript.Exec(ctx, s.client, keys, args).AsInt64()
	if err != nil {
		return false, mapErr("swap fingerprint", err)
	}
	if swapped == -1 {
		return false, storage.ErrSessionRevoked
	}
	return swapped == 1, nil
}

// IsFingerprintUsed reports whether a used-nonce marker exists for the
// fingerprint.
func (s *Store) IsFingerprintUsed(ctx context.Context, sessionID, fingerprint string) (used bool, err error) {
	if err := validateID("session id", sessionID); err != nil {
		return false, err
	}
	if err := validateID("fingerprint", fingerprint); err != nil {
		return false, err
	}

	start := time.Now()
	defer func() { s.observe(ctx, "is_fingerprint_used", start, err) }()

	key := s.usedFingerprintKey(sessionID, fingerprint)
	n, err := readWithRetry(ctx, s, func() (int64, error) {
		return s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
	})
	if err != nil {
		return false, mapErr("check used fingerprint", err)
	}
	return n > 0, nil
}

// RevokeSession marks the session revoked. Idempotent; revoking an unknown
// session just writes a marker that expires on its own.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) (err error) {
	if err := validateID("session id", sessionID); err != nil {
		return err
	}

	start := time.Now()
	defer func() { s.observe(ctx, "revoke_session", start, err) }()

	cmd := s.client.B().Set().Key(s.revokedKey(sessionID)).Value("1").Ex(s.revokedRetention).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return mapErr("revoke session", err)
	}
	return nil
}

// IsSessionRevoked reports whether a revocation marker exists for the session.
func (s *Store) IsSessionRevoked(ctx context.Context, sessionID string) (revoked bool, err error) {
	if err := validateID("session id", sessionID); err != nil {
		return false, err
	}

	start := time.Now()
	defer func() { s.observe(ctx, "is_session_revoked", start, err) }()

	key := s.revokedKey(sessionID)
	n, err := readWithRetry(ctx, s, func() (int64, error) {
		return s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
	})
	if err != nil {
		return false, mapErr("check revoked", err)
	}
	return n > 0, nil
}

// RevokeSubjectSessions revokes every session in the subject's index and
// clears the index in one server-side evaluation.
func (s *Store) RevokeSubjectSessions(ctx context.Context, subject string) (count int, err error) {
	if err := validateID("subject", subject); err != nil {
		return 0, err
	}

	start := time.Now()
	defer func() { s.observe(ctx, "revoke_subject_sessions", start, err) }()

	cmd := s.client.B().Eval().Script(luaRevokeSubjectSessions).
		Numkeys(1).
		Key(s.subjectKey(subject)).
		Arg(s.prefix+"revoked:session:", strconv.FormatInt(int64(s.revokedRetention.Seconds()), 10)).
		Build()

	n, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, mapErr("revoke subject sessions", err)
	}
	return int(n), nil
}

// ListSubjectSessions returns the subject's live sessions. Sessions that
// expired out of the keyspace or carry a revocation marker are skipped.
func (s *Store) ListSubjectSessions(ctx context.Context, subject string) (sessions []*storage.Session, err error) {
	if err := validateID("subject", subject); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { s.observe(ctx, "list_subject_sessions", start, err) }()

	ids, err := readWithRetry(ctx, s, func() ([]string, error) {
		return s.client.Do(ctx, s.client.B().Smembers().Key(s.subjectKey(subject)).Build()).AsStrSlice()
	})
	if err != nil {
		return nil, mapErr("list subject sessions", err)
	}

	sessions = make([]*storage.Session, 0, len(ids))
	for _, id := range ids {
		revoked, err := s.IsSessionRevoked(ctx, id)
		if err != nil {
			return nil, err
		}
		if revoked {
			continue
		}

		session, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// ============================================================
// ClientStore
// ============================================================

// clientJSON is the wire representation of a registered client.
type clientJSON struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes,omitempty"`
	SecretHash   string   `json:"secret_hash,omitempty"`
	Public       bool     `json:"public"`
	CreatedAt    int64    `json:"created_at"`
}

// SaveClient stores a registered client. Clients have no TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	if client == nil {
		return fmt.Errorf("client is required")
	}
	if err := validateID("client id", client.ID); err != nil {
		return err
	}

	start := time.Now()
	defer func() { s.observe(ctx, "save_client", start, err) }()

	data, err := json.Marshal(clientJSON{
		ID:           client.ID,
		Name:         client.Name,
		RedirectURIs: client.RedirectURIs,
		Scopes:       client.Scopes,
		SecretHash:   client.SecretHash,
		Public:       client.Public,
		CreatedAt:    client.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if len(data) > MaxValueBytes {
		return errOversized
	}

	cmd := s.client.B().Set().Key(s.clientKey(client.ID)).Value(string(data)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return mapErr("save client", err)
	}
	return nil
}

// GetClient returns the registered client.
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	if err := validateID("client id", clientID); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { s.observe(ctx, "get_client", start, err) }()

	j, err := getJSON[clientJSON](ctx, s, s.clientKey(clientID), storage.ErrClientNotFound)
	if err != nil {
		return nil, err
	}
	return &storage.Client{
		ID:           j.ID,
		Name:         j.Name,
		RedirectURIs: j.RedirectURIs,
		Scopes:       j.Scopes,
		SecretHash:   j.SecretHash,
		Public:       j.Public,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
	}, nil
}
