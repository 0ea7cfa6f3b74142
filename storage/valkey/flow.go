package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quillpress/authcore/storage"
)

// luaConsumeCode atomically fetches an authorization code and marks it
// consumed, keeping the original TTL. Sentinel returns let the caller
// distinguish the interesting outcomes in one round trip:
//
//	'NOT_FOUND'        - no such code (or it expired out of the keyspace)
//	'CONSUMED:<json>'  - already consumed; payload returned for replay handling
//	<json>             - success, caller owns the code now
const luaConsumeCode = `
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 'NOT_FOUND'
end
local data = cjson.decode(raw)
if data.consumed then
	return 'CONSUMED:' .. raw
end
data.consumed = true
redis.call('SET', KEYS[1], cjson.encode(data), 'KEEPTTL')
return raw
`

// luaBindCodeSession attaches a session id to a stored code in one
// evaluation. KEEPTTL is safe here: the key is guaranteed live between the
// GET and the SET, so the write can never persist an expired code.
//
//	KEYS[1] - code key
//	ARGV[1] - session id
//
// Returns 1 on success, 0 when the code is gone.
const luaBindCodeSession = `
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local data = cjson.decode(raw)
data.session_id = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(data), 'KEEPTTL')
return 1
`

// codeJSON is the wire representation of an authorization code.
type codeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Subject             string `json:"subject"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	SessionID           string `json:"session_id,omitempty"`
	Consumed            bool   `json:"consumed"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

func toCodeJSON(c *storage.AuthorizationCode) codeJSON {
	return codeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		RedirectURI:         c.RedirectURI,
		Subject:             c.Subject,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		SessionID:           c.SessionID,
		CreatedAt:           c.CreatedAt.Unix(),
		ExpiresAt:           c.ExpiresAt.Unix(),
	}
}

func fromCodeJSON(j codeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Subject:             j.Subject,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		SessionID:           j.SessionID,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
	}
}

// SaveCode stores an authorization code with a TTL matching its expiry.
func (s *Store) SaveCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	if code == nil {
		return fmt.Errorf("code is required")
	}
	if err := validateID("code", code.Code); err != nil {
		return err
	}
	start := time.Now()
	defer func() { s.observe(ctx, "save_code", start, err) }()

	data, err := json.Marshal(toCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal code: %w", err)
	}
	if len(data) > MaxValueBytes {
		return errOversized
	}

	ttl := calculateTTL(code.ExpiresAt, time.Now())
	cmd := s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return mapErr("save code", err)
	}
	return nil
}

// ConsumeCode atomically retrieves and invalidates an authorization code.
// Never retried: an ambiguous failure must surface rather than risk
// consuming the code twice.
func (s *Store) ConsumeCode(ctx context.Context, code string) (consumed *storage.AuthorizationCode, err error) {
	if err := validateID("code", code); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { s.observe(ctx, "consume_code", start, err) }()

	cmd := s.client.B().Eval().Script(luaConsumeCode).Numkeys(1).Key(s.codeKey(code)).Build()
	result, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		return nil, mapErr("consume code", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound

	case strings.HasPrefix(result, "CONSUMED:"):
		var j codeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "CONSUMED:")), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal consumed code: %w", err)
		}
		return fromCodeJSON(j), storage.ErrCodeConsumed

	default:
		var j codeJSON
		if err := json.Unmarshal([]byte(result), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal code: %w", err)
		}
		return fromCodeJSON(j), nil
	}
}

// BindCodeSession records the session minted from a consumed code. The
// read-modify-write runs server-side so the code's TTL cannot expire between
// the read and the write; an expired code stays expired.
func (s *Store) BindCodeSession(ctx context.Context, code, sessionID string) (err error) {
	if err := validateID("code", code); err != nil {
		return err
	}
	if err := validateID("session id", sessionID); err != nil {
		return err
	}
	start := time.Now()
	defer func() { s.observe(ctx, "bind_code_session", start, err) }()

	cmd := s.client.B().Eval().Script(luaBindCodeSession).
		Numkeys(1).
		Key(s.codeKey(code)).
		Arg(sessionID).
		Build()

	bound, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return mapErr("bind code session", err)
	}
	if bound == 0 {
		return storage.ErrCodeNotFound
	}
	return nil
}
