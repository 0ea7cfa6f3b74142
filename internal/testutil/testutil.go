// Package testutil provides shared test fixtures for the authcore library.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/quillpress/authcore/storage"
)

// MockTime provides a controllable time source for deterministic tests.
type MockTime struct {
	now time.Time
}

// NewMockTime creates a mock time provider anchored at t.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by d.
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value.
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// PKCEPair is a matched verifier/challenge pair for the S256 method.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// NewPKCEPair generates a fresh S256 verifier/challenge pair.
func NewPKCEPair(t *testing.T) PKCEPair {
	t.Helper()
	verifier := oauth2.GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	return PKCEPair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}
}

// RandomString returns n random bytes encoded as unpadded base64url.
func RandomString(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to read random bytes: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// TestSigningSeed is a fixed 32-byte Ed25519 seed in hex for deterministic
// token tests. Never use outside tests.
const TestSigningSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

// NewPublicClient builds a public test client registered for the given
// redirect URI.
func NewPublicClient(id, redirectURI string, scopes ...string) *storage.Client {
	return &storage.Client{
		ID:           id,
		Name:         "Test Client " + id,
		RedirectURIs: []string{redirectURI},
		Scopes:       scopes,
		Public:       true,
		CreatedAt:    time.Now(),
	}
}

// NewConfidentialClient builds a confidential test client with the given
// secret hashed at the lowest bcrypt cost to keep tests fast.
func NewConfidentialClient(t *testing.T, id, redirectURI, secret string, scopes ...string) *storage.Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash client secret: %v", err)
	}
	return &storage.Client{
		ID:           id,
		Name:         "Test Client " + id,
		RedirectURIs: []string{redirectURI},
		Scopes:       scopes,
		SecretHash:   string(hash),
		CreatedAt:    time.Now(),
	}
}

// UniqueID returns an identifier unique within the test run, useful for
// isolating keys in shared backends.
func UniqueID(prefix string) string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s-%d-%x", prefix, time.Now().UnixNano(), b)
}
