package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
)

const testSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func TestNewKeyPairFromSeedHex(t *testing.T) {
	keys, err := NewKeyPairFromSeedHex(testSeed)
	if err != nil {
		t.Fatalf("NewKeyPairFromSeedHex failed: %v", err)
	}

	if len(keys.PrivateKey) != ed25519.PrivateKeySize {
		t.Errorf("private key size = %d, want %d", len(keys.PrivateKey), ed25519.PrivateKeySize)
	}
	if keys.KeyID == "" {
		t.Error("key id should be derived from the public key")
	}

	// Same seed, same keys
	again, err := NewKeyPairFromSeedHex(testSeed)
	if err != nil {
		t.Fatalf("NewKeyPairFromSeedHex failed on second call: %v", err)
	}
	if !keys.PublicKey.Equal(again.PublicKey) {
		t.Error("same seed should derive the same public key")
	}
	if keys.KeyID != again.KeyID {
		t.Errorf("key id not deterministic: %q vs %q", keys.KeyID, again.KeyID)
	}
}

func TestNewKeyPairFromSeedHex_Invalid(t *testing.T) {
	tests := []struct {
		name string
		seed string
	}{
		{"empty", ""},
		{"not hex", strings.Repeat("zz", 32)},
		{"too short", "abcdef"},
		{"too long", testSeed + "00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewKeyPairFromSeedHex(tt.seed); err == nil {
				t.Error("expected error for invalid seed")
			}
		})
	}
}

func TestGenerateKeyPair(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if a.PublicKey.Equal(b.PublicKey) {
		t.Error("two generated key pairs should differ")
	}
}

func TestKeyPairJWKS(t *testing.T) {
	keys, err := NewKeyPairFromSeedHex(testSeed)
	if err != nil {
		t.Fatalf("NewKeyPairFromSeedHex failed: %v", err)
	}

	set := keys.JWKS()
	if len(set.Keys) != 1 {
		t.Fatalf("JWKS key count = %d, want 1", len(set.Keys))
	}

	jwk := set.Keys[0]
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" || jwk.Alg != "EdDSA" || jwk.Use != "sig" {
		t.Errorf("unexpected JWK metadata: %+v", jwk)
	}
	if jwk.Kid != keys.KeyID {
		t.Errorf("JWK kid = %q, want %q", jwk.Kid, keys.KeyID)
	}

	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		t.Fatalf("JWK x is not valid base64url: %v", err)
	}
	if !keys.PublicKey.Equal(ed25519.PublicKey(x)) {
		t.Error("JWK x should encode the public key")
	}
}

func TestThumbprint_NoPadding(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if strings.ContainsAny(keys.KeyID, "+/=") {
		t.Errorf("key id must be unpadded base64url, got %q", keys.KeyID)
	}
}
