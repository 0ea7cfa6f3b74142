package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeyPair holds the Ed25519 signing key and its derived metadata.
type KeyPair struct {
	KeyID      string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// JWK is an RFC 7517 JSON Web Key restricted to the OKP/Ed25519 form this
// package produces.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
}

// JWKS is an RFC 7517 key set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// NewKeyPairFromSeedHex builds a key pair from a hex-encoded 32-byte Ed25519
// seed. The key id is the RFC 7638 thumbprint of the public key.
func NewKeyPairFromSeedHex(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return &KeyPair{
		KeyID:      thumbprint(pub),
		PrivateKey: priv,
		PublicKey:  pub,
	}, nil
}

// GenerateKeyPair creates a fresh random key pair. Intended for tests and
// bootstrap tooling; production deployments load a stable seed so tokens
// survive restarts.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{
		KeyID:      thumbprint(pub),
		PrivateKey: priv,
		PublicKey:  pub,
	}, nil
}

// JWK returns the public half as an OKP/Ed25519 JWK.
func (k *KeyPair) JWK() JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(k.PublicKey),
		Kid: k.KeyID,
		Use: "sig",
		Alg: "EdDSA",
	}
}

// JWKS returns the key set document containing the public key.
func (k *KeyPair) JWKS() JWKS {
	return JWKS{Keys: []JWK{k.JWK()}}
}

// thumbprint computes the RFC 7638 JWK thumbprint of an Ed25519 public key.
// The hash input is the required members in lexicographic order.
func thumbprint(pub ed25519.PublicKey) string {
	x := base64.RawURLEncoding.EncodeToString(pub)
	canonical := fmt.Sprintf(`{"crv":"Ed25519","kty":"OKP","x":"%s"}`, x)
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
