package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet signs tokens and resolves verification keys.
type KeySet interface {
	// Sign creates a signed token with the current key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// ErrWeakSecret is returned for HMAC secrets shorter than 32 bytes.
var ErrWeakSecret = errors.New("auth: hmac secret must be at least 32 bytes")

// Ed25519KeySet signs with a single Ed25519 key identified by kid.
type Ed25519KeySet struct {
	kid string
	key ed25519.PrivateKey
}

// NewEd25519KeySet wraps an existing private key. The kid is derived from the public key.
func NewEd25519KeySet(key ed25519.PrivateKey) *Ed25519KeySet {
	sum := sha256.Sum256(key.Public().(ed25519.PublicKey))
	return &Ed25519KeySet{kid: "ed25519-" + hex.EncodeToString(sum[:8]), key: key}
}

// Ed25519KeySetFromSeed builds a key set from a hex-encoded 32 byte seed.
func Ed25519KeySetFromSeed(seedHex string) (*Ed25519KeySet, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("auth: decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("auth: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewEd25519KeySet(ed25519.NewKeyFromSeed(seed)), nil
}

// GenerateEd25519KeySet creates a key set with a fresh random key.
func GenerateEd25519KeySet() (*Ed25519KeySet, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewEd25519KeySet(key), nil
}

// KID returns the key id stamped into token headers.
func (ks *Ed25519KeySet) KID() string {
	return ks.kid
}

func (ks *Ed25519KeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = ks.kid
	return token.SignedString(ks.key)
}

func (ks *Ed25519KeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}
		if kid != ks.kid {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return ks.key.Public(), nil
	}
}

// HMACKeySet signs with a shared HS256 secret.
type HMACKeySet struct {
	secret []byte
}

// NewHMACKeySet returns a key set for secret.
func NewHMACKeySet(secret []byte) (*HMACKeySet, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	return &HMACKeySet{secret: secret}, nil
}

func (ks *HMACKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ks.secret)
}

func (ks *HMACKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ks.secret, nil
	}
}
