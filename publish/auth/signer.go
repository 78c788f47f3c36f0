// Package auth mints the short-lived bearer tokens used to authenticate
// against the asset pack API.
package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the lifetime of a signed token. The API rejects tokens with a
// longer expiration window.
const TokenTTL = 1200 * time.Second

// DefaultAudience is the aud claim expected by the asset pack API.
const DefaultAudience = "asset-api-v1"

// refreshMargin is how close to expiry a cached token may get before Token()
// signs a fresh one.
const refreshMargin = 30 * time.Second

// Identity is the caller-supplied signing identity. All fields are required.
type Identity struct {
	IssuerID      string
	KeyID         string
	PrivateKeyPEM []byte
}

// SigningError means the private key could not be parsed or the signing
// primitive failed. It is fatal, a retry with the same key cannot succeed.
type SigningError struct {
	Err error
}

func (e SigningError) Error() string {
	return fmt.Sprintf("token signing: %s", e.Err)
}

func (e SigningError) Unwrap() error {
	return e.Err
}

// Signer produces ES256-signed bearer tokens for the given identity.
// It caches the last token and re-signs when it gets close to expiry, so a
// long publish run never sends a stale token.
type Signer struct {
	identity Identity
	audience string
	key      *ecdsa.PrivateKey
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// LoadIdentity reads the private key from keyPath and assembles an Identity.
func LoadIdentity(issuerID, keyID, keyPath string) (Identity, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return Identity{}, fmt.Errorf("read private key: %w", err)
	}
	return Identity{
		IssuerID:      issuerID,
		KeyID:         keyID,
		PrivateKeyPEM: keyPEM,
	}, nil
}

// NewSigner parses the identity's private key and returns a ready Signer.
// audience may be empty, in which case DefaultAudience is used.
func NewSigner(identity Identity, audience string) (*Signer, error) {
	key, err := parsePrivateKey(identity.PrivateKeyPEM)
	if err != nil {
		return nil, SigningError{Err: err}
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &Signer{
		identity: identity,
		audience: audience,
		key:      key,
		now:      time.Now,
	}, nil
}

// Token returns a valid bearer token, signing a new one if the cached token
// is missing or within refreshMargin of its expiry.
func (s *Signer) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expiry.Add(-refreshMargin)) {
		return s.token, nil
	}

	token, err := s.sign(now)
	if err != nil {
		return "", SigningError{Err: err}
	}
	s.token = token
	s.expiry = now.Add(TokenTTL)
	return token, nil
}

func (s *Signer) sign(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    s.identity.IssuerID,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.identity.KeyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func parsePrivateKey(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not an EC key: %T", key)
		}
		return ecKey, nil
	}

	// Some key tools export SEC 1 ("EC PRIVATE KEY") instead of PKCS #8
	ecKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return ecKey, nil
}
