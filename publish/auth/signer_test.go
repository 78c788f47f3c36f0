package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(t *testing.T) (Identity, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	return Identity{
		IssuerID:      "57246542-96fe-1a63-e053-0824d011072a",
		KeyID:         "2X9R4HXF34",
		PrivateKeyPEM: keyPEM,
	}, key
}

func TestToken_claims(t *testing.T) {
	identity, key := testIdentity(t)
	signer, err := NewSigner(identity, "")
	require.NoError(t, err)

	issuedAt := time.Date(2023, 4, 12, 10, 30, 0, 0, time.UTC)
	signer.now = func() time.Time { return issuedAt }

	token, err := signer.Token()
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithTimeFunc(func() time.Time { return issuedAt }),
	)
	require.NoError(t, err)

	assert.Equal(t, identity.KeyID, parsed.Header["kid"])
	assert.Equal(t, identity.IssuerID, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{DefaultAudience}, claims.Audience)
	assert.Equal(t, issuedAt.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, issuedAt.Add(1200*time.Second).Unix(), claims.ExpiresAt.Unix())
}

func TestToken_resignedNearExpiry(t *testing.T) {
	identity, _ := testIdentity(t)
	signer, err := NewSigner(identity, "asset-api-v1")
	require.NoError(t, err)

	now := time.Date(2023, 4, 12, 10, 30, 0, 0, time.UTC)
	signer.now = func() time.Time { return now }

	first, err := signer.Token()
	require.NoError(t, err)

	// Still well within the TTL: the cached token is reused
	now = now.Add(5 * time.Minute)
	cached, err := signer.Token()
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	// Close to expiry: a fresh token with different iat/exp is signed
	now = now.Add(15 * time.Minute)
	second, err := signer.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestNewSigner_invalidKey(t *testing.T) {
	tests := []struct {
		name   string
		keyPEM []byte
	}{
		{
			name:   "not PEM at all",
			keyPEM: []byte("this is not a key"),
		},
		{
			name:   "PEM but not a key",
			keyPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{0x42}}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(Identity{
				IssuerID:      "issuer",
				KeyID:         "key",
				PrivateKeyPEM: tt.keyPEM,
			}, "")
			require.Error(t, err)
			assert.ErrorAs(t, err, &SigningError{})
		})
	}
}
