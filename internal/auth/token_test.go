// ABOUTME: Tests for admin JWT verification and generation
// ABOUTME: Covers expiry, wrong secrets, and missing claims

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_RoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("ops-alice", time.Hour)
	require.NoError(t, err)

	operator, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-alice", operator)
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := NewJWTVerifier([]byte("secret-a")).Generate("ops-alice", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTVerifier([]byte("secret-b")).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("ops-alice", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_MissingSubClaim(t *testing.T) {
	secret := []byte("test-secret")
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := raw.SignedString(secret)
	require.NoError(t, err)

	_, err = NewJWTVerifier(secret).Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerify_WrongAlgorithm(t *testing.T) {
	secret := []byte("test-secret")
	raw := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.RegisteredClaims{
		Subject:   "ops-alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := raw.SignedString(secret)
	require.NoError(t, err)

	// Only HS256 is accepted, even with a valid signature.
	_, err = NewJWTVerifier(secret).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Garbage(t *testing.T) {
	_, err := NewJWTVerifier([]byte("test-secret")).Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
