package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	signer := NewSigner("test-secret")

	token, err := signer.IssueAccessToken("usr_1", "manager")
	require.NoError(t, err)

	claims, err := signer.VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.UserID)
	assert.Equal(t, "manager", claims.Role)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewSigner("secret-a").IssueAccessToken("usr_1", "agent")
	require.NoError(t, err)

	_, err = NewSigner("secret-b").VerifyAccessToken(token)
	require.Error(t, err)
}

func TestVerifyRejectsRefreshTokens(t *testing.T) {
	now := time.Now()
	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:    "usr_1",
		Role:      "agent",
		TokenType: TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "usr_1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := refresh.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewSigner("test-secret").VerifyAccessToken(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh")
}

func TestVerifyRejectsExpiredTokens(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:    "usr_1",
		Role:      "agent",
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "usr_1",
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewSigner("test-secret").VerifyAccessToken(signed)
	require.Error(t, err)
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	_, err := NewSigner("test-secret").VerifyAccessToken("")
	require.Error(t, err)
}
