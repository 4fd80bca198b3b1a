// Package auth verifies the staff access tokens presented to the HTTP and
// websocket surfaces. Tokens are HS256 JWTs signed with the instance secret.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/hrygo/butler/internal/errs"
)

const (
	issuer = "butler"

	// TokenTypeAccess marks short-lived tokens the sockets and API accept.
	TokenTypeAccess = "access"
	// TokenTypeRefresh marks long-lived tokens only the token-refresh flow
	// accepts; everything else rejects them.
	TokenTypeRefresh = "refresh"

	accessTokenTTL = 15 * time.Minute
)

// Claims is the payload carried by a staff token.
type Claims struct {
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// Signer issues and verifies tokens with one shared secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// IssueAccessToken mints a short-lived access token for a staff user.
func (s *Signer) IssueAccessToken(userID, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:    userID,
		Role:      role,
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign access token")
	}
	return signed, nil
}

// VerifyAccessToken parses and validates a token string. Refresh tokens are
// rejected: they are never valid on the API or socket surfaces.
func (s *Signer) VerifyAccessToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errs.New(errs.Unauthorized, "access token required")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errs.Wrap(err, errs.Unauthorized, "invalid access token")
	}
	if !token.Valid {
		return nil, errs.New(errs.Unauthorized, "invalid access token")
	}
	if claims.TokenType == TokenTypeRefresh {
		return nil, errs.New(errs.Unauthorized, "refresh tokens are not accepted here")
	}
	if claims.UserID == "" {
		return nil, errs.New(errs.Unauthorized, "token carries no user")
	}
	return claims, nil
}
