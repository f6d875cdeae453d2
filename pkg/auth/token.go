// Package auth mints and verifies the HMAC-signed tokens that guard the
// realtime gateway and the bins API.
package auth

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for structurally valid but expired tokens.
	ErrExpiredToken = errors.New("token expired")
)

// Mint creates an HS256 token for userID valid for ttl.
func Mint(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	if userID == "" {
		return "", errors.New("empty user id")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verifier checks tokens against a shared secret. The secret can be swapped
// at runtime; in-flight verifications keep using the secret they loaded.
type Verifier struct {
	secret atomic.Value // string
}

func NewVerifier(secret string) *Verifier {
	v := &Verifier{}
	v.secret.Store(secret)
	return v
}

// Rotate replaces the verification secret. Tokens signed with the previous
// secret stop verifying immediately.
func (v *Verifier) Rotate(secret string) {
	v.secret.Store(secret)
}

// Verify checks the token's signature and expiry and returns the subject
// user id.
func (v *Verifier) Verify(tokenString string) (string, error) {
	secret := v.secret.Load().(string)

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
