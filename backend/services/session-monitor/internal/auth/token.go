package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired is returned for a token whose exp claim has passed.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenMissing is returned for an empty token.
	ErrTokenMissing = errors.New("auth: token missing")
)

// Expiry reads the exp claim of a bearer token without verifying its
// signature. The signing key belongs to the token issuer; this side only
// needs to know whether presenting the token is pointless. ok is false when
// the token carries no exp claim.
func Expiry(token string) (exp time.Time, ok bool, err error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false, fmt.Errorf("auth: parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// CheckUsable reports ErrTokenMissing or ErrTokenExpired when the token is
// known to be unusable at now. Opaque tokens that do not parse as JWT are
// left to the server to judge.
func CheckUsable(token string, now time.Time) error {
	if token == "" {
		return ErrTokenMissing
	}
	exp, ok, err := Expiry(token)
	if err != nil || !ok {
		return nil
	}
	if !now.Before(exp) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}
