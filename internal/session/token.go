// ABOUTME: Client-side inspection of JWT bearer tokens issued by the backend
// ABOUTME: Reads exp/sub without verifying the signature; the backend remains the authority

package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/aura-chat/internal/chaterr"
)

// TokenExpiry returns the "exp" claim of a JWT. ok is false for opaque tokens
// or tokens without an expiry.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims, ok := parseUnverified(token)
	if !ok {
		return time.Time{}, false
	}
	e, err := claims.GetExpirationTime()
	if err != nil || e == nil {
		return time.Time{}, false
	}
	return e.Time, true
}

// TokenSubject returns the "sub" claim of a JWT, or "" if unavailable.
func TokenSubject(token string) string {
	claims, ok := parseUnverified(token)
	if !ok {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// CheckToken fails with ErrAuthentication when the token is empty or is a JWT
// that expired before now. Opaque tokens pass; the backend decides.
func CheckToken(token string, now time.Time) error {
	if token == "" {
		return fmt.Errorf("%w: empty credential", chaterr.ErrAuthentication)
	}
	exp, ok := TokenExpiry(token)
	if ok && !now.Before(exp) {
		return fmt.Errorf("%w: token expired at %s", chaterr.ErrAuthentication, exp.Format(time.RFC3339))
	}
	return nil
}

func parseUnverified(token string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}
