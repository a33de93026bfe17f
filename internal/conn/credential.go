package conn

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned when the token source yields nothing usable.
var ErrNoCredential = errors.New("conn: no credential available")

// jwtParser parses without verifying: the gateway is the verifier; the
// client only inspects claims to avoid dialing with a token it already
// knows is dead.
var jwtParser = jwt.NewParser(jwt.WithoutClaimsValidation())

// checkCredential rejects tokens that are empty or carry an exp claim in
// the past. Opaque (non-JWT) tokens pass through untouched.
func checkCredential(token string, now time.Time) error {
	if token == "" {
		return ErrNoCredential
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwtParser.ParseUnverified(token, claims); err != nil {
		// Not a JWT; let the gateway decide.
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(now) {
		return fmt.Errorf("conn: credential expired at %s", exp.Format(time.RFC3339))
	}
	return nil
}

// SubjectOf extracts the sub claim from a JWT credential. It returns ""
// for opaque tokens; callers fall back to a configured user id.
func SubjectOf(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwtParser.ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
