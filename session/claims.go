package session

import (
	"github.com/golang-jwt/jwt/v5"
)

// FillFromClaims completes missing session fields from the access token's own
// claims. The token is parsed without signature verification: validating
// tokens is the issuing backend's job, this only recovers the expiry and
// identity hints a verify endpoint may omit from its response body.
func FillFromClaims(s *Session) {
	if !s.Active() {
		return
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(s.AccessToken, claims); err != nil {
		return
	}

	if s.ExpiresAt.IsZero() {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.ExpiresAt = exp.Time
		}
	}
	if s.User.ID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			s.User.ID = sub
		}
	}
	if s.User.Email == "" {
		if email, ok := claims["email"].(string); ok {
			s.User.Email = email
		}
	}
	if s.User.Name == "" {
		if name, ok := claims["name"].(string); ok {
			s.User.Name = name
		}
	}
}
