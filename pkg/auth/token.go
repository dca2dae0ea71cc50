package auth

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func buildToken(issuer, audience, subject string, ttl time.Duration, claims map[string]interface{}) (jwt.Token, error) {
	token := jwt.New()
	for k, v := range map[string]interface{}{
		jwt.IssuerKey:     issuer,
		jwt.AudienceKey:   audience,
		jwt.SubjectKey:    subject,
		jwt.IssuedAtKey:   time.Now(),
		jwt.ExpirationKey: time.Now().Add(ttl),
	} {
		if err := token.Set(k, v); err != nil {
			return nil, err
		}
	}
	for k, v := range claims {
		if err := token.Set(k, v); err != nil {
			return nil, err
		}
	}
	return token, nil
}

// SignHS256 issues an HS256 admin token.
func SignHS256(secret []byte, issuer, audience, subject string, ttl time.Duration, claims map[string]interface{}) (string, error) {
	token, err := buildToken(issuer, audience, subject, ttl, claims)
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

