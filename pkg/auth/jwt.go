// Package auth guards the admin API with JWT bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/tollgate/pkg/config"
)

// Validator validates admin JWTs, either against a JWKS endpoint or an HS256
// shared secret.
type Validator struct {
	jwksURL  string
	cache    *jwk.Cache
	cancel   context.CancelFunc
	hmacKey  []byte
	issuer   string
	audience string
}

// Claims represents extracted JWT claims.
type Claims struct {
	Subject string                 `json:"sub"`
	Role    string                 `json:"role"`
	Custom  map[string]interface{} `json:"-"`
}

// NewValidatorFromConfig returns nil when the admin API is disabled.
func NewValidatorFromConfig(ctx context.Context, cfg *config.AdminConfig) (*Validator, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid admin config: %w", err)
	}
	v, err := NewValidator(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin token validator: %w", err)
	}
	return v, nil
}

// NewValidator builds a Validator from the admin section. With a JWKS URL the
// key set is fetched once up front and refreshed in the background every 15
// minutes until Close.
func NewValidator(ctx context.Context, cfg *config.AdminConfig) (*Validator, error) {
	v := &Validator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}

	if cfg.JWKSURL == "" {
		if cfg.HMACSecret == "" {
			return nil, fmt.Errorf("jwks_url or hmac_secret is required")
		}
		v.hmacKey = []byte(cfg.HMACSecret)
		return v, nil
	}

	cacheCtx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(cacheCtx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	v.jwksURL = cfg.JWKSURL
	v.cache = cache
	v.cancel = cancel
	return v, nil
}

// ValidateToken verifies the signature, expiry, issuer and audience, then
// extracts the claims.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.hmacKey))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]interface{}),
	}
	if role, ok := token.Get("role"); ok {
		if roleStr, ok := role.(string); ok {
			claims.Role = roleStr
		}
	}
	for key, value := range token.PrivateClaims() {
		if key != "role" {
			claims.Custom[key] = value
		}
	}
	return claims, nil
}

// Close stops the JWKS refresh goroutine.
func (v *Validator) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}
