package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tollgate/pkg/config"
)

const (
	testIssuer   = "https://auth.example.com"
	testAudience = "tollgate-admin"
)

var testSecret = []byte("admin-secret")

func newHMACValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(context.Background(), &config.AdminConfig{
		Enabled:    true,
		HMACSecret: string(testSecret),
		Issuer:     testIssuer,
		Audience:   testAudience,
	})
	require.NoError(t, err)
	return v
}

func TestValidator_HMAC(t *testing.T) {
	v := newHMACValidator(t)
	ctx := context.Background()

	token, err := SignHS256(testSecret, testIssuer, testAudience, "ops-1", time.Hour,
		map[string]interface{}{"role": "admin", "team": "sre"})
	require.NoError(t, err)

	claims, err := v.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "sre", claims.Custom["team"])

	t.Run("wrong_secret", func(t *testing.T) {
		bad, _ := SignHS256([]byte("other"), testIssuer, testAudience, "x", time.Hour, nil)
		_, err := v.ValidateToken(ctx, bad)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("wrong_audience", func(t *testing.T) {
		bad, _ := SignHS256(testSecret, testIssuer, "someone-else", "x", time.Hour, nil)
		_, err := v.ValidateToken(ctx, bad)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		old, _ := SignHS256(testSecret, testIssuer, testAudience, "x", -time.Hour, nil)
		_, err := v.ValidateToken(ctx, old)
		assert.True(t, errors.Is(err, ErrTokenExpired))
	})
}

func TestValidator_JWKS(t *testing.T) {
	privateKey, jwksURL := serveJWKS(t)

	v, err := NewValidator(context.Background(), &config.AdminConfig{
		Enabled:  true,
		JWKSURL:  jwksURL,
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	require.NoError(t, err)
	defer v.Close()

	token := createRS256Token(t, privateKey, testIssuer, testAudience, "ops-2", map[string]interface{}{"role": "admin"})
	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ops-2", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
}

func TestNewValidator_RequiresKeyMaterial(t *testing.T) {
	_, err := NewValidator(context.Background(), &config.AdminConfig{Enabled: true})
	assert.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	v := newHMACValidator(t)
	handler := RequireRole(v, "admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r)
		w.Write([]byte(claims.Subject))
	}))

	tokenFor := func(role string) string {
		tok, err := SignHS256(testSecret, testIssuer, testAudience, "user-"+role, time.Hour,
			map[string]interface{}{"role": role})
		require.NoError(t, err)
		return tok
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing_header", "", http.StatusUnauthorized},
		{"not_bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong_role", "Bearer " + tokenFor("viewer"), http.StatusForbidden},
		{"admin", "Bearer " + tokenFor("admin"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/quota/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "user-admin", rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestNewValidatorFromConfig(t *testing.T) {
	v, err := NewValidatorFromConfig(context.Background(), &config.AdminConfig{})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = NewValidatorFromConfig(context.Background(), &config.AdminConfig{Enabled: true, HMACSecret: "s"})
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{"", "", ErrMissingToken},
		{"Basic abc", "", ErrBadScheme},
		{"Bearer", "", ErrBadScheme},
		{"Bearer   ", "", ErrBadScheme},
		{"bearer tok", "tok", nil},
		{"Bearer  tok ", "tok", nil},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := bearerToken(req)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, "Token expired", rejectionMessage(ErrTokenExpired))
}
