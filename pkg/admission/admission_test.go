package admission

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tollgate/pkg/config"
	"github.com/kadirpekel/tollgate/pkg/quota"
	"github.com/kadirpekel/tollgate/pkg/ratelimit"
	"github.com/kadirpekel/tollgate/pkg/replay"
	"github.com/kadirpekel/tollgate/pkg/signature"
	"github.com/kadirpekel/tollgate/pkg/store"
)

const testSecret = "test-secret"

type recorder struct {
	mu       sync.Mutex
	admitted int
	rejected []Code
}

func (r *recorder) Admitted(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admitted++
}

func (r *recorder) Rejected(_ context.Context, _ string, code Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, code)
}

type fixture struct {
	pipeline *Pipeline
	signer   *signature.Signer
	quota    *quota.Enforcer
	observer *recorder
}

func defaultPolicy() Policy {
	return Policy{
		IPFilter:         &IPFilter{},
		RateLimitEnabled: true,
		Window:           time.Minute,
		MaxRequests:      100,
		Quota: quota.Policy{
			Limits:              quota.Limits{Daily: 100, Monthly: 1000},
			MaxTokensPerRequest: 4096,
		},
	}
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	backend := store.NewMemoryBackend()
	t.Cleanup(func() { backend.Close() })

	signer, err := signature.NewSigner(testSecret, signature.WithNonceConsumer(replay.NewGuard(backend)))
	require.NoError(t, err)

	enforcer := quota.NewEnforcer(quota.NewMemoryStore(), policy.Quota)
	obs := &recorder{}

	p := New(Options{
		Limiter:           ratelimit.NewLimiter(backend),
		Signer:            signer,
		Signature:         SignatureSettings{MaxAge: 5 * time.Minute},
		Quota:             enforcer,
		TrustForwardedFor: true,
		ClientIDHeader:    "X-Client-ID",
		Observer:          obs,
	}, policy)

	return &fixture{pipeline: p, signer: signer, quota: enforcer, observer: obs}
}

func (f *fixture) handler() http.Handler {
	return f.pipeline.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := FromContext(r.Context())
		if res == nil {
			http.Error(w, "no admission result", http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Client", res.Identity.Key)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
}

func (f *fixture) signBody(t *testing.T, body string) string {
	t.Helper()
	payload, err := CanonicalJSON([]byte(body), "signature")
	require.NoError(t, err)
	token, err := f.signer.Sign(payload)
	require.NoError(t, err)
	return token
}

func (f *fixture) signedPost(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set(f.pipeline.opts.Signature.Header, f.signBody(t, body))
	req.RemoteAddr = "198.51.100.7:4000"
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) Code {
	t.Helper()
	var body struct {
		Error struct {
			Code    Code   `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func TestPipeline_SignedRequestAdmitted(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	body := `{"messages":[{"role":"user","content":"hi"}],"max_tokens":100}`

	rec := serve(f.handler(), f.signedPost(t, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, body, rec.Body.String(), "body is replayed to the handler")
	assert.Equal(t, "198.51.100.7", rec.Header().Get("X-Client"))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, 1, f.observer.admitted)

	usage, err := f.quota.Usage(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.DailyCount)
}

func TestPipeline_MissingSignature(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))

	rec := serve(f.handler(), req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeMissingSignature, errorCode(t, rec))
}

func TestPipeline_ReplayRejected(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	body := `{"messages":[{"role":"user","content":"hi"}]}`
	token := f.signBody(t, body)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		req.Header.Set("X-Signature", token)
		return serve(f.handler(), req)
	}

	require.Equal(t, http.StatusOK, send().Code)
	rec := send()
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeInvalidSignature, errorCode(t, rec))
	assert.Equal(t, "Invalid signature", func() string {
		var b map[string]map[string]string
		json.Unmarshal(rec.Body.Bytes(), &b)
		return b["error"]["message"]
	}(), "reason stays internal")
}

func TestPipeline_TamperedBodyRejected(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	token := f.signBody(t, `{"messages":[{"role":"user","content":"hi"}]}`)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi!"}]}`))
	req.Header.Set("X-Signature", token)

	rec := serve(f.handler(), req)
	assert.Equal(t, CodeInvalidSignature, errorCode(t, rec))
}

func TestPipeline_SignatureInBodyField(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	token := f.signBody(t, `{"b":2,"a":1}`)

	// Key order and the embedded token do not change the canonical payload.
	body := `{"a":1, "signature":"` + token + `", "b":2}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))

	rec := serve(f.handler(), req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPipeline_QueryTokenTakesPriority(t *testing.T) {
	f := newFixture(t, defaultPolicy())

	q := url.Values{"session": {"abc"}}
	token, err := f.signer.Sign([]byte(CanonicalQuery(q, "signature")))
	require.NoError(t, err)
	q.Set("signature", token)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/abc?"+q.Encode(), nil)
	req.Header.Set("X-Signature", "garbage")

	rec := serve(f.handler(), req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPipeline_IPFilterRunsFirst(t *testing.T) {
	policy := defaultPolicy()
	filter, err := NewIPFilter(&config.IPFilterConfig{
		BlacklistEnabled: true,
		Blacklist:        []string{"203.0.113.0/24"},
		WhitelistEnabled: true,
		Whitelist:        []string{"203.0.113.0/24", "10.0.0.5"},
	})
	require.NoError(t, err)
	policy.IPFilter = filter
	f := newFixture(t, policy)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")
	rec := serve(f.handler(), req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeIPBlacklisted, errorCode(t, rec), "blacklist wins over whitelist and signature")

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rec = serve(f.handler(), req)
	assert.Equal(t, CodeIPNotWhitelisted, errorCode(t, rec))

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	rec = serve(f.handler(), req)
	assert.Equal(t, CodeMissingSignature, errorCode(t, rec), "whitelisted IP moves on to the signature check")
}

func TestPipeline_RateLimitBeforeSignature(t *testing.T) {
	policy := defaultPolicy()
	policy.MaxRequests = 2
	f := newFixture(t, policy)

	for i := 0; i < 2; i++ {
		rec := serve(f.handler(), httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))
		require.Equal(t, CodeMissingSignature, errorCode(t, rec))
	}

	rec := serve(f.handler(), httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimitExceeded, errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"retry_after_seconds"`)
}

func TestPipeline_TokenCeilingDoesNotConsumeQuota(t *testing.T) {
	f := newFixture(t, defaultPolicy())

	rec := serve(f.handler(), f.signedPost(t, `{"messages":[],"max_tokens":5000}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeTokenLimitExceeded, errorCode(t, rec))

	usage, err := f.quota.Usage(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.Nil(t, usage)
}

func TestPipeline_TokenFieldValues(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode Code
	}{
		{"within ceiling", `{"max_tokens":4096}`, ""},
		{"exponent within ceiling", `{"max_tokens":4e3}`, ""},
		{"null", `{"max_tokens":null}`, ""},
		{"exponent over ceiling", `{"max_tokens":1e30}`, CodeTokenLimitExceeded},
		{"past int64", `{"max_tokens":99999999999999999999}`, CodeTokenLimitExceeded},
		{"past float64", `{"max_tokens":1e400}`, CodeTokenLimitExceeded},
		{"completion field over ceiling", `{"max_tokens":10,"max_completion_tokens":5000}`, CodeTokenLimitExceeded},
		{"fraction", `{"max_tokens":5000.5}`, CodeInvalidRequest},
		{"small fraction", `{"max_tokens":10.5}`, CodeInvalidRequest},
		{"negative", `{"max_tokens":-1}`, CodeInvalidRequest},
		{"negative exponent", `{"max_tokens":-1e30}`, CodeInvalidRequest},
		{"string", `{"max_tokens":"99999"}`, CodeInvalidRequest},
		{"bool", `{"max_completion_tokens":true}`, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultPolicy())
			rec := serve(f.handler(), f.signedPost(t, tt.body))

			if tt.wantCode == "" {
				assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
				return
			}
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))

			usage, err := f.quota.Usage(context.Background(), "198.51.100.7")
			require.NoError(t, err)
			assert.Nil(t, usage)
		})
	}
}

func TestRequestedTokens(t *testing.T) {
	got, err := requestedTokens(map[string]any{
		"max_tokens":            json.Number("12"),
		"max_completion_tokens": json.Number("3.0e1"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), got)

	got, err = requestedTokens(map[string]any{"max_tokens": json.Number("9223372036854775808")})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), got)

	_, err = requestedTokens(map[string]any{"max_completion_tokens": "7"})
	assert.ErrorContains(t, err, "max_completion_tokens")
}

func TestPipeline_DailyQuota(t *testing.T) {
	policy := defaultPolicy()
	policy.Quota.Limits = quota.Limits{Daily: 1, Monthly: 10}
	f := newFixture(t, policy)

	require.Equal(t, http.StatusOK, serve(f.handler(), f.signedPost(t, `{"n":1}`)).Code)

	rec := serve(f.handler(), f.signedPost(t, `{"n":2}`))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeDailyQuotaExceeded, errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestPipeline_MalformedJSON(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":`))

	rec := serve(f.handler(), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, rec))
}

func TestPipeline_UpdatePolicy(t *testing.T) {
	f := newFixture(t, defaultPolicy())

	next := defaultPolicy()
	next.Quota.MaxTokensPerRequest = 10
	f.pipeline.UpdatePolicy(next)

	assert.Equal(t, int64(10), f.quota.Policy().MaxTokensPerRequest)
	rec := serve(f.handler(), f.signedPost(t, `{"max_tokens":11}`))
	assert.Equal(t, CodeTokenLimitExceeded, errorCode(t, rec))
}

func TestPipeline_SignatureDisabled(t *testing.T) {
	p := New(Options{}, Policy{})
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":1}`))

	res := p.Admit(req)
	assert.True(t, res.Proceed())
	assert.Equal(t, json.Number("1"), res.Fields["a"])
}

func TestResolveIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")

	id := ResolveIdentity(req, true, "X-Client-ID")
	assert.Equal(t, ClientIdentity{IP: "203.0.113.1", Key: "203.0.113.1"}, id)

	id = ResolveIdentity(req, false, "X-Client-ID")
	assert.Equal(t, "192.0.2.10", id.IP)

	req.Header.Set("X-Client-ID", "tenant-42")
	id = ResolveIdentity(req, true, "X-Client-ID")
	assert.Equal(t, "203.0.113.1", id.IP)
	assert.Equal(t, "tenant-42", id.Key)
}

func TestCanonicalJSON(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"b": {"y":1,"x":2}, "a": 1.50, "signature":"tok", "html":"<a>"}`), "signature")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1.50,"b":{"x":2,"y":1},"html":"<a>"}`, string(a))

	_, err = CanonicalJSON([]byte(`{"a":1} {"b":2}`), "signature")
	assert.Error(t, err)
}

func TestCanonicalPayload(t *testing.T) {
	q := url.Values{"z": {"1"}, "a": {"2"}, "signature": {"tok"}}

	got, err := CanonicalPayload(nil, q, "signature", "signature")
	require.NoError(t, err)
	assert.Equal(t, "a=2&z=1", string(got))

	got, err = CanonicalPayload([]byte(`{"k":"v"}`), q, "signature", "signature")
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, string(got), "body wins over query")
}

func TestCode_Status(t *testing.T) {
	tests := map[Code]int{
		CodeRateLimitExceeded:    429,
		CodeMissingSignature:     401,
		CodeInvalidSignature:     401,
		CodeTokenLimitExceeded:   400,
		CodeDailyQuotaExceeded:   429,
		CodeMonthlyQuotaExceeded: 429,
		CodeIPBlacklisted:        403,
		CodeIPNotWhitelisted:     403,
		CodeInvalidRequest:       400,
		CodeInternalError:        500,
		CodeUpstreamError:        502,
		CodeNotFound:             404,
	}
	for code, status := range tests {
		assert.Equal(t, status, code.Status(), code)
	}
}
