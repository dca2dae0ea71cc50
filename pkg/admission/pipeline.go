// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admission decides whether an inbound request may reach the
// upstream service.
//
// Checks run in a fixed order and stop at the first rejection:
//
//  1. IP filter (blacklist, then whitelist)
//  2. rate limit per client and route
//  3. signature, including nonce replay
//  4. quota (token ceiling, then daily and monthly counters)
//
// Stages that passed are not rolled back when a later stage rejects.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/tollgate/pkg/config"
	"github.com/kadirpekel/tollgate/pkg/quota"
	"github.com/kadirpekel/tollgate/pkg/ratelimit"
	"github.com/kadirpekel/tollgate/pkg/signature"
	"github.com/kadirpekel/tollgate/pkg/tokens"
)

// Observer receives admission outcomes.
type Observer interface {
	Admitted(ctx context.Context, route string)
	Rejected(ctx context.Context, route string, code Code)
}

// SignatureSettings names where tokens are found and how old they may be.
type SignatureSettings struct {
	QueryParam string
	BodyField  string
	Header     string
	MaxAge     time.Duration
}

// Policy is the part of the pipeline that can change on config reload.
type Policy struct {
	IPFilter         *IPFilter
	RateLimitEnabled bool
	Window           time.Duration
	MaxRequests      int64
	Quota            quota.Policy
}

// PolicyFromConfig builds a Policy from the loaded configuration.
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	filter, err := NewIPFilter(&cfg.IPFilter)
	if err != nil {
		return Policy{}, fmt.Errorf("ip_filter: %w", err)
	}
	return Policy{
		IPFilter:         filter,
		RateLimitEnabled: cfg.RateLimit.IsEnabled(),
		Window:           cfg.RateLimit.Window,
		MaxRequests:      cfg.RateLimit.MaxRequests,
		Quota:            quota.PolicyFromConfig(&cfg.Quota),
	}, nil
}

// Options wires the pipeline's components. A nil Limiter, Signer or Quota
// disables that stage.
type Options struct {
	Limiter   *ratelimit.Limiter
	Signer    *signature.Signer
	Signature SignatureSettings
	Quota     *quota.Enforcer
	Tokens    *tokens.Counter

	TrustForwardedFor bool
	ClientIDHeader    string
	MaxBodyBytes      int64

	Observer Observer
	Tracer   trace.Tracer
}

// Result is the outcome of Admit. Reject is nil when the request proceeds.
type Result struct {
	Identity ClientIdentity
	Route    string

	// Body is the raw request body; Fields is its decoded form when the body
	// is a JSON object.
	Body   []byte
	Fields map[string]any

	Envelope  *signature.Envelope
	RateLimit *ratelimit.Result
	Quota     *quota.Decision

	Reject *Rejection
}

// Proceed reports whether the request was admitted.
func (r *Result) Proceed() bool {
	return r.Reject == nil
}

// Pipeline runs the admission checks.
type Pipeline struct {
	opts   Options
	tracer trace.Tracer
	policy atomic.Pointer[Policy]
}

// New creates a Pipeline with an initial policy.
func New(opts Options, policy Policy) *Pipeline {
	if opts.Signature.QueryParam == "" {
		opts.Signature.QueryParam = "signature"
	}
	if opts.Signature.BodyField == "" {
		opts.Signature.BodyField = "signature"
	}
	if opts.Signature.Header == "" {
		opts.Signature.Header = "X-Signature"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	p := &Pipeline{opts: opts, tracer: opts.Tracer}
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("tollgate/admission")
	}
	p.UpdatePolicy(policy)
	return p
}

// UpdatePolicy swaps the active policy. In-flight requests finish with the
// policy they started with.
func (p *Pipeline) UpdatePolicy(policy Policy) {
	p.policy.Store(&policy)
	if p.opts.Quota != nil {
		p.opts.Quota.SetPolicy(policy.Quota)
	}
}

// Policy returns the active policy.
func (p *Pipeline) Policy() Policy {
	return *p.policy.Load()
}

// Admit runs every check against r. The request body is read and replaced so
// downstream handlers can read it again.
func (p *Pipeline) Admit(r *http.Request) *Result {
	ctx, span := p.tracer.Start(r.Context(), "admission.admit")
	defer span.End()

	policy := p.policy.Load()
	res := &Result{
		Identity: ResolveIdentity(r, p.opts.TrustForwardedFor, p.opts.ClientIDHeader),
		Route:    routeOf(r),
	}
	span.SetAttributes(
		attribute.String("tollgate.client", res.Identity.Key),
		attribute.String("http.route", res.Route),
	)

	if rej := policy.IPFilter.Check(res.Identity.IP); rej != nil {
		return p.finish(ctx, span, res, rej)
	}

	if rej := p.checkRateLimit(ctx, policy, res); rej != nil {
		return p.finish(ctx, span, res, rej)
	}

	if rej := p.readBody(r, res); rej != nil {
		return p.finish(ctx, span, res, rej)
	}

	if rej := p.checkSignature(ctx, r, res); rej != nil {
		return p.finish(ctx, span, res, rej)
	}

	if rej := p.checkQuota(ctx, res); rej != nil {
		return p.finish(ctx, span, res, rej)
	}

	return p.finish(ctx, span, res, nil)
}

func (p *Pipeline) checkRateLimit(ctx context.Context, policy *Policy, res *Result) *Rejection {
	if p.opts.Limiter == nil || !policy.RateLimitEnabled {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "admission.rate_limit")
	defer span.End()

	result, err := p.opts.Limiter.Check(ctx, res.Identity.Key+":"+res.Route, policy.MaxRequests, policy.Window)
	if err != nil {
		slog.Error("Rate limit check failed", "client", res.Identity.Key, "error", err)
		return reject(CodeInternalError, "Internal server error")
	}
	res.RateLimit = result
	span.SetAttributes(attribute.Int64("ratelimit.count", result.Count), attribute.Bool("ratelimit.fail_open", result.FailOpen))

	if !result.Allowed {
		slog.DebugContext(ctx, "Request rate limited", "client", res.Identity.Key, "route", res.Route,
			"error", ratelimit.NewRateLimitError(result))
		rej := reject(CodeRateLimitExceeded, "Too many requests")
		rej.RetryAfterSeconds = result.RetryAfterSeconds()
		return rej
	}
	return nil
}

func (p *Pipeline) readBody(r *http.Request, res *Result) *Rejection {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, p.opts.MaxBodyBytes+1))
	r.Body.Close()
	if err != nil {
		return reject(CodeInvalidRequest, "Failed to read request body")
	}
	if int64(len(body)) > p.opts.MaxBodyBytes {
		return reject(CodeInvalidRequest, "Request body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	res.Body = body

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	v, err := decodeJSON(body)
	if err != nil {
		return reject(CodeInvalidRequest, "Malformed JSON body")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return reject(CodeInvalidRequest, "Request body must be a JSON object")
	}
	res.Fields = obj
	return nil
}

// extractToken looks in the query, then the body, then the header.
func (p *Pipeline) extractToken(r *http.Request, fields map[string]any) string {
	if t := r.URL.Query().Get(p.opts.Signature.QueryParam); t != "" {
		return t
	}
	if t, ok := fields[p.opts.Signature.BodyField].(string); ok && t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get(p.opts.Signature.Header))
}

func (p *Pipeline) checkSignature(ctx context.Context, r *http.Request, res *Result) *Rejection {
	if p.opts.Signer == nil {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "admission.signature")
	defer span.End()

	token := p.extractToken(r, res.Fields)
	if token == "" {
		return reject(CodeMissingSignature, "Signature is required")
	}

	payload, err := CanonicalPayload(res.Body, r.URL.Query(), p.opts.Signature.BodyField, p.opts.Signature.QueryParam)
	if err != nil {
		return reject(CodeInvalidRequest, "Malformed JSON body")
	}

	env, err := p.opts.Signer.Verify(ctx, token, payload, p.opts.Signature.MaxAge)
	if err != nil {
		reason := signature.ReasonOf(err)
		span.SetAttributes(attribute.String("signature.reason", string(reason)))
		slog.Debug("Signature rejected", "client", res.Identity.Key, "reason", reason)
		return reject(CodeInvalidSignature, "Invalid signature")
	}
	res.Envelope = env
	return nil
}

func (p *Pipeline) checkQuota(ctx context.Context, res *Result) *Rejection {
	if p.opts.Quota == nil {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "admission.quota")
	defer span.End()

	maxTokens, err := requestedTokens(res.Fields)
	if err != nil {
		return reject(CodeInvalidRequest, "Invalid request: "+err.Error())
	}
	req := quota.TokenRequest{MaxTokens: maxTokens}
	if p.opts.Quota.Policy().MaxInputTokens > 0 {
		req.InputTokens = int64(p.opts.Tokens.CountMessages(promptMessages(res.Fields)))
	}
	if err := p.opts.Quota.CheckTokens(req); err != nil {
		var tle *quota.TokenLimitError
		if errors.As(err, &tle) {
			return reject(CodeTokenLimitExceeded, fmt.Sprintf("Requested %s exceeds the limit of %d", tle.Field, tle.Limit))
		}
		return reject(CodeTokenLimitExceeded, "Token limit exceeded")
	}

	decision, err := p.opts.Quota.Admit(ctx, res.Identity.Key)
	if err != nil {
		slog.Error("Quota check failed", "client", res.Identity.Key, "error", err)
		return reject(CodeInternalError, "Internal server error")
	}
	res.Quota = decision
	span.SetAttributes(attribute.Bool("quota.fail_open", decision.FailOpen))

	if decision.Allowed {
		return nil
	}

	var rej *Rejection
	if decision.Reason == quota.ReasonMonthly {
		rej = reject(CodeMonthlyQuotaExceeded, "Monthly quota exceeded")
	} else {
		rej = reject(CodeDailyQuotaExceeded, "Daily quota exceeded")
	}
	if wait := decision.RetryAfter(p.opts.Quota.Now()); wait > 0 {
		rej.RetryAfterSeconds = int64(math.Ceil(wait.Seconds()))
	}
	return rej
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, res *Result, rej *Rejection) *Result {
	res.Reject = rej
	if rej == nil {
		span.SetStatus(codes.Ok, "")
		if p.opts.Observer != nil {
			p.opts.Observer.Admitted(ctx, res.Route)
		}
		return res
	}

	span.SetAttributes(attribute.String("admission.code", string(rej.Code)))
	span.SetStatus(codes.Error, string(rej.Code))
	slog.Debug("Request rejected", "client", res.Identity.Key, "route", res.Route, "code", rej.Code)
	if p.opts.Observer != nil {
		p.opts.Observer.Rejected(ctx, res.Route, rej.Code)
	}
	return res
}

// Middleware rejects requests that fail admission and stores the Result of
// admitted ones in the request context.
func (p *Pipeline) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := p.Admit(r)
			ratelimit.SetHeaders(w, res.RateLimit)
			if res.Reject != nil {
				WriteError(w, res.Reject)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resultKey{}, res)))
		})
	}
}

type resultKey struct{}

// FromContext returns the admission Result stored by Middleware.
func FromContext(ctx context.Context) *Result {
	if res, ok := ctx.Value(resultKey{}).(*Result); ok {
		return res
	}
	return nil
}

func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// requestedTokens returns the larger of max_tokens and max_completion_tokens.
// A value must be a non-negative whole JSON number; null counts as absent.
// Whole numbers past the int64 range saturate at math.MaxInt64 so they
// still trip the ceiling.
func requestedTokens(fields map[string]any) (int64, error) {
	var largest int64
	for _, name := range []string{"max_tokens", "max_completion_tokens"} {
		raw, ok := fields[name]
		if !ok || raw == nil {
			continue
		}
		n, ok := raw.(json.Number)
		if !ok {
			return 0, fmt.Errorf("%s must be a number", name)
		}
		v, err := tokenCount(n)
		if err != nil {
			return 0, fmt.Errorf("%s %w", name, err)
		}
		if v > largest {
			largest = v
		}
	}
	return largest, nil
}

var errBadTokenCount = errors.New("must be a non-negative integer")

func tokenCount(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		if v < 0 {
			return 0, errBadTokenCount
		}
		return v, nil
	}
	f, err := n.Float64()
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, errBadTokenCount
	}
	switch {
	case math.IsNaN(f) || f < 0 || f != math.Trunc(f):
		return 0, errBadTokenCount
	case f >= math.MaxInt64:
		return math.MaxInt64, nil
	}
	return int64(f), nil
}

func promptMessages(fields map[string]any) []tokens.Message {
	raw, _ := fields["messages"].([]any)
	out := make([]tokens.Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, tokens.Message{Role: role, Content: content})
	}
	return out
}
