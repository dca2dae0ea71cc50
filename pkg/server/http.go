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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/tollgate"
	"github.com/kadirpekel/tollgate/pkg/admission"
	"github.com/kadirpekel/tollgate/pkg/auth"
	"github.com/kadirpekel/tollgate/pkg/config"
	"github.com/kadirpekel/tollgate/pkg/observability"
	"github.com/kadirpekel/tollgate/pkg/quota"
	"github.com/kadirpekel/tollgate/pkg/ratelimit"
	"github.com/kadirpekel/tollgate/pkg/session"
	"github.com/kadirpekel/tollgate/pkg/upstream"
)

// Forwarder sends an admitted request body upstream.
type Forwarder interface {
	Forward(ctx context.Context, body []byte) (*upstream.Response, error)
}

// HTTPServer is the tollgate HTTP server.
type HTTPServer struct {
	serverCfg *config.ServerConfig
	appCfg    atomic.Pointer[config.Config]
	server    *http.Server
	handler   http.Handler

	pipeline  *admission.Pipeline
	sessions  session.Store
	quota     *quota.Enforcer
	forwarder Forwarder

	// Admin API: JWT validator and its own limiter (nil = admin disabled)
	adminValidator *auth.Validator
	adminLimiter   *ratelimit.Limiter

	observability *observability.Manager
}

// HTTPServerOption configures the HTTP server.
type HTTPServerOption func(*HTTPServer)

// WithAdmin enables the /admin routes.
func WithAdmin(validator *auth.Validator, limiter *ratelimit.Limiter) HTTPServerOption {
	return func(s *HTTPServer) {
		s.adminValidator = validator
		s.adminLimiter = limiter
	}
}

// WithObservability sets the observability manager for tracing and metrics.
func WithObservability(obs *observability.Manager) HTTPServerOption {
	return func(s *HTTPServer) {
		s.observability = obs
	}
}

// WithQuota lets the server refund and inspect quota records.
func WithQuota(enforcer *quota.Enforcer) HTTPServerOption {
	return func(s *HTTPServer) {
		s.quota = enforcer
	}
}

// NewHTTPServer creates a new HTTP server from config.
func NewHTTPServer(appCfg *config.Config, pipeline *admission.Pipeline, sessions session.Store, forwarder Forwarder, opts ...HTTPServerOption) *HTTPServer {
	serverCfg := appCfg.Server
	if serverCfg.Port == 0 {
		serverCfg.SetDefaults()
	}

	s := &HTTPServer{
		serverCfg: &serverCfg,
		pipeline:  pipeline,
		sessions:  sessions,
		forwarder: forwarder,
	}
	s.appCfg.Store(appCfg)

	for _, opt := range opts {
		opt(s)
	}

	s.handler = s.buildHandler()
	return s
}

// Handler returns the fully wrapped router.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// UpdateConfig swaps the configuration read by request handlers (for
// hot-reload). Listener settings only change on restart.
func (s *HTTPServer) UpdateConfig(cfg *config.Config) {
	s.appCfg.Store(cfg)
}

func (s *HTTPServer) config() *config.Config {
	return s.appCfg.Load()
}

// Start serves until ctx is done or the listener fails.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.serverCfg.Address(),
		Handler:           s.handler,
		ReadTimeout:       s.serverCfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.serverCfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.serverCfg.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	timeout := s.serverCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.server == nil {
		return nil
	}
	slog.Info("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

// Address returns the HTTP server address.
func (s *HTTPServer) Address() string {
	return s.serverCfg.Address()
}

// buildHandler wires the routes and the middleware chain
// (request id -> observability -> logging -> routes).
func (s *HTTPServer) buildHandler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	if s.observability != nil {
		r.Use(observability.HTTPMiddleware(
			s.observability.GetTracer("tollgate/http"),
			s.observability.GetMetrics(),
		))
	}
	r.Use(loggingMiddleware)

	r.Get("/health", s.handleHealth)

	metricsCfg := s.config().Observability.Metrics
	if metrics := s.metrics(); metrics != nil && metricsCfg.IsEnabled() {
		r.Method(http.MethodGet, metricsCfg.Path, metrics.Handler())
		slog.Info("Metrics endpoint enabled", "path", metricsCfg.Path)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.pipeline.Middleware())
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/sessions/{id}", s.handleGetSession)
	})

	if s.adminValidator != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(s.adminValidator, s.config().Admin.Role))
			if s.adminLimiter != nil {
				rl := s.config().RateLimit
				r.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
					Limiter:     s.adminLimiter,
					MaxRequests: rl.MaxRequests,
					Window:      rl.Window,
					KeyFunc:     adminKey,
				}))
			}
			r.Get("/quota/{client}", s.handleGetQuota)
			r.Delete("/quota/{client}", s.handleResetQuota)
			r.Get("/sessions/{id}", s.handleAdminGetSession)
			r.Delete("/sessions/{id}", s.handleAdminDeleteSession)
		})
		slog.Info("Admin API enabled", "role", s.config().Admin.Role)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		admission.WriteError(w, admission.NewRejection(admission.CodeNotFound, "Not found"))
	})

	return r
}

func (s *HTTPServer) metrics() *observability.Metrics {
	if s.observability == nil {
		return nil
	}
	return s.observability.GetMetrics()
}

// adminKey limits admin callers per token subject.
func adminKey(r *http.Request) string {
	if claims := auth.GetClaims(r); claims != nil && claims.Subject != "" {
		return "admin:" + claims.Subject
	}
	return "admin:" + ratelimit.RemoteAddrKey(r)
}

// handleHealth returns server health status.
func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": tollgate.GetVersion().Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// requestIDMiddleware keeps a caller-supplied request id or assigns one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestID returns the id assigned by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// loggingMiddleware logs requests (don't wrap ResponseWriter).
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"request_id", RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
