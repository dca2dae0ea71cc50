// Package runtime assembles a gateway from configuration.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/tollgate/pkg/admission"
	"github.com/kadirpekel/tollgate/pkg/auth"
	"github.com/kadirpekel/tollgate/pkg/config"
	"github.com/kadirpekel/tollgate/pkg/observability"
	"github.com/kadirpekel/tollgate/pkg/quota"
	"github.com/kadirpekel/tollgate/pkg/ratelimit"
	"github.com/kadirpekel/tollgate/pkg/replay"
	"github.com/kadirpekel/tollgate/pkg/server"
	"github.com/kadirpekel/tollgate/pkg/session"
	"github.com/kadirpekel/tollgate/pkg/signature"
	"github.com/kadirpekel/tollgate/pkg/store"
	"github.com/kadirpekel/tollgate/pkg/tokens"
	"github.com/kadirpekel/tollgate/pkg/upstream"
)

// Runtime owns every component of one gateway process.
type Runtime struct {
	mu     sync.Mutex
	config *config.Config

	obs       *observability.Manager
	redis     redis.UniversalClient
	ownsRedis bool
	dbPool    *config.DBPool

	backend   store.Backend
	enforcer  *quota.Enforcer
	quotaDB   quota.Store
	sessions  session.Store
	pipeline  *admission.Pipeline
	validator *auth.Validator
	server    *server.HTTPServer
}

// Options overrides pieces that are normally built from config.
type Options struct {
	// Redis replaces the client built from store.redis.
	Redis redis.UniversalClient

	// Forwarder replaces the upstream forwarder.
	Forwarder server.Forwarder

	// TraceOutput receives spans from the stdout exporter.
	TraceOutput io.Writer
}

func (r *Runtime) Config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

func (r *Runtime) Server() *server.HTTPServer {
	return r.server
}

// Handler returns the gateway's HTTP handler.
func (r *Runtime) Handler() http.Handler {
	return r.server.Handler()
}

func (r *Runtime) Pipeline() *admission.Pipeline {
	return r.pipeline
}

func (r *Runtime) Quota() *quota.Enforcer {
	return r.enforcer
}

func (r *Runtime) Sessions() session.Store {
	return r.sessions
}

// New builds a Runtime. cfg must already be defaulted and validated.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	r := &Runtime{config: cfg, redis: opts.Redis}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	r.obs = observability.NewManager(cfg.Observability)
	if opts.TraceOutput != nil {
		r.obs.SetTraceOutput(opts.TraceOutput)
	}
	if err := r.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	metrics := r.obs.GetMetrics()

	if err := r.connect(ctx, cfg); err != nil {
		return nil, err
	}

	deps := store.Deps{Redis: r.redis, MaxMarks: cfg.Signature.NonceCacheSize}
	var db *sql.DB
	if cfg.Store.Backend == config.BackendSQL {
		r.dbPool = config.NewDBPool()
		if db, err = r.dbPool.Get(ctx, cfg.Store.Database); err != nil {
			return nil, fmt.Errorf("failed to open store database: %w", err)
		}
		deps.DB = db
		deps.Dialect = cfg.Store.Database.Dialect()
	}

	if r.backend, err = store.NewFromConfig(&cfg.Store, deps); err != nil {
		return nil, fmt.Errorf("failed to create store backend: %w", err)
	}

	limiter := ratelimit.NewLimiter(r.backend,
		ratelimit.WithOpTimeout(cfg.Store.OpTimeout),
		ratelimit.WithFailOpenHook(metrics.FailOpenHook("ratelimit")),
	)

	var signer *signature.Signer
	if cfg.Signature.IsEnabled() {
		guard := replay.NewGuard(r.backend,
			replay.WithOpTimeout(cfg.Store.OpTimeout),
			replay.WithFailOpenHook(metrics.FailOpenHook("replay")),
		)
		if signer, err = signature.NewSigner(cfg.Signature.Secret,
			signature.WithNonceConsumer(guard),
			signature.WithNonceTTL(cfg.Signature.NonceTTL),
		); err != nil {
			return nil, fmt.Errorf("failed to create signer: %w", err)
		}
	} else {
		slog.Warn("Request signing is disabled")
	}

	if r.quotaDB, err = quota.NewStoreFromConfig(&cfg.Store, r.redis, db, deps.Dialect); err != nil {
		return nil, fmt.Errorf("failed to create quota store: %w", err)
	}
	r.enforcer = quota.NewEnforcer(r.quotaDB, quota.PolicyFromConfig(&cfg.Quota),
		quota.WithOpTimeout(cfg.Store.OpTimeout),
		quota.WithFailOpenHook(metrics.FailOpenHook("quota")),
	)

	// The BPE tables are only loaded when input counting is on.
	var counter *tokens.Counter
	if cfg.Quota.MaxInputTokens > 0 {
		counter = tokens.NewCounterOrFallback(cfg.Quota.TokenEncoding)
	}

	policy, err := admission.PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	r.pipeline = admission.New(admission.Options{
		Limiter: limiter,
		Signer:  signer,
		Signature: admission.SignatureSettings{
			QueryParam: cfg.Signature.QueryParam,
			BodyField:  cfg.Signature.BodyField,
			Header:     cfg.Signature.Header,
			MaxAge:     cfg.Signature.MaxAge,
		},
		Quota:             r.enforcer,
		Tokens:            counter,
		TrustForwardedFor: config.BoolValue(cfg.IPFilter.TrustForwardedFor, true),
		ClientIDHeader:    cfg.IPFilter.ClientIDHeader,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		Observer:          metrics,
		Tracer:            r.obs.GetTracer("tollgate/admission"),
	}, policy)

	sessionPrefix := cfg.Store.Redis.KeyPrefix
	if r.sessions, err = session.NewStoreFromConfig(&cfg.Sessions, r.redis, sessionPrefix); err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	if err := metrics.ObserveSessions(r.sessions.Len); err != nil {
		return nil, err
	}

	forwarder := opts.Forwarder
	if forwarder == nil {
		f, err := upstream.NewForwarder(&cfg.Upstream, upstream.WithObserver(metrics.RecordUpstream))
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream forwarder: %w", err)
		}
		forwarder = f
	}

	if r.validator, err = auth.NewValidatorFromConfig(ctx, &cfg.Admin); err != nil {
		return nil, fmt.Errorf("failed to create admin validator: %w", err)
	}

	serverOpts := []server.HTTPServerOption{
		server.WithQuota(r.enforcer),
		server.WithObservability(r.obs),
	}
	if r.validator != nil {
		serverOpts = append(serverOpts, server.WithAdmin(r.validator, limiter))
	}
	r.server = server.NewHTTPServer(cfg, r.pipeline, r.sessions, forwarder, serverOpts...)

	slog.Info("Gateway assembled",
		"store", cfg.Store.Backend,
		"sessions", cfg.Sessions.Backend,
		"signature", cfg.Signature.IsEnabled(),
		"rate_limit", cfg.RateLimit.IsEnabled(),
		"quota", cfg.Quota.IsEnabled(),
		"admin", r.validator != nil,
	)
	return r, nil
}

// connect opens the shared Redis client when any component needs it.
func (r *Runtime) connect(ctx context.Context, cfg *config.Config) error {
	needsRedis := cfg.Store.Backend == config.BackendRedis || cfg.Sessions.Backend == config.BackendRedis
	if !needsRedis || r.redis != nil {
		return nil
	}
	client, err := store.NewRedisClient(ctx, cfg.Store.Redis)
	if err != nil {
		return err
	}
	r.redis = client
	r.ownsRedis = true
	return nil
}

// Reload applies the hot-reloadable parts of cfg: IP filter, rate limit,
// quota policy and handler-level settings. Store, session and listener
// settings keep their startup values until restart.
func (r *Runtime) Reload(cfg *config.Config) error {
	policy, err := admission.PolicyFromConfig(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.config
	r.config = cfg
	r.mu.Unlock()

	if prev.Store.Backend != cfg.Store.Backend || prev.Sessions.Backend != cfg.Sessions.Backend ||
		prev.Server.Address() != cfg.Server.Address() || prev.Signature.Secret != cfg.Signature.Secret {
		slog.Warn("Some configuration changes require a restart to take effect")
	}

	r.pipeline.UpdatePolicy(policy)
	r.server.UpdateConfig(cfg)
	slog.Info("Configuration reloaded",
		"rate_limit", cfg.RateLimit.IsEnabled(),
		"max_requests", cfg.RateLimit.MaxRequests,
		"daily_limit", policy.Quota.Limits.Daily,
		"monthly_limit", policy.Quota.Limits.Monthly,
	)
	return nil
}

// Run serves until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	return r.server.Start(ctx)
}

// Close releases every component in reverse order of construction.
func (r *Runtime) Close() error {
	var errs []error

	if r.validator != nil {
		r.validator.Close()
	}
	if r.sessions != nil {
		errs = append(errs, r.sessions.Close())
	}
	if r.quotaDB != nil {
		errs = append(errs, r.quotaDB.Close())
	}
	if r.backend != nil {
		errs = append(errs, r.backend.Close())
	}
	if r.dbPool != nil {
		errs = append(errs, r.dbPool.Close())
	}
	if r.redis != nil && r.ownsRedis {
		errs = append(errs, r.redis.Close())
	}
	if r.obs != nil {
		errs = append(errs, r.obs.Shutdown(context.Background()))
	}

	if err := errors.Join(errs...); err != nil {
		slog.Warn("Runtime cleanup error", "error", err)
		return err
	}
	return nil
}
