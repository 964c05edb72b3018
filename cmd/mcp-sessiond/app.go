package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/mcp-sessions-go/auth"
	"github.com/ggoodman/mcp-sessions-go/eventlog"
	"github.com/ggoodman/mcp-sessions-go/eventlog/memlog"
	"github.com/ggoodman/mcp-sessions-go/eventlog/redislog"
	"github.com/ggoodman/mcp-sessions-go/examples/greeter"
	"github.com/ggoodman/mcp-sessions-go/internal/jwtauth"
	"github.com/ggoodman/mcp-sessions-go/internal/metrics"
	"github.com/ggoodman/mcp-sessions-go/internal/wellknown"
	"github.com/ggoodman/mcp-sessions-go/mcp"
	"github.com/ggoodman/mcp-sessions-go/sessions"
	"github.com/ggoodman/mcp-sessions-go/streaminghttp"
)

const serverName = "mcp-sessiond"

// app owns every long-lived component of the server.
type app struct {
	cfg     Config
	log     *slog.Logger
	reg     *sessions.Registry
	handler http.Handler
	closers []func() error
}

// newApp assembles the registry, transport and auxiliary routes from cfg.
// ctx bounds background work such as JWKS refresh.
func newApp(ctx context.Context, cfg Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err == nil {
			return
		}
		if a.reg != nil {
			_ = a.reg.Close(context.WithoutCancel(ctx), cfg.SessionCloseTimeout)
		}
		_ = a.closeResources()
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	logs, err := a.logFactory(ctx)
	if err != nil {
		return nil, err
	}

	a.reg = sessions.NewRegistry(
		sessions.WithLogger(log),
		sessions.WithLogFactory(logs),
		sessions.WithStateless(cfg.Stateless),
		sessions.WithIdleTimeout(cfg.IdleTimeout),
		sessions.WithMetrics(m),
	)

	router, err := greeter.NewRouter()
	if err != nil {
		return nil, fmt.Errorf("build tool router: %w", err)
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithEndpointPath(cfg.EndpointPath()),
		streaminghttp.WithMetrics(m),
		streaminghttp.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: version}),
	}

	var discovery http.Handler
	if cfg.OAuthIssuer != "" {
		authenticator, wk, err := a.buildAuth(ctx)
		if err != nil {
			return nil, err
		}
		discovery = wk
		opts = append(opts,
			streaminghttp.WithAuthenticator(authenticator),
			streaminghttp.WithResourceMetadataURL(wk.ProtectedResourceURL()),
		)
	}

	mcpHandler, err := streaminghttp.New(a.reg, router, opts...)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"WWW-Authenticate", "Mcp-Session-Id", "Mcp-Protocol-Version"},
		AllowCredentials: false,
	}))
	r.Use(accessLog(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	r.Handle(mcpHandler.EndpointPath(), mcpHandler)
	if discovery != nil {
		r.Handle("/.well-known/*", discovery)
	}

	a.handler = r
	return a, nil
}

func (a *app) logFactory(ctx context.Context) (eventlog.Factory, error) {
	switch a.cfg.EventLogBackend {
	case backendRedis:
		store, err := redislog.New(ctx, a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect event log store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.log.InfoContext(ctx, "eventlog.redis.ok", slog.String("addr", a.cfg.Redis.RedisAddr))
		return store.Factory(), nil
	default:
		return memlog.Factory(memlog.WithCapacity(a.cfg.EventLogCapacity)), nil
	}
}

// buildAuth constructs the bearer verifier and the discovery documents. The
// authorization server document is only served when the issuer's metadata
// can be discovered.
func (a *app) buildAuth(ctx context.Context) (auth.Authenticator, *wellknown.Handler, error) {
	cfg := a.cfg

	var authOpts []auth.AccessTokenAuthOption
	if cfg.OAuthJWKSURL != "" {
		authOpts = append(authOpts, auth.WithJWKSURL(cfg.OAuthJWKSURL))
	}
	if len(cfg.OAuthRequiredScopes) > 0 {
		authOpts = append(authOpts, auth.WithRequiredScopes(cfg.OAuthRequiredScopes...))
	}
	authenticator, err := auth.NewAccessTokenAuthenticator(ctx, cfg.OAuthIssuer, cfg.Audience(), authOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("build authenticator: %w", err)
	}

	wkCfg := wellknown.Config{
		Resource:        cfg.PublicURL,
		Issuer:          cfg.OAuthIssuer,
		JwksURI:         cfg.OAuthJWKSURL,
		ScopesSupported: cfg.OAuthRequiredScopes,
		ResourceName:    serverName,
	}
	meta, err := jwtauth.Discover(ctx, cfg.OAuthIssuer)
	if err != nil {
		a.log.WarnContext(ctx, "auth.discovery.fail", slog.String("issuer", cfg.OAuthIssuer), slog.String("err", err.Error()))
	} else {
		if wkCfg.JwksURI == "" {
			wkCfg.JwksURI = meta.JWKSURI
		}
		wkCfg.AuthServer = &wellknown.AuthServerMetadata{
			Issuer:                 meta.Issuer,
			AuthorizationEndpoint:  meta.AuthorizationEndpoint,
			TokenEndpoint:          meta.TokenEndpoint,
			RegistrationEndpoint:   meta.RegistrationEndpoint,
			JwksURI:                meta.JWKSURI,
			ScopesSupported:        meta.ScopesSupported,
			ResponseTypesSupported: meta.ResponseTypes,
		}
	}

	wk, err := wellknown.New(wkCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build discovery routes: %w", err)
	}
	return authenticator, wk, nil
}

// closeResources releases what newApp acquired besides sessions.
func (a *app) closeResources() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

// accessLog logs one line per request once the handler returns. Streams are
// logged when they end.
func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			log.InfoContext(r.Context(), "http.access",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", m.Code),
				slog.Int64("bytes", m.Written),
				slog.Duration("dur", m.Duration),
			)
		})
	}
}
