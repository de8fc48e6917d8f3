// Package app wires the relay runtime: config, logging, HTTP routes, the
// realtime hub and its optional Postgres and Redis collaborators.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"relay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App is the relay runtime: it owns the HTTP server wiring, the hub and the
// external clients the hub was configured with.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry

	dbPool *pgxpool.Pool
	redis  *redis.Client

	hub     *realtime.Hub
	sweeper *realtime.Sweeper
	ws      *realtime.WSGateway

	handler http.Handler
}

// New constructs a fully wired App. External stores are connected here so a
// bad URL fails startup instead of the first request.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(a.registry)
	opts := []realtime.HubOption{realtime.WithMetrics(metrics)}

	if cfg.DatabaseURL != "" {
		a.dbPool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled", "max_conns", cfg.DBMaxConns)

		if cfg.RequireMembership {
			authz, err := realtime.NewPostgresAuthorizer(a.dbPool,
				realtime.WithAuthorizerSchema(cfg.MembershipSchema),
				realtime.WithAuthorizerTable(cfg.MembershipTable),
			)
			if err != nil {
				return nil, fmt.Errorf("membership authorizer: %w", err)
			}
			opts = append(opts, realtime.WithAuthorizer(authz))
			log.Info("membership.enabled", "schema", cfg.MembershipSchema, "table", cfg.MembershipTable)
		}
	} else {
		log.Info("db.disabled")
	}

	if cfg.RedisURL != "" {
		a.redis, err = realtime.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		mirror, err := realtime.NewRedisPresenceMirror(a.redis, cfg.RedisPrefix, cfg.PresenceTTL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, realtime.WithPresenceMirror(mirror))
		log.Info("presence_mirror.enabled", "prefix", cfg.RedisPrefix, "ttl", cfg.PresenceTTL)
	}

	a.hub = realtime.NewHub(log, cfg.Hub, opts...)
	a.sweeper = realtime.NewSweeper(log, a.hub, cfg.SweepInterval)
	a.ws = realtime.NewWSGateway(log, a.hub, cfg.Gateway, metrics)

	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:      log,
		ready:    a.ready,
		gatherer: a.registry,
		ws:       a.ws,
	})
	a.handler = WithSecurityHeaders(WithRequestLogging(mux, log))

	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run listens on cfg.HTTPAddr and serves until ctx ends or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.closeStores()
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then drains: live WebSockets are
// closed with GoingAway, the HTTP server stops, the hub cancels delayed
// emissions, and the stores are closed. The drain is bounded by
// cfg.ShutdownGrace.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"db_enabled", a.dbPool != nil,
		"membership", a.cfg.RequireMembership,
		"presence_mirror", a.redis != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nonZeroDuration(a.cfg.ShutdownGrace, 10*time.Second))
		defer cancel()
		return a.shutdown(shutdownCtx, srv)
	})

	err := g.Wait()
	a.closeStores()
	a.log.Info("server.stopped")
	return err
}

// shutdown closes hijacked WebSockets first: http.Server.Shutdown does not
// track them and would otherwise wait for nothing while they stay open.
func (a *App) shutdown(ctx context.Context, srv *http.Server) error {
	var errs []error

	if err := a.ws.Shutdown(ctx); err != nil {
		a.log.Error("ws.shutdown.fail", "err", err)
		errs = append(errs, fmt.Errorf("ws shutdown: %w", err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.hub.Close()

	return errors.Join(errs...)
}

func (a *App) ready(ctx context.Context) error {
	if a.cfg.ReadinessRequireDB && a.dbPool == nil {
		return errors.New("db not configured")
	}
	if a.dbPool != nil {
		if err := PingDB(ctx, a.dbPool, 2*time.Second); err != nil {
			return fmt.Errorf("db: %w", err)
		}
	}
	return nil
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
