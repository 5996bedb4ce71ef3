// Package app wires the parlor server runtime: config, logging, persistence,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"parlor/cmd/identity"
	"parlor/cmd/internal/auth"
	"parlor/cmd/internal/chatapi"
	"parlor/cmd/internal/messaging"
	"parlor/cmd/internal/metrics"
	"parlor/cmd/internal/ratelimit"
	"parlor/cmd/internal/realtime"
	"parlor/cmd/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App is the parlor server runtime: it owns every long-lived dependency and the HTTP server.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	backend *backend
	redis   *redis.Client

	tokens    auth.TokenManager
	rooms     *realtime.Rooms
	messaging *messaging.Service
	ws        *realtime.WSGateway
	api       *chatapi.Handler

	handler         http.Handler
	shutdownTracing func(context.Context) error
}

// New constructs a fully wired App from cfg. cfg must have passed Validate.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	shutdownTracing, err := telemetry.Setup(ctx, "parlor", cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("app: tracing: %w", err)
	}
	a.shutdownTracing = shutdownTracing

	tokens, err := auth.NewTokenManager(cfg.Auth)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.tokens = tokens

	a.backend, err = openBackend(ctx, cfg, log)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := seedUsers(ctx, a.backend.users, cfg.SeedUsers); err != nil {
		a.close(ctx)
		return nil, err
	}

	sendLimit, ipLimit, err := a.newLimiters(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	authn := auth.NewAuthenticator(tokens, a.backend.users)
	a.rooms = realtime.NewRooms(log, realtime.WithRoomsMetrics(a.metrics))
	a.messaging = messaging.NewService(a.backend.store, a.rooms,
		messaging.WithDirectory(a.backend.users),
		messaging.WithLogger(log),
		messaging.WithMetrics(a.metrics),
	)
	a.ws = realtime.NewWSGateway(log, a.rooms, a.messaging, authn, cfg.WS,
		realtime.WithGatewayMetrics(a.metrics),
		realtime.WithSendLimiter(sendLimit),
	)
	a.api = chatapi.NewHandler(log, a.messaging, authn,
		chatapi.WithSendLimiter(sendLimit),
		chatapi.WithIPLimiter(ipLimit, cfg.TrustProxy),
		chatapi.WithMetrics(a.metrics),
	)
	a.handler = a.routes()

	return a, nil
}

// Handler exposes the fully wired HTTP handler (used by tests and embedding).
func (a *App) Handler() http.Handler { return a.handler }

// Tokens returns the access-token manager the server verifies with.
func (a *App) Tokens() auth.TokenManager { return a.tokens }

// Users returns the user directory backing authentication.
func (a *App) Users() identity.Directory { return a.backend.users }

// Run starts the HTTP server and blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.backend.driver,
		"redis", a.redis != nil,
		"token_format", a.cfg.Auth.Format,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		// Hijacked websocket connections are not tracked by the server.
		a.rooms.Shutdown()
		return err
	})

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	a.close(closeCtx)

	a.log.Info("server.stopped")
	return err
}

// close releases every resource New acquired. Safe on a partially built App.
func (a *App) close(ctx context.Context) {
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Error("tracing.shutdown.fail", "err", err)
		}
	}
}

func (a *App) newLimiters(ctx context.Context) (send, ip ratelimit.Limiter, err error) {
	if strings.TrimSpace(a.cfg.RedisURL) == "" {
		return ratelimit.NewMemory(a.cfg.SendRateLimit, a.cfg.SendRateWindow),
			ratelimit.NewMemory(a.cfg.HTTPRateLimit, a.cfg.HTTPRateWindow), nil
	}

	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("app: redis ping: %w", err)
	}
	a.redis = client

	return ratelimit.NewRedis(client, "parlor:ratelimit:send", a.cfg.SendRateLimit, a.cfg.SendRateWindow),
		ratelimit.NewRedis(client, "parlor:ratelimit:http", a.cfg.HTTPRateLimit, a.cfg.HTTPRateWindow), nil
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
