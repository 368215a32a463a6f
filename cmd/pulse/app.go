package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pulse/internal/api"
	"pulse/internal/auth"
	"pulse/internal/broadcast"
	"pulse/internal/broker"
	"pulse/internal/config"
	"pulse/internal/constants"
	"pulse/internal/dispatch"
	"pulse/internal/events"
	"pulse/internal/leaderboard"
	"pulse/internal/logger"
	"pulse/internal/stream"
	"pulse/pkg/bootstrap"
	apperrors "pulse/pkg/errors"
	"pulse/pkg/health"
	"pulse/pkg/metrics"
	"pulse/pkg/middleware"
	"pulse/pkg/ratelimit"
	"pulse/pkg/tracing"
)

const backendMemory = "memory"

type App struct {
	config      *config.Config
	logger      logger.Logger
	base        *bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	redis    redis.UniversalClient
	embedded *miniredis.Miniredis
	store    stream.Store
	bus      *stream.Bus

	dispatchers []*dispatch.Dispatcher
	feedGroup   string
	manager     *broadcast.Manager
	ingress     *broker.Ingress

	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider

	// cancels background goroutines that outlive a request, like the rate
	// limiter cleanup
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config:      cfg,
		logger:      log,
		base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.Register()

	if err := a.initStore(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := a.base.InitBroker("ingress"); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	a.initBus()

	if err := a.initConsumers(ctx); err != nil {
		return fmt.Errorf("failed to initialize consumers: %w", err)
	}

	if err := a.initRouter(ctx); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.initServer()
	return nil
}

// initStore connects Redis. The memory backend keeps the streams in process
// and serves the leaderboards from an embedded Redis.
func (a *App) initStore(ctx context.Context) error {
	if a.config.Bus.Backend == backendMemory {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("failed to start embedded redis: %w", err)
		}
		a.embedded = mr
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		a.store = stream.NewMemoryStore()
		a.logger.WarnwCtx(ctx, "Using in-memory bus backend, streams are not durable")
		return nil
	}

	client, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = client
	a.store = stream.NewCircuitBreakerStore(stream.NewRedisStore(client, a.config.Bus.Prefix), a.config.CircuitBreaker)
	return nil
}

func (a *App) initBus() {
	var busOpts []stream.BusOption
	if a.base.Producer != nil && a.config.Broker.Kafka.DLQTopic != "" {
		mirror := broker.NewDeadLetterMirror(a.base.Producer, a.config.Broker.Kafka.DLQTopic, a.logger)
		busOpts = append(busOpts, stream.WithDeadLetterSink(mirror))
	}
	a.bus = stream.NewBus(a.store, events.DefaultRegistry(), a.logger, stream.OptionsFromConfig(a.config.Bus), busOpts...)

	if a.base.Consumer != nil {
		a.ingress = broker.NewIngress(a.base.Consumer, a.bus, a.config.Broker.Kafka.IngressTopic, a.logger)
	}
}

func (a *App) newDispatcher(group string) (*dispatch.Dispatcher, error) {
	d, err := dispatch.New(a.bus, group, a.logger)
	if err != nil {
		return nil, err
	}
	a.dispatchers = append(a.dispatchers, d)
	return d, nil
}

// initConsumers registers the reactions, the leaderboard projection and the
// broadcast manager's room feed.
func (a *App) initConsumers(ctx context.Context) error {
	registry := a.bus.Registry()
	emitter := dispatch.NewEmitter(a.bus)

	reactions, err := a.newDispatcher(constants.ReactionsGroup)
	if err != nil {
		return err
	}
	if _, err := dispatch.RegisterGamificationReactions(ctx, reactions, emitter, registry); err != nil {
		return fmt.Errorf("failed to register reactions: %w", err)
	}

	board := leaderboard.NewBoard(a.redis, a.config.Bus.Prefix, a.config.Broadcast.SnapshotSize)
	projection, err := a.newDispatcher(a.config.Leaderboard.Group)
	if err != nil {
		return err
	}
	if _, err := leaderboard.NewProjector(board, registry, emitter, a.logger).Register(ctx, projection); err != nil {
		return fmt.Errorf("failed to register leaderboard projector: %w", err)
	}

	// Every instance needs every room envelope, so the feed group is per
	// instance.
	a.feedGroup = a.config.Broadcast.Group + ":" + a.bus.InstanceID()
	feedDispatcher, err := a.newDispatcher(a.feedGroup)
	if err != nil {
		return err
	}
	feed := broadcast.NewRoomFeed(feedDispatcher, a.bus, registry, a.config.Broadcast.Patterns, a.logger)

	a.manager = broadcast.NewManager(board, a.logger, broadcast.OptionsFromConfig(a.config.Broadcast),
		broadcast.WithRoomSubscriber(feed),
		broadcast.WithAuthenticator(auth.NewVerifier(a.config.Auth)),
	)
	return nil
}

func (a *App) initRouter(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	limiterCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	var admin []gin.HandlerFunc
	if a.config.Admin.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromConfig(a.config.Admin.RateLimit)
		admin = append(admin, ratelimit.RateLimitMiddleware(limiterCtx, rateLimitConfig))
		a.logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewRedisChecker(a.redis))
	healthRegistry.Register(health.NewFuncChecker("bus", a.checkBus))
	if cb, ok := a.store.(*stream.CircuitBreakerStore); ok {
		healthRegistry.Register(health.NewFuncChecker("circuit_breaker", func(ctx context.Context) error {
			if cb.IsOpen() {
				return health.Degraded(fmt.Errorf("circuit breaker is %s", cb.State()))
			}
			return nil
		}))
	}

	handler := api.NewHandler(a.bus, a.manager, auth.NewVerifier(a.config.Auth), healthRegistry,
		a.config.Auth.RequireOnAccept, a.logger)
	handler.RegisterRoutes(router, admin...)

	a.router = router
	return nil
}

func (a *App) checkBus(ctx context.Context) error {
	h := a.bus.HealthCheck()
	switch h.Status {
	case stream.StatusDegraded:
		return health.Degraded(errors.New(h.Error))
	case stream.StatusStopped:
		return errors.New("bus consumers are stopped")
	}
	return nil
}

func (a *App) initServer() {
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:           a.router,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
		ReadTimeout:       a.config.Server.ReadTimeout,
		WriteTimeout:      a.config.Server.WriteTimeout,
	}
}

// Run starts consuming and serving, and blocks until ctx is done or one of
// the loops fails. Either way it shuts everything down before returning.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.bus.StartConsuming(gctx); err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	g.Go(func() error {
		a.logger.InfowCtx(gctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.manager.Run(gctx)
	})

	if a.ingress != nil {
		g.Go(func() error {
			return a.ingress.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops components in reverse dependency order. It is safe to call
// more than once and after a partial Initialize.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		timeout := a.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = constants.ShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var errs []error
		if err := a.base.Shutdown(shutdownCtx, a.stopComponents); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, a.closeStores(shutdownCtx)...)
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}

func (a *App) stopComponents(ctx context.Context) []error {
	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("broadcast manager shutdown error: %w", err))
		}
	}

	for _, d := range a.dispatchers {
		d.Close()
	}
	if a.bus != nil {
		a.bus.StopConsuming()
		errs = append(errs, a.releaseFeedGroup(ctx)...)
	}
	return errs
}

// releaseFeedGroup deletes this instance's broadcast group. Rooms reopen past
// the stream heads, so nothing in it is worth resuming, and instance ids are
// not reused across restarts.
func (a *App) releaseFeedGroup(ctx context.Context) []error {
	if a.feedGroup == "" {
		return nil
	}
	types := make(map[string]struct{})
	for _, p := range a.config.Broadcast.Patterns {
		expanded, err := a.bus.Registry().Expand(p)
		if err != nil {
			return []error{fmt.Errorf("expand broadcast pattern %s: %w", p, err)}
		}
		for _, t := range expanded {
			types[t] = struct{}{}
		}
	}

	var errs []error
	for t := range types {
		err := a.bus.DeleteGroup(ctx, t, a.feedGroup)
		if err != nil && !apperrors.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("delete feed group on %s: %w", t, err))
		}
	}
	a.logger.InfowCtx(ctx, "Released broadcast feed group", "group", a.feedGroup)
	return errs
}

func (a *App) closeStores(ctx context.Context) []error {
	errs := a.dbConnector.ShutdownRedis(a.redis)
	if a.embedded != nil {
		a.embedded.Close()
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}
	return errs
}
