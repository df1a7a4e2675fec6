// Package kenkyu is the public API for embedding the kenkyu research server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kenkyu.New(
//	    kenkyu.WithVersion(version),
//	    kenkyu.WithLogger(logger),
//	    kenkyu.WithGateway(myGateway{}),
//	    kenkyu.WithEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// kenkyu (root) imports internal/*, but internal/* never imports the root
// package. Public types are standalone structs; the adapters in this
// package convert between the two sides.
package kenkyu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kenkyu/api"
	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/config"
	"github.com/ashita-ai/kenkyu/internal/control"
	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/mcp"
	"github.com/ashita-ai/kenkyu/internal/pipeline"
	"github.com/ashita-ai/kenkyu/internal/prompts"
	"github.com/ashita-ai/kenkyu/internal/ratelimit"
	"github.com/ashita-ai/kenkyu/internal/runlock"
	"github.com/ashita-ai/kenkyu/internal/scheduler"
	"github.com/ashita-ai/kenkyu/internal/server"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/internal/storage/lite"
	"github.com/ashita-ai/kenkyu/internal/telemetry"
	"github.com/ashita-ai/kenkyu/migrations"
)

// store is what both the Postgres and the lite backends provide.
type store interface {
	server.Store
	pipeline.Store
	control.Store
	mcp.Store
	scheduler.StalledRunLister
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
}

// App is the kenkyu server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg       config.Config
	store     store
	srv       *server.Server
	broker    *server.Broker
	outbox    *scheduler.OutboxWorker
	httpCont  *scheduler.HTTPContinuer
	recoverer *scheduler.Recoverer
	limiter   ratelimit.Limiter
	closers   []func()
	logger    *slog.Logger
	version   string
}

// New initialises the kenkyu server. It opens the store, runs migrations,
// wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (app *App, err error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.gateway == nil && cfg.GatewayURL == "" {
		return nil, errors.New("config: KENKYU_GATEWAY_URL is required")
	}

	a := &App{cfg: cfg, logger: logger, version: version}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	logger.Info("kenkyu starting", "version", version, "port", cfg.Port, "store", cfg.StoreBackend())

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.onClose(func() { _ = otelShutdown(context.Background()) })

	// Storage. Postgres runs the embedded migrations; the lite store
	// migrates itself on open.
	var (
		db       *storage.DB
		notifier server.Notifier
	)
	switch cfg.StoreBackend() {
	case config.StorePostgres:
		db, err = storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.onClose(func() { db.Close(context.Background()) })
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		if err := db.RegisterPoolMetrics(); err != nil {
			logger.Warn("pool metrics disabled", "error", err)
		}
		if db.HasNotify() {
			notifier = db
		}
		a.store = db
	default:
		ls, err := lite.Open(context.Background(), cfg.LitePath(), logger)
		if err != nil {
			return nil, fmt.Errorf("lite store: %w", err)
		}
		a.onClose(func() { _ = ls.Close() })
		a.store = ls
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		redisClient = redis.NewClient(ropts)
		a.onClose(func() { _ = redisClient.Close() })
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	catalogue := prompts.Default()
	if cfg.PromptsPath != "" {
		if catalogue, err = prompts.Load(cfg.PromptsPath); err != nil {
			return nil, fmt.Errorf("prompts: %w", err)
		}
		logger.Info("prompts: loaded override", "path", cfg.PromptsPath)
	}

	// External gateway override takes priority over the HTTP client.
	var gw gateway.Client
	if o.gateway != nil {
		gw = gatewayAdapter{g: o.gateway}
		logger.Info("gateway: external implementation")
	} else {
		gw = gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayAPIKey,
			gateway.WithRateLimit(cfg.GatewayRPS, cfg.GatewayBurst))
		logger.Info("gateway: http", "url", cfg.GatewayURL, "rps", cfg.GatewayRPS)
	}

	// Run events. With a notify connection every instance publishes through
	// NOTIFY and the broker listens; otherwise the broker is a local bus.
	a.broker = server.NewBroker(notifier, logger)
	var publisher pipeline.Publisher = a.broker
	if notifier != nil {
		publisher = db
		logger.Info("SSE broker: listening on postgres notifications")
	} else {
		logger.Info("SSE broker: in-process only")
	}
	if len(o.eventHooks) > 0 {
		publisher = &eventPublisher{next: publisher, hooks: o.eventHooks, logger: logger}
	}

	executor := pipeline.New(a.store, gw, catalogue, pipeline.Config{
		PollInterval:        cfg.PollInterval,
		OperationTimeout:    cfg.OperationTimeout,
		FanoutWidth:         cfg.FanoutWidth,
		GatewayConcurrency:  cfg.GatewayConcurrency,
		MaxRateLimitRetries: cfg.MaxRateLimitRetries,
		DefaultModel:        cfg.DefaultModel,
	}, logger, pipeline.WithPublisher(publisher))

	locker, err := newLocker(cfg, db, redisClient)
	if err != nil {
		return nil, err
	}

	var continuer scheduler.Continuer
	if cfg.ContinuationMode == config.ContinuationOutbox {
		continuer = scheduler.NewOutboxContinuer(db)
	} else {
		a.httpCont = scheduler.NewHTTPContinuer(cfg.PublicURL, cfg.InternalSecret, logger)
		continuer = a.httpCont
	}

	sched := scheduler.New(executor, locker, continuer, scheduler.Config{
		Budget:        cfg.InvocationBudget,
		MaxIterations: cfg.MaxIterations,
	}, logger)

	if cfg.ContinuationMode == config.ContinuationOutbox {
		a.outbox = scheduler.NewOutboxWorker(db, sched, logger, scheduler.OutboxConfig{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
			Concurrency:  cfg.OutboxConcurrency,
			MaxAttempts:  cfg.OutboxMaxAttempts,
			LockFor:      2 * cfg.InvocationBudget,
		})
		logger.Info("continuations: outbox", "concurrency", cfg.OutboxConcurrency)
	} else {
		logger.Info("continuations: http", "public_url", cfg.PublicURL)
	}

	controller := control.New(a.store, continuer, gw, logger, control.WithPublisher(publisher))
	a.recoverer = scheduler.NewRecoverer(a.store, continuer, cfg.StallThreshold, logger)

	a.limiter = newLimiter(cfg, redisClient, logger)
	a.onClose(func() { _ = a.limiter.Close() })

	srvCfg := server.ServerConfig{
		Store:               a.store,
		JWTMgr:              jwtMgr,
		Processor:           sched,
		Controller:          controller,
		Continuer:           continuer,
		Logger:              logger,
		Sweeper:             a.recoverer,
		Limiter:             a.limiter,
		Broker:              a.broker,
		InternalSecret:      cfg.InternalSecret,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		DefaultModel:        cfg.DefaultModel,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Health: server.HealthInfo{
			Store:        cfg.StoreBackend(),
			LockBackend:  cfg.LockBackend,
			Continuation: cfg.ContinuationMode,
		},
		OpenAPISpec: api.OpenAPISpec,
	}
	if cfg.EnableMCP {
		srvCfg.MCPServer = mcp.New(a.store, controller, logger, version).MCPServer()
	}
	a.srv = server.New(srvCfg)

	return a, nil
}

// Handler returns the root HTTP handler, for serving the App from an
// existing http.Server or an httptest.Server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the background workers and the HTTP server, and blocks until
// ctx is cancelled or the server fails. It shuts down gracefully and
// releases every resource New acquired.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	go a.broker.Start(ctx)
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.cfg.RecoveryInterval > 0 {
		go a.recoverer.Run(ctx, a.cfg.RecoveryInterval)
	}
	go idempotencyCleanupLoop(ctx, a.store, a.logger, a.cfg.IdempotencyTTL)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Stop taking requests first so in-flight invocations finish and
	// persist, then flush pending continuations.
	a.logger.Info("kenkyu shutting down")
	grace := a.cfg.InvocationBudget + 10*time.Second

	httpCtx, httpCancel := context.WithTimeout(context.Background(), grace)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(context.Background(), grace)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}
	if a.httpCont != nil {
		contCtx, contCancel := context.WithTimeout(context.Background(), grace)
		a.httpCont.Wait(contCtx)
		contCancel()
	}

	a.logger.Info("kenkyu stopped")
	return nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse acquisition order.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newLocker(cfg config.Config, db *storage.DB, rc *redis.Client) (runlock.Locker, error) {
	switch cfg.LockBackend {
	case config.LockPostgres:
		return runlock.Func(db.TryLockRun), nil
	case config.LockRedis:
		return runlock.NewRedis(rc, "kenkyu:runlock", cfg.LockLease), nil
	case config.LockLocal:
		return runlock.NewLocal(), nil
	case config.LockNone:
		return runlock.Noop{}, nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
}

func newLimiter(cfg config.Config, rc *redis.Client, logger *slog.Logger) ratelimit.Limiter {
	switch {
	case !cfg.RateLimitEnabled:
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}
	case rc != nil:
		// A fixed window that admits one burst per burst/rps seconds.
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		logger.Info("rate limiting: redis (shared fixed window)", "limit", cfg.RateLimitBurst, "window", window)
		return ratelimit.NewRedisLimiter(rc, "kenkyu:ratelimit", cfg.RateLimitBurst, window)
	default:
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

type idempotencyCleaner interface {
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
}

func idempotencyCleanupLoop(ctx context.Context, st idempotencyCleaner, logger *slog.Logger, ttl time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.CleanupIdempotencyKeys(ctx, ttl, 15*time.Minute)
			if err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("idempotency keys cleaned up", "count", n)
			}
		}
	}
}
