// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/admarket/internal/admin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/catalog"
	"github.com/mbd888/admarket/internal/chain"
	"github.com/mbd888/admarket/internal/config"
	"github.com/mbd888/admarket/internal/eventbus"
	"github.com/mbd888/admarket/internal/exchange"
	"github.com/mbd888/admarket/internal/health"
	"github.com/mbd888/admarket/internal/idempotency"
	"github.com/mbd888/admarket/internal/invoice"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/logging"
	"github.com/mbd888/admarket/internal/metrics"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/orders"
	"github.com/mbd888/admarket/internal/ratelimit"
	"github.com/mbd888/admarket/internal/rates"
	"github.com/mbd888/admarket/internal/realtime"
	"github.com/mbd888/admarket/internal/reconciliation"
	"github.com/mbd888/admarket/internal/referral"
	"github.com/mbd888/admarket/internal/routing"
	"github.com/mbd888/admarket/internal/security"
	"github.com/mbd888/admarket/internal/telegram"
	"github.com/mbd888/admarket/internal/validation"
	"github.com/mbd888/admarket/internal/watcher"
	"github.com/mbd888/admarket/internal/withdrawal"
	"github.com/redis/go-redis/v9"
)

// callbackTolerance bounds the clock skew accepted on signed callbacks.
const callbackTolerance = 5 * time.Minute

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil if using in-memory
	redis  redis.UniversalClient

	telegram *telegram.Client
	authMgr  *auth.Manager
	guard    *idempotency.Guard
	ledger   *ledger.Ledger

	rates      *rates.Service
	catalog    *catalog.Service
	orders     *orders.Service
	invoices   *invoice.Service
	webhook    *invoice.WebhookHandler
	exchange   *exchange.Service
	referrals  *referral.Service
	routing    *routing.Service
	attributor *watcher.Attributor

	withdrawals     *withdrawal.Service
	withdrawalStore withdrawal.Store

	// Chain components, nil when no platform key is configured.
	node       *chain.Node
	wallet     *chain.Wallet
	watchers   map[money.Currency]*watcher.Watcher
	processor  *withdrawal.Processor
	reconciler *reconciliation.Runner

	orderTimer     *orders.Timer
	refresher      *rates.Refresher
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	bus            *eventbus.Bus
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	nodeOpts []chain.NodeOption

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	workers      sync.WaitGroup

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithNodeOptions passes options to the chain node (for testing).
func WithNodeOptions(opts ...chain.NodeOption) Option {
	return func(s *Server) {
		s.nodeOpts = append(s.nodeOpts, opts...)
	}
}

// stores groups the persistence layer of every component.
type stores struct {
	auth        auth.Store
	idempotency idempotency.Store
	ledger      ledger.Store
	rates       rates.Store
	catalog     catalog.Store
	orders      orders.Store
	invoices    invoice.Store
	referrals   referral.Store
	routing     routing.Store
	watcher     watcher.Store
	withdrawals withdrawal.Store
}

// migrator is implemented by every Postgres store.
type migrator interface {
	Migrate(ctx context.Context) error
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		s.health.Register("redis", health.Redis(s.redis))
		s.logger.Info("redis lease enabled")
	}

	// Telegram Bot API
	s.telegram = telegram.NewClient(cfg.BotToken, telegram.WithBaseURL(cfg.TelegramAPIURL))
	notifier := telegram.NewNotifier(s.telegram)

	// Ledger and idempotency
	s.guard = idempotency.NewGuard(st.idempotency)
	s.ledger = ledger.New(st.ledger, s.logger)

	// Sessions
	s.authMgr = auth.NewManager(st.auth, auth.Config{
		BotToken:   cfg.BotToken,
		JWTSecret:  cfg.JWTSecret,
		TokenTTL:   cfg.TokenTTL,
		InitMaxAge: cfg.InitDataMaxAge,
	})

	// Rates with configured fallbacks
	s.rates = rates.NewService(st.rates, cfg.RateMaxAge, s.logger)
	if cfg.FallbackCoinStable.IsPositive() {
		s.rates.SetFallback(rates.CoinStable, cfg.FallbackCoinStable)
	}
	if cfg.FallbackStablePoints.IsPositive() {
		s.rates.SetFallback(rates.StablePoints, cfg.FallbackStablePoints)
	}
	s.refresher = rates.NewRefresher(s.rates, cfg.RateSchedule, s.logger,
		rates.NewCoinGecko(cfg.CoinGeckoID),
		rates.NewStarsRate(),
	)

	// Marketplace
	s.catalog = catalog.NewService(st.catalog, s.logger)
	s.orders = orders.NewService(st.orders, s.ledger, s.catalog, s.rates, cfg.BotUsername, s.logger)
	s.orders.SetNotifier(notifier)

	var checker orders.PlacementChecker
	if cfg.VerificationChatID != 0 {
		checker = telegram.NewPlacementChecker(s.telegram, cfg.VerificationChatID)
	}
	s.orderTimer = orders.NewTimer(s.orders, st.orders, s.ledger, checker, s.logger)

	policy := referral.DefaultPolicy()
	policy.BonusPoints = cfg.ReferralBonusPoints
	s.referrals = referral.NewService(st.referrals, s.ledger, s.authMgr, s.rates, policy, cfg.BotUsername, s.logger)
	s.authMgr.AddHook(s.referrals)
	s.orders.AddCompletionHook(s.referrals)

	// Points top-ups and exchange
	s.invoices = invoice.NewService(st.invoices, s.telegram, s.ledger, s.guard, notifier, s.logger)
	s.webhook = invoice.NewWebhookHandler(s.invoices, s.telegram, cfg.WebhookSecret, s.logger)
	s.exchange = exchange.NewService(s.ledger, s.rates, s.logger)

	// Withdrawal routes are only mounted when a processor exists; admin
	// listing works either way.
	s.withdrawalStore = st.withdrawals
	s.withdrawals = withdrawal.NewService(st.withdrawals, s.ledger, withdrawal.DefaultPolicies(), s.logger)

	// Realtime and event bus observe the ledger and completed orders
	s.realtimeHub = realtime.NewHub(s.logger)
	s.ledger.AddObserver(s.realtimeHub)
	s.orders.AddCompletionHook(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

	if len(cfg.KafkaBrokers) > 0 {
		s.bus = eventbus.New(eventbus.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger), s.logger)
		s.ledger.AddObserver(s.bus)
		s.orders.AddCompletionHook(s.bus)
		s.logger.Info("event bus enabled", "brokers", len(cfg.KafkaBrokers), "topic", cfg.KafkaTopic)
	}

	// Deposits
	s.attributor = watcher.NewAttributor(st.watcher, s.ledger, s.logger)
	routingCfg := routing.Config{ChainID: cfg.ChainID, TokenContract: cfg.StableContract}
	if cfg.ChainEnabled() {
		if err := s.dialChain(); err != nil {
			return nil, err
		}
		routingCfg.CoinAddress = s.wallet.Address()
		routingCfg.StableAddress = s.wallet.Address()
	} else {
		s.logger.Warn("no platform key configured, deposits and payouts disabled")
	}
	s.routing = routing.NewService(st.routing, routingCfg)
	if s.wallet != nil {
		if err := s.setupChainWorkers(st, notifier); err != nil {
			return nil, err
		}
	}

	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStores picks Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) openStores(ctx context.Context) (*stores, error) {
	if s.cfg.DatabaseURL == "" {
		guardStore := idempotency.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return &stores{
			auth:        auth.NewMemoryStore(),
			idempotency: guardStore,
			ledger:      ledger.NewMemoryStore(idempotency.NewGuard(guardStore)),
			rates:       rates.NewMemoryStore(),
			catalog:     catalog.NewMemoryStore(),
			orders:      orders.NewMemoryStore(),
			invoices:    invoice.NewMemoryStore(),
			referrals:   referral.NewMemoryStore(),
			routing:     routing.NewMemoryStore(),
			watcher:     watcher.NewMemoryStore(),
			withdrawals: withdrawal.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	if err := metrics.RegisterDB(db, "admarket"); err != nil {
		s.logger.Warn("db pool metrics unavailable", "error", err)
	}

	st := &stores{
		auth:        auth.NewPostgresStore(db),
		idempotency: idempotency.NewPostgresStore(db),
		ledger:      ledger.NewPostgresStore(db),
		rates:       rates.NewPostgresStore(db),
		catalog:     catalog.NewPostgresStore(db),
		orders:      orders.NewPostgresStore(db),
		invoices:    invoice.NewPostgresStore(db),
		referrals:   referral.NewPostgresStore(db),
		routing:     routing.NewPostgresStore(db),
		watcher:     watcher.NewPostgresStore(db),
		withdrawals: withdrawal.NewPostgresStore(db),
	}

	// Schemas are owned by cmd/migrate; this only fills gaps in dev databases.
	for name, m := range map[string]any{
		"auth": st.auth, "idempotency": st.idempotency, "ledger": st.ledger,
		"rates": st.rates, "catalog": st.catalog, "orders": st.orders,
		"invoice": st.invoices, "referral": st.referrals, "routing": st.routing,
		"watcher": st.watcher, "withdrawal": st.withdrawals,
	} {
		if mg, ok := m.(migrator); ok {
			if err := mg.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate store", "store", name, "error", err)
			}
		}
	}
	return st, nil
}

// dialChain connects to the node and opens the platform hot wallet.
func (s *Server) dialChain() error {
	node, err := chain.Dial(s.cfg.RPCURL, s.cfg.Confirmations, s.nodeOpts...)
	if err != nil {
		return fmt.Errorf("failed to dial chain node: %w", err)
	}
	s.node = node

	w, err := chain.NewWallet(node, chain.WalletConfig{
		PrivateKey:    s.cfg.PlatformPrivateKey,
		TokenContract: s.cfg.StableContract,
	})
	if err != nil {
		return fmt.Errorf("failed to create platform wallet: %w", err)
	}
	s.wallet = w
	return nil
}

// setupChainWorkers builds one deposit watcher per on-chain currency, the
// withdrawal processor and reconciliation.
func (s *Server) setupChainWorkers(st *stores, notifier withdrawal.Notifier) error {
	platform := s.wallet.Address()
	var lease watcher.Lease
	if s.redis != nil {
		lease = watcher.NewRedisLease(s.redis)
	}

	native, err := chain.NewNativeSource(s.node, platform)
	if err != nil {
		return fmt.Errorf("failed to create coin source: %w", err)
	}
	token, err := chain.NewTokenSource(s.node, s.cfg.StableContract, platform)
	if err != nil {
		return fmt.Errorf("failed to create stable source: %w", err)
	}
	s.watchers = map[money.Currency]*watcher.Watcher{
		money.Coin: watcher.New(native, s.routing, s.ledger, st.watcher, lease,
			watcher.Config{PollInterval: s.cfg.CoinPollInterval}, s.logger),
		money.Stable: watcher.New(token, s.routing, s.ledger, st.watcher, lease,
			watcher.Config{PollInterval: s.cfg.StablePollInterval}, s.logger),
	}

	procCfg := withdrawal.DefaultProcessorConfig()
	procCfg.Interval = s.cfg.WithdrawInterval
	s.processor = withdrawal.NewProcessor(s.withdrawals, s.wallet, notifier, procCfg, s.logger)

	recon := reconciliation.NewService(s.ledger, s.wallet)
	recon.AddLiability(s.orders.Escrowed)
	recon.AddLiability(s.withdrawals.InFlight)
	s.reconciler = reconciliation.NewRunner(recon, []money.Currency{money.Coin, money.Stable}, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.cfg.ReconcileInterval, s.logger)

	s.logger.Info("chain enabled",
		"chainId", s.cfg.ChainID,
		"platform", platform,
		"stable", s.cfg.StableContract,
		"confirmations", s.cfg.Confirmations,
	)
	return nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("order_timer", health.Worker("order_timer", s.orderTimer.Running))
	s.health.Register("rate_refresher", health.Worker("rate_refresher", s.refresher.Running))
	for c, w := range s.watchers {
		name := "deposit_watcher_" + string(c)
		s.health.Register(name, health.Worker(name, w.Running))
	}
	if s.processor != nil {
		s.health.Register("withdrawal_processor", health.Worker("withdrawal_processor", s.processor.Running))
	}
	if s.bus != nil {
		s.health.Register("event_bus", health.Worker("event_bus", s.bus.Running))
	}
	if s.reconcileTimer != nil {
		s.health.Register("reconciliation", health.Worker("reconciliation", s.reconcileTimer.Running))
		s.health.Register("solvency", func(context.Context) health.Status {
			if s.reconcileTimer.Solvent() {
				return health.Status{Name: "solvency", Healthy: true}
			}
			return health.Status{Name: "solvency", Healthy: false, Detail: "last reconciliation found a shortfall or mismatch"}
		})
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Request ID first so recovery and access logs carry it
	s.router.Use(logging.RequestIDMiddleware(s.logger))

	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.FullPath(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(logging.AccessLogMiddleware())

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// The Mini App is served from its own origin
	s.router.Use(security.CORSMiddleware(nil))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler(s.cfg.Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Bot webhook, authenticated by Telegram's secret header
	s.webhook.RegisterRoutes(s.router.Group(""))

	// WebSocket for balance and order events
	s.router.GET("/ws", auth.Middleware(s.authMgr), s.realtimeHub.Handler(s.authMgr))

	// Rate limiting keys on the session user, so it runs after auth
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		WritesPerMinute:   s.cfg.RateLimitWriteRPM,
		CleanupInterval:   time.Minute,
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr), s.rateLimiter.Middleware())
	v1.GET("/platform", s.platformHandler)

	// Public
	auth.NewHandler(s.authMgr).RegisterRoutes(v1)
	rates.NewHandler(s.rates).RegisterRoutes(v1)

	// Session required
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	auth.NewHandler(s.authMgr).RegisterProtectedRoutes(protected)
	ledger.NewHandler(s.ledger).RegisterRoutes(protected)
	catalog.NewHandler(s.catalog).RegisterRoutes(protected)
	orders.NewHandler(s.orders).RegisterRoutes(protected)
	invoice.NewHandler(s.invoices).RegisterRoutes(protected)
	exchange.NewHandler(s.exchange).RegisterRoutes(protected)
	if s.processor != nil {
		withdrawal.NewHandler(s.withdrawals).RegisterRoutes(protected)
	}
	routing.NewHandler(s.routing).RegisterRoutes(protected)
	referral.NewHandler(s.referrals).RegisterRoutes(protected)

	// Server-to-server invoice settlement callback
	if s.cfg.CallbackSecret != "" {
		callbacks := v1.Group("/internal")
		callbacks.Use(security.SignatureMiddleware(s.cfg.CallbackSecret, callbackTolerance))
		invoice.NewHandler(s.invoices).RegisterCallbackRoutes(callbacks)
	}

	// Operator endpoints
	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminToken))
	deposits := v1.Group("/admin")
	deposits.Use(auth.RequireAdmin(s.cfg.AdminToken))
	adminHandler := admin.NewHandler().
		WithOrders(s.orders).
		WithWithdrawals(s.withdrawalStore)
	if s.reconciler != nil {
		adminHandler = adminHandler.WithReconciler(s.reconciler)
	}
	adminHandler.RegisterRoutes(adminGroup)
	watcher.NewHandler(s.attributor).RegisterAdminRoutes(deposits)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// platformHandler returns what the Mini App needs before sign-in.
func (s *Server) platformHandler(c *gin.Context) {
	currencies := []money.Currency{money.Points}
	platform := ""
	if s.wallet != nil {
		currencies = append(currencies, money.Coin, money.Stable)
		platform = s.wallet.Address()
	}
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":        "admarket",
			"version":     s.cfg.Version,
			"bot":         s.cfg.BotUsername,
			"chainId":     s.cfg.ChainID,
			"address":     platform,
			"currencies":  currencies,
			"withdrawals": s.processor != nil,
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startWorkers launches every background loop on ctx.
func (s *Server) startWorkers(ctx context.Context) {
	s.goWorker(func() { s.realtimeHub.Run(ctx) })
	s.goWorker(func() { s.orderTimer.Start(ctx) })
	s.goWorker(func() {
		if err := s.refresher.Start(ctx); err != nil {
			s.logger.Error("rate refresher failed", "error", err)
		}
	})
	if s.bus != nil {
		s.goWorker(func() { s.bus.Run(ctx) })
	}
	for _, w := range s.watchers {
		s.goWorker(func() { w.Start(ctx) })
	}
	if s.processor != nil {
		s.goWorker(func() { s.processor.Start(ctx) })
	}
	if s.reconcileTimer != nil {
		s.goWorker(func() { s.reconcileTimer.Start(ctx) })
	}
}

func (s *Server) goWorker(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop background loops after in-flight requests finished
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("background workers stopped")
	case <-ctx.Done():
		s.logger.Warn("background workers did not stop in time")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.node != nil {
		s.node.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
