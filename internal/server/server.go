// Package server wires the escrow ledger's stores, transfer backend and
// HTTP routes from configuration.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowledger/internal/auth"
	"github.com/mbd888/escrowledger/internal/config"
	"github.com/mbd888/escrowledger/internal/escrow"
	"github.com/mbd888/escrowledger/internal/health"
	"github.com/mbd888/escrowledger/internal/logging"
	"github.com/mbd888/escrowledger/internal/metrics"
	"github.com/mbd888/escrowledger/internal/nonce"
	"github.com/mbd888/escrowledger/internal/ratelimit"
	"github.com/mbd888/escrowledger/internal/realtime"
	"github.com/mbd888/escrowledger/internal/reconciliation"
	"github.com/mbd888/escrowledger/internal/retry"
	"github.com/mbd888/escrowledger/internal/security"
	"github.com/mbd888/escrowledger/internal/signature"
	"github.com/mbd888/escrowledger/internal/transfer"
	"github.com/mbd888/escrowledger/internal/validation"
	"github.com/mbd888/escrowledger/internal/webhooks"
)

// Version is reported by /health and /v1/info. Set by cmd/server.
var Version = "dev"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *sql.DB               // nil without DATABASE_URL
	rdb        redis.UniversalClient // nil without REDIS_URL
	transfers  escrow.Transferer
	book       *transfer.Book  // memory backend only
	erc20      *transfer.ERC20 // erc20 backend only
	service    *escrow.Service
	hub        *realtime.Hub
	hooks      webhooks.Store
	dispatcher *webhooks.Dispatcher
	reconciler *reconciliation.Service // nil when the backend cannot report custody
	health     *health.Registry
	ipLimiter  *ratelimit.Limiter
	callLimit  *ratelimit.Limiter
	router     *gin.Engine
	httpSrv    *http.Server
	drainDelay time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithTransferer replaces the configured transfer backend (for testing).
func WithTransferer(t escrow.Transferer) Option {
	return func(s *Server) {
		s.transfers = t
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(health.DefaultTimeout),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		ledger   escrow.Ledger
		events   escrow.EventLog
		policies escrow.PolicyStore
		nonces   nonce.Registry
	)

	if cfg.DatabaseURL != "" {
		db, err := s.openPostgres(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db
		ledger = escrow.NewPostgresStore(db)
		events = escrow.NewPostgresEventLog(db)
		policies = escrow.NewPostgresPolicyStore(db)
		nonces = nonce.NewPostgresRegistry(db)
		s.hooks = webhooks.NewPostgresStore(db)
		s.health.Register("postgres", db.PingContext)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledger = escrow.NewMemoryStore()
		events = escrow.NewMemoryEventLog()
		policies = escrow.NewMemoryPolicyStore()
		nonces = nonce.NewMemoryRegistry()
		s.hooks = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		rdb, err := s.openRedis(ctx)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.rdb = rdb
		nonces = nonce.NewRedisRegistry(rdb, nonce.DefaultRedisPrefix)
		s.health.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		s.logger.Info("using Redis nonce registry", "url", maskDSN(cfg.RedisURL))
	}

	if err := s.setupTransfers(); err != nil {
		s.closeStores()
		return nil, err
	}

	issuer := common.HexToAddress(cfg.IssuerAddress)
	s.hub = realtime.NewHub(s.logger)
	s.service = escrow.NewService(ledger, nonces, signature.NewIssuerVerifier(issuer), s.transfers, escrow.Policy{
		FeeBps:       uint16(cfg.FeeBps),
		FeeCollector: common.HexToAddress(cfg.FeeCollector),
		Admin:        issuer,
	}).
		WithEventLog(events).
		WithPolicyStore(policies).
		WithNotifier(s.hub).
		WithLogger(s.logger)

	hookOpts := []webhooks.Option{
		webhooks.WithLogger(s.logger),
		webhooks.WithWorkers(cfg.WebhookWorkers),
		webhooks.WithOrders(s.service),
	}
	if cfg.WebhookAllowPrivate {
		hookOpts = append(hookOpts, webhooks.AllowPrivateTargets())
	}
	s.dispatcher = webhooks.NewDispatcher(s.hooks, hookOpts...)
	s.service.WithNotifier(s.dispatcher)

	if custody, ok := s.transfers.(reconciliation.Custody); ok {
		s.reconciler = reconciliation.NewService(s.service, custody, cfg.TokenDecimals, s.logger)
	}

	if err := s.service.LoadPolicy(ctx); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("load fee policy: %w", err)
	}
	p := s.service.FeePolicy()
	s.logger.Info("escrow enabled",
		"issuer", issuer.Hex(),
		"custody", s.transfers.Custody().Hex(),
		"fee_bps", p.FeeBps,
		"fee_collector", p.FeeCollector.Hex(),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openPostgres(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	p := retry.StartupPolicy
	p.OnRetry = func(attempt int, err error) {
		s.logger.Warn("waiting for database", "attempt", attempt, "error", err)
	}
	if err := retry.Do(ctx, p, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *Server) openRedis(ctx context.Context) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	p := retry.StartupPolicy
	p.OnRetry = func(attempt int, err error) {
		s.logger.Warn("waiting for redis", "attempt", attempt, "error", err)
	}
	if err := retry.Do(ctx, p, func(ctx context.Context) error { return rdb.Ping(ctx).Err() }); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (s *Server) setupTransfers() error {
	if s.transfers != nil {
		if b, ok := s.transfers.(*transfer.Book); ok {
			s.book = b
		}
		return nil
	}

	switch s.cfg.TransferBackend {
	case config.TransferERC20:
		e, err := transfer.NewERC20(transfer.ERC20Config{
			RPCURL:              s.cfg.RPCURL,
			PrivateKey:          s.cfg.CustodyPrivateKey,
			ChainID:             s.cfg.ChainID,
			Token:               s.cfg.TokenContract,
			ConfirmationTimeout: s.cfg.ConfirmationTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create erc20 transferer: %w", err)
		}
		s.erc20 = e
		s.transfers = e
		s.health.Register("rpc", func(ctx context.Context) error {
			_, err := e.BalanceOf(ctx, e.Custody())
			return err
		})
		s.logger.Info("using on-chain transfers", "token", e.Token().Hex(), "chain_id", s.cfg.ChainID)
	default:
		s.book = transfer.NewBook(common.HexToAddress(s.cfg.CustodyAddress))
		s.transfers = s.book
		if s.db != nil {
			s.logger.Warn("in-memory balances with persistent orders: balances reset on restart")
		}
		s.logger.Info("using in-memory transfers (development only)")
	}
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.AccessLogMiddleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.ipLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMin * 2,
		BurstSize:         max(s.cfg.RateLimitPerMin/2, 1),
	})
	s.router.Use(s.ipLimiter.Middleware(ratelimit.ByIP))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.GET("/reconciliation", s.reconciliationHandler)

	h := escrow.NewHandler(s.service, s.cfg.TokenDecimals)
	h.RegisterRoutes(v1)

	s.callLimit = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMin,
		BurstSize:         max(s.cfg.RateLimitPerMin/6, 1),
	})
	protected := v1.Group("")
	protected.Use(auth.RequireCaller(auth.Options{MaxSkew: s.cfg.AuthMaxSkew}))
	protected.Use(s.callLimit.Middleware(ratelimit.ByCaller))
	h.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.hooks, s.dispatcher).RegisterProtectedRoutes(protected)

	if s.cfg.EnableDevFaucet && s.book != nil {
		dev := v1.Group("/dev")
		dev.POST("/fund", s.devFundHandler)
		dev.GET("/balances/:address", validation.AddressParamMiddleware(), s.devBalanceHandler)
		s.logger.Warn("development faucet enabled")
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      3 * time.Minute, // erc20 transfers wait for receipts
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.dispatcher.Run(runCtx)
	if s.reconciler != nil && s.cfg.ReconcileInterval > 0 {
		go s.reconciler.Run(runCtx, s.cfg.ReconcileInterval)
	}
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight requests have finished; stop the hub and collectors.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.ipLimiter.Stop()
	s.callLimit.Stop()
	if s.erc20 != nil {
		s.erc20.Close()
	}
	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the escrow service.
func (s *Server) Service() *escrow.Service {
	return s.service
}
