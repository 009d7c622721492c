// Package server wires the staking engine to its stores, tokens and HTTP routes.
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
	"github.com/holiman/uint256"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/epochstake/internal/access"
	"github.com/mbd888/epochstake/internal/admin"
	"github.com/mbd888/epochstake/internal/auth"
	"github.com/mbd888/epochstake/internal/circuitbreaker"
	"github.com/mbd888/epochstake/internal/config"
	"github.com/mbd888/epochstake/internal/epoch"
	"github.com/mbd888/epochstake/internal/health"
	"github.com/mbd888/epochstake/internal/idgen"
	"github.com/mbd888/epochstake/internal/ledger"
	"github.com/mbd888/epochstake/internal/logging"
	"github.com/mbd888/epochstake/internal/metrics"
	"github.com/mbd888/epochstake/internal/ratelimit"
	"github.com/mbd888/epochstake/internal/reconciliation"
	"github.com/mbd888/epochstake/internal/retry"
	"github.com/mbd888/epochstake/internal/security"
	"github.com/mbd888/epochstake/internal/staking"
	"github.com/mbd888/epochstake/internal/token"
	"github.com/mbd888/epochstake/internal/traces"
	"github.com/mbd888/epochstake/internal/validation"
	"github.com/mbd888/epochstake/internal/vault"
	"github.com/mbd888/epochstake/migrations"
)

// Version is set at build time with -ldflags "-X .../internal/server.Version=...".
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	clock  epoch.Clock
	db     *sql.DB // nil if using in-memory
	dbStop func()
	logger *slog.Logger

	epochs     *epoch.Source
	ledger     ledger.Store
	vaultStore vault.Store
	vault      *vault.Vault
	gate       *access.Gate
	engine     *staking.Engine
	reporter   *staking.Reporter
	reconciler *reconciliation.Runner
	reconTimer *reconciliation.Timer
	health     *health.Registry

	tokens        *tokenSet
	rateLimiter   *ratelimit.Limiter
	traceShutdown func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc

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

// WithClock sets the clock epochs are read from (for testing)
func WithClock(clock epoch.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		clock:  epoch.SystemClock{},
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.OTELSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.openStores(ctx); err != nil {
		return nil, err
	}

	tokens, err := s.openTokens()
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.tokens = tokens

	if err := s.buildEngine(); err != nil {
		s.closeTokens()
		s.closeDB()
		return nil, err
	}

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
func (s *Server) openStores(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.ledger = ledger.NewMemoryStore()
		s.vaultStore = vault.NewMemoryStore()
		s.gate = access.NewGate(access.NewMemoryStore(), s.adminAddress(), s.logger)
		s.logger.Info("using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := retry.DB.Do(pingCtx, func() error {
		return db.PingContext(pingCtx)
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	if stop, err := metrics.RegisterDB(db, "epochstake"); err != nil {
		s.logger.Warn("db stats not exported", "error", err)
	} else {
		s.dbStop = stop
	}

	s.db = db
	s.ledger = ledger.NewPostgresStore(db)
	s.vaultStore = vault.NewPostgresStore(db)
	s.gate = access.NewGate(access.NewPostgresStore(db), s.adminAddress(), s.logger)
	s.health.Register("database", health.Database(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	if s.cfg.EpochOrigin.IsZero() {
		s.logger.Warn("EPOCH_ORIGIN unset with persistent storage; epochs restart at every boot")
	}
	return nil
}

// buildEngine assembles the epoch source, schedule, vault payer and engine
// once storage and tokens are open.
func (s *Server) buildEngine() error {
	origin := s.cfg.EpochOrigin
	if origin.IsZero() {
		origin = s.clock.Now()
	}
	epochs, err := epoch.New(origin, s.cfg.EpochLength, s.clock)
	if err != nil {
		return fmt.Errorf("invalid epoch settings: %w", err)
	}
	s.epochs = epochs

	schedule, err := staking.ParseSchedule(s.cfg.RateSchedule)
	if err != nil {
		return fmt.Errorf("invalid RATE_SCHEDULE: %w", err)
	}

	s.vault = vault.New(s.vaultStore, s.tokens.rewardPayer, s.logger, s.tokens.vaultOptions()...)

	engine, err := staking.NewEngine(staking.Config{
		Ledger:     s.ledger,
		Vault:      s.vault,
		Gate:       s.gate,
		Epochs:     epochs,
		Schedule:   schedule,
		Collateral: s.tokens.collateral,
		Custody:    s.tokens.custody,
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}
	s.engine = engine
	s.reporter = staking.NewReporter(engine, s.ledger, s.cfg.ReportInterval, s.logger)

	s.reconciler = reconciliation.NewRunner(s.vaultStore, s.ledger, s.logger).
		WithCollateral(s.tokens.collateralReader, s.tokens.custody).
		WithRewardToken(s.tokens.rewardReader, s.tokens.vaultAddr)
	interval := s.cfg.ReconcileInterval
	if interval <= 0 {
		interval = config.DefaultReconcileInterval
	}
	s.reconTimer = reconciliation.NewTimer(s.reconciler, interval, s.logger)

	s.health.Register("epoch", health.Epoch(epochs.Current))
	s.health.Register("reconciliation_freshness", health.Freshness("reconciliation_freshness", s.lastReconciliation, 3*interval))

	s.logger.Info("staking engine ready",
		"origin", origin.UTC().Format(time.RFC3339),
		"epoch_length", s.cfg.EpochLength.String(),
		"schedule", schedule.String(),
		"custody", s.tokens.custody.Hex(),
		"vault", s.tokens.vaultAddr.Hex(),
		"admin", s.adminAddress().Hex(),
	)
	return nil
}

func (s *Server) lastReconciliation() time.Time {
	if r := s.reconciler.Last(); r != nil {
		return r.Timestamp
	}
	return time.Time{}
}

func (s *Server) adminAddress() common.Address {
	return common.HexToAddress(s.cfg.AdminAddress)
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
// Tokens
// -----------------------------------------------------------------------------

// tokenSet holds the engine's view of the collateral and reward tokens.
type tokenSet struct {
	collateral       staking.Collateral
	collateralReader token.BalanceReader
	rewardPayer      token.Transferer
	rewardReader     token.BalanceReader
	custody          common.Address
	vaultAddr        common.Address

	// dev is set when the tokens are in-process.
	dev *devTokens

	closers []func() error
}

type devTokens struct {
	collateral *token.MemoryToken
	reward     *token.MemoryToken
}

// vaultOptions mints reward into the vault on funding when the reward token
// is in-process. On chain the operator transfers tokens to the vault first.
func (t *tokenSet) vaultOptions() []vault.Option {
	if t.dev == nil {
		return nil
	}
	reward, holder := t.dev.reward, t.vaultAddr
	return []vault.Option{vault.WithFundingHook(func(_ context.Context, amt *uint256.Int) error {
		return reward.Mint(holder, amt)
	})}
}

func (s *Server) openTokens() (*tokenSet, error) {
	if !s.cfg.OnChain() {
		collateral := token.NewMemoryToken("STK")
		reward := token.NewMemoryToken("RWD")
		custody := common.HexToAddress(s.cfg.CustodyAddress)
		vaultAddr := common.HexToAddress(s.cfg.VaultAddress)
		s.logger.Warn("using in-process tokens (development mode)")
		return &tokenSet{
			collateral:       collateral.As(custody),
			collateralReader: collateral,
			rewardPayer:      reward.As(vaultAddr),
			rewardReader:     reward,
			custody:          custody,
			vaultAddr:        vaultAddr,
			dev:              &devTokens{collateral: collateral, reward: reward},
		}, nil
	}

	opt := token.WithConfirmation(s.cfg.TxTimeout, 2*time.Second)
	collateral, err := token.NewERC20(token.Config{
		RPCURL:     s.cfg.RPCURL,
		PrivateKey: s.cfg.PrivateKey,
		ChainID:    s.cfg.ChainID,
		Contract:   s.cfg.CollateralToken,
	}, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to open collateral token: %w", err)
	}
	reward, err := token.NewERC20(token.Config{
		RPCURL:     s.cfg.RPCURL,
		PrivateKey: s.cfg.VaultPrivateKey,
		ChainID:    s.cfg.ChainID,
		Contract:   s.cfg.RewardToken,
	}, opt)
	if err != nil {
		_ = collateral.Close()
		return nil, fmt.Errorf("failed to open reward token: %w", err)
	}

	// One breaker for both tokens; keys are per token and operation.
	breaker := circuitbreaker.New(5, 30*time.Second, s.logger)
	guardedCollateral := token.GuardCollateral(collateral, breaker, "collateral")
	guardedReward := token.GuardReward(reward, breaker, "reward")

	s.logger.Info("using on-chain tokens",
		"chain_id", s.cfg.ChainID,
		"collateral", collateral.Contract().Hex(),
		"reward", reward.Contract().Hex(),
	)
	return &tokenSet{
		collateral:       guardedCollateral,
		collateralReader: guardedCollateral,
		rewardPayer:      guardedReward,
		rewardReader:     guardedReward,
		custody:          collateral.Address(),
		vaultAddr:        reward.Address(),
		closers:          []func() error{collateral.Close, reward.Close},
	}, nil
}

func (s *Server) closeTokens() {
	if s.tokens == nil {
		return
	}
	for _, closeFn := range s.tokens.closers {
		if err := closeFn(); err != nil {
			s.logger.Error("token client close error", "error", err)
		}
	}
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if s.dbStop != nil {
		s.dbStop()
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	stakingHandler := staking.NewHandler(s.engine).WithAdmin(s.gate, s.vault)
	stakingHandler.RegisterRoutes(v1)

	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.adminAddress()))
	stakingHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler().
		WithReconciler(s.reconciler).
		WithHolds(&holdAdmin{vault: s.vault, released: s.reconTimer.Kick}).
		RegisterRoutes(adminGroup)

	if s.tokens.dev != nil {
		newDevHandler(s.tokens.dev.collateral, s.tokens.custody).RegisterRoutes(adminGroup)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// holdAdmin exposes the vault's open holds to the admin endpoints. A manual
// release schedules an early reconciliation.
type holdAdmin struct {
	vault    *vault.Vault
	released func()
}

func (h *holdAdmin) OpenHolds(ctx context.Context) ([]*vault.Hold, error) {
	return h.vault.Store().OpenHolds(ctx)
}

func (h *holdAdmin) ReleaseHold(ctx context.Context, ref string) error {
	if err := h.vault.Release(ctx, ref); err != nil {
		return err
	}
	if h.released != nil {
		h.released()
	}
	return nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

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
	if healthy, statuses := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "epochstake",
		"version":     Version,
		"env":         s.cfg.Env,
		"onChain":     s.cfg.OnChain(),
		"epochOrigin": s.epochs.Origin().UTC().Format(time.RFC3339),
		"epochLength": s.epochs.Length().String(),
		"schedule":    s.engine.Schedule().String(),
		"custody":     s.tokens.custody.Hex(),
		"vault":       s.tokens.vaultAddr.Hex(),
		"admin":       s.adminAddress().Hex(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.TxTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reporter.Start(runCtx)
	go s.reconTimer.Start(runCtx)
	s.health.Register("reconciliation", health.Loop("reconciliation", s.reconTimer.Running))

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconTimer.Stop()
	s.reporter.Stop()
	s.rateLimiter.Stop()
	s.logger.Info("background loops stopped")

	s.closeTokens()
	s.closeDB()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the staking engine.
func (s *Server) Engine() *staking.Engine {
	return s.engine
}
