// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/payclaw/payclaw/internal/admin"
	"github.com/payclaw/payclaw/internal/auth"
	"github.com/payclaw/payclaw/internal/card"
	"github.com/payclaw/payclaw/internal/chain"
	"github.com/payclaw/payclaw/internal/circuitbreaker"
	"github.com/payclaw/payclaw/internal/config"
	"github.com/payclaw/payclaw/internal/health"
	"github.com/payclaw/payclaw/internal/issuer"
	"github.com/payclaw/payclaw/internal/logging"
	"github.com/payclaw/payclaw/internal/metrics"
	"github.com/payclaw/payclaw/internal/payment"
	"github.com/payclaw/payclaw/internal/ratelimit"
	"github.com/payclaw/payclaw/internal/realtime"
	"github.com/payclaw/payclaw/internal/reconciliation"
	"github.com/payclaw/payclaw/internal/security"
	"github.com/payclaw/payclaw/internal/session"
	"github.com/payclaw/payclaw/internal/traces"
	"github.com/payclaw/payclaw/internal/validation"
	"github.com/payclaw/payclaw/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	sessions       *session.Manager
	sweeper        *session.Sweeper
	store          card.Store
	verifier       payment.DepositVerifier
	disperser      payment.RefundDisperser
	gateway        issuer.Gateway
	payments       *payment.Service
	recon          *reconciliation.Service
	realtimeHub    *realtime.Hub
	depositWatcher *watcher.Watcher
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger

	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	closers        []interface{ Close() error }

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

// WithVerifier sets a custom deposit verifier (for testing)
func WithVerifier(v payment.DepositVerifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithDisperser sets a custom refund disperser (for testing)
func WithDisperser(d payment.RefundDisperser) Option {
	return func(s *Server) {
		s.disperser = d
	}
}

// WithGateway sets a custom card issuing gateway (for testing)
func WithGateway(g issuer.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may inject verifier/disperser/gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Card ledger (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		store := card.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate card ledger", "error", err)
		}

		s.db = db
		s.store = store
		s.logger.Info("using PostgreSQL card ledger", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = card.NewMemoryStore()
		s.logger.Info("using in-memory card ledger (data will not persist)")
	}

	// Payment sessions live in memory; they expire within minutes either way
	s.sessions = session.NewManager()
	s.sweeper = session.NewSweeper(s.sessions, s.logger)

	// Chain verifier and refund disperser need the escrow contract
	chainMode := s.verifier == nil && cfg.ContractsConfigured()
	if chainMode {
		v, err := chain.NewVerifier(chain.VerifierConfig{
			RPCURL:         cfg.RPCURL,
			EscrowContract: cfg.EscrowContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create deposit verifier: %w", err)
		}
		s.verifier = v
		s.closers = append(s.closers, v)
		s.logger.Info("deposit verification enabled",
			"escrow", cfg.EscrowContract, "chain_id", cfg.ChainID)
	}

	if s.disperser == nil && cfg.ContractsConfigured() {
		d, err := chain.NewDisperser(chain.DisperserConfig{
			RPCURL:         cfg.RPCURL,
			EscrowContract: cfg.EscrowContract,
			PrivateKey:     cfg.PlatformPrivateKey,
			ChainID:        cfg.ChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create refund disperser: %w", err)
		}
		s.disperser = d
		s.closers = append(s.closers, d)
		if d.CanRefund() {
			s.logger.Info("on-chain refunds enabled", "platform", d.Address())
		} else {
			s.logger.Warn("on-chain refunds disabled, no platform key configured")
		}
	}

	// Card issuing gateway, behind a circuit breaker so a struggling
	// provider sheds load instead of stalling confirm calls
	if s.gateway == nil && cfg.IssuerAPIKey != "" {
		g, err := issuer.NewStripeGateway(cfg.IssuerAPIKey, cfg.IssuerCardholder)
		if err != nil {
			return nil, fmt.Errorf("failed to create issuing gateway: %w", err)
		}
		s.gateway = issuer.WithBreaker(g, circuitbreaker.New(5, 30*time.Second))
		s.logger.Info("card issuance enabled", "cardholder", cfg.IssuerCardholder)
	}
	if s.gateway == nil {
		s.logger.Warn("card issuance disabled, no issuer API key configured")
	}

	// Realtime hub for WebSocket card lifecycle streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Deposit watcher streams escrow deposits to dashboard clients as they
	// land, before the agent calls confirm
	if chainMode {
		wcfg := watcher.DefaultConfig()
		wcfg.RPCURL = cfg.RPCURL
		wcfg.EscrowContract = common.HexToAddress(cfg.EscrowContract)
		dw, err := watcher.New(wcfg, s.realtimeHub, s.logger)
		if err != nil {
			s.logger.Warn("deposit watcher disabled", "error", err)
		} else {
			s.depositWatcher = dw
		}
	}

	// Ledger-vs-escrow reconciliation needs to read the token balance
	if chainMode {
		br, err := chain.NewBalanceReader(cfg.RPCURL,
			common.HexToAddress(cfg.TokenContract),
			common.HexToAddress(cfg.EscrowContract))
		if err != nil {
			s.logger.Warn("on-chain reconciliation disabled", "error", err)
		} else {
			s.recon = reconciliation.NewService(s.store, br)
		}
	}

	s.payments = payment.NewService(payment.Config{
		EscrowContract: cfg.EscrowContract,
		TokenContract:  cfg.TokenContract,
		ChainID:        cfg.ChainID,
	}, s.sessions, s.store, s.verifier, s.disperser, s.gateway, s.realtimeHub)

	s.registerHealthChecks()

	// Tracing (no-op without an OTLP endpoint)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

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

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.checks.Register("chain", func(ctx context.Context) health.Status {
		if s.verifier == nil {
			return health.Status{Name: "chain", Healthy: false, Detail: "escrow contracts not configured"}
		}
		return health.Status{Name: "chain", Healthy: true}
	})

	s.checks.Register("issuer", func(ctx context.Context) health.Status {
		if s.gateway == nil {
			return health.Status{Name: "issuer", Healthy: false, Detail: "issuer API key not configured"}
		}
		return health.Status{Name: "issuer", Healthy: true}
	})
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
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		// Log level based on status code
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
			logger.Info("request completed",
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for card lifecycle streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	api := s.router.Group("/api/v1")

	paymentHandler := payment.NewHandler(s.payments, s.gateway)

	// PUBLIC ROUTES (no auth required): ledger projections
	paymentHandler.RegisterRoutes(api)
	api.GET("/platform", s.platformHandler)

	// PROTECTED ROUTES (require the platform API key): everything that
	// opens sessions, claims deposits, or moves card state
	protected := api.Group("")
	protected.Use(auth.RequireKey(s.cfg.APIKey))
	paymentHandler.RegisterProtectedRoutes(protected)

	// Operator endpoints share the platform API key
	admin.NewHandler(s.payments, s.recon).RegisterRoutes(protected)

	// Issuer settlement webhook authenticates with its own HMAC signature
	webhookHandler := payment.NewWebhookHandler(s.payments, s.cfg.IssuerWebhookSecret)
	webhookHandler.RegisterRoutes(s.router.Group("/webhooks"))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Payclaw",
		"description": "USDC escrow to virtual card bridge for AI agents",
		"version":     "0.1.0",
		"currency":    "USDC",
		"chain_id":    s.cfg.ChainID,
	})
}

// platformHandler returns deposit instructions and contract addresses
func (s *Server) platformHandler(c *gin.Context) {
	refundsEnabled := s.disperser != nil && s.disperser.CanRefund()

	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":           "Payclaw",
			"version":        "0.1.0",
			"chainId":        s.cfg.ChainID,
			"escrowContract": s.cfg.EscrowContract,
			"tokenContract":  s.cfg.TokenContract,
			"refundsEnabled": refundsEnabled,
		},
		"instructions": gin.H{
			"initiate": "POST /api/v1/payment/initiate with amount_usd; deposit the returned required_amount of USDC into the escrow contract with your session id",
			"confirm":  "POST /api/v1/payment/confirm with session_id and the deposit tx hash to receive a single-use virtual card",
			"watch":    "Connect to /ws to stream deposit and card lifecycle events",
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start expired-session sweeper
	go s.sweeper.Start(runCtx)

	// Start the escrow deposit watcher
	if s.depositWatcher != nil {
		if err := s.depositWatcher.Start(runCtx); err != nil {
			s.logger.Warn("deposit watcher failed to start", "error", err)
			s.depositWatcher = nil
		}
	}

	// Sample DB pool stats for Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the session sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("session sweeper stopped")
	}

	// Stop the deposit watcher
	if s.depositWatcher != nil {
		s.depositWatcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close chain clients
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Error("close error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
