// Package server wires every component from one config and serves the HTTP API.
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

	"github.com/btcsuite/btcd/btcutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/bchescrow/internal/chain"
	"github.com/mbd888/bchescrow/internal/config"
	"github.com/mbd888/bchescrow/internal/custody"
	"github.com/mbd888/bchescrow/internal/dispute"
	"github.com/mbd888/bchescrow/internal/escrow"
	"github.com/mbd888/bchescrow/internal/health"
	"github.com/mbd888/bchescrow/internal/logging"
	"github.com/mbd888/bchescrow/internal/metrics"
	"github.com/mbd888/bchescrow/internal/ratelimit"
	"github.com/mbd888/bchescrow/internal/reconciler"
	"github.com/mbd888/bchescrow/internal/security"
	"github.com/mbd888/bchescrow/internal/traces"
	"github.com/mbd888/bchescrow/internal/users"
	"github.com/mbd888/bchescrow/internal/validation"
	"github.com/mbd888/bchescrow/internal/webhooks"
)

// lateDepositWindow is how long after expiry an escrow address is still
// watched for deposits that need refunding.
const lateDepositWindow = 7 * 24 * time.Hour

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil if using in-memory
	directory      users.Directory
	ledger         escrow.Ledger
	gateway        *chain.Gateway // nil when the ledger was injected
	nodes          []*chain.Node
	escrowService  *escrow.Service
	disputeService *dispute.Service
	ingestor       *webhooks.Ingestor
	scheduler      *reconciler.Scheduler
	subscriber     *chain.Subscriber
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	drainDelay     time.Duration
	stopTracing    func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithDirectory replaces the user directory (for testing)
func WithDirectory(d users.Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithLedger replaces the provider gateway (for testing)
func WithLedger(l escrow.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Custody fails closed on a bad key or network.
	network, err := custody.ParseNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	cipher, err := custody.NewKeyCipher(cfg.WalletEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("wallet encryption: %w", err)
	}
	custodian := custody.NewCustodian(network, cipher)

	if s.ledger == nil {
		if err := s.buildGateway(); err != nil {
			return nil, err
		}
	}

	var (
		escrowStore  escrow.Store
		disputeStore dispute.Store
		eventStore   webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		eventStore = webhooks.NewPostgresStore(db)
		if s.directory == nil {
			s.directory = users.NewPostgresDirectory(db)
		}
		s.health.Register("database", health.DB(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		eventStore = webhooks.NewMemoryStore()
		if s.directory == nil {
			s.directory = users.NewMemoryDirectory()
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.escrowService = escrow.NewService(escrowStore, s.ledger, custodian, s.directory, escrowPolicy(cfg), s.logger)
	s.disputeService = dispute.NewService(disputeStore, s.escrowService, cfg.IsArbiter, cfg.DisputeMinReasonLength, s.logger)
	s.ingestor = webhooks.NewIngestor(eventStore, s.escrowService, s.logger)

	s.scheduler = reconciler.NewScheduler(s.logger).
		Add(reconciler.NewPoller(s.escrowService, cfg.PollConcurrency, s.logger), cfg.PollInterval).
		Add(reconciler.NewRecoverySweep(s.escrowService, cfg.RecoveryStaleAfter, lateDepositWindow, s.logger), cfg.RecoveryInterval).
		Add(reconciler.NewExpirySweep(s.escrowService, s.logger), cfg.ExpiryInterval).
		Add(reconciler.NewPruner(s.ingestor, cfg.WebhookRetention, s.logger), cfg.PruneInterval)
	s.health.Register("scheduler", health.Running("scheduler", s.scheduler.Running))

	if cfg.LedgerWSURL != "" {
		s.subscriber = chain.NewSubscriber(cfg.LedgerWSURL, s.watchedAddresses, s.ingestor.HandleAddressEvent, s.logger)
		s.health.Register("ledger_ws", health.Running("ledger_ws", s.subscriber.Running))
		s.logger.Info("ledger push feed enabled")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	s.logger.Info("escrow engine configured",
		"network", cfg.Network,
		"providers", len(cfg.LedgerProviders),
		"jobs", s.scheduler.Jobs(),
		"arbiters", len(cfg.ArbiterIDs),
	)
	return s, nil
}

func (s *Server) buildGateway() error {
	providers := make([]chain.Provider, 0, len(s.cfg.LedgerProviders))
	for i, p := range s.cfg.LedgerProviders {
		name := fmt.Sprintf("%s-%d", p.Kind, i)
		switch p.Kind {
		case "blockbook":
			providers = append(providers, chain.NewBlockbook(name, p.URL, s.cfg.LedgerRateLimit, nil))
		case "node":
			node, err := chain.NewNode(name, p.URL)
			if err != nil {
				return fmt.Errorf("ledger provider %s: %w", name, err)
			}
			s.nodes = append(s.nodes, node)
			providers = append(providers, node)
		default:
			return fmt.Errorf("unknown ledger provider kind %q", p.Kind)
		}
	}
	s.gateway = chain.NewGateway(providers, s.cfg.LedgerTimeout, s.logger)
	s.ledger = s.gateway
	s.health.Register("ledger", health.Ledger(s.gateway))
	return nil
}

func escrowPolicy(cfg *config.Config) escrow.Policy {
	p := escrow.DefaultPolicy()
	p.MinerFee = btcutil.Amount(cfg.MinerFeeSats)
	p.MinConfirmations = cfg.MinConfirmations
	p.ReleaseMinConfirmations = cfg.ReleaseMinConfirmations
	p.DefaultExpiry = time.Duration(cfg.DefaultExpiryHours) * time.Hour
	p.MaxExpiry = time.Duration(cfg.MaxExpiryHours) * time.Hour
	return p
}

// watchedAddresses feeds the websocket subscriber: every address that can
// still receive money the engine has to act on.
func (s *Server) watchedAddresses(ctx context.Context) ([]string, error) {
	list, err := s.escrowService.List(ctx, escrow.ListFilter{
		Statuses: []escrow.Status{escrow.StatusAwaitingFunding, escrow.StatusFundingInProgress},
	})
	if err != nil {
		return nil, err
	}
	expired, err := s.escrowService.List(ctx, escrow.ListFilter{
		Statuses:     []escrow.Status{escrow.StatusExpired},
		ExpiresAfter: time.Now().Add(-lateDepositWindow),
	})
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(list)+len(expired))
	for _, e := range append(list, expired...) {
		if e.Address != "" {
			addrs = append(addrs, e.Address)
		}
	}
	return addrs, nil
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
			"error":     "INTERNAL_ERROR",
			"message":   "internal error",
			"retryable": false,
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = max(s.cfg.RateLimitRPM/6, 1)
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Upstream ids are kept when they fit in a log line.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if actor := c.GetHeader(validation.ActorHeader); actor != "" {
			attrs = append(attrs, "actor", actor)
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	// Push notifications authenticate by signature.
	if s.cfg.WebhookSecret != "" {
		webhooks.NewHandler(s.ingestor, s.cfg.WebhookSecret).RegisterRoutes(v1)
	} else {
		s.logger.Info("webhook ingest disabled (no WEBHOOK_SECRET)")
	}

	actors := v1.Group("", validation.RequireActor())
	escrow.NewHandler(s.escrowService).RegisterRoutes(actors)
	dispute.NewHandler(s.disputeService).RegisterRoutes(actors)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Checks:    checks,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background jobs with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "network", s.cfg.Network)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.scheduler.Start(runCtx)

	if s.subscriber != nil {
		go s.subscriber.Run(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight requests finish before
// the jobs and the database are stopped.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.scheduler.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("background jobs stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	for _, n := range s.nodes {
		n.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Scheduler returns the background job scheduler.
func (s *Server) Scheduler() *reconciler.Scheduler {
	return s.scheduler
}
