package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trading-brain/internal/auth"
	"trading-brain/internal/brain"
	"trading-brain/internal/circuit"
	"trading-brain/internal/domain"
	"trading-brain/internal/governance"
	"trading-brain/internal/performance"
	"trading-brain/internal/reconcile"
)

// Config holds the HTTP server settings. Zero values fall back to
// production-safe defaults.
type Config struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ProductionMode  bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SignalRate      float64 // sustained signals/sec per phase
	SignalBurst     int
	AuthEnabled     bool
	JWTSecret       string
	TokenDuration   time.Duration
	OperatorKeyHash string
	WebhookSecret   string
	DashboardTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8090
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.SignalRate == 0 {
		c.SignalRate = 50
	}
	if c.SignalBurst == 0 {
		c.SignalBurst = 100
	}
	if c.TokenDuration == 0 {
		c.TokenDuration = 12 * time.Hour
	}
	if c.DashboardTTL == 0 {
		c.DashboardTTL = 2 * time.Second
	}
	return c
}

// RebuildFunc replays the event log into fresh read models. Nil hides the
// rebuild endpoint (no durable store to rebuild).
type RebuildFunc func(ctx context.Context) (brain.RebuildReport, error)

// HealthChecker reports backing-store health for /healthz. The database
// handle satisfies it; nil means no external dependency to probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server exposes the operator surface: signal ingress, status reads, the
// websocket stream and the guarded admin actions.
type Server struct {
	cfg        Config
	proc       *brain.Processor
	breaker    *circuit.Breaker
	governor   *governance.Governor
	confidence *reconcile.ConfidenceTracker
	perf       *performance.Tracker
	metricsH   http.Handler
	rebuild    RebuildFunc
	health     HealthChecker
	authSvc    *auth.Service
	tokens     *auth.TokenManager
	hub        *Hub
	clock      domain.Clock
	logger     zerolog.Logger

	limiters map[domain.PhaseID]*rate.Limiter

	router     *gin.Engine
	httpServer *http.Server

	dashMu      sync.Mutex
	dashExpires time.Time
	dashBody    gin.H
}

// NewServer wires the router. The metrics handler, rebuild hook and health
// checker may each be nil when the corresponding backend is disabled.
func NewServer(
	cfg Config,
	proc *brain.Processor,
	breaker *circuit.Breaker,
	governor *governance.Governor,
	confidence *reconcile.ConfidenceTracker,
	perf *performance.Tracker,
	metricsHandler http.Handler,
	rebuild RebuildFunc,
	health HealthChecker,
	clock domain.Clock,
	logger zerolog.Logger,
) *Server {
	cfg = cfg.withDefaults()

	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Signature"}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
	} else {
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	limiters := make(map[domain.PhaseID]*rate.Limiter, len(domain.AllPhases))
	for _, phase := range domain.AllPhases {
		limiters[phase] = rate.NewLimiter(rate.Limit(cfg.SignalRate), cfg.SignalBurst)
	}

	s := &Server{
		cfg:        cfg,
		proc:       proc,
		breaker:    breaker,
		governor:   governor,
		confidence: confidence,
		perf:       perf,
		metricsH:   metricsHandler,
		rebuild:    rebuild,
		health:     health,
		hub:        NewHub(clock, logger),
		clock:      clock,
		logger:     logger.With().Str("component", "HTTPServer").Logger(),
		limiters:   limiters,
		router:     router,
	}

	if cfg.AuthEnabled {
		s.tokens = auth.NewTokenManager(cfg.JWTSecret, cfg.TokenDuration, clock)
		s.authSvc = auth.NewService(s.tokens, cfg.OperatorKeyHash, logger)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	if s.metricsH != nil {
		s.router.GET("/metrics", gin.WrapH(s.metricsH))
	}
	if s.authSvc != nil {
		s.router.POST("/auth/token", s.handleToken)
	}

	s.router.POST("/signal", s.rateLimit(), s.handleSignal)
	s.router.POST("/webhook/:phase", s.rateLimit(), s.handleWebhook)

	s.router.GET("/status", s.handleStatus)
	s.router.GET("/allocation", s.handleAllocation)
	s.router.GET("/dashboard", s.handleDashboard)
	s.router.GET("/ws", s.handleWebSocket)

	admin := s.router.Group("/admin")
	if s.tokens != nil {
		admin.Use(auth.Middleware(s.tokens))
	}
	admin.POST("/breaker/reset", s.handleBreakerReset)
	admin.POST("/defcon/override", s.handleDefconOverride)
	admin.POST("/rebuild", s.handleRebuild)
	admin.POST("/resume", s.handleResume)
}

// requestLogger traces every request at debug level. The gin logger is
// skipped so all output stays structured.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "HTTPServer").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// rateLimit throttles signal ingress per phase. Requests without a
// parseable phase pass through; the handler rejects them anyway.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		phase := s.ingressPhase(c)
		limiter, ok := s.limiters[phase]
		if ok && !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"phase": phase,
			})
			return
		}
		c.Next()
	}
}

// ingressPhase extracts the phase without consuming the body: webhooks
// carry it in the path, direct signals in a query hint. Signals without
// the hint share the phase1 bucket.
func (s *Server) ingressPhase(c *gin.Context) domain.PhaseID {
	if raw := c.Param("phase"); raw != "" {
		return domain.PhaseID(raw)
	}
	if raw := c.Query("phase"); raw != "" {
		return domain.PhaseID(raw)
	}
	return domain.Phase1
}

// Hub exposes the websocket hub so decision fan-out can broadcast.
func (s *Server) Hub() *Hub { return s.hub }

// BroadcastStatus pushes the current status document to every websocket
// client. Called on breaker and defcon transitions and on the periodic
// status tick.
func (s *Server) BroadcastStatus() {
	s.hub.BroadcastStatus(s.statusBody())
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start runs the hub and serves until Shutdown. Blocks like the underlying
// http.Server.
func (s *Server) Start() error {
	s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Bool("auth", s.tokens != nil).Msg("HTTP server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, drains in-flight requests and
// closes the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	defer s.hub.Stop()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
