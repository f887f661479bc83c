package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/config"
	"trading-brain/internal/allocation"
	"trading-brain/internal/brain"
	"trading-brain/internal/capitalflow"
	"trading-brain/internal/circuit"
	"trading-brain/internal/database"
	"trading-brain/internal/domain"
	"trading-brain/internal/eventstore"
	"trading-brain/internal/execution"
	"trading-brain/internal/governance"
	"trading-brain/internal/httpapi"
	"trading-brain/internal/inference"
	"trading-brain/internal/kvstore"
	"trading-brain/internal/leader"
	"trading-brain/internal/logging"
	"trading-brain/internal/metrics"
	"trading-brain/internal/notifier"
	"trading-brain/internal/performance"
	"trading-brain/internal/reconcile"
	"trading-brain/internal/risk"
	"trading-brain/internal/secrets"
	"trading-brain/internal/snapshot"
	"trading-brain/internal/stream"
)

// venueGateway is the slice of the execution adapter the daemon wires into
// the engines. Both the live bus client and the dry-run mock satisfy it.
type venueGateway interface {
	brain.Executor
	capitalflow.WalletGateway
	risk.MarketStats
	reconcile.VenueClient
}

// confidenceMirror adapts the redis store to the confidence sink shape so
// dashboards on other instances read fresh scores without a DB round trip.
type confidenceMirror struct{ kv *kvstore.Store }

func (m confidenceMirror) UpsertTruthConfidence(ctx context.Context, tc domain.TruthConfidence) error {
	return m.kv.MirrorConfidence(ctx, tc)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
	logger.Info().
		Str("instance", cfg.Trading.InstanceID).
		Bool("dry_run", cfg.Trading.DryRun).
		Msg("Trading brain starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := domain.SystemClock()

	// Secrets: Vault when enabled, environment otherwise.
	provider, err := secrets.NewProvider(cfg.Vault, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize secrets provider")
	}
	resolveSecrets(ctx, cfg, provider, logger)

	// PostgreSQL holds the event log, snapshots and every read model.
	db, err := database.NewDB(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	repo := database.NewRepository(db, cfg.Trading.InstanceID)
	events := eventstore.NewPostgresStore(db.Pool, logger)

	// Redis carries the breaker mirror, hot risk params, confidence mirror
	// and the leader lease. The brain degrades to single-instance mode
	// without it.
	var redisClient *redis.Client
	var kv *kvstore.Store
	if cfg.Redis.Enabled {
		redisClient, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, running without state mirror and leader lease")
		} else {
			defer redisClient.Close()
			kv = kvstore.NewStore(redisClient, cfg.Trading.InstanceID, logger)
		}
	}

	// NATS carries signal intake, decision fanout, vetoes and the
	// execution bus.
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = connectNATS(cfg.NATS.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
	}

	// Execution venue: the live bus client, or the mock when dry-run or
	// running without a bus.
	var venue venueGateway
	var execClient *execution.Client
	if cfg.Trading.DryRun || nc == nil {
		venue = execution.NewMock(logger)
		logger.Info().Msg("Execution running against the dry-run mock")
	} else {
		execClient = execution.NewClient(executionConfig(cfg), nc, logger)
		venue = execClient
	}

	// Decision engines.
	startEquity := decimal.NewFromFloat(cfg.Trading.InitialEquity)

	var proc *brain.Processor
	alloc := allocation.NewEngine(allocationConfig(cfg), logger)
	perf := performance.NewTracker(performanceConfig(cfg), repo, func() decimal.Decimal {
		if proc == nil {
			return startEquity
		}
		return proc.Equity()
	}, clock, logger)
	// Warm the windows from the mirror so a passive instance serves real
	// performance reads. Promotion replaces them from snapshot and replay.
	if err := perf.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load persisted performance rings")
	}
	infer := inference.NewEngine(inferenceConfig(cfg), logger)
	governor := governance.NewGovernor(governanceConfig(cfg), clock, logger)
	guardian := risk.NewGuardian(riskConfig(cfg), logger)

	var breakerStore circuit.StateStore = repo
	if kv != nil {
		breakerStore = kv
	}
	breaker := circuit.NewBreaker(breakerConfig(cfg), startEquity, breakerStore, clock, logger)
	capflow := capitalflow.NewManager(capitalFlowConfig(cfg), venue, clock, logger)

	var notif *notifier.Notifier
	var veto brain.VetoNotifier
	if nc != nil {
		notif = notifier.New(notifierConfig(cfg), nc, clock, logger)
		veto = notif
	}

	proc = brain.NewProcessor(
		brainConfig(cfg),
		startEquity,
		alloc, perf, infer, governor, guardian, breaker, capflow,
		events, repo, venue, veto,
		clock, logger,
	)

	// Hot-reloadable risk params: startup load, then the poll loop.
	if kv != nil {
		var params risk.Config
		if found, err := kv.LoadRiskParams(ctx, &params); err != nil {
			logger.Warn().Err(err).Msg("Failed to load risk params from redis")
		} else if found {
			guardian.UpdateConfig(&params)
			logger.Info().Msg("Risk params loaded from redis")
		}
	}

	// Truth confidence: persisted in postgres, mirrored to redis.
	confidenceSinks := []reconcile.ConfidenceSink{repo}
	if kv != nil {
		confidenceSinks = append(confidenceSinks, confidenceMirror{kv: kv})
	}
	confidence := reconcile.NewConfidenceTracker(clock, logger, confidenceSinks...)
	if persisted, err := repo.LoadTruthConfidence(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load persisted truth confidence")
	} else {
		confidence.Restore(persisted)
	}
	if kv != nil {
		// Confidence writes tolerate a failed sink, so the redis mirror can
		// hold updates a transient postgres error dropped. Overlay it last.
		if mirrored, err := kv.LoadConfidences(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to load mirrored truth confidence")
		} else {
			confidence.Restore(mirrored)
		}
	}

	mx := metrics.New()
	mx.RegisterBrain(proc, breaker.State, governor.Level)

	// Operator surface.
	rebuild := func(ctx context.Context) (brain.RebuildReport, error) {
		return brain.RebuildReadModels(ctx, brainConfig(cfg), performanceConfig(cfg), startEquity, events, repo, clock, logger)
	}
	server := httpapi.NewServer(
		serverConfig(cfg),
		proc, breaker, governor, confidence, perf,
		mx.Handler(), rebuild, db,
		clock, logger,
	)

	// Health governor: rolling decision error rate, daily drawdown from
	// the breaker and the worst reconciliation confidence.
	monitor := governance.NewMonitor(
		governor,
		cfg.Governance.EvaluationInterval,
		0,
		func() float64 { return dailyDrawdown(breaker.Snapshot()) },
		confidence.WorstState,
		clock, logger,
	)

	// Decision fanout: metrics, websocket clients, the bus, and the
	// health sample feed.
	var publisher *stream.Publisher
	if nc != nil {
		publisher = stream.NewPublisher(streamConfig(cfg), nc, logger)
	}
	proc.OnDecision(func(decision *domain.BrainDecision) {
		mx.ObserveDecision(decision)
		server.Hub().BroadcastDecision(decision)
		if publisher != nil {
			publisher.PublishDecision(decision)
		}
		if decision.HasReason(domain.ReasonPendingAck) {
			monitor.RecordError()
		} else {
			monitor.RecordSuccess()
		}
	})

	// Risk state transitions feed the event log, alerts and the live
	// status stream. Handlers are dispatched on their own goroutines.
	breaker.OnTrip(func(reason string) {
		proc.RecordBreakerTransition("trip", reason)
		if notif != nil {
			notif.BreakerTripped(reason)
		}
		server.BroadcastStatus()
	})
	breaker.OnReset(func(operatorID string) {
		proc.RecordBreakerTransition("reset", operatorID)
		if notif != nil {
			notif.BreakerReset(operatorID)
		}
		server.BroadcastStatus()
	})
	governor.OnChange(func(from, to domain.DefconLevel, reason string) {
		proc.RecordDefconChange(from, to, reason)
		if notif != nil {
			notif.DefconChanged(from, to, reason)
		}
		server.BroadcastStatus()
	})
	capflow.OnSweep(proc.RecordSweep)

	proc.Start(ctx)

	// Leadership: lease-based when redis is around, otherwise this
	// instance is the lone writer.
	var elector *leader.Elector
	if cfg.Leader.Enabled && redisClient != nil {
		elector = leader.NewElector(redisClient, cfg.Leader.LeaseKey, cfg.Trading.InstanceID, cfg.Leader.LeaseTTL, logger)
		elector.OnPromote(func() {
			if err := proc.Promote(ctx); err != nil {
				logger.Error().Err(err).Msg("Promotion failed, staying passive")
			}
		})
		elector.OnDemote(proc.Demote)
		elector.Start(ctx)
	} else {
		if err := proc.Promote(ctx); err != nil {
			logger.Fatal().Err(err).Msg("State recovery failed")
		}
	}

	// Background services.
	writer := snapshot.NewWriter(cfg.Snapshot.Interval, cfg.Snapshot.Keep, repo, proc, logger)
	writer.Start(ctx)

	recon := reconcile.NewService(reconcileConfig(cfg), proc, venue, repo, repo, confidence, proc, clock, logger)
	recon.SetOnDrift(func(run domain.ReconciliationRun) {
		proc.RecordDrift(run)
		mx.ObserveReconciliation(run)
	})
	recon.Start()

	updater := risk.NewUpdater(riskUpdaterConfig(cfg), guardian, venue, openSymbols(proc), logger)
	updater.Start(ctx)

	capflow.Start(ctx)
	monitor.Start(ctx)

	var watcher *kvstore.ParamWatcher
	if kv != nil {
		watcher = kvstore.NewParamWatcher(kv, 30*time.Second, func(raw json.RawMessage) {
			var params risk.Config
			if err := json.Unmarshal(raw, &params); err != nil {
				logger.Warn().Err(err).Msg("Ignoring malformed risk params")
				return
			}
			guardian.UpdateConfig(&params)
		}, logger)
		watcher.Start(ctx)
	}

	// Live fills drive position and equity tracking; in dry-run mode the
	// mock produces none and state moves only through reconciliation.
	var unsubscribeFills func()
	if execClient != nil {
		unsubscribeFills, err = execClient.SubscribeFills(proc.ApplyFill)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to subscribe to the fill stream")
		}
	}

	var intake *stream.Intake
	if nc != nil {
		intake = stream.NewIntake(streamConfig(cfg), nc, proc, logger)
		if err := intake.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start signal intake")
		}
	}

	// Periodic status push for websocket clients.
	statusTicker := time.NewTicker(cfg.Brain.MetricUpdateInterval)
	statusDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-statusTicker.C:
				server.BroadcastStatus()
			case <-statusDone:
				return
			}
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Bool("nats", nc != nil).
		Bool("redis", kv != nil).
		Msg("Operator API listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Ingress first, so nothing new enters the queue.
	if intake != nil {
		intake.Stop()
	}
	if unsubscribeFills != nil {
		unsubscribeFills()
	}
	statusTicker.Stop()
	close(statusDone)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown error")
	}

	// Release the lease early so a standby can take over while this
	// instance drains.
	if elector != nil {
		elector.Stop()
	}

	monitor.Stop()
	recon.Stop()
	updater.Stop()
	capflow.Stop()
	if watcher != nil {
		watcher.Stop()
	}

	// Final snapshot while state is still live, then stop the loop.
	writer.WriteNow(shutdownCtx)
	writer.Stop()
	proc.Stop()

	logger.Info().Msg("Shutdown complete")
}

// resolveSecrets pulls the sensitive values through the provider so Vault
// wins over the environment. Auth without a signing key is a hard error;
// a missing webhook secret only disables webhook ingress.
func resolveSecrets(ctx context.Context, cfg *config.Config, provider *secrets.Provider, logger zerolog.Logger) {
	secretsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if password, err := provider.DatabasePassword(secretsCtx); err == nil {
		cfg.Database.Password = password
	}
	if cfg.Auth.Enabled {
		jwtSecret, err := provider.JWTSecret(secretsCtx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Auth is enabled but no JWT secret is configured")
		}
		cfg.Auth.JWTSecret = jwtSecret
	}
	if webhookSecret, err := provider.WebhookSecret(secretsCtx); err == nil {
		cfg.Auth.WebhookSecret = webhookSecret
	} else {
		logger.Warn().Msg("No webhook secret configured, webhook ingress disabled")
	}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func connectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "NATS").Logger()
	return nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected")
		}),
	)
}

// dailyDrawdown derives today's loss fraction from the breaker snapshot.
func dailyDrawdown(snap circuit.StateSnapshot) float64 {
	if snap.DailyStartEquity.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	dd := snap.DailyStartEquity.Sub(snap.EquityLevel).Div(snap.DailyStartEquity).InexactFloat64()
	if dd < 0 {
		return 0
	}
	return dd
}

// openSymbols reports the symbols with open exposure, the set the risk
// updater keeps correlations and betas fresh for.
func openSymbols(proc *brain.Processor) func() []string {
	return func() []string {
		positions := proc.Positions()
		seen := make(map[string]struct{}, len(positions))
		symbols := make([]string, 0, len(positions))
		for _, pos := range positions {
			if _, ok := seen[pos.Symbol]; ok {
				continue
			}
			seen[pos.Symbol] = struct{}{}
			symbols = append(symbols, pos.Symbol)
		}
		return symbols
	}
}

func allocationConfig(cfg *config.Config) *allocation.Config {
	caps := make(map[domain.EquityTier]int, len(cfg.Allocation.LeverageCaps))
	for tier, limit := range cfg.Allocation.LeverageCaps {
		caps[domain.EquityTier(strings.ToUpper(tier))] = limit
	}
	return &allocation.Config{
		StartP2:      cfg.Allocation.StartP2,
		FullP2:       cfg.Allocation.FullP2,
		StartP3:      cfg.Allocation.StartP3,
		FullP3:       cfg.Allocation.FullP3,
		FullShareP2:  cfg.Allocation.FullShareP2,
		FullShareP3:  cfg.Allocation.FullShareP3,
		LeverageCaps: caps,
	}
}

func performanceConfig(cfg *config.Config) *performance.Config {
	return &performance.Config{
		WindowDays:      cfg.Performance.WindowDays,
		MinTradeCount:   cfg.Performance.MinTradeCount,
		MalusMultiplier: cfg.Performance.MalusMultiplier,
		BonusMultiplier: cfg.Performance.BonusMultiplier,
		MalusThreshold:  cfg.Performance.MalusThreshold,
		BonusThreshold:  cfg.Performance.BonusThreshold,
	}
}

func inferenceConfig(cfg *config.Config) *inference.Config {
	return &inference.Config{
		Bins:           cfg.Inference.Bins,
		MinHistory:     cfg.Inference.MinHistory,
		Sensitivity:    cfg.Inference.Sensitivity,
		SurpriseOffset: cfg.Inference.SurpriseOffset,
	}
}

func governanceConfig(cfg *config.Config) *governance.Config {
	return &governance.Config{
		HysteresisMinutes: cfg.Governance.HysteresisMinutes,
		ErrorRateElevated: cfg.Governance.ErrorRateElevated,
		ErrorRateHigh:     cfg.Governance.ErrorRateHigh,
		ErrorRateCritical: cfg.Governance.ErrorRateCritical,
		DrawdownElevated:  cfg.Governance.DrawdownElevated,
		DrawdownHigh:      cfg.Governance.DrawdownHigh,
		DrawdownCritical:  cfg.Governance.DrawdownCritical,
	}
}

func riskConfig(cfg *config.Config) *risk.Config {
	return &risk.Config{
		MaxCorrelation:            cfg.Risk.MaxCorrelation,
		CorrelationPenalty:        cfg.Risk.CorrelationPenalty,
		MaxNetDelta:               cfg.Risk.MaxNetDelta,
		MaxPortfolioBeta:          cfg.Risk.MaxPortfolioBeta,
		MinStopDistanceMultiplier: cfg.Risk.MinStopDistanceMultiplier,
	}
}

func riskUpdaterConfig(cfg *config.Config) *risk.UpdaterConfig {
	return &risk.UpdaterConfig{
		Interval: cfg.Risk.UpdateInterval,
		Lookback: cfg.Risk.Lookback,
	}
}

func breakerConfig(cfg *config.Config) *circuit.Config {
	return &circuit.Config{
		MaxDailyDrawdown:      cfg.Breaker.MaxDailyDrawdown,
		MinEquity:             decimal.NewFromFloat(cfg.Breaker.MinEquity),
		ConsecutiveLossLimit:  cfg.Breaker.ConsecutiveLossLimit,
		ConsecutiveLossWindow: time.Duration(cfg.Breaker.ConsecutiveLossWindow) * time.Minute,
		CooldownMinutes:       cfg.Breaker.CooldownMinutes,
	}
}

func capitalFlowConfig(cfg *config.Config) *capitalflow.Config {
	return &capitalflow.Config{
		SweepThreshold: cfg.CapitalFlow.SweepThreshold,
		ReserveLimit:   decimal.NewFromFloat(cfg.CapitalFlow.ReserveLimit),
		SweepSchedule:  cfg.CapitalFlow.SweepInterval,
		MaxRetries:     cfg.CapitalFlow.MaxRetries,
		RetryBaseDelay: cfg.CapitalFlow.RetryBaseDelay,
	}
}

func brainConfig(cfg *config.Config) *brain.Config {
	return &brain.Config{
		SignalTimeout:    cfg.Brain.SignalTimeout,
		IdempotencyTTL:   cfg.Brain.IdempotencyTTL,
		MaxQueueSize:     cfg.Brain.MaxQueueSize,
		AckTimeout:       cfg.Brain.AckTimeout,
		DecisionRingSize: cfg.Brain.DecisionRingSize,
	}
}

func reconcileConfig(cfg *config.Config) reconcile.Config {
	return reconcile.Config{
		Interval:    cfg.Reconciliation.Interval(),
		Exchanges:   cfg.Reconciliation.Exchanges,
		AutoResolve: cfg.Reconciliation.AutoResolve,
	}
}

func executionConfig(cfg *config.Config) *execution.Config {
	ec := execution.DefaultConfig()
	ec.IntentSubject = cfg.NATS.ExecuteTopic
	ec.FillsSubject = cfg.NATS.FillTopic
	return ec
}

func streamConfig(cfg *config.Config) *stream.Config {
	subjects := make([]string, 0, len(domain.AllPhases))
	for _, phase := range domain.AllPhases {
		subjects = append(subjects, fmt.Sprintf("%s.%s", cfg.NATS.SignalSubject, phase))
	}
	return &stream.Config{
		SignalSubjects:  subjects,
		DecisionSubject: cfg.NATS.DecisionTopic,
	}
}

func notifierConfig(cfg *config.Config) *notifier.Config {
	return &notifier.Config{
		VetoSubjectPrefix: cfg.NATS.VetoTopic + ".",
		AlertSubject:      cfg.NATS.AlertTopic,
	}
}

func serverConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		AllowedOrigins:  splitOrigins(cfg.Server.AllowedOrigins),
		ProductionMode:  cfg.Server.ProductionMode,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		SignalRate:      cfg.Server.SignalRate,
		SignalBurst:     cfg.Server.SignalBurst,
		AuthEnabled:     cfg.Auth.Enabled,
		JWTSecret:       cfg.Auth.JWTSecret,
		TokenDuration:   cfg.Auth.TokenDuration,
		OperatorKeyHash: cfg.Auth.OperatorKeyHash,
		WebhookSecret:   cfg.Auth.WebhookSecret,
		DashboardTTL:    cfg.Brain.DashboardCacheTTL,
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
