package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full brain daemon configuration. Values come from an
// optional config.json plus environment overrides, env taking precedence.
type Config struct {
	Server         ServerConfig         `json:"server"`
	Database       DatabaseConfig       `json:"database"`
	Redis          RedisConfig          `json:"redis"`
	NATS           NATSConfig           `json:"nats"`
	Vault          VaultConfig          `json:"vault"`
	Auth           AuthConfig           `json:"auth"`
	Logging        LoggingConfig        `json:"logging"`
	Trading        TradingConfig        `json:"trading"`
	Allocation     AllocationConfig     `json:"allocation"`
	Performance    PerformanceConfig    `json:"performance"`
	Inference      InferenceConfig      `json:"inference"`
	Governance     GovernanceConfig     `json:"governance"`
	Risk           RiskConfig           `json:"risk"`
	Breaker        BreakerConfig        `json:"breaker"`
	CapitalFlow    CapitalFlowConfig    `json:"capital_flow"`
	Brain          BrainConfig          `json:"brain"`
	Snapshot       SnapshotConfig       `json:"snapshot"`
	Reconciliation ReconciliationConfig `json:"reconciliation"`
	Leader         LeaderConfig         `json:"leader"`
}

// ServerConfig holds the HTTP/WebSocket server settings.
type ServerConfig struct {
	Host            string  `json:"host"`
	Port            int     `json:"port"`
	AllowedOrigins  string  `json:"allowed_origins"`
	ProductionMode  bool    `json:"production_mode"`
	ReadTimeout     int     `json:"read_timeout"`     // seconds
	WriteTimeout    int     `json:"write_timeout"`    // seconds
	ShutdownTimeout int     `json:"shutdown_timeout"` // seconds
	SignalRate      float64 `json:"signal_rate"`  // sustained signals/sec per phase
	SignalBurst     int     `json:"signal_burst"` // burst allowance per phase
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

// DSN builds the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// RedisConfig holds Redis settings for breaker state, hot-reloadable risk
// parameters and the leader lease.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// NATSConfig holds message bus settings.
type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	SignalSubject string `json:"signal_subject"` // prefix, phase name appended
	DecisionTopic string `json:"decision_topic"`
	VetoTopic     string `json:"veto_topic"` // prefix, phase name appended
	AlertTopic    string `json:"alert_topic"`
	FillTopic     string `json:"fill_topic"`
	ExecuteTopic  string `json:"execute_topic"`
}

// VaultConfig holds secret manager settings. When disabled, secrets fall
// back to environment variables.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// AuthConfig guards the operator endpoints and inbound webhooks.
type AuthConfig struct {
	Enabled         bool          `json:"enabled"`
	JWTSecret       string        `json:"jwt_secret"`
	TokenDuration   time.Duration `json:"token_duration"`
	WebhookSecret   string        `json:"webhook_secret"`    // HMAC key for inbound webhooks
	OperatorKeyHash string        `json:"operator_key_hash"` // bcrypt hash of the shared operator key
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// TradingConfig holds account level settings.
type TradingConfig struct {
	InitialEquity float64 `json:"initial_equity"`
	DryRun        bool    `json:"dry_run"`
	InstanceID    string  `json:"instance_id"`
}

// AllocationConfig parameterizes the equity to weight mapping.
type AllocationConfig struct {
	StartP2     float64        `json:"start_p2"`
	FullP2      float64        `json:"full_p2"`
	StartP3     float64        `json:"start_p3"`
	FullP3      float64        `json:"full_p3"`
	FullShareP2 float64        `json:"full_share_p2"`
	FullShareP3 float64        `json:"full_share_p3"`
	LeverageCaps map[string]int `json:"leverage_caps"` // keyed by tier name
}

// PerformanceConfig parameterizes the rolling modifier.
type PerformanceConfig struct {
	WindowDays      int     `json:"window_days"`
	MinTradeCount   int     `json:"min_trade_count"`
	MalusMultiplier float64 `json:"malus_multiplier"`
	BonusMultiplier float64 `json:"bonus_multiplier"`
	MalusThreshold  float64 `json:"malus_threshold"`
	BonusThreshold  float64 `json:"bonus_threshold"` // in baseline sigmas
}

// InferenceConfig parameterizes the surprise engine.
type InferenceConfig struct {
	Bins           int     `json:"bins"`
	MinHistory     int     `json:"min_history"`
	Sensitivity    float64 `json:"sensitivity"`
	SurpriseOffset float64 `json:"surprise_offset"`
}

// GovernanceConfig parameterizes DEFCON transitions.
type GovernanceConfig struct {
	HysteresisMinutes  int           `json:"hysteresis_minutes"`
	ErrorRateElevated  float64       `json:"error_rate_elevated"`
	ErrorRateHigh      float64       `json:"error_rate_high"`
	ErrorRateCritical  float64       `json:"error_rate_critical"`
	DrawdownElevated   float64       `json:"drawdown_elevated"`
	DrawdownHigh       float64       `json:"drawdown_high"`
	DrawdownCritical   float64       `json:"drawdown_critical"`
	EvaluationInterval time.Duration `json:"evaluation_interval"`
}

// RiskConfig parameterizes the risk guardian and its background refresh.
type RiskConfig struct {
	MaxCorrelation            float64       `json:"max_correlation"`
	CorrelationPenalty        float64       `json:"correlation_penalty"`
	MaxNetDelta               float64       `json:"max_net_delta"` // per symbol, absolute size
	MaxPortfolioBeta          float64       `json:"max_portfolio_beta"`
	MinStopDistanceMultiplier float64       `json:"min_stop_distance_multiplier"`
	UpdateInterval            time.Duration `json:"update_interval"`
	Lookback                  int           `json:"lookback"` // return series length for correlations and betas
}

// BreakerConfig parameterizes the circuit breaker.
type BreakerConfig struct {
	MaxDailyDrawdown      float64 `json:"max_daily_drawdown"` // fraction, 0.15 = 15%
	MinEquity             float64 `json:"min_equity"`
	ConsecutiveLossLimit  int     `json:"consecutive_loss_limit"`
	ConsecutiveLossWindow int     `json:"consecutive_loss_window"` // minutes
	CooldownMinutes       int     `json:"cooldown_minutes"`
}

// CapitalFlowConfig parameterizes the futures to spot sweeps.
type CapitalFlowConfig struct {
	SweepThreshold float64       `json:"sweep_threshold"` // multiple of high watermark
	ReserveLimit   float64       `json:"reserve_limit"`
	SweepInterval  time.Duration `json:"sweep_interval"`
	MaxRetries     int           `json:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
}

// BrainConfig parameterizes the signal processor.
type BrainConfig struct {
	SignalTimeout        time.Duration `json:"signal_timeout"`
	IdempotencyTTL       time.Duration `json:"idempotency_ttl"`
	MetricUpdateInterval time.Duration `json:"metric_update_interval"`
	DashboardCacheTTL    time.Duration `json:"dashboard_cache_ttl"`
	MaxQueueSize         int           `json:"max_queue_size"`
	AckTimeout           time.Duration `json:"ack_timeout"`
	DecisionRingSize     int           `json:"decision_ring_size"`
}

// SnapshotConfig parameterizes periodic state snapshots.
type SnapshotConfig struct {
	Interval time.Duration `json:"interval"`
	Keep     int           `json:"keep"`
}

// ReconciliationConfig parameterizes drift detection.
type ReconciliationConfig struct {
	IntervalMs  int      `json:"interval_ms"`
	Exchanges   []string `json:"exchanges"`
	AutoResolve bool     `json:"auto_resolve"`
}

// Interval returns the reconciliation period as a duration.
func (c ReconciliationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// LeaderConfig parameterizes the leader lease.
type LeaderConfig struct {
	Enabled  bool          `json:"enabled"`
	LeaseKey string        `json:"lease_key"`
	LeaseTTL time.Duration `json:"lease_ttl"`
}

// Load reads config.json when present and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would break capital invariants.
func (c *Config) Validate() error {
	a := c.Allocation
	if !(a.StartP2 < a.FullP2 && a.FullP2 <= a.StartP3 && a.StartP3 < a.FullP3) {
		return fmt.Errorf("allocation transition points must be ordered: startP2 < fullP2 <= startP3 < fullP3")
	}
	if a.FullShareP2 < 0 || a.FullShareP2 > 1 || a.FullShareP3 < 0 || a.FullShareP3 > 1 {
		return fmt.Errorf("allocation full shares must be within [0,1]")
	}
	if c.Breaker.MaxDailyDrawdown <= 0 || c.Breaker.MaxDailyDrawdown >= 1 {
		return fmt.Errorf("breaker max_daily_drawdown must be a fraction in (0,1)")
	}
	if c.Brain.MaxQueueSize <= 0 {
		return fmt.Errorf("brain max_queue_size must be positive")
	}
	if c.Trading.InitialEquity < 0 {
		return fmt.Errorf("initial equity cannot be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Server
	cfg.Server.Host = getEnvOrDefault("WEB_HOST", defaultStr(cfg.Server.Host, "0.0.0.0"))
	cfg.Server.Port = getEnvIntOrDefault("WS_PORT", defaultInt(cfg.Server.Port, 8090))
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultStr(cfg.Server.AllowedOrigins, "*"))
	cfg.Server.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.Server.ReadTimeout, 30))
	cfg.Server.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.Server.WriteTimeout, 30))
	cfg.Server.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.Server.ShutdownTimeout, 10))
	cfg.Server.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION_MODE", "false") == "true"
	cfg.Server.SignalRate = getEnvFloatOrDefault("SERVER_SIGNAL_RATE", defaultFloat(cfg.Server.SignalRate, 50))
	cfg.Server.SignalBurst = getEnvIntOrDefault("SERVER_SIGNAL_BURST", defaultInt(cfg.Server.SignalBurst, 100))

	// Database
	cfg.Database.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.Database.Host, "localhost"))
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.Database.Port, 5432))
	cfg.Database.User = getEnvOrDefault("DB_USER", defaultStr(cfg.Database.User, "postgres"))
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnvOrDefault("DB_NAME", defaultStr(cfg.Database.Name, "trading_brain"))
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultStr(cfg.Database.SSLMode, "disable"))
	cfg.Database.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", defaultInt(cfg.Database.MaxConns, 25))

	// Redis
	cfg.Redis.Enabled = getEnvOrDefault("REDIS_DISABLED", "false") != "true"
	cfg.Redis.URL = getEnvOrDefault("REDIS_URL", defaultStr(cfg.Redis.URL, "redis://localhost:6379/0"))
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.Redis.PoolSize, 10))

	// NATS
	cfg.NATS.Enabled = getEnvOrDefault("NATS_DISABLED", "false") != "true"
	cfg.NATS.URL = getEnvOrDefault("NATS_URL", defaultStr(cfg.NATS.URL, "nats://localhost:4222"))
	cfg.NATS.SignalSubject = defaultStr(cfg.NATS.SignalSubject, "signals")
	cfg.NATS.DecisionTopic = defaultStr(cfg.NATS.DecisionTopic, "brain.decisions")
	cfg.NATS.VetoTopic = defaultStr(cfg.NATS.VetoTopic, "brain.vetoes")
	cfg.NATS.AlertTopic = defaultStr(cfg.NATS.AlertTopic, "brain.alerts")
	cfg.NATS.FillTopic = defaultStr(cfg.NATS.FillTopic, "execution.fills")
	cfg.NATS.ExecuteTopic = defaultStr(cfg.NATS.ExecuteTopic, "execution.orders")

	// Vault
	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", defaultStr(cfg.Vault.Address, "http://localhost:8200"))
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultStr(cfg.Vault.MountPath, "secret"))
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultStr(cfg.Vault.SecretPath, "trading-brain"))

	// Auth
	cfg.Auth.Enabled = getEnvOrDefault("AUTH_ENABLED", "true") == "true"
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", defaultDur(cfg.Auth.TokenDuration, 12*time.Hour))
	cfg.Auth.WebhookSecret = getEnvOrDefault("WEBHOOK_SECRET", cfg.Auth.WebhookSecret)
	cfg.Auth.OperatorKeyHash = getEnvOrDefault("AUTH_OPERATOR_KEY_HASH", cfg.Auth.OperatorKeyHash)

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.Logging.Level, "info"))
	cfg.Logging.Pretty = getEnvOrDefault("LOG_PRETTY", "false") == "true"

	// Trading
	cfg.Trading.InitialEquity = getEnvFloatOrDefault("INITIAL_EQUITY", defaultFloat(cfg.Trading.InitialEquity, 1000))
	cfg.Trading.DryRun = getEnvOrDefault("TRADING_DRY_RUN", "false") == "true" || cfg.Trading.DryRun
	cfg.Trading.InstanceID = getEnvOrDefault("INSTANCE_ID", defaultStr(cfg.Trading.InstanceID, hostnameOrDefault()))

	// Allocation
	cfg.Allocation.StartP2 = getEnvFloatOrDefault("ALLOC_START_P2", defaultFloat(cfg.Allocation.StartP2, 1500))
	cfg.Allocation.FullP2 = getEnvFloatOrDefault("ALLOC_FULL_P2", defaultFloat(cfg.Allocation.FullP2, 5000))
	cfg.Allocation.StartP3 = getEnvFloatOrDefault("ALLOC_START_P3", defaultFloat(cfg.Allocation.StartP3, 25000))
	cfg.Allocation.FullP3 = getEnvFloatOrDefault("ALLOC_FULL_P3", defaultFloat(cfg.Allocation.FullP3, 100000))
	cfg.Allocation.FullShareP2 = getEnvFloatOrDefault("ALLOC_FULL_SHARE_P2", defaultFloat(cfg.Allocation.FullShareP2, 1.0))
	cfg.Allocation.FullShareP3 = getEnvFloatOrDefault("ALLOC_FULL_SHARE_P3", defaultFloat(cfg.Allocation.FullShareP3, 1.0))
	if len(cfg.Allocation.LeverageCaps) == 0 {
		cfg.Allocation.LeverageCaps = map[string]int{
			"MICRO": 5, "SMALL": 10, "MEDIUM": 15, "LARGE": 20, "INSTITUTIONAL": 25,
		}
	}

	// Performance
	cfg.Performance.WindowDays = getEnvIntOrDefault("PERF_WINDOW_DAYS", defaultInt(cfg.Performance.WindowDays, 7))
	cfg.Performance.MinTradeCount = getEnvIntOrDefault("PERF_MIN_TRADE_COUNT", defaultInt(cfg.Performance.MinTradeCount, 5))
	cfg.Performance.MalusMultiplier = getEnvFloatOrDefault("PERF_MALUS_MULTIPLIER", defaultFloat(cfg.Performance.MalusMultiplier, 5))
	cfg.Performance.BonusMultiplier = getEnvFloatOrDefault("PERF_BONUS_MULTIPLIER", defaultFloat(cfg.Performance.BonusMultiplier, 1.2))
	cfg.Performance.MalusThreshold = getEnvFloatOrDefault("PERF_MALUS_THRESHOLD", cfg.Performance.MalusThreshold)
	cfg.Performance.BonusThreshold = getEnvFloatOrDefault("PERF_BONUS_THRESHOLD", defaultFloat(cfg.Performance.BonusThreshold, 2.0))

	// Inference
	cfg.Inference.Bins = getEnvIntOrDefault("INFERENCE_BINS", defaultInt(cfg.Inference.Bins, 20))
	cfg.Inference.MinHistory = getEnvIntOrDefault("INFERENCE_MIN_HISTORY", defaultInt(cfg.Inference.MinHistory, 30))
	cfg.Inference.Sensitivity = getEnvFloatOrDefault("INFERENCE_SENSITIVITY", defaultFloat(cfg.Inference.Sensitivity, 0.05))
	cfg.Inference.SurpriseOffset = getEnvFloatOrDefault("INFERENCE_SURPRISE_OFFSET", defaultFloat(cfg.Inference.SurpriseOffset, 1.5))

	// Governance
	cfg.Governance.HysteresisMinutes = getEnvIntOrDefault("DEFCON_HYSTERESIS_MINUTES", defaultInt(cfg.Governance.HysteresisMinutes, 5))
	cfg.Governance.ErrorRateElevated = getEnvFloatOrDefault("DEFCON_ERROR_RATE_ELEVATED", defaultFloat(cfg.Governance.ErrorRateElevated, 0.05))
	cfg.Governance.ErrorRateHigh = getEnvFloatOrDefault("DEFCON_ERROR_RATE_HIGH", defaultFloat(cfg.Governance.ErrorRateHigh, 0.15))
	cfg.Governance.ErrorRateCritical = getEnvFloatOrDefault("DEFCON_ERROR_RATE_CRITICAL", defaultFloat(cfg.Governance.ErrorRateCritical, 0.30))
	cfg.Governance.DrawdownElevated = getEnvFloatOrDefault("DEFCON_DRAWDOWN_ELEVATED", defaultFloat(cfg.Governance.DrawdownElevated, 0.05))
	cfg.Governance.DrawdownHigh = getEnvFloatOrDefault("DEFCON_DRAWDOWN_HIGH", defaultFloat(cfg.Governance.DrawdownHigh, 0.10))
	cfg.Governance.DrawdownCritical = getEnvFloatOrDefault("DEFCON_DRAWDOWN_CRITICAL", defaultFloat(cfg.Governance.DrawdownCritical, 0.15))
	cfg.Governance.EvaluationInterval = getEnvDurationOrDefault("DEFCON_EVAL_INTERVAL", defaultDur(cfg.Governance.EvaluationInterval, 15*time.Second))

	// Risk
	cfg.Risk.MaxCorrelation = getEnvFloatOrDefault("RISK_MAX_CORRELATION", defaultFloat(cfg.Risk.MaxCorrelation, 0.7))
	cfg.Risk.CorrelationPenalty = getEnvFloatOrDefault("RISK_CORRELATION_PENALTY", defaultFloat(cfg.Risk.CorrelationPenalty, 0.5))
	cfg.Risk.MaxNetDelta = getEnvFloatOrDefault("RISK_MAX_NET_DELTA", defaultFloat(cfg.Risk.MaxNetDelta, 10))
	cfg.Risk.MaxPortfolioBeta = getEnvFloatOrDefault("RISK_MAX_PORTFOLIO_BETA", defaultFloat(cfg.Risk.MaxPortfolioBeta, 1.5))
	cfg.Risk.MinStopDistanceMultiplier = getEnvFloatOrDefault("RISK_MIN_STOP_DISTANCE_MULT", defaultFloat(cfg.Risk.MinStopDistanceMultiplier, 0.5))
	cfg.Risk.UpdateInterval = getEnvDurationOrDefault("RISK_UPDATE_INTERVAL", defaultDur(cfg.Risk.UpdateInterval, 5*time.Minute))
	cfg.Risk.Lookback = getEnvIntOrDefault("RISK_LOOKBACK", defaultInt(cfg.Risk.Lookback, 96))

	// Breaker
	cfg.Breaker.MaxDailyDrawdown = getEnvFloatOrDefault("BREAKER_MAX_DAILY_DRAWDOWN", defaultFloat(cfg.Breaker.MaxDailyDrawdown, 0.15))
	cfg.Breaker.MinEquity = getEnvFloatOrDefault("BREAKER_MIN_EQUITY", defaultFloat(cfg.Breaker.MinEquity, 100))
	cfg.Breaker.ConsecutiveLossLimit = getEnvIntOrDefault("BREAKER_CONSECUTIVE_LOSS_LIMIT", defaultInt(cfg.Breaker.ConsecutiveLossLimit, 5))
	cfg.Breaker.ConsecutiveLossWindow = getEnvIntOrDefault("BREAKER_CONSECUTIVE_LOSS_WINDOW", defaultInt(cfg.Breaker.ConsecutiveLossWindow, 60))
	cfg.Breaker.CooldownMinutes = getEnvIntOrDefault("BREAKER_COOLDOWN_MINUTES", defaultInt(cfg.Breaker.CooldownMinutes, 30))

	// Capital flow
	cfg.CapitalFlow.SweepThreshold = getEnvFloatOrDefault("CAPITAL_SWEEP_THRESHOLD", defaultFloat(cfg.CapitalFlow.SweepThreshold, 1.2))
	cfg.CapitalFlow.ReserveLimit = getEnvFloatOrDefault("CAPITAL_RESERVE_LIMIT", defaultFloat(cfg.CapitalFlow.ReserveLimit, 1000))
	cfg.CapitalFlow.SweepInterval = getEnvDurationOrDefault("CAPITAL_SWEEP_INTERVAL", defaultDur(cfg.CapitalFlow.SweepInterval, time.Hour))
	cfg.CapitalFlow.MaxRetries = getEnvIntOrDefault("CAPITAL_MAX_RETRIES", defaultInt(cfg.CapitalFlow.MaxRetries, 3))
	cfg.CapitalFlow.RetryBaseDelay = getEnvDurationOrDefault("CAPITAL_RETRY_BASE_DELAY", defaultDur(cfg.CapitalFlow.RetryBaseDelay, 2*time.Second))

	// Brain
	cfg.Brain.SignalTimeout = getEnvDurationOrDefault("BRAIN_SIGNAL_TIMEOUT", defaultDur(cfg.Brain.SignalTimeout, 100*time.Millisecond))
	cfg.Brain.IdempotencyTTL = getEnvDurationOrDefault("BRAIN_IDEMPOTENCY_TTL", defaultDur(cfg.Brain.IdempotencyTTL, 10*time.Minute))
	cfg.Brain.MetricUpdateInterval = getEnvDurationOrDefault("BRAIN_METRIC_UPDATE_INTERVAL", defaultDur(cfg.Brain.MetricUpdateInterval, 5*time.Second))
	cfg.Brain.DashboardCacheTTL = getEnvDurationOrDefault("BRAIN_DASHBOARD_CACHE_TTL", defaultDur(cfg.Brain.DashboardCacheTTL, 2*time.Second))
	cfg.Brain.MaxQueueSize = getEnvIntOrDefault("BRAIN_MAX_QUEUE_SIZE", defaultInt(cfg.Brain.MaxQueueSize, 1000))
	cfg.Brain.AckTimeout = getEnvDurationOrDefault("BRAIN_ACK_TIMEOUT", defaultDur(cfg.Brain.AckTimeout, 2*time.Second))
	cfg.Brain.DecisionRingSize = getEnvIntOrDefault("BRAIN_DECISION_RING_SIZE", defaultInt(cfg.Brain.DecisionRingSize, 50))

	// Snapshot
	cfg.Snapshot.Interval = getEnvDurationOrDefault("SNAPSHOT_INTERVAL", defaultDur(cfg.Snapshot.Interval, 60*time.Second))
	cfg.Snapshot.Keep = getEnvIntOrDefault("SNAPSHOT_KEEP", defaultInt(cfg.Snapshot.Keep, 48))

	// Reconciliation
	cfg.Reconciliation.IntervalMs = getEnvIntOrDefault("RECON_INTERVAL_MS", defaultInt(cfg.Reconciliation.IntervalMs, 30000))
	if exchanges := os.Getenv("RECON_EXCHANGES"); exchanges != "" {
		cfg.Reconciliation.Exchanges = splitAndTrim(exchanges)
	}
	if len(cfg.Reconciliation.Exchanges) == 0 {
		cfg.Reconciliation.Exchanges = []string{"binance"}
	}
	cfg.Reconciliation.AutoResolve = getEnvOrDefault("RECON_AUTO_RESOLVE", "true") == "true"

	// Leader
	cfg.Leader.Enabled = getEnvOrDefault("LEADER_ELECTION_ENABLED", "true") == "true"
	cfg.Leader.LeaseKey = getEnvOrDefault("LEADER_LEASE_KEY", defaultStr(cfg.Leader.LeaseKey, "brain:leader"))
	cfg.Leader.LeaseTTL = getEnvDurationOrDefault("LEADER_LEASE_TTL", defaultDur(cfg.Leader.LeaseTTL, 15*time.Second))
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func hostnameOrDefault() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "brain-1"
	}
	return host
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultDur(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
