package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"trading-brain/config"
	"trading-brain/internal/brain"
	"trading-brain/internal/database"
	"trading-brain/internal/domain"
	"trading-brain/internal/eventstore"
	"trading-brain/internal/logging"
	"trading-brain/internal/performance"
	"trading-brain/internal/secrets"
)

// Replays the full event log into fresh read models. Run it with the brain
// stopped or against a standby database; a live processor would race the
// truncate.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	provider, err := secrets.NewProvider(cfg.Vault, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize secrets provider")
	}
	if password, err := provider.DatabasePassword(ctx); err == nil {
		cfg.Database.Password = password
	}

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

	perfCfg := &performance.Config{
		WindowDays:      cfg.Performance.WindowDays,
		MinTradeCount:   cfg.Performance.MinTradeCount,
		MalusMultiplier: cfg.Performance.MalusMultiplier,
		BonusMultiplier: cfg.Performance.BonusMultiplier,
		MalusThreshold:  cfg.Performance.MalusThreshold,
		BonusThreshold:  cfg.Performance.BonusThreshold,
	}

	report, err := brain.RebuildReadModels(
		ctx, nil, perfCfg,
		decimal.NewFromFloat(cfg.Trading.InitialEquity),
		events, repo, domain.SystemClock(), logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Rebuild failed")
	}

	fmt.Printf("Rebuilt read models from %d events (last seq %d)\n", report.EventsReplayed, report.LastSeq)
	fmt.Printf("  equity:         %s\n", report.Equity)
	fmt.Printf("  open positions: %d\n", report.OpenPositions)
}
