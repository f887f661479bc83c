// Command confidence prints the truth confidence ledger and the recent
// reconciliation history per scope. It is the first thing to read when the
// brain has throttled itself on drift: it shows which scope decayed, when,
// and what the comparison passes actually saw.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"trading-brain/config"
	"trading-brain/internal/database"
	"trading-brain/internal/domain"
	"trading-brain/internal/secrets"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Table output only, the daemon owns the structured logs.
	logger := zerolog.Nop()

	provider, err := secrets.NewProvider(cfg.Vault, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize secrets provider: %v\n", err)
		os.Exit(1)
	}
	if password, err := provider.DatabasePassword(ctx); err == nil {
		cfg.Database.Password = password
	}

	db, err := database.NewDB(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewRepository(db, cfg.Trading.InstanceID)

	scores, err := repo.LoadTruthConfidence(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load truth confidence: %v\n", err)
		os.Exit(1)
	}

	divider := strings.Repeat("=", 80)
	fmt.Println(divider)
	fmt.Println("🔎 TRUTH CONFIDENCE REPORT")
	fmt.Println(divider)

	if len(scores) == 0 {
		fmt.Println("\nNo confidence rows yet. The brain has not finished a reconciliation pass.")
	} else {
		printScores(scores)
	}

	limit := envInt("CONFIDENCE_RUNS", 10)
	for _, scope := range reportScopes(cfg, scores) {
		runs, err := repo.GetRecentRuns(ctx, scope, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load runs for %s: %v\n", scope, err)
			continue
		}
		if len(runs) == 0 {
			continue
		}
		printRuns(scope, runs)
	}

	fmt.Println("\n" + divider)
	fmt.Printf("🏁 WORST STATE: %s\n", worstState(scores))
	fmt.Println(divider)
}

func printScores(scores []domain.TruthConfidence) {
	sort.Slice(scores, func(i, j int) bool { return scores[i].Scope < scores[j].Scope })

	fmt.Println("\n┌──────────────┬───────┬──────────┬──────────────────────┬──────────────────────────┐")
	fmt.Println("│ Scope        │ Score │ State    │ Last Update          │ Reasons                  │")
	fmt.Println("├──────────────┼───────┼──────────┼──────────────────────┼──────────────────────────┤")
	for _, tc := range scores {
		reasons := strings.Join(tc.Reasons, ", ")
		if reasons == "" {
			reasons = "-"
		}
		if len(reasons) > 24 {
			reasons = reasons[:21] + "..."
		}
		fmt.Printf("│ %-12s │ %5.2f │ %-8s │ %-20s │ %-24s │\n",
			tc.Scope, tc.Score, tc.State,
			tc.LastUpdate.UTC().Format("2006-01-02 15:04:05"), reasons)
	}
	fmt.Println("└──────────────┴───────┴──────────┴──────────────────────┴──────────────────────────┘")
}

func printRuns(scope domain.ReconScope, runs []domain.ReconciliationRun) {
	var mismatches int
	for _, run := range runs {
		if run.Status == domain.ReconMismatch {
			mismatches++
		}
	}

	fmt.Printf("\n📋 %s — last %d runs (%d mismatched)\n", scope, len(runs), mismatches)
	fmt.Println("┌──────────────────────┬──────────┬──────────┬───────┬────────┬────────┐")
	fmt.Println("│ Started              │ Duration │ Status   │ Brain │ Source │ Drifts │")
	fmt.Println("├──────────────────────┼──────────┼──────────┼───────┼────────┼────────┤")
	for _, run := range runs {
		duration := "running"
		if run.FinishedAt != nil {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		status := string(run.Status)
		if status == "" && !run.Success {
			status = string(domain.ReconError)
		}
		fmt.Printf("│ %-20s │ %8s │ %-8s │ %5d │ %6d │ %6d │\n",
			run.StartedAt.UTC().Format("2006-01-02 15:04:05"), duration, status,
			run.Stats.BrainPositions, run.Stats.SourcePositions, run.Stats.DriftCount)
	}
	fmt.Println("└──────────────────────┴──────────┴──────────┴───────┴────────┴────────┘")
}

// reportScopes is the union of persisted scopes and the configured ones, so
// a scope that never wrote a confidence row still shows its run history.
func reportScopes(cfg *config.Config, scores []domain.TruthConfidence) []domain.ReconScope {
	seen := make(map[domain.ReconScope]bool)
	var scopes []domain.ReconScope
	add := func(scope domain.ReconScope) {
		if !seen[scope] {
			seen[scope] = true
			scopes = append(scopes, scope)
		}
	}
	for _, tc := range scores {
		add(tc.Scope)
	}
	for _, exchange := range cfg.Reconciliation.Exchanges {
		add(domain.ReconScope(exchange))
	}
	add(domain.ScopeDatabase)
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
	return scopes
}

func worstState(scores []domain.TruthConfidence) domain.ConfidenceState {
	worst := domain.ConfidenceHigh
	for _, tc := range scores {
		switch tc.State {
		case domain.ConfidenceLow:
			return domain.ConfidenceLow
		case domain.ConfidenceDegraded:
			worst = domain.ConfidenceDegraded
		}
	}
	return worst
}

func envInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
