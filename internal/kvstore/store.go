// Package kvstore holds the hot state the brain shares through Redis: the
// circuit breaker row, hot-reloadable risk parameters and the confidence
// mirror read by dashboards. When Redis is unavailable every operation
// falls back to an in-memory copy so the trading path never blocks on it.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-brain/internal/circuit"
	"trading-brain/internal/domain"
)

const (
	breakerKeyPrefix    = "brain:breaker"    // brain:breaker:{instanceID}
	riskParamsKey       = "brain:config:risk"
	confidenceKeyPrefix = "brain:confidence" // brain:confidence:{scope}
	confidenceScopesKey = "brain:confidence:scopes"

	// Breaker state outlives restarts but not forgotten deployments.
	breakerStateTTL = 30 * 24 * time.Hour
)

// Store is the Redis-backed hot state store with in-memory fallback.
type Store struct {
	client     *redis.Client
	instanceID string
	logger     zerolog.Logger

	redisAvailable atomic.Bool

	mu             sync.RWMutex
	memBreaker     *circuit.StateSnapshot
	memRiskParams  []byte
	memConfidences map[domain.ReconScope]domain.TruthConfidence
}

// NewStore creates the store. A nil client means memory-only mode
// (REDIS_DISABLED), which is fine for a single instance.
func NewStore(client *redis.Client, instanceID string, logger zerolog.Logger) *Store {
	s := &Store{
		client:         client,
		instanceID:     instanceID,
		logger:         logger.With().Str("component", "KVStore").Logger(),
		memConfidences: make(map[domain.ReconScope]domain.TruthConfidence),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory fallback")
		} else {
			s.logger.Info().Msg("Redis connected")
			s.redisAvailable.Store(true)
		}
	} else {
		s.logger.Info().Msg("No Redis client provided, memory-only mode")
	}

	return s
}

func (s *Store) breakerKey() string {
	return fmt.Sprintf("%s:%s", breakerKeyPrefix, s.instanceID)
}

func (s *Store) confidenceKey(scope domain.ReconScope) string {
	return fmt.Sprintf("%s:%s", confidenceKeyPrefix, scope)
}

// SaveBreakerState persists the breaker row. The in-memory copy always
// updates, so a Redis outage degrades durability but never correctness of
// the running instance.
func (s *Store) SaveBreakerState(ctx context.Context, snap circuit.StateSnapshot) error {
	s.mu.Lock()
	copied := snap
	s.memBreaker = &copied
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker state: %w", err)
	}

	if s.client == nil {
		return nil
	}

	if err := s.client.Set(ctx, s.breakerKey(), data, breakerStateTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save breaker state to Redis, in-memory copy kept")
		s.redisAvailable.Store(false)
		return nil
	}
	s.redisAvailable.Store(true)
	return nil
}

// LoadBreakerState reads the persisted breaker state, preferring Redis.
func (s *Store) LoadBreakerState(ctx context.Context) (circuit.StateSnapshot, bool, error) {
	if s.client != nil {
		data, err := s.client.Get(ctx, s.breakerKey()).Result()
		switch {
		case err == nil:
			s.redisAvailable.Store(true)
			var snap circuit.StateSnapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				return circuit.StateSnapshot{}, false, fmt.Errorf("failed to decode breaker state: %w", err)
			}
			return snap, true, nil
		case errors.Is(err, redis.Nil):
			// fall through to the in-memory copy
		default:
			s.logger.Warn().Err(err).Msg("Redis read failed, using in-memory breaker state")
			s.redisAvailable.Store(false)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.memBreaker == nil {
		return circuit.StateSnapshot{}, false, nil
	}
	return *s.memBreaker, true, nil
}

// SaveRiskParams publishes a hot-reloadable risk policy.
func (s *Store) SaveRiskParams(ctx context.Context, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal risk params: %w", err)
	}

	s.mu.Lock()
	s.memRiskParams = data
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Set(ctx, riskParamsKey, data, 0).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish risk params to Redis")
		s.redisAvailable.Store(false)
	}
	return nil
}

// LoadRiskParams reads the published policy into out. found=false means
// nothing was ever published.
func (s *Store) LoadRiskParams(ctx context.Context, out any) (bool, error) {
	var data []byte

	if s.client != nil {
		raw, err := s.client.Get(ctx, riskParamsKey).Result()
		switch {
		case err == nil:
			s.redisAvailable.Store(true)
			data = []byte(raw)
		case errors.Is(err, redis.Nil):
		default:
			s.logger.Warn().Err(err).Msg("Redis read failed, using in-memory risk params")
			s.redisAvailable.Store(false)
		}
	}

	if data == nil {
		s.mu.RLock()
		data = s.memRiskParams
		s.mu.RUnlock()
	}
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode risk params: %w", err)
	}
	return true, nil
}

// MirrorConfidence writes the per-scope confidence for cheap dashboard reads.
func (s *Store) MirrorConfidence(ctx context.Context, tc domain.TruthConfidence) error {
	s.mu.Lock()
	s.memConfidences[tc.Scope] = tc
	s.mu.Unlock()

	data, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("failed to marshal confidence: %w", err)
	}

	if s.client == nil {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.confidenceKey(tc.Scope), data, 0)
	pipe.SAdd(ctx, confidenceScopesKey, string(tc.Scope))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to mirror confidence to Redis")
		s.redisAvailable.Store(false)
	}
	return nil
}

// LoadConfidences returns the mirrored confidence for every known scope.
func (s *Store) LoadConfidences(ctx context.Context) ([]domain.TruthConfidence, error) {
	if s.client != nil && s.redisAvailable.Load() {
		scopes, err := s.client.SMembers(ctx, confidenceScopesKey).Result()
		if err == nil {
			out := make([]domain.TruthConfidence, 0, len(scopes))
			for _, scope := range scopes {
				raw, err := s.client.Get(ctx, s.confidenceKey(domain.ReconScope(scope))).Result()
				if err != nil {
					continue
				}
				var tc domain.TruthConfidence
				if err := json.Unmarshal([]byte(raw), &tc); err != nil {
					continue
				}
				out = append(out, tc)
			}
			return out, nil
		}
		s.logger.Warn().Err(err).Msg("Redis read failed, using in-memory confidences")
		s.redisAvailable.Store(false)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TruthConfidence, 0, len(s.memConfidences))
	for _, tc := range s.memConfidences {
		out = append(out, tc)
	}
	return out, nil
}

// Available reports whether the last Redis operation succeeded.
func (s *Store) Available() bool {
	return s.redisAvailable.Load()
}
