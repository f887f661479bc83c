// Package leader guards the single-writer invariant. One instance holds a
// Redis lease and runs the signal processor; everyone else serves reads and
// waits. Losing the lease demotes immediately.
package leader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// renewScript extends the lease only while we still own it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// releaseScript drops the lease only if it is ours.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Elector runs the lease loop. A nil Redis client means standalone mode:
// the instance is always leader.
type Elector struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     zerolog.Logger

	isLeader  atomic.Bool
	onPromote func()
	onDemote  func()

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewElector creates an elector for one lease key.
func NewElector(client *redis.Client, key, instanceID string, ttl time.Duration, logger zerolog.Logger) *Elector {
	return &Elector{
		client:     client,
		key:        key,
		instanceID: instanceID,
		ttl:        ttl,
		logger: logger.With().
			Str("component", "LeaderElector").
			Str("instance_id", instanceID).
			Logger(),
		stopChan: make(chan struct{}),
	}
}

// OnPromote registers the handler fired when this instance wins the lease.
// The handler runs recovery and then starts the signal processor.
func (e *Elector) OnPromote(handler func()) {
	e.onPromote = handler
}

// OnDemote registers the handler fired when the lease is lost.
func (e *Elector) OnDemote(handler func()) {
	e.onDemote = handler
}

// IsLeader reports whether this instance may mutate state right now.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// Start runs one election round immediately, then keeps the lease fresh at
// a third of its TTL.
func (e *Elector) Start(ctx context.Context) {
	if e.client == nil {
		e.logger.Info().Msg("No Redis client, running standalone as permanent leader")
		e.promote()
		return
	}

	e.Attempt(ctx)

	e.wg.Add(1)
	go e.runLeaseLoop(ctx)
}

// Stop releases the lease and halts the loop.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	if e.client != nil && e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, e.client, []string{e.key}, e.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
			e.logger.Warn().Err(err).Msg("Failed to release lease")
		}
	}
	if e.isLeader.Load() {
		e.demote("shutdown")
	}
}

func (e *Elector) runLeaseLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Attempt(ctx)
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Attempt runs one election round: renew when leading, claim otherwise.
// Exported so tests can drive rounds deterministically.
func (e *Elector) Attempt(ctx context.Context) {
	if e.isLeader.Load() {
		e.renew(ctx)
		return
	}
	e.tryAcquire(ctx)
}

func (e *Elector) tryAcquire(ctx context.Context) {
	ok, err := e.client.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Lease claim failed")
		return
	}
	if !ok {
		holder, _ := e.client.Get(ctx, e.key).Result()
		if holder == e.instanceID {
			// Our lease survived a restart.
			e.client.PExpire(ctx, e.key, e.ttl)
			e.promote()
		}
		return
	}
	e.promote()
}

func (e *Elector) renew(ctx context.Context) {
	extended, err := renewScript.Run(ctx, e.client, []string{e.key}, e.instanceID, e.ttl.Milliseconds()).Int()
	if err != nil {
		// A flaky Redis is not proof we lost the lease. Holding on keeps
		// the single-writer safe: a new leader cannot be elected while
		// the key persists, and if the key died with Redis the next
		// round resolves ownership.
		e.logger.Warn().Err(err).Msg("Lease renew failed, retaining leadership until disproven")
		return
	}
	if extended == 0 {
		e.demote("lease lost")
	}
}

func (e *Elector) promote() {
	if e.isLeader.Swap(true) {
		return
	}
	e.logger.Info().Msg("Promoted to leader")
	if e.onPromote != nil {
		go e.onPromote()
	}
}

func (e *Elector) demote(reason string) {
	if !e.isLeader.Swap(false) {
		return
	}
	e.logger.Warn().Str("reason", reason).Msg("Demoted from leader")
	if e.onDemote != nil {
		go e.onDemote()
	}
}
