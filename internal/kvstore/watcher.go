package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ParamWatcher polls the published risk params and fires apply whenever the
// payload changes. The apply callback decodes into whatever policy struct
// the consumer owns, keeping this package free of risk imports.
type ParamWatcher struct {
	store    *Store
	interval time.Duration
	apply    func(raw json.RawMessage)
	logger   zerolog.Logger

	last []byte

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewParamWatcher creates a watcher on the risk params key.
func NewParamWatcher(store *Store, interval time.Duration, apply func(raw json.RawMessage), logger zerolog.Logger) *ParamWatcher {
	return &ParamWatcher{
		store:    store,
		interval: interval,
		apply:    apply,
		logger:   logger.With().Str("component", "ParamWatcher").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *ParamWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.runPollLoop(ctx)
}

// Stop terminates the loop and waits for it to exit.
func (w *ParamWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

func (w *ParamWatcher) runPollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Prime with the current value so only real changes fire.
	w.Check(ctx)

	for {
		select {
		case <-ticker.C:
			w.Check(ctx)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Check polls once. Exported for tests and operator-forced reloads.
func (w *ParamWatcher) Check(ctx context.Context) {
	var raw json.RawMessage
	found, err := w.store.LoadRiskParams(ctx, &raw)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to poll risk params")
		return
	}
	if !found || bytes.Equal(raw, w.last) {
		return
	}

	first := w.last == nil
	w.last = raw
	if first {
		// Startup load already configured the guardian.
		return
	}

	w.logger.Info().Msg("Risk params changed, applying")
	w.apply(raw)
}
