package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSource struct {
	mu  sync.Mutex
	seq int64
}

func (s *fakeSource) SnapshotState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	state := Empty()
	state.CausedByEventSeq = s.seq
	return state
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []State
	pruned  []int
	saveErr error
	block   chan struct{}
}

func (s *fakeStore) SaveSnapshot(ctx context.Context, state State) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, state)
	return nil
}

func (s *fakeStore) LoadLatestSnapshot(ctx context.Context) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return State{}, false, nil
	}
	return s.saved[len(s.saved)-1], true, nil
}

func (s *fakeStore) PruneSnapshots(ctx context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, keep)
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func (s *fakeStore) pruneCalls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pruned...)
}

// plainStore cannot prune.
type plainStore struct {
	saves int
}

func (s *plainStore) SaveSnapshot(ctx context.Context, state State) error {
	s.saves++
	return nil
}

func (s *plainStore) LoadLatestSnapshot(ctx context.Context) (State, bool, error) {
	return State{}, false, nil
}

func TestWriteNowPersistsAndPrunes(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(time.Hour, 5, store, &fakeSource{}, zerolog.Nop())

	if !w.WriteNow(context.Background()) {
		t.Fatal("expected the write to succeed")
	}
	if store.saveCount() != 1 {
		t.Fatalf("expected 1 save, got %d", store.saveCount())
	}
	if got := store.pruneCalls(); len(got) != 1 || got[0] != 5 {
		t.Errorf("expected one prune keeping 5, got %v", got)
	}
}

func TestWriteNowSkipsPruneWhenDisabled(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(time.Hour, 0, store, &fakeSource{}, zerolog.Nop())

	w.WriteNow(context.Background())

	if got := store.pruneCalls(); len(got) != 0 {
		t.Errorf("keep=0 must disable pruning, got %v", got)
	}
}

func TestWriteNowToleratesStoreWithoutPruning(t *testing.T) {
	store := &plainStore{}
	w := NewWriter(time.Hour, 5, store, &fakeSource{}, zerolog.Nop())

	if !w.WriteNow(context.Background()) {
		t.Fatal("expected the write to succeed")
	}
	if store.saves != 1 {
		t.Errorf("expected 1 save, got %d", store.saves)
	}
}

func TestWriteNowReportsSaveFailure(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("disk full")}
	w := NewWriter(time.Hour, 5, store, &fakeSource{}, zerolog.Nop())

	if w.WriteNow(context.Background()) {
		t.Fatal("expected the write to report failure")
	}
	if got := store.pruneCalls(); len(got) != 0 {
		t.Errorf("a failed save must not prune, got %v", got)
	}
}

func TestWriteNowCoalescesConcurrentWrites(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	w := NewWriter(time.Hour, 0, store, &fakeSource{}, zerolog.Nop())

	firstDone := make(chan bool, 1)
	go func() { firstDone <- w.WriteNow(context.Background()) }()

	// Wait until the first write holds the in-flight flag.
	deadline := time.After(time.Second)
	for !w.inFlight.Load() {
		select {
		case <-deadline:
			t.Fatal("first write never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if w.WriteNow(context.Background()) {
		t.Error("second write must be skipped while one is in flight")
	}

	close(store.block)
	if !<-firstDone {
		t.Error("first write should have succeeded")
	}
	if store.saveCount() != 1 {
		t.Errorf("expected exactly 1 save, got %d", store.saveCount())
	}
}

func TestWriterIntervalLoop(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(10*time.Millisecond, 0, store, &fakeSource{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	for store.saveCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected periodic writes, got %d", store.saveCount())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestEmptyStateDefaults(t *testing.T) {
	state := Empty()
	if state.Version != CurrentVersion {
		t.Errorf("expected version %d, got %d", CurrentVersion, state.Version)
	}
	if state.Allocation.W1 != 1 || state.Allocation.W2 != 0 || state.Allocation.W3 != 0 {
		t.Errorf("a fresh state must hold everything in phase 1, got %+v", state.Allocation)
	}
	if !state.HighWatermark.IsZero() {
		t.Errorf("expected zero watermark, got %s", state.HighWatermark)
	}
}
