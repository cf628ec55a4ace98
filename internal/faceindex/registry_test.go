package faceindex

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingStore wraps a FileStore, counting loads and optionally failing saves.
type countingStore struct {
	*FileStore
	loads    atomic.Int32
	saves    atomic.Int32
	failSave atomic.Bool
}

func (s *countingStore) Load(ctx context.Context, site string) (*Snapshot, error) {
	s.loads.Add(1)
	return s.FileStore.Load(ctx, site)
}

func (s *countingStore) Save(ctx context.Context, site string, snap *Snapshot) error {
	s.saves.Add(1)
	if s.failSave.Load() {
		return fmt.Errorf("%w: disk full", ErrIO)
	}
	return s.FileStore.Save(ctx, site, snap)
}

func newCountingStore(t *testing.T) *countingStore {
	t.Helper()
	return &countingStore{FileStore: newTestStore(t)}
}

func TestRegistry_LoadsOnce(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	reg := NewRegistry(store)

	for range 3 {
		if err := reg.View(ctx, "site-a", func(*Snapshot) error { return nil }); err != nil {
			t.Fatalf("view: %v", err)
		}
	}

	if got := store.loads.Load(); got != 1 {
		t.Errorf("store loaded %d times, want 1", got)
	}
}

func TestRegistry_UpdatePersists(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	reg := NewRegistry(store)

	err := reg.Update(ctx, "site-a", func(s *Snapshot) error {
		_, err := s.Append("E1", axis(testDim, 0), axis(testDim, 1))
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := store.saves.Load(); got != 1 {
		t.Errorf("saved %d times, want 1", got)
	}

	loaded, err := store.FileStore.Load(ctx, "site-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 2 {
		t.Errorf("persisted %d slots, want 2", loaded.Len())
	}
}

func TestRegistry_UpdateWithoutChangesSkipsSave(t *testing.T) {
	store := newCountingStore(t)
	reg := NewRegistry(store)

	if err := reg.Update(context.Background(), "site-a", func(*Snapshot) error { return nil }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := store.saves.Load(); got != 0 {
		t.Errorf("saved %d times, want 0", got)
	}
}

func TestRegistry_FailedSaveRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	reg := NewRegistry(store)

	if err := reg.Update(ctx, "site-a", func(s *Snapshot) error {
		_, err := s.Append("E1", axis(testDim, 0))
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	store.failSave.Store(true)
	err := reg.Update(ctx, "site-a", func(s *Snapshot) error {
		_, err := s.Append("E2", axis(testDim, 1), axis(testDim, 2))
		return err
	})
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}

	stats, err := reg.Stats(ctx, "site-a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Vectors != 1 {
		t.Errorf("cache holds %d vectors after failed save, want 1", stats.Vectors)
	}
	if stats.PerIdentity["E2"] != 0 {
		t.Errorf("rolled back identity still present: %v", stats.PerIdentity)
	}
}

func TestRegistry_CallbackErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	reg := NewRegistry(store)
	boom := errors.New("metadata store down")

	err := reg.Update(ctx, "site-a", func(s *Snapshot) error {
		if _, err := s.Append("E1", axis(testDim, 0)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if got := store.saves.Load(); got != 0 {
		t.Errorf("saved %d times, want 0", got)
	}

	stats, _ := reg.Stats(ctx, "site-a")
	if stats.Vectors != 0 {
		t.Errorf("cache holds %d vectors, want 0", stats.Vectors)
	}
}

func TestRegistry_CorruptStateIsNotReset(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	if err := os.WriteFile(store.Path("site-a"), []byte{0x00, 0x01}, 0600); err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(store)

	for i := range 2 {
		err := reg.Update(ctx, "site-a", func(s *Snapshot) error {
			_, err := s.Append("E1", axis(testDim, 0))
			return err
		})
		if !errors.Is(err, ErrCorruptState) {
			t.Fatalf("attempt %d: expected ErrCorruptState, got %v", i, err)
		}
	}
	if got := store.saves.Load(); got != 0 {
		t.Errorf("corrupt site was overwritten %d times", got)
	}
}

// TestRegistry_ConcurrentEnrollmentsKeepInvariant runs many concurrent
// appends on one site; every slot must be distinct and persisted.
func TestRegistry_ConcurrentEnrollmentsKeepInvariant(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	reg := NewRegistry(store)

	const workers = 32
	const perWorker = 3

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 1))
			errs <- reg.Update(ctx, "site-a", func(s *Snapshot) error {
				vectors := make([][]float32, perWorker)
				for i := range vectors {
					vectors[i] = unitVector(rng, testDim)
				}
				_, err := s.Append(fmt.Sprintf("E%d", w), vectors...)
				return err
			})
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	loaded, err := store.FileStore.Load(ctx, "site-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
	if loaded.Len() != workers*perWorker {
		t.Errorf("persisted %d slots, want %d", loaded.Len(), workers*perWorker)
	}
	for id, n := range loaded.IdentityCounts() {
		if n != perWorker {
			t.Errorf("identity %s has %d slots, want %d", id, n, perWorker)
		}
	}
}

func TestRegistry_SitesDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newCountingStore(t))

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = reg.View(ctx, "site-a", func(*Snapshot) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- reg.View(ctx, "site-b", func(*Snapshot) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("view site-b: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("site-b blocked by site-a")
	}
}

func TestRegistry_WaitHonoursContext(t *testing.T) {
	reg := NewRegistry(newCountingStore(t))

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = reg.View(context.Background(), "site-a", func(*Snapshot) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := reg.View(ctx, "site-a", func(*Snapshot) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}
