package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLoader counts full recomputations and can block them behind a gate.
type fakeLoader struct {
	mu        sync.Mutex
	loads     int64
	snapshots []Snapshot
	err       error
	gate      chan struct{}
}

func (l *fakeLoader) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	if l.gate != nil {
		<-l.gate
	}
	atomic.AddInt64(&l.loads, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	out := make([]Snapshot, len(l.snapshots))
	copy(out, l.snapshots)
	return out, nil
}

func (l *fakeLoader) loadCount() int64 {
	return atomic.LoadInt64(&l.loads)
}

func (l *fakeLoader) setSnapshots(s []Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = s
}

func snap(productId int, total, piecesPerPack, packsPerBox int64) Snapshot {
	piecesPerBox := piecesPerPack * packsPerBox
	return Snapshot{
		ProductId:       productId,
		TotalPieces:     total,
		AvailableBoxes:  total / piecesPerBox,
		AvailablePacks:  (total % piecesPerBox) / piecesPerPack,
		AvailablePieces: total % piecesPerPack,
		PiecesPerPack:   piecesPerPack,
		PacksPerBox:     packsPerBox,
	}
}

func TestGetLoadsOnFirstRead(t *testing.T) {
	loader := &fakeLoader{snapshots: []Snapshot{snap(1, 60, 6, 10)}}
	c := New(loader, time.Hour)

	s, ok, err := c.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot for product 1")
	}
	if s.AvailableBoxes != 1 || s.AvailablePacks != 0 || s.AvailablePieces != 0 {
		t.Fatalf("unexpected decomposition: %+v", s)
	}
	if loader.loadCount() != 1 {
		t.Fatalf("loads = %d, want 1", loader.loadCount())
	}

	// Fresh reads do not reload.
	if _, _, err := c.Get(context.Background(), 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loader.loadCount() != 1 {
		t.Fatalf("loads after warm read = %d, want 1", loader.loadCount())
	}
}

func TestForceRefreshSingleFlight(t *testing.T) {
	loader := &fakeLoader{
		snapshots: []Snapshot{snap(1, 60, 6, 10)},
		gate:      make(chan struct{}),
	}
	c := New(loader, time.Hour)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.ForceRefresh(context.Background())
		}(i)
	}

	// Give every goroutine a chance to reach the refresh path, then open
	// the gate: exactly one underlying recomputation must run.
	time.Sleep(50 * time.Millisecond)
	close(loader.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("ForceRefresh[%d]: %v", i, err)
		}
	}
	if got := loader.loadCount(); got != 1 {
		t.Fatalf("loads = %d, want exactly 1", got)
	}
	if stats := c.Stats(); stats.Refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", stats.Refreshes)
	}
}

func TestStaleReadServesPreviousSnapshotSet(t *testing.T) {
	loader := &fakeLoader{snapshots: []Snapshot{snap(1, 60, 6, 10)}}
	c := New(loader, 10*time.Millisecond)

	if _, _, err := c.Get(context.Background(), 1); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Let the snapshot set go stale, then change the source data.
	time.Sleep(20 * time.Millisecond)
	loader.setSnapshots([]Snapshot{snap(1, 120, 6, 10)})

	// A stale read returns without blocking; it may serve the previous set
	// while the refresh lands in the background.
	if _, ok, err := c.Get(context.Background(), 1); err != nil || !ok {
		t.Fatalf("stale Get: ok=%v err=%v", ok, err)
	}

	// After an awaited refresh the new set is visible.
	if err := c.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	s, ok, err := c.Get(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("Get after refresh: ok=%v err=%v", ok, err)
	}
	if s.TotalPieces != 120 {
		t.Fatalf("total = %d, want 120", s.TotalPieces)
	}
}

func TestSnapshotSetReplacedWholesale(t *testing.T) {
	loader := &fakeLoader{snapshots: []Snapshot{snap(1, 60, 6, 10), snap(2, 12, 6, 2)}}
	c := New(loader, time.Hour)

	all, err := c.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("size = %d, want 2", len(all))
	}

	// Product 2 disappears from the source; a refresh must drop it.
	loader.setSnapshots([]Snapshot{snap(1, 60, 6, 10)})
	if err := c.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if _, ok, _ := c.Get(context.Background(), 2); ok {
		t.Fatal("expected product 2 to be dropped on refresh")
	}
}

func TestClearForcesRebuild(t *testing.T) {
	loader := &fakeLoader{snapshots: []Snapshot{snap(1, 60, 6, 10)}}
	c := New(loader, time.Hour)

	if _, _, err := c.Get(context.Background(), 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Clear()
	if stats := c.Stats(); stats.Size != 0 || !stats.Stale {
		t.Fatalf("expected empty stale cache after Clear, got %+v", stats)
	}
	if _, ok, err := c.Get(context.Background(), 1); err != nil || !ok {
		t.Fatalf("Get after Clear: ok=%v err=%v", ok, err)
	}
	if loader.loadCount() != 2 {
		t.Fatalf("loads = %d, want 2", loader.loadCount())
	}
}

func TestRefreshErrorKeepsPreviousSet(t *testing.T) {
	loader := &fakeLoader{snapshots: []Snapshot{snap(1, 60, 6, 10)}}
	c := New(loader, time.Hour)

	if _, _, err := c.Get(context.Background(), 1); err != nil {
		t.Fatalf("Get: %v", err)
	}

	loader.mu.Lock()
	loader.err = errors.New("ledger scan failed")
	loader.mu.Unlock()

	if err := c.ForceRefresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	// Previous snapshot set still serves.
	if _, ok, err := c.Get(context.Background(), 1); err != nil || !ok {
		t.Fatalf("Get after failed refresh: ok=%v err=%v", ok, err)
	}
}

func TestWaiterObservesItsOwnRunsError(t *testing.T) {
	loadErr := errors.New("ledger scan failed")
	loader := &fakeLoader{
		snapshots: []Snapshot{snap(1, 60, 6, 10)},
		err:       loadErr,
		gate:      make(chan struct{}),
	}
	c := New(loader, time.Hour)

	// First run fails; keep a handle on it while it is in flight.
	errCh := make(chan error, 1)
	go func() { errCh <- c.ForceRefresh(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	run1 := c.run
	c.mu.Unlock()
	if run1 == nil {
		t.Fatal("expected a refresh in flight")
	}
	loader.gate <- struct{}{}
	if err := <-errCh; !errors.Is(err, loadErr) {
		t.Fatalf("first refresh err = %v, want %v", err, loadErr)
	}

	// Second run succeeds.
	loader.mu.Lock()
	loader.err = nil
	loader.mu.Unlock()
	go func() { errCh <- c.ForceRefresh(context.Background()) }()
	loader.gate <- struct{}{}
	if err := <-errCh; err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	// A waiter woken by the first run must still see that run's failure,
	// not the later run's success.
	if err := c.await(context.Background(), run1); !errors.Is(err, loadErr) {
		t.Fatalf("await on finished run = %v, want %v", err, loadErr)
	}
}

func TestStatsBookkeeping(t *testing.T) {
	loader := &fakeLoader{snapshots: []Snapshot{snap(1, 60, 6, 10)}}
	c := New(loader, time.Hour)

	if _, _, err := c.Get(context.Background(), 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok, _ := c.Get(context.Background(), 99); ok {
		t.Fatal("unexpected snapshot for unknown product")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.Size != 1 || stats.Refreshes != 1 || stats.Stale {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TTL != time.Hour {
		t.Fatalf("ttl = %s", stats.TTL)
	}
}

func TestGetManySkipsUnknownIds(t *testing.T) {
	loader := &fakeLoader{snapshots: []Snapshot{snap(1, 60, 6, 10), snap(3, 6, 6, 10)}}
	c := New(loader, time.Hour)

	got, err := c.GetMany(context.Background(), []int{1, 2, 3})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}
