package cache

import (
	"context"
	"sync"
	"time"
)

// Snapshot is one product's materialized availability, decomposed greedily
// largest-unit-first. Snapshots are derived from the stock ledger and are
// never authoritative; the whole set is replaced wholesale on each refresh.
type Snapshot struct {
	ProductId       int       `json:"product_id"`
	ProductName     string    `json:"product_name"`
	Sku             string    `json:"sku"`
	TotalPieces     int64     `json:"total_pieces"`
	AvailableBoxes  int64     `json:"available_boxes"`
	AvailablePacks  int64     `json:"available_packs"`
	AvailablePieces int64     `json:"available_pieces"`
	PiecesPerPack   int64     `json:"pieces_per_pack"`
	PacksPerBox     int64     `json:"packs_per_box"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Loader rebuilds the full snapshot set from the source of truth.
type Loader interface {
	LoadSnapshots(ctx context.Context) ([]Snapshot, error)
}

// Stats is cache bookkeeping for operational visibility.
type Stats struct {
	Size          int           `json:"size"`
	Hits          uint64        `json:"hits"`
	Misses        uint64        `json:"misses"`
	Refreshes     uint64        `json:"refreshes"`
	LastRefreshed time.Time     `json:"last_refreshed"`
	Age           time.Duration `json:"age"`
	TTL           time.Duration `json:"ttl"`
	Stale         bool          `json:"stale"`
}

// refreshRun is one recomputation. err is written before done closes and read
// only after it, so each waiter observes the outcome of the run it joined
// even when later runs have already finished.
type refreshRun struct {
	done chan struct{}
	err  error
}

// InventoryCache owns the snapshot map behind a mutex and exposes only
// read/refresh/clear operations. Refresh is single-flight: one recomputation
// at a time; concurrent refresh requests await the same in-flight run.
// Readers arriving during a refresh keep seeing the previous snapshot set.
type InventoryCache struct {
	loader Loader
	ttl    time.Duration

	mu            sync.Mutex
	snapshots     map[int]Snapshot
	lastRefreshed time.Time
	refreshing    bool
	run           *refreshRun
	hits          uint64
	misses        uint64
	refreshes     uint64
}

func New(loader Loader, ttl time.Duration) *InventoryCache {
	return &InventoryCache{
		loader:    loader,
		ttl:       ttl,
		snapshots: make(map[int]Snapshot),
	}
}

var (
	defaultCache *InventoryCache
	defaultOnce  sync.Once
)

// Init sets the process-wide cache instance. Call once from main.
func Init(loader Loader, ttl time.Duration) {
	defaultOnce.Do(func() {
		defaultCache = New(loader, ttl)
	})
}

func Default() *InventoryCache {
	return defaultCache
}

func (c *InventoryCache) stale() bool {
	return c.lastRefreshed.IsZero() || time.Since(c.lastRefreshed) > c.ttl
}

// ensureFresh makes sure a usable snapshot set exists. A stale read with a
// previous snapshot serves stale data and kicks one background refresh; a
// stale read with nothing cached awaits the (possibly shared) refresh.
func (c *InventoryCache) ensureFresh(ctx context.Context) error {
	c.mu.Lock()
	if !c.stale() {
		c.mu.Unlock()
		return nil
	}

	empty := len(c.snapshots) == 0

	if c.refreshing {
		run := c.run
		c.mu.Unlock()
		if !empty {
			// Serve the previous snapshot; the in-flight refresh will land.
			return nil
		}
		return c.await(ctx, run)
	}

	c.refreshing = true
	run := &refreshRun{done: make(chan struct{})}
	c.run = run
	c.mu.Unlock()

	if empty {
		c.refresh(ctx, run)
		return c.await(ctx, run)
	}
	go c.refresh(context.WithoutCancel(ctx), run)
	return nil
}

func (c *InventoryCache) await(ctx context.Context, run *refreshRun) error {
	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh runs the full recomputation and replaces the snapshot set
// atomically. Exactly one refresh runs at a time; the caller must have set
// the refreshing flag and installed run.
func (c *InventoryCache) refresh(ctx context.Context, run *refreshRun) {
	snapshots, err := c.loader.LoadSnapshots(ctx)

	c.mu.Lock()
	if err == nil {
		next := make(map[int]Snapshot, len(snapshots))
		now := time.Now()
		for _, s := range snapshots {
			s.LastUpdated = now
			next[s.ProductId] = s
		}
		c.snapshots = next
		c.lastRefreshed = now
		c.refreshes++
	}
	// On error the previous snapshot set keeps serving; the next read
	// retries. The outcome is pinned to this run so waiters woken late
	// cannot read a later run's result.
	run.err = err
	c.refreshing = false
	c.mu.Unlock()
	close(run.done)
}

// Get returns the snapshot for one product, refreshing first if stale.
func (c *InventoryCache) Get(ctx context.Context, productId int) (Snapshot, bool, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return Snapshot{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snapshots[productId]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return s, ok, nil
}

// GetMany returns snapshots for the requested products; unknown ids are
// simply absent from the result.
func (c *InventoryCache) GetMany(ctx context.Context, productIds []int) ([]Snapshot, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Snapshot, 0, len(productIds))
	for _, id := range productIds {
		if s, ok := c.snapshots[id]; ok {
			c.hits++
			result = append(result, s)
		} else {
			c.misses++
		}
	}
	return result, nil
}

func (c *InventoryCache) GetAll(ctx context.Context) ([]Snapshot, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Snapshot, 0, len(c.snapshots))
	for _, s := range c.snapshots {
		result = append(result, s)
	}
	c.hits += uint64(len(result))
	return result, nil
}

// ForceRefresh triggers an immediate recomputation and waits for it.
// Writers that change stock call this after their commit. A request arriving
// while a refresh is in flight awaits that same run instead of starting
// another.
func (c *InventoryCache) ForceRefresh(ctx context.Context) error {
	c.mu.Lock()
	if c.refreshing {
		run := c.run
		c.mu.Unlock()
		return c.await(ctx, run)
	}
	c.refreshing = true
	run := &refreshRun{done: make(chan struct{})}
	c.run = run
	c.mu.Unlock()

	c.refresh(ctx, run)
	return c.await(ctx, run)
}

// Clear drops the snapshot set; the next read rebuilds it.
func (c *InventoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = make(map[int]Snapshot)
	c.lastRefreshed = time.Time{}
}

func (c *InventoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	age := time.Duration(0)
	if !c.lastRefreshed.IsZero() {
		age = time.Since(c.lastRefreshed)
	}
	return Stats{
		Size:          len(c.snapshots),
		Hits:          c.hits,
		Misses:        c.misses,
		Refreshes:     c.refreshes,
		LastRefreshed: c.lastRefreshed,
		Age:           age,
		TTL:           c.ttl,
		Stale:         c.stale(),
	}
}
