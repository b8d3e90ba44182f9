// Package session is the surface exposed to the rendering shell: open a
// set of partition files as one logical table, move the viewport, and
// receive materialized windows through a subscription. The shell owns
// pixels, row heights and input; nothing here touches presentation.
package session

import (
	"context"
	"fmt"
	"sync"

	uatomic "go.uber.org/atomic"

	"github.com/lzm0/tablr/cache"
	"github.com/lzm0/tablr/catalog"
	"github.com/lzm0/tablr/query"
	"github.com/lzm0/tablr/reader"
	"github.com/lzm0/tablr/trace"
)

// Notification is what subscribers receive: a window for a range, or
// the error that took its place so the renderer can offer a retry for
// just that range.
type Notification struct {
	Range  query.Range
	Window *query.Window
	Err    error
}

// Subscriber receives window-ready notifications. Called from a
// background goroutine; implementations hand off to their own event
// loop and must not block for long.
type Subscriber func(Notification)

// Session presents one or more parquet partition files as a single
// scrollable logical table.
type Session struct {
	opts  Options
	paths []string

	pool    *reader.Pool
	fetcher *query.Fetcher
	cache   *cache.Cache
	ctrl    *controller
	watch   *watcher

	gen    uatomic.Uint64
	stale  uatomic.Bool
	closed uatomic.Bool

	mu       sync.RWMutex
	cat      *catalog.Catalog
	plan     *query.Plan
	subs     map[int]Subscriber
	nextSub  int
	reloadMu sync.Mutex
}

// Open catalogs the given partition files and returns a live session.
// File-level problems (missing file, bad parquet, irreconcilable
// schemas) fail here, before any session state exists; there is no
// partial open.
func Open(ctx context.Context, paths []string, opts ...Option) (*Session, error) {
	o := buildOptions(opts)

	pool, err := reader.NewPool(o.PoolSize)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(ctx, paths, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	s := &Session{
		opts:    o,
		paths:   append([]string(nil), paths...),
		pool:    pool,
		fetcher: query.NewFetcher(pool),
		cat:     cat,
		subs:    make(map[int]Subscriber),
	}
	s.gen.Store(1)

	plan, err := query.NewPlan(cat, s.gen.Load(), o.Columns)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.plan = plan

	s.cache = cache.New(o.CacheBudget, &s.gen, s.fetchWindow)
	s.ctrl = newController(s, o.PrefetchMargin, o.DebounceInterval)

	if o.WatchFiles {
		if err := s.startWatcher(); err != nil {
			trace.GetTracer().Warn(trace.ComponentSession, "File watch unavailable", trace.Fields("error", err.Error()))
		}
	}

	trace.GetTracer().Info(trace.ComponentSession, "Session opened", trace.Fields(
		"partitions", len(cat.Partitions()),
		"total_rows", cat.TotalRows(),
	))

	return s, nil
}

// fetchWindow is the cache's miss path: evaluate the current plan.
func (s *Session) fetchWindow(ctx context.Context, rng query.Range) (*query.Window, error) {
	s.mu.RLock()
	plan := s.plan
	s.mu.RUnlock()
	return s.fetcher.Fetch(ctx, plan, rng)
}

// TotalRows is the logical table's row count.
func (s *Session) TotalRows() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.TotalRows()
}

// Schema is the unified column list.
func (s *Session) Schema() []catalog.Field {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.Schema()
}

// Partitions returns the cataloged partition metadata, for status
// display.
func (s *Session) Partitions() []catalog.Partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.Partitions()
}

// Generation returns the current catalog+projection generation.
func (s *Session) Generation() uint64 { return s.gen.Load() }

// Stale reports whether a watched partition file changed since the
// catalog was built. Reload clears it.
func (s *Session) Stale() bool { return s.stale.Load() }

// Subscribe registers a subscriber for window-ready notifications and
// returns its cancel function.
func (s *Session) Subscribe(fn Subscriber) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) publish(n Notification) {
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(n)
	}
}

// ViewportChanged tells the session the visible rows moved. The target
// range (viewport plus prefetch margin) is debounced, fetched through
// the cache, and delivered to subscribers; a viewport that moves again
// before the fetch lands supersedes it and the old result is discarded.
func (s *Session) ViewportChanged(firstRow, visibleCount int64) {
	if s.closed.Load() {
		return
	}
	s.ctrl.viewportChanged(firstRow, visibleCount)
}

// Window synchronously materializes [start, start+count) through the
// cache. This is the headless path used by the CLI and by shells that
// want a one-off range without the scroll machinery.
func (s *Session) Window(ctx context.Context, start, count int64) (*query.Window, error) {
	if count < 0 {
		return nil, fmt.Errorf("negative row count %d", count)
	}
	rng := query.Range{Start: start, End: start + count}.Clamp(s.TotalRows())
	return s.cache.GetOrFetch(ctx, rng)
}

// Reload rebuilds the catalog from the same paths and swaps it in
// atomically under a new generation. Windows cached or in flight under
// the old generation are never delivered again.
func (s *Session) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cat, err := catalog.Load(ctx, s.paths, s.pool)
	if err != nil {
		return err
	}

	s.mu.Lock()
	generation := s.gen.Inc()
	plan, err := query.NewPlan(cat, generation, s.opts.Columns)
	if err != nil {
		// Projection no longer valid against the reloaded schema; fall
		// back to all columns rather than failing the reload.
		plan, _ = query.NewPlan(cat, generation, nil)
	}
	s.cat = cat
	s.plan = plan
	s.mu.Unlock()

	s.cache.Invalidate()
	s.stale.Store(false)

	trace.GetTracer().Info(trace.ComponentSession, "Catalog reloaded", trace.Fields(
		"generation", generation,
		"total_rows", cat.TotalRows(),
	))

	s.ctrl.refresh()
	return nil
}

// SetProjection replaces the column projection. The plan is immutable,
// so this derives a new plan under a new generation and drops all
// cached windows.
func (s *Session) SetProjection(columns ...string) error {
	s.mu.Lock()
	generation := s.gen.Inc()
	plan, err := s.plan.WithColumns(generation, columns)
	if err != nil {
		s.gen.Dec()
		s.mu.Unlock()
		return err
	}
	s.plan = plan
	s.mu.Unlock()

	s.cache.Invalidate()
	s.ctrl.refresh()
	return nil
}

// Close tears the session down: the controller stops, in-flight results
// are orphaned, watchers and partition handles are closed.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.ctrl.stop()
	if s.watch != nil {
		s.watch.close()
	}
	s.pool.Close()
	return nil
}
