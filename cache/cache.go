// Package cache is the bounded store of materialized windows between
// the scroll controller and the fetcher: hits return immediately,
// misses coalesce into one fetch shared by all concurrent callers, and
// a generation counter invalidates everything at once when the dataset
// is reloaded or reprojected.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/lzm0/tablr/query"
	"github.com/lzm0/tablr/reader"
	"github.com/lzm0/tablr/trace"
)

// DefaultBudgetBytes is the default memory budget for cached windows.
const DefaultBudgetBytes int64 = 64 << 20

// FetchFunc resolves a miss. The cache calls it with a context detached
// from any single caller, so one caller scrolling away never aborts
// work other callers are waiting on.
type FetchFunc func(ctx context.Context, rng query.Range) (*query.Window, error)

type entry struct {
	window     *query.Window
	elem       *list.Element
	size       int64
	generation uint64
	lastAccess time.Time
}

// Cache stores materialized windows keyed by row range.
//
// Pending requests are not cache entries: they live in the singleflight
// group until resolved, so eviction by construction only ever touches
// Ready windows. The singleflight key embeds the generation, so callers
// from a newer generation never join a stale in-flight fetch.
type Cache struct {
	fetch  FetchFunc
	gen    *uatomic.Uint64
	budget int64

	mu      sync.Mutex
	entries map[query.Range]*entry
	order   *list.List // front = most recently used
	used    int64

	group singleflight.Group
}

// New builds a cache over the given fetch path. gen is the shared
// generation counter owned by the session; budget <= 0 falls back to
// DefaultBudgetBytes.
func New(budget int64, gen *uatomic.Uint64, fetch FetchFunc) *Cache {
	if budget <= 0 {
		budget = DefaultBudgetBytes
	}
	return &Cache{
		fetch:   fetch,
		gen:     gen,
		budget:  budget,
		entries: make(map[query.Range]*entry),
		order:   list.New(),
	}
}

// GetOrFetch returns the window for rng, fetching on miss. Concurrent
// callers for the same range share a single fetch. A caller whose
// context ends while the fetch is in flight gets its context error; the
// fetch itself runs to completion and still populates the cache for the
// generation it was issued under.
func (c *Cache) GetOrFetch(ctx context.Context, rng query.Range) (*query.Window, error) {
	tracer := trace.GetTracer()
	generation := c.gen.Load()

	c.mu.Lock()
	if e, ok := c.entries[rng]; ok {
		if e.generation == generation {
			e.lastAccess = time.Now()
			c.order.MoveToFront(e.elem)
			w := e.window
			c.mu.Unlock()
			tracer.Debug(trace.ComponentCache, "Cache hit", trace.Fields("range", rng.String()))
			return w, nil
		}
		// Stale generation: a mismatch forces the fetch path no matter
		// what is cached.
		c.removeLocked(rng, e)
	}
	c.mu.Unlock()

	key := fmt.Sprintf("g%d:%s", generation, rng)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		w, err := c.fetch(context.WithoutCancel(ctx), rng)
		if err != nil {
			return nil, err
		}
		c.insert(rng, w, generation)
		return w, nil
	})

	select {
	case <-ctx.Done():
		tracer.Debug(trace.ComponentCache, "Caller cancelled while pending", trace.Fields("range", rng.String()))
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			tracer.Debug(trace.ComponentCache, "Coalesced fetch shared", trace.Fields("range", rng.String()))
		}
		return res.Val.(*query.Window), nil
	}
}

// insert stores a freshly fetched window unless the world moved on
// while it was being materialized.
func (c *Cache) insert(rng query.Range, w *query.Window, generation uint64) {
	if c.gen.Load() != generation {
		return
	}
	size := estimateWindowSize(w)
	if size > c.budget {
		// A window that alone exceeds the budget is returned to the
		// caller but never cached.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[rng]; ok {
		c.removeLocked(rng, old)
	}
	e := &entry{
		window:     w,
		size:       size,
		generation: generation,
		lastAccess: time.Now(),
	}
	e.elem = c.order.PushFront(rng)
	c.entries[rng] = e
	c.used += size

	for c.used > c.budget {
		back := c.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(query.Range)
		c.removeLocked(victim, c.entries[victim])
	}
}

func (c *Cache) removeLocked(rng query.Range, e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, rng)
	c.used -= e.size
}

// Invalidate drops every entry. The session calls this after bumping
// the generation; entries from the old generation would be refused
// anyway, this just releases their memory promptly.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[query.Range]*entry)
	c.order.Init()
	c.used = 0
}

// Len returns the number of Ready entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// UsedBytes returns the current estimated footprint of Ready entries.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// estimateWindowSize approximates the heap footprint of a window:
// per-row map overhead plus per-value payloads. An estimate is enough,
// the budget is a bound on memory pressure, not an accounting ledger.
func estimateWindowSize(w *query.Window) int64 {
	const (
		rowOverhead   = 48
		valueOverhead = 16
	)
	size := int64(len(w.Rows)) * rowOverhead
	for _, row := range w.Rows {
		size += int64(len(row)) * valueOverhead
		size += rowPayload(row)
	}
	return size
}

func rowPayload(row reader.Row) int64 {
	var n int64
	for _, v := range row {
		switch val := v.(type) {
		case string:
			n += int64(len(val))
		case []byte:
			n += int64(len(val))
		}
	}
	return n
}
