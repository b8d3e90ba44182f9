package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzm0/tablr/cache"
	"github.com/lzm0/tablr/catalog"
	"github.com/lzm0/tablr/query"
	"github.com/lzm0/tablr/reader"
)

// stubProber fakes one partition of a fixed row count so controller
// tests need no parquet files.
type stubProber struct {
	rows int64
}

func (p stubProber) Probe(_ context.Context, _ string) (catalog.Meta, error) {
	return catalog.Meta{
		Rows:   p.rows,
		Size:   p.rows * 8,
		Fields: []catalog.Field{{Name: "id", Kind: catalog.KindInt, Bits: 64}},
	}, nil
}

// slowFetch blocks fetches for ranges in its blocked set until
// released, and counts every fetch.
type slowFetch struct {
	mu      sync.Mutex
	calls   []query.Range
	blocked map[int64]chan struct{} // keyed by range start
}

func newSlowFetch() *slowFetch {
	return &slowFetch{blocked: make(map[int64]chan struct{})}
}

func (f *slowFetch) blockRange(start int64) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.blocked[start] = ch
	f.mu.Unlock()
	return ch
}

func (f *slowFetch) fetch(_ context.Context, rng query.Range) (*query.Window, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rng)
	ch := f.blocked[rng.Start]
	f.mu.Unlock()

	if ch != nil {
		<-ch
	}

	rows := make([]reader.Row, rng.Len())
	for i := range rows {
		rows[i] = reader.Row{"id": rng.Start + int64(i)}
	}
	return &query.Window{Range: rng, Rows: rows, Generation: 1}, nil
}

func (f *slowFetch) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// newStubSession wires a session around a fake catalog and fetch path,
// leaving the real scroll controller and cache in the loop.
func newStubSession(t *testing.T, totalRows int64, fetch cache.FetchFunc, margin int64, debounce time.Duration) *Session {
	t.Helper()

	cat, err := catalog.Load(context.Background(), []string{"stub.parquet"}, stubProber{rows: totalRows})
	require.NoError(t, err)

	s := &Session{
		opts: Options{PrefetchMargin: margin, DebounceInterval: debounce},
		cat:  cat,
		subs: make(map[int]Subscriber),
	}
	s.gen.Store(1)
	s.cache = cache.New(cache.DefaultBudgetBytes, &s.gen, fetch)
	s.ctrl = newController(s, margin, debounce)
	t.Cleanup(s.ctrl.stop)
	return s
}

func collect(s *Session) <-chan Notification {
	ch := make(chan Notification, 16)
	s.Subscribe(func(n Notification) { ch <- n })
	return ch
}

func TestScrollSupersededFetchNeverDelivered(t *testing.T) {
	fetch := newSlowFetch()
	s := newStubSession(t, 20000, fetch.fetch, 0, 50*time.Millisecond)
	got := collect(s)

	release := fetch.blockRange(0)

	s.ViewportChanged(0, 50)
	require.Eventually(t, func() bool { return s.ctrl.State() == StateFetching },
		time.Second, time.Millisecond, "first fetch should be in flight")

	// Viewport jumps away while the first fetch is still blocked.
	s.ViewportChanged(10000, 50)
	assert.Equal(t, StateCancelling, s.ctrl.State())

	close(release)

	select {
	case n := <-got:
		require.NoError(t, n.Err)
		assert.Equal(t, query.Range{Start: 10000, End: 10050}, n.Range,
			"only the latest viewport's window may be delivered")
	case <-time.After(2 * time.Second):
		t.Fatal("no window delivered for the latest viewport")
	}

	// The superseded result must never arrive, even after it resolves.
	select {
	case n := <-got:
		t.Fatalf("stale window delivered for range %s", n.Range)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScrollDebounceCollapsesRapidEvents(t *testing.T) {
	fetch := newSlowFetch()
	s := newStubSession(t, 20000, fetch.fetch, 0, 40*time.Millisecond)
	got := collect(s)

	// A flick of viewport events inside one debounce interval.
	for i := int64(0); i < 10; i++ {
		s.ViewportChanged(i*100, 50)
		time.Sleep(time.Millisecond)
	}

	select {
	case n := <-got:
		require.NoError(t, n.Err)
		assert.Equal(t, query.Range{Start: 900, End: 950}, n.Range,
			"collapsed request must target the latest range")
	case <-time.After(2 * time.Second):
		t.Fatal("no window delivered")
	}

	assert.Equal(t, 1, fetch.fetchCount(), "rapid events within the debounce window must collapse to one fetch")
}

func TestScrollIdleWhenStationary(t *testing.T) {
	fetch := newSlowFetch()
	s := newStubSession(t, 1000, fetch.fetch, 10, time.Millisecond)
	got := collect(s)

	s.ViewportChanged(100, 20)
	select {
	case n := <-got:
		require.NoError(t, n.Err)
		assert.Equal(t, query.Range{Start: 90, End: 130}, n.Range, "prefetch margin widens the viewport")
	case <-time.After(2 * time.Second):
		t.Fatal("no window delivered")
	}

	require.Eventually(t, func() bool { return s.ctrl.State() == StateIdle },
		time.Second, time.Millisecond)

	// Stationary viewport, cached window: nothing else may fire.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fetch.fetchCount())
	assert.Equal(t, StateIdle, s.ctrl.State())
}

func TestScrollStaleGenerationDropped(t *testing.T) {
	fetch := newSlowFetch()
	s := newStubSession(t, 20000, fetch.fetch, 0, time.Millisecond)
	got := collect(s)

	release := fetch.blockRange(200)

	s.ViewportChanged(200, 50)
	require.Eventually(t, func() bool { return s.ctrl.State() == StateFetching },
		time.Second, time.Millisecond)

	// The catalog generation moves on while the fetch is in flight; the
	// stub window still carries generation 1 and must be dropped.
	s.gen.Inc()
	close(release)

	select {
	case n := <-got:
		t.Fatalf("stale-generation window delivered for range %s", n.Range)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTargetRangeClamping(t *testing.T) {
	fetch := newSlowFetch()
	s := newStubSession(t, 100, fetch.fetch, 50, time.Millisecond)

	rng := s.ctrl.targetRange(0, 30)
	assert.Equal(t, query.Range{Start: 0, End: 80}, rng, "margin clamps at the dataset edges")

	rng = s.ctrl.targetRange(80, 30)
	assert.Equal(t, query.Range{Start: 30, End: 100}, rng)
}
