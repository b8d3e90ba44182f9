package session

import (
	"context"
	"errors"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/lzm0/tablr/query"
	"github.com/lzm0/tablr/trace"
)

// State is the scroll controller's externally observable state.
type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateFetching
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateFetching:
		return "fetching"
	case StateCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// controller turns viewport movement into debounced window requests and
// discards results the viewport has scrolled away from.
//
// Every viewport change advances an epoch. A fetch carries the epoch it
// was issued under; by delivery time the epoch must still be current
// and the window's generation must match the session's, otherwise the
// result is dropped. No goroutine is ever interrupted mid-scan — the
// shared fetch runs to completion inside the cache and only its
// delivery is suppressed.
//
// Transitions are driven purely by viewport-changed and
// fetch-completion events; once the viewport is stationary and its
// window delivered, no timer is armed.
type controller struct {
	s        *Session
	margin   int64
	debounce time.Duration

	epoch uatomic.Uint64

	mu        sync.Mutex
	state     State
	timer     *time.Timer
	target    query.Range
	cancel    context.CancelFunc
	viewFirst int64
	viewCount int64
}

func newController(s *Session, margin int64, debounce time.Duration) *controller {
	return &controller{
		s:        s,
		margin:   margin,
		debounce: debounce,
		state:    StateIdle,
	}
}

// State returns the controller's current state, for tests and status
// display.
func (c *controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// targetRange widens the viewport by the prefetch margin and clamps it
// to the dataset.
func (c *controller) targetRange(first, count int64) query.Range {
	return query.Range{
		Start: first - c.margin,
		End:   first + count + c.margin,
	}.Clamp(c.s.TotalRows())
}

func (c *controller) viewportChanged(first, count int64) {
	epoch := c.epoch.Inc()

	c.mu.Lock()
	c.viewFirst, c.viewCount = first, count
	c.target = c.targetRange(first, count)

	switch c.state {
	case StateFetching:
		// The in-flight fetch is now stale: release its waiter and let
		// the epoch check discard whatever it produces.
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.state = StateCancelling
	case StateIdle:
		c.state = StateDebouncing
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() { c.fire(epoch) })
	c.mu.Unlock()
}

// refresh re-issues the last viewport after a reload or reprojection.
func (c *controller) refresh() {
	c.mu.Lock()
	first, count := c.viewFirst, c.viewCount
	c.mu.Unlock()
	if count > 0 {
		c.viewportChanged(first, count)
	}
}

// fire runs when the debounce window closes with no newer viewport
// event.
func (c *controller) fire(epoch uint64) {
	if epoch != c.epoch.Load() {
		return // superseded while debouncing
	}

	c.mu.Lock()
	if epoch != c.epoch.Load() {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	target := c.target
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateFetching
	c.mu.Unlock()

	go c.runFetch(ctx, epoch, target)
}

func (c *controller) runFetch(ctx context.Context, epoch uint64, target query.Range) {
	tracer := trace.GetTracer()

	w, err := c.s.cache.GetOrFetch(ctx, target)

	c.mu.Lock()
	current := epoch == c.epoch.Load()
	if current {
		c.state = StateIdle
		c.cancel = nil
	}
	c.mu.Unlock()

	if !current || errors.Is(err, context.Canceled) {
		// Viewport moved on: the result, if any, is never delivered.
		tracer.Debug(trace.ComponentScroll, "Fetch cancelled, result discarded", trace.Fields(
			"range", target.String(),
			"epoch", epoch,
		))
		return
	}

	if err != nil {
		c.s.publish(Notification{Range: target, Err: err})
		return
	}

	if w.Generation != c.s.gen.Load() {
		// Catalog changed underneath the fetch; a stale-generation
		// window must never reach the renderer.
		tracer.Debug(trace.ComponentScroll, "Stale generation window dropped", trace.Fields(
			"range", target.String(),
			"window_gen", w.Generation,
			"current_gen", c.s.gen.Load(),
		))
		return
	}

	c.s.publish(Notification{Range: target, Window: w})
}

// stop orphans any in-flight work. Used by Session.Close.
func (c *controller) stop() {
	c.epoch.Inc()
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = StateIdle
	c.mu.Unlock()
}
