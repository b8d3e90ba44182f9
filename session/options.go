package session

import (
	"os"
	"strconv"
	"time"

	"github.com/lzm0/tablr/cache"
	"github.com/lzm0/tablr/reader"
)

const (
	// DefaultPrefetchMargin is how many rows beyond each edge of the
	// viewport are fetched to smooth scrolling.
	DefaultPrefetchMargin int64 = 100

	// DefaultDebounceInterval is how long rapid viewport changes are
	// collapsed before a fetch is issued.
	DefaultDebounceInterval = 50 * time.Millisecond
)

// Options is the configuration surface consumed by a session. Every
// knob has a working default; the zero value of each field means "use
// the default".
type Options struct {
	PrefetchMargin   int64
	CacheBudget      int64
	DebounceInterval time.Duration
	PoolSize         int
	Columns          []string
	WatchFiles       bool
	AutoReload       bool
}

type Option func(*Options)

// WithPrefetchMargin sets the prefetch margin in rows.
func WithPrefetchMargin(rows int64) Option {
	return func(o *Options) { o.PrefetchMargin = rows }
}

// WithCacheBudget sets the window cache memory budget in bytes.
func WithCacheBudget(bytes int64) Option {
	return func(o *Options) { o.CacheBudget = bytes }
}

// WithDebounceInterval sets the scroll debounce interval.
func WithDebounceInterval(d time.Duration) Option {
	return func(o *Options) { o.DebounceInterval = d }
}

// WithPoolSize bounds the number of open partition handles.
func WithPoolSize(n int) Option {
	return func(o *Options) { o.PoolSize = n }
}

// WithColumns restricts materialization to the named columns.
func WithColumns(columns ...string) Option {
	return func(o *Options) { o.Columns = columns }
}

// WithFileWatch watches the opened local partition files and marks the
// session stale when one changes or disappears.
func WithFileWatch() Option {
	return func(o *Options) { o.WatchFiles = true }
}

// WithAutoReload implies WithFileWatch and additionally rebuilds the
// catalog when a watched partition changes.
func WithAutoReload() Option {
	return func(o *Options) { o.WatchFiles = true; o.AutoReload = true }
}

func buildOptions(opts []Option) Options {
	o := Options{
		PrefetchMargin:   getEnvOrDefaultInt("TABLR_PREFETCH_MARGIN", DefaultPrefetchMargin),
		CacheBudget:      getEnvOrDefaultInt("TABLR_CACHE_BUDGET", cache.DefaultBudgetBytes),
		DebounceInterval: time.Duration(getEnvOrDefaultInt("TABLR_DEBOUNCE_MS", DefaultDebounceInterval.Milliseconds())) * time.Millisecond,
		PoolSize:         int(getEnvOrDefaultInt("TABLR_POOL_SIZE", int64(reader.DefaultPoolSize))),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.PrefetchMargin < 0 {
		o.PrefetchMargin = 0
	}
	return o
}

func getEnvOrDefaultInt(env string, defaultVal int64) int64 {
	e := os.Getenv(env)
	if e == "" {
		return defaultVal
	}
	intVal, err := strconv.ParseInt(e, 10, 64)
	if err != nil {
		return defaultVal
	}
	return intVal
}
