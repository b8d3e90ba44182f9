package reader

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lzm0/tablr/catalog"
	"github.com/lzm0/tablr/trace"
)

// DefaultPoolSize bounds how many partition handles stay open at once.
const DefaultPoolSize = 32

// Pool keeps recently used partition readers open in an LRU so that a
// dataset with many partitions does not exhaust file descriptors.
// Evicted handles are closed once in-flight scans on them drain.
//
// Pool implements catalog.Prober.
type Pool struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Reader]
}

// NewPool builds a pool holding at most size open readers. A size of
// zero or less falls back to DefaultPoolSize.
func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	cache, err := lru.NewWithEvict[string, *Reader](size, func(path string, r *Reader) {
		trace.GetTracer().Debug(trace.ComponentReader, "Evicting partition handle", trace.Fields("path", path))
		r.markEvicted()
	})
	if err != nil {
		return nil, err
	}
	return &Pool{cache: cache}, nil
}

// get returns an open, pinned reader for path. Callers must release it.
func (p *Pool) get(path string) (*Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.cache.Get(path); ok {
		r.acquire()
		return r, nil
	}

	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	r.acquire()
	p.cache.Add(path, r)
	return r, nil
}

// Probe reads a partition's footer metadata. Implements catalog.Prober.
func (p *Pool) Probe(ctx context.Context, path string) (catalog.Meta, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Meta{}, err
	}
	r, err := p.get(path)
	if err != nil {
		return catalog.Meta{}, err
	}
	defer r.release()
	return r.Meta(), nil
}

// ScanRange materializes rows [start, end) of the named partition,
// projected to columns. The handle stays pinned for the duration of the
// scan.
func (p *Pool) ScanRange(ctx context.Context, path string, start, end int64, columns []string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := p.get(path)
	if err != nil {
		return nil, err
	}
	defer r.release()
	return r.ScanRange(start, end, columns)
}

// Drop removes a partition's handle, if cached. Used when a partition
// turns unreadable so the next access reopens instead of reusing a
// handle to a vanished file.
func (p *Pool) Drop(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(path)
}

// Close evicts and closes every pooled handle.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}
