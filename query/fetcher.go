package query

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lzm0/tablr/reader"
	"github.com/lzm0/tablr/trace"
)

// Scanner is the ranged-scan side of the partition file boundary.
// *reader.Pool implements it.
type Scanner interface {
	ScanRange(ctx context.Context, path string, start, end int64, columns []string) ([]reader.Row, error)
}

// scanParallelism bounds concurrent partition scans per fetch. A window
// rarely crosses more than two partitions, so this only matters for
// huge windows over tiny partitions.
const scanParallelism = 4

// Fetcher evaluates a plan for concrete row ranges.
type Fetcher struct {
	scanner Scanner
}

func NewFetcher(s Scanner) *Fetcher {
	return &Fetcher{scanner: s}
}

// Fetch materializes the rows of rng under the plan's projection.
//
// The global range is resolved against the catalog's offset table by
// binary search, split into exact partition-local half-open sub-ranges,
// scanned per partition, and concatenated in partition order — which by
// catalog invariant is global row order, so no sort happens. A range
// outside the dataset returns an empty window, not an error.
//
// A partition that has become unreadable since catalog load does not
// fail the fetch: its rows appear as error markers in the returned
// window (see Window.RowErr) alongside the PartitionReadError.
func (f *Fetcher) Fetch(ctx context.Context, plan *Plan, rng Range) (*Window, error) {
	tracer := trace.GetTracer()
	start := time.Now()

	cat := plan.Catalog()
	clamped := rng.Clamp(cat.TotalRows())

	w := &Window{
		Range:      clamped,
		Generation: plan.Generation(),
	}
	if clamped.IsEmpty() {
		return w, nil
	}

	type span struct {
		path       string
		localStart int64
		localEnd   int64
		rows       []reader.Row
		err        error
	}

	first := cat.Locate(clamped.Start)
	parts := cat.Partitions()
	var spans []*span
	for i := first; i < len(parts) && cat.Offset(i) < clamped.End; i++ {
		base := cat.Offset(i)
		localStart := clamped.Start - base
		if localStart < 0 {
			localStart = 0
		}
		localEnd := clamped.End - base
		if localEnd > parts[i].Rows {
			localEnd = parts[i].Rows
		}
		spans = append(spans, &span{
			path:       parts[i].Path,
			localStart: localStart,
			localEnd:   localEnd,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanParallelism)
	for _, s := range spans {
		s := s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := f.scanner.ScanRange(gctx, s.path, s.localStart, s.localEnd, plan.Columns())
			if err != nil {
				// Unreadable partitions become error-marked rows, not
				// a failed fetch. Only cancellation aborts the group.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.err = err
				return nil
			}
			s.rows = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	w.Rows = make([]reader.Row, 0, clamped.Len())
	for _, s := range spans {
		want := int(s.localEnd - s.localStart)
		if s.err != nil {
			perr := &PartitionReadError{Path: s.path, Err: s.err}
			w.Errors = append(w.Errors, perr)
			f.dropHandle(s.path)
			from := len(w.Rows)
			for i := 0; i < want; i++ {
				w.Rows = append(w.Rows, reader.Row{})
			}
			w.markErrRows(from, from+want)
			tracer.Warn(trace.ComponentFetch, "Partition unreadable, rows error-marked", trace.Fields(
				"path", s.path,
				"rows", want,
				"error", s.err.Error(),
			))
			continue
		}
		w.Rows = append(w.Rows, s.rows...)
		// A partition shrunk since cataloging delivers short; pad so the
		// window length invariant holds and flag the padding.
		if short := want - len(s.rows); short > 0 {
			from := len(w.Rows)
			for i := 0; i < short; i++ {
				w.Rows = append(w.Rows, reader.Row{})
			}
			w.markErrRows(from, from+short)
			w.Errors = append(w.Errors, &PartitionReadError{
				Path: s.path,
				Err:  errShortScan{want: want, got: len(s.rows)},
			})
		}
	}

	tracer.Debug(trace.ComponentFetch, "Window materialized", trace.Fields(
		"range", clamped.String(),
		"partitions", len(spans),
		"rows", len(w.Rows),
		"err_rows", w.ErrRowCount(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	))

	return w, nil
}

// dropHandle tells the scanner to forget a cached handle for a path
// that just failed, when the scanner supports it.
func (f *Fetcher) dropHandle(path string) {
	if d, ok := f.scanner.(interface{ Drop(string) }); ok {
		d.Drop(path)
	}
}

type errShortScan struct {
	want, got int
}

func (e errShortScan) Error() string {
	return fmt.Sprintf("partition delivered %d of %d cataloged rows", e.got, e.want)
}
