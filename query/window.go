// Package query holds the deferred query plan over a catalog and the
// window fetcher that evaluates it for concrete row ranges.
package query

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/lzm0/tablr/reader"
)

// Range is a half-open [Start, End) interval over the dataset's global
// row index space.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Len() int64 { return r.End - r.Start }

func (r Range) IsEmpty() bool { return r.Start >= r.End }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// Contains reports whether the global row index falls inside the range.
func (r Range) Contains(row int64) bool { return row >= r.Start && row < r.End }

// Clamp bounds the range to [0, total). Degenerate input collapses to
// an empty range.
func (r Range) Clamp(total int64) Range {
	if r.Start < 0 {
		r.Start = 0
	}
	if r.Start > total {
		r.Start = total
	}
	if r.End > total {
		r.End = total
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// PartitionReadError reports a partition that was readable at catalog
// load time but not anymore. It is carried inside the affected Window
// rather than failing the whole fetch.
type PartitionReadError struct {
	Path string
	Err  error
}

func (e *PartitionReadError) Error() string {
	return fmt.Sprintf("partition %s became unreadable: %v", e.Path, e.Err)
}

func (e *PartitionReadError) Unwrap() error { return e.Err }

// Window is the materialized result for one Range: len(Rows) always
// equals Range.Len(). Rows backed by a partition that failed to read
// are present as placeholders and flagged in the error-row set; the
// matching PartitionReadError is in Errors.
type Window struct {
	Range      Range
	Generation uint64
	Rows       []reader.Row
	Errors     []*PartitionReadError

	errRows *roaring.Bitmap // window-local offsets
}

func (w *Window) Len() int { return len(w.Rows) }

// RowIndex maps a window-local offset to the global row index, which is
// how the synthetic row-index column is produced without materializing
// it as data.
func (w *Window) RowIndex(i int) int64 { return w.Range.Start + int64(i) }

// RowErr reports whether the row at window-local offset i is an error
// marker rather than data.
func (w *Window) RowErr(i int) bool {
	return w.errRows != nil && w.errRows.Contains(uint32(i))
}

// ErrRowCount returns how many rows in the window are error markers.
func (w *Window) ErrRowCount() uint64 {
	if w.errRows == nil {
		return 0
	}
	return w.errRows.GetCardinality()
}

func (w *Window) markErrRows(from, to int) {
	if w.errRows == nil {
		w.errRows = roaring.New()
	}
	w.errRows.AddRange(uint64(from), uint64(to))
}
