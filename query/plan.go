package query

import (
	"fmt"

	"github.com/lzm0/tablr/catalog"
)

// Plan is an unevaluated description of "all rows of the catalog, with
// an optional column projection". It is immutable: changing the
// projection produces a new plan under a new generation, so windows
// cached against the old plan can never be served for the new one.
//
// Nothing here reads row data; evaluation happens only through
// Fetcher.Fetch.
type Plan struct {
	cat        *catalog.Catalog
	columns    []string
	generation uint64
}

// NewPlan wraps a catalog under the given generation. An empty column
// list means every column of the unified schema; a column not present
// in the schema is an error.
func NewPlan(cat *catalog.Catalog, generation uint64, columns []string) (*Plan, error) {
	for _, col := range columns {
		if !cat.HasColumn(col) {
			return nil, fmt.Errorf("unknown column %q in projection", col)
		}
	}
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Plan{cat: cat, columns: cols, generation: generation}, nil
}

// WithColumns derives a new plan over the same catalog with a different
// projection, under a new generation.
func (p *Plan) WithColumns(generation uint64, columns []string) (*Plan, error) {
	return NewPlan(p.cat, generation, columns)
}

// TotalRows is the catalog's total row count.
func (p *Plan) TotalRows() int64 { return p.cat.TotalRows() }

// Columns returns the projection, or nil for all columns.
func (p *Plan) Columns() []string { return p.columns }

// Generation identifies the catalog+projection epoch this plan belongs
// to. Results from other generations are stale by definition.
func (p *Plan) Generation() uint64 { return p.generation }

// Catalog exposes the underlying immutable catalog.
func (p *Plan) Catalog() *catalog.Catalog { return p.cat }
