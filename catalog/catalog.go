// Package catalog unifies one or more parquet partition files into a
// single logical table: a common schema, per-partition row counts and a
// cumulative row-offset table that maps global row indexes to partitions.
//
// A Catalog is built once by Load and is immutable afterwards. Reloading
// a file set produces a new Catalog; nothing mutates an existing one.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lzm0/tablr/trace"
)

// Meta is the result of a metadata probe: everything Load needs to
// catalog a partition without reading row data.
type Meta struct {
	Rows   int64
	Size   int64
	Fields []Field
}

// Prober is the file-access boundary consumed by Load. Implementations
// read the parquet footer only, never row data.
type Prober interface {
	Probe(ctx context.Context, path string) (Meta, error)
}

// Partition is one physical file contributing rows to the dataset.
type Partition struct {
	Path   string
	Rows   int64
	Size   int64
	Fields []Field
}

// Catalog is the unified view over an ordered set of partitions.
type Catalog struct {
	partitions []Partition
	schema     []Field
	offsets    []int64 // offsets[i] = rows in partitions before i
	total      int64
}

// Load probes every path and builds a Catalog. Partitions are ordered by
// path, lexicographically, so that the global row order is reproducible
// across reloads of the same file set regardless of the order paths were
// given in. No row data is read.
//
// A missing or malformed file fails the whole load with
// *UnreadableFileError; irreconcilable column types fail with
// *SchemaConflictError naming the column. There is no partial load.
func Load(ctx context.Context, paths []string, p Prober) (*Catalog, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no partition paths provided")
	}

	tracer := trace.GetTracer()
	start := time.Now()

	sorted := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		sorted = append(sorted, path)
	}
	sort.Strings(sorted)

	partitions := make([]Partition, 0, len(sorted))
	for _, path := range sorted {
		meta, err := p.Probe(ctx, path)
		if err != nil {
			return nil, &UnreadableFileError{Path: path, Err: err}
		}
		partitions = append(partitions, Partition{
			Path:   path,
			Rows:   meta.Rows,
			Size:   meta.Size,
			Fields: meta.Fields,
		})
	}

	schema, err := unifySchemas(partitions)
	if err != nil {
		return nil, err
	}

	offsets := make([]int64, len(partitions))
	var total int64
	for i, part := range partitions {
		offsets[i] = total
		total += part.Rows
	}

	tracer.Info(trace.ComponentCatalog, "Catalog loaded", trace.Fields(
		"partitions", len(partitions),
		"total_rows", total,
		"columns", len(schema),
		"elapsed_ms", time.Since(start).Milliseconds(),
	))

	return &Catalog{
		partitions: partitions,
		schema:     schema,
		offsets:    offsets,
		total:      total,
	}, nil
}

// TotalRows is the row count of the logical table.
func (c *Catalog) TotalRows() int64 { return c.total }

// Schema is the unified column list. Callers must not mutate it.
func (c *Catalog) Schema() []Field { return c.schema }

// Partitions returns the cataloged partitions in global row order.
func (c *Catalog) Partitions() []Partition { return c.partitions }

// Offset returns the global row index of partition i's first row.
func (c *Catalog) Offset(i int) int64 { return c.offsets[i] }

// Locate binary-searches the offset table for the partition containing
// the given global row. Returns -1 when row is out of bounds.
func (c *Catalog) Locate(row int64) int {
	if row < 0 || row >= c.total {
		return -1
	}
	// First partition whose offset is past row, minus one.
	i := sort.Search(len(c.offsets), func(i int) bool {
		return c.offsets[i] > row
	})
	return i - 1
}

// ColumnNames returns the unified schema's column names in order.
func (c *Catalog) ColumnNames() []string {
	names := make([]string, len(c.schema))
	for i, f := range c.schema {
		names[i] = f.Name
	}
	return names
}

// HasColumn reports whether the unified schema contains the column.
func (c *Catalog) HasColumn(name string) bool {
	for _, f := range c.schema {
		if f.Name == name {
			return true
		}
	}
	return false
}
