package reader

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/lzm0/tablr/catalog"
)

type testRecord struct {
	ID    int64   `parquet:"id"`
	Name  string  `parquet:"name"`
	Score float64 `parquet:"score"`
}

func writeTestFile(t *testing.T, path string, records []testRecord) {
	t.Helper()
	os.MkdirAll(filepath.Dir(path), 0755)

	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	defer file.Close()

	writer := parquet.NewGenericWriter[testRecord](file)
	if _, err := writer.Write(records); err != nil {
		t.Fatalf("Failed to write records: %v", err)
	}
	writer.Close()
}

func makeRecords(start, count int) []testRecord {
	records := make([]testRecord, count)
	for i := range records {
		records[i] = testRecord{
			ID:    int64(start + i),
			Name:  "row",
			Score: float64(start+i) / 2,
		}
	}
	return records
}

func TestOpenAndMeta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.parquet")
	writeTestFile(t, path, makeRecords(0, 100))

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer r.close()

	meta := r.Meta()
	if meta.Rows != 100 {
		t.Errorf("Expected 100 rows, got %d", meta.Rows)
	}
	if meta.Size <= 0 {
		t.Errorf("Expected positive byte size, got %d", meta.Size)
	}

	want := map[string]catalog.Kind{
		"id":    catalog.KindInt,
		"name":  catalog.KindString,
		"score": catalog.KindFloat,
	}
	for _, f := range meta.Fields {
		if kind, ok := want[f.Name]; !ok || f.Kind != kind {
			t.Errorf("Field %s: unexpected kind %s", f.Name, f.Kind)
		}
	}
}

func TestScanRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.parquet")
	writeTestFile(t, path, makeRecords(0, 1000))

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer r.close()

	t.Run("first rows in file order", func(t *testing.T) {
		rows, err := r.ScanRange(0, 50, nil)
		if err != nil {
			t.Fatalf("ScanRange failed: %v", err)
		}
		if len(rows) != 50 {
			t.Fatalf("Expected 50 rows, got %d", len(rows))
		}
		for i, row := range rows {
			if id := row["id"].(int64); id != int64(i) {
				t.Fatalf("Row %d: expected id %d, got %d", i, i, id)
			}
		}
	})

	t.Run("subrange matches slice of larger scan", func(t *testing.T) {
		full, err := r.ScanRange(100, 300, nil)
		if err != nil {
			t.Fatalf("ScanRange failed: %v", err)
		}
		sub, err := r.ScanRange(150, 250, nil)
		if err != nil {
			t.Fatalf("ScanRange failed: %v", err)
		}
		if !reflect.DeepEqual(sub, full[50:150]) {
			t.Error("Subrange rows do not equal the corresponding slice of the larger scan")
		}
	})

	t.Run("column projection", func(t *testing.T) {
		rows, err := r.ScanRange(10, 20, []string{"id"})
		if err != nil {
			t.Fatalf("ScanRange failed: %v", err)
		}
		for _, row := range rows {
			if len(row) != 1 {
				t.Fatalf("Expected only projected column, got %v", row)
			}
			if _, ok := row["id"]; !ok {
				t.Fatal("Projected column missing")
			}
		}
	})

	t.Run("clamped at end", func(t *testing.T) {
		rows, err := r.ScanRange(990, 2000, nil)
		if err != nil {
			t.Fatalf("ScanRange failed: %v", err)
		}
		if len(rows) != 10 {
			t.Errorf("Expected 10 rows, got %d", len(rows))
		}
	})

	t.Run("out of range is empty", func(t *testing.T) {
		rows, err := r.ScanRange(5000, 5100, nil)
		if err != nil {
			t.Fatalf("ScanRange failed: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("Expected no rows, got %d", len(rows))
		}
	})
}

func TestPool(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	pathA := filepath.Join(dir, "a.parquet")
	pathB := filepath.Join(dir, "b.parquet")
	writeTestFile(t, pathA, makeRecords(0, 10))
	writeTestFile(t, pathB, makeRecords(10, 10))

	t.Run("probe implements catalog prober", func(t *testing.T) {
		pool, err := NewPool(2)
		if err != nil {
			t.Fatalf("NewPool failed: %v", err)
		}
		defer pool.Close()

		var _ catalog.Prober = pool

		meta, err := pool.Probe(ctx, pathA)
		if err != nil {
			t.Fatalf("Probe failed: %v", err)
		}
		if meta.Rows != 10 {
			t.Errorf("Expected 10 rows, got %d", meta.Rows)
		}
	})

	t.Run("eviction keeps scans working", func(t *testing.T) {
		pool, err := NewPool(1)
		if err != nil {
			t.Fatalf("NewPool failed: %v", err)
		}
		defer pool.Close()

		// Alternate between two files through a pool of one handle so
		// each access evicts the other's reader.
		for i := 0; i < 3; i++ {
			rowsA, err := pool.ScanRange(ctx, pathA, 0, 10, nil)
			if err != nil {
				t.Fatalf("ScanRange a.parquet: %v", err)
			}
			if len(rowsA) != 10 {
				t.Fatalf("Expected 10 rows, got %d", len(rowsA))
			}
			rowsB, err := pool.ScanRange(ctx, pathB, 0, 10, nil)
			if err != nil {
				t.Fatalf("ScanRange b.parquet: %v", err)
			}
			if rowsB[0]["id"].(int64) != 10 {
				t.Fatalf("Wrong rows from b.parquet: %v", rowsB[0])
			}
		}
	})

	t.Run("missing file", func(t *testing.T) {
		pool, err := NewPool(2)
		if err != nil {
			t.Fatalf("NewPool failed: %v", err)
		}
		defer pool.Close()

		if _, err := pool.ScanRange(ctx, filepath.Join(dir, "gone.parquet"), 0, 1, nil); err == nil {
			t.Error("Expected error for missing file")
		}
	})
}
