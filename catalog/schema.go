package catalog

import (
	"fmt"
)

// Kind is the logical type of a column, independent of its physical
// parquet encoding.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Field describes one column of a partition or of the unified schema.
// Bits is the value width (32 or 64) for numeric kinds and zero otherwise.
type Field struct {
	Name     string
	Kind     Kind
	Bits     int
	Optional bool
}

func (f Field) Type() string {
	if f.Bits > 0 {
		return fmt.Sprintf("%s%d", f.Kind, f.Bits)
	}
	return f.Kind.String()
}

// SchemaConflictError reports a column whose types cannot be reconciled
// across partitions.
type SchemaConflictError struct {
	Column string
	Path   string
	Have   Field
	Want   Field
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict on column %q: partition %s has %s, dataset has %s",
		e.Column, e.Path, e.Have.Type(), e.Want.Type())
}

// UnreadableFileError reports a partition that could not be opened or is
// not valid parquet.
type UnreadableFileError struct {
	Path string
	Err  error
}

func (e *UnreadableFileError) Error() string {
	return fmt.Sprintf("unreadable partition %s: %v", e.Path, e.Err)
}

func (e *UnreadableFileError) Unwrap() error { return e.Err }

// reconcileField merges a partition's field into the unified field for
// the same column. Widening is allowed: smaller widths widen to larger
// within a kind, and integer widens to float. Anything else conflicts.
func reconcileField(unified, f Field, path string) (Field, error) {
	if unified.Kind == f.Kind {
		if f.Bits > unified.Bits {
			unified.Bits = f.Bits
		}
		unified.Optional = unified.Optional || f.Optional
		return unified, nil
	}

	// Integer and float reconcile to a float wide enough for both.
	if (unified.Kind == KindInt && f.Kind == KindFloat) ||
		(unified.Kind == KindFloat && f.Kind == KindInt) {
		unified.Kind = KindFloat
		unified.Bits = 64
		unified.Optional = unified.Optional || f.Optional
		return unified, nil
	}

	return Field{}, &SchemaConflictError{
		Column: f.Name,
		Path:   path,
		Have:   f,
		Want:   unified,
	}
}

// unifySchemas folds each partition's schema into a single column list.
// Column order follows the first partition. Partitions must agree on the
// column name set; types may widen per reconcileField.
func unifySchemas(partitions []Partition) ([]Field, error) {
	if len(partitions) == 0 {
		return nil, nil
	}

	unified := make([]Field, len(partitions[0].Fields))
	copy(unified, partitions[0].Fields)
	index := make(map[string]int, len(unified))
	for i, f := range unified {
		index[f.Name] = i
	}

	for _, p := range partitions[1:] {
		if len(p.Fields) != len(unified) {
			return nil, schemaShapeError(unified, p)
		}
		for _, f := range p.Fields {
			i, ok := index[f.Name]
			if !ok {
				return nil, &SchemaConflictError{
					Column: f.Name,
					Path:   p.Path,
					Have:   f,
				}
			}
			merged, err := reconcileField(unified[i], f, p.Path)
			if err != nil {
				return nil, err
			}
			unified[i] = merged
		}
	}

	return unified, nil
}

// schemaShapeError picks the first column present on one side but not
// the other, so the error names a concrete column.
func schemaShapeError(unified []Field, p Partition) error {
	names := make(map[string]bool, len(p.Fields))
	for _, f := range p.Fields {
		names[f.Name] = true
	}
	for _, f := range unified {
		if !names[f.Name] {
			return &SchemaConflictError{Column: f.Name, Path: p.Path, Want: f}
		}
	}
	for _, f := range p.Fields {
		return &SchemaConflictError{Column: f.Name, Path: p.Path, Have: f}
	}
	return &SchemaConflictError{Path: p.Path}
}
