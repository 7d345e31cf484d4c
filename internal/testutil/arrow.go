package testutil

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Col is one named column for Record.
type Col struct {
	Name  string
	Array arrow.Array
}

// Record builds a record from columns and releases the column arrays.
// All columns must have the same length.
func Record(t testing.TB, cols ...Col) arrow.Record {
	t.Helper()

	fields := make([]arrow.Field, len(cols))
	arrs := make([]arrow.Array, len(cols))
	var rows int64
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Array.DataType(), Nullable: true}
		arrs[i] = c.Array
		rows = int64(c.Array.Len())
	}

	rec := array.NewRecord(arrow.NewSchema(fields, nil), arrs, rows)
	for _, a := range arrs {
		a.Release()
	}
	return rec
}

// Float32 builds a float32 column.
func Float32(name string, vals ...float32) Col {
	b := array.NewFloat32Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return Col{Name: name, Array: b.NewArray()}
}

// Float64 builds a float64 column.
func Float64(name string, vals ...float64) Col {
	b := array.NewFloat64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return Col{Name: name, Array: b.NewArray()}
}

// Int64 builds an int64 column.
func Int64(name string, vals ...int64) Col {
	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return Col{Name: name, Array: b.NewArray()}
}

// Uint64 builds a uint64 column.
func Uint64(name string, vals ...uint64) Col {
	b := array.NewUint64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return Col{Name: name, Array: b.NewArray()}
}

// Int32 builds an int32 column.
func Int32(name string, vals ...int32) Col {
	b := array.NewInt32Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return Col{Name: name, Array: b.NewArray()}
}

// Bool builds a boolean column.
func Bool(name string, vals ...bool) Col {
	b := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return Col{Name: name, Array: b.NewArray()}
}

// String builds a string column. A nil entry is appended as null.
func String(name string, vals ...*string) Col {
	b := array.NewStringBuilder(memory.DefaultAllocator)
	defer b.Release()
	for _, v := range vals {
		if v == nil {
			b.AppendNull()
			continue
		}
		b.Append(*v)
	}
	return Col{Name: name, Array: b.NewArray()}
}

// Float16 builds a half-precision column.
func Float16(name string, vals ...float32) Col {
	b := array.NewFloat16Builder(memory.DefaultAllocator)
	defer b.Release()
	for _, v := range vals {
		b.Append(float16.New(v))
	}
	return Col{Name: name, Array: b.NewArray()}
}

// LargeString builds a large_utf8 column. A nil entry is appended as null.
func LargeString(name string, vals ...*string) Col {
	b := array.NewLargeStringBuilder(memory.DefaultAllocator)
	defer b.Release()
	for _, v := range vals {
		if v == nil {
			b.AppendNull()
			continue
		}
		b.Append(*v)
	}
	return Col{Name: name, Array: b.NewArray()}
}

// Date32 builds a date32 column, a type the store has no coercion rule for.
func Date32(name string, vals ...int32) Col {
	b := array.NewDate32Builder(memory.DefaultAllocator)
	defer b.Release()
	for _, v := range vals {
		b.Append(arrow.Date32(v))
	}
	return Col{Name: name, Array: b.NewArray()}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
