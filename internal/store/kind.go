package store

import (
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cespare/xxhash/v2"
)

// TimestampColumn is the well-known time column of every topic.
const TimestampColumn = "timestamp"

// textBuckets is the range text values are hashed into.
const textBuckets = 1000

// ColumnKind is the closed set of source column categories the store knows
// how to coerce into float32.
type ColumnKind int

const (
	KindUnsupported ColumnKind = iota
	KindFloat
	KindSigned
	KindUnsigned
	KindBool
	KindText
)

var kindNames = [...]string{
	KindUnsupported: "unsupported",
	KindFloat:       "float",
	KindSigned:      "signed",
	KindUnsigned:    "unsigned",
	KindBool:        "bool",
	KindText:        "text",
}

func (k ColumnKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// KindOf classifies an Arrow data type.
func KindOf(dt arrow.DataType) ColumnKind {
	switch dt.ID() {
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return KindFloat
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64:
		return KindSigned
	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return KindUnsigned
	case arrow.BOOL:
		return KindBool
	case arrow.STRING, arrow.LARGE_STRING:
		return KindText
	default:
		return KindUnsupported
	}
}

// Coerce converts one Arrow column to float32 values.
//
// Integer columns named "timestamp" are microseconds since the epoch and
// become seconds relative to startTime. Text becomes a process-local hash
// bucket in [0, 1000); it is lossy and not stable across implementations.
// Nulls of every kind become NaN.
//
// The second result is false when the column kind has no coercion rule.
func Coerce(col arrow.Array, name string, startTime float64) ([]float32, bool) {
	kind := KindOf(col.DataType())
	if kind == KindUnsupported {
		return nil, false
	}

	n := col.Len()
	out := make([]float32, n)
	nan := float32(math.NaN())

	isTimestamp := name == TimestampColumn
	toSeconds := func(us float64) float32 {
		return float32(us/1e6 - startTime)
	}

	switch c := col.(type) {
	case *array.Float16:
		for i := range out {
			out[i] = c.Value(i).Float32()
		}
	case *array.Float32:
		copy(out, c.Float32Values())
	case *array.Float64:
		for i, v := range c.Float64Values() {
			out[i] = float32(v)
		}
	case *array.Int8:
		for i, v := range c.Int8Values() {
			out[i] = signed(int64(v), isTimestamp, toSeconds)
		}
	case *array.Int16:
		for i, v := range c.Int16Values() {
			out[i] = signed(int64(v), isTimestamp, toSeconds)
		}
	case *array.Int32:
		for i, v := range c.Int32Values() {
			out[i] = signed(int64(v), isTimestamp, toSeconds)
		}
	case *array.Int64:
		for i, v := range c.Int64Values() {
			out[i] = signed(v, isTimestamp, toSeconds)
		}
	case *array.Uint8:
		for i, v := range c.Uint8Values() {
			out[i] = unsigned(uint64(v), isTimestamp, toSeconds)
		}
	case *array.Uint16:
		for i, v := range c.Uint16Values() {
			out[i] = unsigned(uint64(v), isTimestamp, toSeconds)
		}
	case *array.Uint32:
		for i, v := range c.Uint32Values() {
			out[i] = unsigned(uint64(v), isTimestamp, toSeconds)
		}
	case *array.Uint64:
		for i, v := range c.Uint64Values() {
			out[i] = unsigned(v, isTimestamp, toSeconds)
		}
	case *array.Boolean:
		for i := range out {
			if c.Value(i) {
				out[i] = 1
			}
		}
	case *array.String:
		for i := range out {
			out[i] = hashText(c.Value(i))
		}
	case *array.LargeString:
		for i := range out {
			out[i] = hashText(c.Value(i))
		}
	default:
		return nil, false
	}

	if col.NullN() > 0 {
		for i := range out {
			if col.IsNull(i) {
				out[i] = nan
			}
		}
	}

	return out, true
}

func signed(v int64, isTimestamp bool, toSeconds func(float64) float32) float32 {
	if isTimestamp {
		return toSeconds(float64(v))
	}
	return float32(v)
}

func unsigned(v uint64, isTimestamp bool, toSeconds func(float64) float32) float32 {
	if isTimestamp {
		return toSeconds(float64(v))
	}
	return float32(v)
}

func hashText(s string) float32 {
	return float32(xxhash.Sum64String(s) % textBuckets)
}
