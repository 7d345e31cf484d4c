package sim

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// minSpanUs is the shortest span a batch covers.
const minSpanUs = 1000

// columns of every generated table, after the timestamp.
var columns = []string{"x", "y", "z", "vx", "vy", "vz", "roll", "pitch", "yaw"}

// Schema is the schema of generated tables.
var Schema = func() *arrow.Schema {
	fields := []arrow.Field{{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64}}
	for _, c := range columns {
		fields = append(fields, arrow.Field{Name: c, Type: arrow.PrimitiveTypes.Float64})
	}
	return arrow.NewSchema(fields, nil)
}()

// Timestamps returns strictly increasing microsecond timestamps covering
// [startUs, endUs] at roughly one sample per intervalUs, always including
// both ends and never fewer than two samples.
func Timestamps(startUs, endUs, intervalUs int64) []int64 {
	if endUs-startUs < minSpanUs {
		endUs = startUs + minSpanUs
	}
	span := endUs - startUs

	n := int64(2)
	if intervalUs > 0 && span/intervalUs > n {
		n = span / intervalUs
	}
	step := float64(span) / float64(n)

	out := make([]int64, 0, n+1)
	for i := int64(0); i < n; i++ {
		ts := startUs + int64(float64(i)*step)
		if len(out) > 0 && ts <= out[len(out)-1] {
			continue
		}
		out = append(out, ts)
	}
	if out[len(out)-1] < endUs {
		out = append(out, endUs)
	}
	return out
}

// Generate builds one record per named trajectory sampled at timestamps.
// Trajectory time is measured from originUs. Unknown names are skipped.
// The caller releases the records.
func Generate(names []string, timestamps []int64, originUs int64, mem memory.Allocator) map[string]arrow.Record {
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	elapsed := make([]float64, len(timestamps))
	for i, ts := range timestamps {
		elapsed[i] = float64(ts-originUs) / 1e6
	}

	out := make(map[string]arrow.Record, len(names))
	for _, name := range names {
		traj, ok := Trajectories[name]
		if !ok {
			continue
		}
		out[name] = sample(traj, timestamps, elapsed, mem)
	}
	return out
}

func sample(traj Trajectory, timestamps []int64, elapsed []float64, mem memory.Allocator) arrow.Record {
	n := len(elapsed)
	north := make([]float64, n)
	east := make([]float64, n)
	down := make([]float64, n)
	for i, t := range elapsed {
		north[i], east[i], down[i] = traj(t)
	}

	vn := gradient(north, elapsed)
	ve := gradient(east, elapsed)
	vd := gradient(down, elapsed)
	roll, pitch, yaw := orientation(vn, ve, vd)

	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).AppendValues(timestamps, nil)
	for i, vals := range [][]float64{north, east, down, vn, ve, vd, roll, pitch, yaw} {
		b.Field(i+1).(*array.Float64Builder).AppendValues(vals, nil)
	}
	return b.NewRecord()
}
