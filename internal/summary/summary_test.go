package summary

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/store"
	"github.com/xtxerr/tiplot/internal/testutil"
)

func TestSummarize_Basic(t *testing.T) {
	vals := make([]float32, 100)
	for i := range vals {
		vals[i] = float32(i + 1)
	}

	s := Summarize(vals)
	assert.Equal(t, int64(100), s.Count)
	assert.Equal(t, int64(0), s.NaNs)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 100.0, s.Max)
	assert.InDelta(t, 50.5, s.Mean, 1e-9)

	// 1% relative accuracy, plus one rank of slack.
	assert.InDelta(t, 50, s.P50, 2)
	assert.InDelta(t, 90, s.P90, 2)
	assert.InDelta(t, 99, s.P99, 2)
}

func TestSummarize_NaNAndInfExcluded(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	s := Summarize([]float32{nan, 2, inf, 4, nan})
	assert.Equal(t, int64(2), s.Count)
	assert.Equal(t, int64(3), s.NaNs)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Equal(t, 3.0, s.Mean)
}

func TestSummarize_NegativeValues(t *testing.T) {
	s := Summarize([]float32{-10, -5, 0, 5, 10})
	assert.Equal(t, -10.0, s.Min)
	assert.Equal(t, 10.0, s.Max)
	assert.InDelta(t, 0, s.Mean, 1e-9)
	assert.GreaterOrEqual(t, s.P99, s.P50)
	assert.LessOrEqual(t, s.P99, s.Max)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.False(t, s.HasData())
	assert.Equal(t, "n=0 nan=0", s.String())
}

func TestSummarizeTopic(t *testing.T) {
	st := store.New()
	rec := testutil.Record(t,
		testutil.Int64("timestamp", 0, 1_000_000, 2_000_000),
		testutil.Float64("accel_x", 0.1, 0.2, 0.3),
		testutil.Bool("armed", false, true, true),
	)
	st.Ingest("imu", rec)
	rec.Release()

	ts, err := SummarizeTopic(st, "imu", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, ts.Rows)
	assert.True(t, ts.HasTime)
	assert.Equal(t, float32(0), ts.Start)
	assert.Equal(t, float32(2), ts.End)
	assert.Equal(t, []string{"accel_x", "armed"}, ts.Columns)

	armed := ts.Stats["armed"]
	assert.Equal(t, int64(3), armed.Count)
	assert.InDelta(t, 2.0/3.0, armed.Mean, 1e-6)

	_, err = SummarizeTopic(st, "gps", 0)
	assert.True(t, errors.Is(err, errors.ErrTopicNotFound))
}
