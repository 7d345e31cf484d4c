// Package summary computes descriptive statistics for stored columns.
//
// Percentiles come from a DDSketch, so they carry a bounded relative error
// (1% by default) rather than being exact order statistics.
package summary

import (
	"fmt"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/tiplot/config"
	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/store"
)

// Summary describes one column.
type Summary struct {
	Count int64 // finite samples
	NaNs  int64 // NaN or infinite samples, excluded from everything else
	Min   float64
	Max   float64
	Mean  float64
	P50   float64
	P90   float64
	P99   float64
}

// HasData reports whether any finite sample was seen.
func (s Summary) HasData() bool {
	return s.Count > 0
}

// String formats the summary on one line.
func (s Summary) String() string {
	if !s.HasData() {
		return fmt.Sprintf("n=0 nan=%d", s.NaNs)
	}
	return fmt.Sprintf("n=%d nan=%d min=%.6g max=%.6g mean=%.6g p50=%.6g p90=%.6g p99=%.6g",
		s.Count, s.NaNs, s.Min, s.Max, s.Mean, s.P50, s.P90, s.P99)
}

// Accumulator maintains running statistics over added values.
// Not safe for concurrent use.
type Accumulator struct {
	count  int64
	nans   int64
	sum    float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

// NewAccumulator creates an accumulator with the given relative accuracy
// for percentiles. Accuracy outside (0, 1) falls back to the default.
func NewAccumulator(accuracy float64) *Accumulator {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = config.DefaultSummaryAccuracy
	}
	a := &Accumulator{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err == nil {
		a.sketch = sketch
	}
	return a
}

// Add adds one value.
func (a *Accumulator) Add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		a.nans++
		return
	}

	a.count++
	a.sum += v
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	if a.sketch != nil {
		_ = a.sketch.Add(v)
	}
}

// AddAll adds every value in vals.
func (a *Accumulator) AddAll(vals []float32) {
	for _, v := range vals {
		a.Add(float64(v))
	}
}

// Result returns the statistics so far.
func (a *Accumulator) Result() Summary {
	s := Summary{Count: a.count, NaNs: a.nans}
	if a.count == 0 {
		return s
	}

	s.Min = a.min
	s.Max = a.max
	s.Mean = a.sum / float64(a.count)

	if a.sketch != nil {
		s.P50 = a.quantile(0.50)
		s.P90 = a.quantile(0.90)
		s.P99 = a.quantile(0.99)
	}
	return s
}

// quantile clamps the sketch estimate to the observed range.
func (a *Accumulator) quantile(q float64) float64 {
	v, err := a.sketch.GetValueAtQuantile(q)
	if err != nil {
		return math.NaN()
	}
	return math.Max(a.min, math.Min(a.max, v))
}

// Summarize computes a summary of vals with the default accuracy.
func Summarize(vals []float32) Summary {
	a := NewAccumulator(config.DefaultSummaryAccuracy)
	a.AddAll(vals)
	return a.Result()
}

// TopicSummary describes every column of one topic.
type TopicSummary struct {
	Topic string
	Rows  int

	// Start and End are the first and last timestamp, in seconds relative
	// to the store start time. Valid only when HasTime.
	Start   float32
	End     float32
	HasTime bool

	Columns []string // natural order, excluding the timestamp
	Stats   map[string]Summary
}

// SummarizeTopic summarizes every column of topic.
func SummarizeTopic(s *store.Store, topic string, accuracy float64) (*TopicSummary, error) {
	if !s.HasTopic(topic) {
		return nil, fmt.Errorf("%w: %q", errors.ErrTopicNotFound, topic)
	}

	ts := &TopicSummary{
		Topic:   topic,
		Columns: s.Columns(topic),
		Stats:   make(map[string]Summary),
	}

	if times, ok := s.Column(topic, store.TimestampColumn); ok && len(times) > 0 {
		ts.Rows = len(times)
		ts.Start = times[0]
		ts.End = times[len(times)-1]
		ts.HasTime = true
	}

	for _, col := range ts.Columns {
		vals, ok := s.Column(topic, col)
		if !ok {
			continue
		}
		if len(vals) > ts.Rows {
			ts.Rows = len(vals)
		}
		a := NewAccumulator(accuracy)
		a.AddAll(vals)
		ts.Stats[col] = a.Result()
	}
	return ts, nil
}
