// Package interp samples a time series at an arbitrary time.
//
// All functions are pure: they never cache and never modify their inputs.
// Lookups are O(log n) binary searches over the sorted time column.
package interp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xtxerr/tiplot/internal/errors"
)

// Mode is an interpolation policy.
type Mode int

const (
	// PreviousPoint returns the latest sample strictly before t.
	PreviousPoint Mode = iota
	// Linear blends the samples bracketing t.
	Linear
	// NextPoint returns the earliest sample at or after t.
	NextPoint
)

// deltaEpsilon is the smallest bracket width Linear divides by.
const deltaEpsilon = 1e-6

func (m Mode) String() string {
	switch m {
	case PreviousPoint:
		return "previous"
	case Linear:
		return "linear"
	case NextPoint:
		return "next"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a mode name. Matching ignores case, and "-" and "_".
func ParseMode(s string) (Mode, error) {
	key := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(s))
	switch key {
	case "previous", "previouspoint", "prev":
		return PreviousPoint, nil
	case "linear", "lerp":
		return Linear, nil
	case "next", "nextpoint":
		return NextPoint, nil
	}
	return 0, fmt.Errorf("%w: %q", errors.ErrInvalidMode, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Sample returns the value of the series at t under mode, or false when
// the series has no value there.
//
// times must be sorted ascending. values is indexed in parallel with times;
// if the two differ in length, only indexes valid in both are used.
func Sample(times, values []float32, t float32, mode Mode) (float32, bool) {
	switch mode {
	case PreviousPoint:
		idx := sort.Search(len(times), func(i int) bool { return times[i] >= t })
		if idx == 0 || idx-1 >= len(values) {
			return 0, false
		}
		return values[idx-1], true

	case NextPoint:
		idx := sort.Search(len(times), func(i int) bool { return times[i] >= t })
		if idx >= len(times) || idx >= len(values) {
			return 0, false
		}
		return values[idx], true

	case Linear:
		idx := sort.Search(len(times), func(i int) bool { return times[i] >= t })
		if idx == 0 {
			return 0, false
		}
		if idx >= len(times) {
			if len(times) != len(values) {
				return 0, false
			}
			return values[len(values)-1], true
		}
		if idx >= len(values) {
			return 0, false
		}

		t0, t1 := times[idx-1], times[idx]
		v0, v1 := values[idx-1], values[idx]
		if t == t1 {
			return v1, true
		}
		dt := t1 - t0
		if dt < deltaEpsilon && -dt < deltaEpsilon {
			return v0, true
		}
		alpha := (t - t0) / dt
		return v0 + alpha*(v1-v0), true
	}

	return 0, false
}

// ColumnSource provides a topic's time column paired with one value column.
type ColumnSource interface {
	Series(topic, col string) (times, values []float32, ok bool)
}

// ValueAt samples (topic, col) at t. Missing topics, missing columns and
// empty series yield false rather than an error, so callers may query
// synthesized names freely.
func ValueAt(src ColumnSource, topic, col string, t float32, mode Mode) (float32, bool) {
	times, values, ok := src.Series(topic, col)
	if !ok || len(times) == 0 || len(values) == 0 {
		return 0, false
	}
	return Sample(times, values, t, mode)
}

// ValueOr is ValueAt with a fallback for "no value".
func ValueOr(src ColumnSource, topic, col string, t float32, mode Mode, fallback float32) float32 {
	if v, ok := ValueAt(src, topic, col, t, mode); ok {
		return v
	}
	return fallback
}
