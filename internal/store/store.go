// Package store provides the in-memory columnar store for tiplot.
//
// The store maps topic name to column name to a float32 series. Every topic
// carries a "timestamp" column in seconds relative to the store's start
// time. Series are append-only between Clear/Replace calls.
package store

import (
	"math"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/maruel/natural"

	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/wire"
)

var log = logging.Component("store")

// Topic maps column name to series.
type Topic map[string][]float32

// Topics maps topic name to its columns.
type Topics map[string]Topic

// DroppedColumn records a column that had no coercion rule.
type DroppedColumn struct {
	Topic  string
	Column string
	Type   string
}

// Err returns the column as an ErrUnsupportedType error.
func (d DroppedColumn) Err() error {
	return errors.NewUnsupportedType(d.Column, d.Type)
}

// IngestResult describes one Ingest call.
type IngestResult struct {
	Rows    int
	Columns int
	Dropped []DroppedColumn
}

// AppendRecord coerces every column of rec and appends it to dst.
// Unsupported columns are skipped and returned.
func AppendRecord(dst Topic, topic string, rec arrow.Record, startTime float64) IngestResult {
	res := IngestResult{Rows: int(rec.NumRows())}
	schema := rec.Schema()

	for i, field := range schema.Fields() {
		vals, ok := Coerce(rec.Column(i), field.Name, startTime)
		if !ok {
			res.Dropped = append(res.Dropped, DroppedColumn{
				Topic:  topic,
				Column: field.Name,
				Type:   field.Type.String(),
			})
			continue
		}
		dst[field.Name] = append(dst[field.Name], vals...)
		res.Columns++
	}
	return res
}

// Store is the columnar store.
//
// Store has one writer (the ingest consumer, or a load) and any number of
// concurrent readers. Store is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	topics    Topics
	startTime float64

	batches        int64
	rows           int64
	droppedColumns int64
}

// New creates an empty store.
func New() *Store {
	return &Store{topics: make(Topics)}
}

// Ingest appends one decoded batch to topic.
func (s *Store) Ingest(topic string, rec arrow.Record) IngestResult {
	s.mu.Lock()
	dst, ok := s.topics[topic]
	if !ok {
		dst = make(Topic)
		s.topics[topic] = dst
	}
	res := AppendRecord(dst, topic, rec, s.startTime)
	s.batches++
	s.rows += int64(res.Rows)
	s.droppedColumns += int64(len(res.Dropped))
	s.mu.Unlock()

	for _, d := range res.Dropped {
		log.Warn("column dropped: unsupported type",
			"topic", d.Topic,
			"column", d.Column,
			"type", d.Type)
	}
	return res
}

// ApplyTimeline freezes the start time from the first metadata that carries
// a finite lower bound while the start time is still 0. Returns true if the
// start time was set.
func (s *Store) ApplyTimeline(tr wire.TimelineRange) bool {
	minS, ok := tr.MinSeconds()
	if !ok || math.IsInf(minS, 0) || math.IsNaN(minS) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startTime != 0 {
		return false
	}
	s.startTime = minS
	log.Info("start time set", "start_time", minS)
	return true
}

// StartTime returns the frozen epoch-seconds offset, or 0.
func (s *Store) StartTime() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startTime
}

// Column returns the series for (topic, col). The slice is a read-only view
// that stays valid after later appends, Clear or Replace; callers must not
// modify it.
func (s *Store) Column(topic, col string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cols, ok := s.topics[topic]
	if !ok {
		return nil, false
	}
	vals, ok := cols[col]
	if !ok {
		return nil, false
	}
	return vals[:len(vals):len(vals)], true
}

// Series returns the timestamp and value columns of topic as a pair.
func (s *Store) Series(topic, col string) (times, values []float32, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cols, found := s.topics[topic]
	if !found {
		return nil, nil, false
	}
	t, tok := cols[TimestampColumn]
	v, vok := cols[col]
	if !tok || !vok {
		return nil, nil, false
	}
	return t[:len(t):len(t)], v[:len(v):len(v)], true
}

// Topics returns topic names sorted lexicographically.
func (s *Store) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.topics))
	for name := range s.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Columns returns the column names of topic in natural order, excluding
// the timestamp column. Returns nil for an unknown topic.
func (s *Store) Columns(topic string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cols, ok := s.topics[topic]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(cols))
	for name := range cols {
		if name != TimestampColumn {
			out = append(out, name)
		}
	}
	sort.Sort(natural.StringSlice(out))
	return out
}

// HasTopic reports whether topic exists.
func (s *Store) HasTopic(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

// IsEmpty reports whether the store holds no topics.
func (s *Store) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics) == 0
}

// Clear empties the topic map and resets the start time.
func (s *Store) Clear() {
	s.mu.Lock()
	s.topics = make(Topics)
	s.startTime = 0
	s.mu.Unlock()

	log.Info("store cleared")
}

// Replace swaps in a new topic map and resets the start time to 0. The
// store takes ownership of topics.
func (s *Store) Replace(topics Topics) {
	if topics == nil {
		topics = make(Topics)
	}

	s.mu.Lock()
	s.topics = topics
	s.startTime = 0
	s.mu.Unlock()
}

// View calls fn with the topic map and start time under the read lock.
// fn must not retain or modify topics.
func (s *Store) View(fn func(topics Topics, startTime float64)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.topics, s.startTime)
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Topics:         len(s.topics),
		StartTime:      s.startTime,
		Batches:        s.batches,
		Rows:           s.rows,
		DroppedColumns: s.droppedColumns,
	}
	for _, cols := range s.topics {
		st.Columns += len(cols)
		for _, v := range cols {
			st.Samples += int64(len(v))
		}
	}
	return st
}

// Stats holds store statistics. Batches, Rows and DroppedColumns count
// Ingest calls since the store was created.
type Stats struct {
	Topics         int
	Columns        int
	Samples        int64
	StartTime      float64
	Batches        int64
	Rows           int64
	DroppedColumns int64
}
