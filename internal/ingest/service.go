// Package ingest runs the single consumer that moves decoded events from
// the queue into the store.
//
// Each cycle applies every queued metadata event and at most
// MaxBatchesPerCycle batch events; the rest wait for the next cycle. This
// bounds the work (and store write-lock time) per cycle at the price of
// latency under bursts. Nothing is ever dropped.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/tiplot/config"
	"github.com/xtxerr/tiplot/internal/events"
	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/metrics"
	"github.com/xtxerr/tiplot/internal/store"
)

var log = logging.Component("ingest")

// idleAfter is how long after the last event the service stops reporting
// itself as receiving.
const idleAfter = 500 * time.Millisecond

// Config configures the consumer.
type Config struct {
	MaxBatchesPerCycle int
	CycleInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchesPerCycle <= 0 {
		c.MaxBatchesPerCycle = config.DefaultMaxBatchesPerCycle
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = config.DefaultCycleInterval
	}
	return c
}

// Timeline is the viewer-side time window derived from metadata, in
// seconds relative to the store start time.
type Timeline struct {
	GlobalMin float64
	GlobalMax float64
	Valid     bool
}

// CycleResult describes one Cycle call.
type CycleResult struct {
	Metadata  int
	Batches   int
	Rows      int
	Dropped   int
	Remaining int
}

// BatchFunc is called after each batch is ingested, on the consumer goroutine.
type BatchFunc func(topic string, res store.IngestResult)

// Service is the ingest consumer.
type Service struct {
	cfg     Config
	queue   *events.Queue
	store   *store.Store
	metrics *metrics.Metrics

	mu         sync.RWMutex
	timeline   Timeline
	parameters *structpb.Struct
	onBatch    BatchFunc

	running  atomic.Bool
	lastData atomic.Int64 // unix nanos of the last event processed

	stats Stats
}

// Stats holds ingest statistics.
type Stats struct {
	Cycles           atomic.Int64
	MetadataApplied  atomic.Int64
	BatchesIngested  atomic.Int64
	RowsIngested     atomic.Int64
	ColumnsDropped   atomic.Int64
	DeferredBatches  atomic.Int64 // batches left queued at the end of a capped cycle
	StartTimeUpdates atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Cycles           int64
	MetadataApplied  int64
	BatchesIngested  int64
	RowsIngested     int64
	ColumnsDropped   int64
	DeferredBatches  int64
	StartTimeUpdates int64
	QueueDepth       int
	Receiving        bool

	// Parameters are the latest producer parameters, nil until a producer
	// sends some.
	Parameters *structpb.Struct
}

// New creates a consumer reading q and writing st. m may be nil.
func New(cfg Config, q *events.Queue, st *store.Store, m *metrics.Metrics) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		queue:   q,
		store:   st,
		metrics: m,
	}
}

// OnBatch installs fn as the post-ingest hook. Replaces any previous hook.
func (s *Service) OnBatch(fn BatchFunc) {
	s.mu.Lock()
	s.onBatch = fn
	s.mu.Unlock()
}

// Cycle runs one consumer cycle.
func (s *Service) Cycle() CycleResult {
	start := time.Now()
	var res CycleResult

	evs := s.queue.DrainCounted(s.cfg.MaxBatchesPerCycle, func(ev events.Event) bool {
		return ev.Kind == events.KindNewBatch
	})

	s.mu.RLock()
	hook := s.onBatch
	s.mu.RUnlock()

	for _, ev := range evs {
		switch ev.Kind {
		case events.KindMetadata:
			s.applyMetadata(ev)
			res.Metadata++

		case events.KindNewBatch:
			ir := s.store.Ingest(ev.Topic, ev.Record)
			ev.Release()

			res.Batches++
			res.Rows += ir.Rows
			res.Dropped += len(ir.Dropped)
			s.metrics.BatchIngested(ev.Topic, ir.Rows, len(ir.Dropped))
			if hook != nil {
				hook(ev.Topic, ir)
			}
		}
	}

	res.Remaining = s.queue.Len()

	s.stats.Cycles.Add(1)
	s.stats.MetadataApplied.Add(int64(res.Metadata))
	s.stats.BatchesIngested.Add(int64(res.Batches))
	s.stats.RowsIngested.Add(int64(res.Rows))
	s.stats.ColumnsDropped.Add(int64(res.Dropped))
	if res.Batches == s.cfg.MaxBatchesPerCycle && res.Remaining > 0 {
		s.stats.DeferredBatches.Add(int64(res.Remaining))
	}
	if len(evs) > 0 {
		s.lastData.Store(time.Now().UnixNano())
	}

	s.metrics.QueueDepth(res.Remaining)
	s.metrics.CycleDone(time.Since(start))
	return res
}

// applyMetadata freezes the store start time on first use and recomputes
// the timeline window from the producer's declared range.
func (s *Service) applyMetadata(ev events.Event) {
	if s.store.ApplyTimeline(ev.Timeline) {
		s.stats.StartTimeUpdates.Add(1)
	}

	if ev.Parameters != nil {
		s.mu.Lock()
		changed := !proto.Equal(s.parameters, ev.Parameters)
		s.parameters = ev.Parameters
		s.mu.Unlock()
		if changed {
			log.Info("producer parameters updated",
				"conn_id", ev.ConnID,
				"parameters", ev.Parameters.AsMap())
		}
	}

	maxS, ok := ev.Timeline.MaxSeconds()
	if !ok {
		return
	}
	if _, ok := ev.Timeline.MinSeconds(); !ok {
		return
	}

	tl := Timeline{
		GlobalMin: 0,
		GlobalMax: maxS - s.store.StartTime(),
		Valid:     true,
	}

	s.mu.Lock()
	s.timeline = tl
	s.mu.Unlock()

	log.Debug("timeline updated",
		"conn_id", ev.ConnID,
		"global_max", tl.GlobalMax)
}

// Run cycles on every tick and every queue notification until ctx is done.
// Events still queued at that point are left for the caller.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("ingest service already running")
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	log.Info("ingest consumer started",
		"max_batches_per_cycle", s.cfg.MaxBatchesPerCycle,
		"cycle_interval", s.cfg.CycleInterval)

	for {
		select {
		case <-ctx.Done():
			log.Info("ingest consumer stopped", "queued", s.queue.Len())
			return nil
		case <-ticker.C:
		case <-s.queue.Notify():
		}
		s.Cycle()
	}
}

// Flush runs cycles until the queue is empty. Used on shutdown so accepted
// data reaches the store before a final save. Flush does nothing while Run
// is active, since Run owns the queue.
func (s *Service) Flush() CycleResult {
	var total CycleResult
	if s.running.Load() {
		log.Warn("flush skipped, consumer still running")
		return total
	}
	for {
		r := s.Cycle()
		total.Metadata += r.Metadata
		total.Batches += r.Batches
		total.Rows += r.Rows
		total.Dropped += r.Dropped
		total.Remaining = r.Remaining
		if r.Remaining == 0 || (r.Metadata == 0 && r.Batches == 0) {
			return total
		}
	}
}

// Timeline returns the current timeline window.
func (s *Service) Timeline() Timeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeline
}

// Parameters returns the latest producer parameters, or nil. The result is
// shared and must not be modified.
func (s *Service) Parameters() *structpb.Struct {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parameters
}

// ResetTimeline clears the timeline window, for use with store.Clear.
func (s *Service) ResetTimeline() {
	s.mu.Lock()
	s.timeline = Timeline{}
	s.mu.Unlock()
}

// Receiving reports whether an event was processed within the last 500ms.
func (s *Service) Receiving() bool {
	last := s.lastData.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < idleAfter
}

// Stats returns a snapshot of ingest statistics.
func (s *Service) Stats() StatsSnapshot {
	return StatsSnapshot{
		Cycles:           s.stats.Cycles.Load(),
		MetadataApplied:  s.stats.MetadataApplied.Load(),
		BatchesIngested:  s.stats.BatchesIngested.Load(),
		RowsIngested:     s.stats.RowsIngested.Load(),
		ColumnsDropped:   s.stats.ColumnsDropped.Load(),
		DeferredBatches:  s.stats.DeferredBatches.Load(),
		StartTimeUpdates: s.stats.StartTimeUpdates.Load(),
		QueueDepth:       s.queue.Len(),
		Receiving:        s.Receiving(),
		Parameters:       s.Parameters(),
	}
}
