package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/tiplot/internal/events"
	"github.com/xtxerr/tiplot/internal/metrics"
	"github.com/xtxerr/tiplot/internal/store"
	"github.com/xtxerr/tiplot/internal/testutil"
	"github.com/xtxerr/tiplot/internal/wire"
)

func metadata(minUs, maxUs int64) events.Event {
	return events.NewMetadata("c1", &wire.Metadata{
		TimelineRange: wire.TimelineRange{MinTimestamp: &minUs, MaxTimestamp: &maxUs},
	})
}

func batch(t *testing.T, topic string, ts ...int64) events.Event {
	vals := make([]float64, len(ts))
	for i := range ts {
		vals[i] = float64(i)
	}
	rec := testutil.Record(t, testutil.Int64("timestamp", ts...), testutil.Float64("v", vals...))
	return events.NewBatch("c1", topic, rec)
}

func newService(t *testing.T, maxBatches int) (*Service, *events.Queue, *store.Store) {
	t.Helper()
	q := events.NewQueue(4)
	st := store.New()
	return New(Config{MaxBatchesPerCycle: maxBatches}, q, st, metrics.New()), q, st
}

func TestCycle_CapsBatchesNotMetadata(t *testing.T) {
	svc, q, _ := newService(t, 5)

	q.Push(metadata(0, 10_000_000))
	for i := 0; i < 7; i++ {
		q.Push(batch(t, "imu", int64(i)*1_000_000))
	}
	q.Push(metadata(0, 20_000_000))

	res := svc.Cycle()
	assert.Equal(t, 1, res.Metadata)
	assert.Equal(t, 5, res.Batches)
	assert.Equal(t, 3, res.Remaining)

	res = svc.Cycle()
	assert.Equal(t, 1, res.Metadata)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 0, res.Remaining)

	st := svc.Stats()
	assert.Equal(t, int64(7), st.BatchesIngested)
	assert.Equal(t, int64(3), st.DeferredBatches)
	assert.True(t, st.Receiving)
}

func TestCycle_MetadataFreezesStartTimeBeforeBatches(t *testing.T) {
	svc, q, st := newService(t, 5)

	q.Push(metadata(100_000_000, 160_000_000))
	q.Push(batch(t, "gps", 100_000_000, 101_500_000))
	q.Push(metadata(200_000_000, 230_000_000))

	svc.Cycle()

	assert.Equal(t, 100.0, st.StartTime())
	ts, ok := st.Column("gps", "timestamp")
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1.5}, ts)

	tl := svc.Timeline()
	assert.True(t, tl.Valid)
	assert.Equal(t, 0.0, tl.GlobalMin)
	assert.Equal(t, 130.0, tl.GlobalMax, "window follows latest metadata, start stays frozen")
	assert.Equal(t, int64(1), svc.Stats().StartTimeUpdates)
}

func TestCycle_OnBatchHook(t *testing.T) {
	svc, q, _ := newService(t, 5)

	var topics []string
	svc.OnBatch(func(topic string, res store.IngestResult) {
		topics = append(topics, topic)
		assert.Equal(t, 2, res.Rows)
	})

	q.Push(batch(t, "a", 0, 1))
	q.Push(batch(t, "b", 0, 1))
	svc.Cycle()

	assert.Equal(t, []string{"a", "b"}, topics)
}

func TestFlush_DrainsEverything(t *testing.T) {
	svc, q, st := newService(t, 2)
	for i := 0; i < 9; i++ {
		q.Push(batch(t, "imu", int64(i)))
	}

	res := svc.Flush()
	assert.Equal(t, 9, res.Batches)
	assert.Equal(t, 0, q.Len())

	v, _ := st.Column("imu", "v")
	assert.Len(t, v, 9)
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	svc, q, st := newService(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	q.Push(batch(t, "imu", 0, 1_000_000))

	require.NoError(t, testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return st.HasTopic("imu")
	}))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_RejectsSecondRun(t *testing.T) {
	svc, _, _ := newService(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	require.NoError(t, testutil.Eventually(time.Second, time.Millisecond, func() bool {
		return svc.running.Load()
	}))
	assert.Error(t, svc.Run(ctx))
}

func TestResetTimeline_AfterClear(t *testing.T) {
	svc, q, st := newService(t, 5)

	q.Push(metadata(100_000_000, 110_000_000))
	svc.Cycle()
	require.True(t, svc.Timeline().Valid)

	st.Clear()
	svc.ResetTimeline()
	assert.False(t, svc.Timeline().Valid)

	// A cleared store accepts a new start time.
	q.Push(metadata(500_000_000, 503_000_000))
	svc.Cycle()
	assert.Equal(t, 500.0, st.StartTime())
	assert.InDelta(t, 3.0, svc.Timeline().GlobalMax, 1e-9)
}

func TestCycle_KeepsLatestParameters(t *testing.T) {
	svc, q, _ := newService(t, 5)
	assert.Nil(t, svc.Stats().Parameters)

	first, err := structpb.NewStruct(map[string]any{"trajectory_scale": 50.0})
	require.NoError(t, err)
	ev := metadata(0, 1_000_000)
	ev.Parameters = first
	q.Push(ev)
	svc.Cycle()

	got := svc.Stats().Parameters
	require.NotNil(t, got)
	assert.Equal(t, 50.0, got.Fields["trajectory_scale"].GetNumberValue())

	// Metadata without parameters keeps the previous ones.
	q.Push(metadata(0, 2_000_000))
	svc.Cycle()
	assert.Same(t, first, svc.Parameters())

	second, err := structpb.NewStruct(map[string]any{"trajectory_scale": 10.0})
	require.NoError(t, err)
	ev = metadata(0, 3_000_000)
	ev.Parameters = second
	q.Push(ev)
	svc.Cycle()
	assert.Equal(t, map[string]any{"trajectory_scale": 10.0}, svc.Stats().Parameters.AsMap())
}

func TestFlush_SkippedWhileRunning(t *testing.T) {
	svc, q, st := newService(t, 5)

	svc.running.Store(true)
	q.Push(batch(t, "imu", 0, 1_000_000))

	res := svc.Flush()
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, 1, q.Len())
	assert.False(t, st.HasTopic("imu"))

	svc.running.Store(false)
	res = svc.Flush()
	assert.Equal(t, 1, res.Batches)
	assert.True(t, st.HasTopic("imu"))
}
