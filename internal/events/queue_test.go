package events

import (
	"sync"
	"testing"
)

func batch(topic string) Event {
	return Event{Kind: KindNewBatch, Topic: topic}
}

func meta() Event {
	return Event{Kind: KindMetadata}
}

func TestQueue_Basic(t *testing.T) {
	q := NewQueue(4)

	if q.Cap() != 4 {
		t.Errorf("expected capacity=4, got %d", q.Cap())
	}
	if q.Len() != 0 {
		t.Error("new queue should be empty")
	}
	if got := q.DrainN(5); got != nil {
		t.Errorf("drain of empty queue should return nil, got %v", got)
	}
}

func TestQueue_GrowsInsteadOfDropping(t *testing.T) {
	q := NewQueue(2)

	for i := 0; i < 10; i++ {
		if !q.Push(batch(string(rune('a' + i)))) {
			t.Fatalf("push %d should succeed", i)
		}
	}

	if q.Len() != 10 {
		t.Errorf("expected len=10, got %d", q.Len())
	}
	if q.Cap() < 10 {
		t.Errorf("expected capacity >= 10, got %d", q.Cap())
	}

	stats := q.Stats()
	if stats.GrowCount == 0 {
		t.Error("expected at least one grow")
	}
	if stats.HighWater != 10 {
		t.Errorf("expected high water 10, got %d", stats.HighWater)
	}

	got := q.DrainN(100)
	for i, ev := range got {
		if want := string(rune('a' + i)); ev.Topic != want {
			t.Errorf("event %d: expected %q, got %q", i, want, ev.Topic)
		}
	}
}

func TestQueue_FIFOAcrossWrap(t *testing.T) {
	q := NewQueue(4)

	// Advance head so the ring wraps before it grows.
	q.Push(batch("x"))
	q.Push(batch("y"))
	q.DrainN(2)

	for _, s := range []string{"a", "b", "c", "d", "e", "f"} {
		q.Push(batch(s))
	}

	var topics string
	for _, ev := range q.DrainN(10) {
		topics += ev.Topic
	}
	if topics != "abcdef" {
		t.Errorf("expected abcdef, got %s", topics)
	}
}

func TestQueue_DrainN_Bounded(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 7; i++ {
		q.Push(batch("imu"))
	}

	if got := len(q.DrainN(5)); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
	if got := q.Len(); got != 2 {
		t.Errorf("expected 2 remaining, got %d", got)
	}
	if got := len(q.DrainN(0)); got != 0 {
		t.Errorf("expected 0 for n=0, got %d", got)
	}
}

func TestQueue_DrainCounted_MetadataFree(t *testing.T) {
	q := NewQueue(8)
	q.Push(meta())
	q.Push(batch("a"))
	q.Push(meta())
	q.Push(batch("b"))
	q.Push(batch("c"))

	isBatch := func(ev Event) bool { return ev.Kind == KindNewBatch }

	got := q.DrainCounted(2, isBatch)
	if len(got) != 4 {
		t.Fatalf("expected 4 events (2 batches + 2 metadata), got %d", len(got))
	}
	if got[3].Topic != "b" {
		t.Errorf("expected last drained to be b, got %q", got[3].Topic)
	}
	if q.Len() != 1 {
		t.Errorf("expected c to remain, len=%d", q.Len())
	}
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(2)
	q.Push(batch("a"))
	q.Close()

	if q.Push(batch("b")) {
		t.Error("push after close should fail")
	}
	if got := q.DrainN(10); len(got) != 1 {
		t.Errorf("queued events should survive close, got %d", len(got))
	}
}

func TestQueue_Notify(t *testing.T) {
	q := NewQueue(2)
	q.Push(batch("a"))
	q.Push(batch("b"))

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected notification after push")
	}

	select {
	case <-q.Notify():
		t.Fatal("pushes should coalesce into one signal")
	default:
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := NewQueue(16)

	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(batch("t"))
			}
		}()
	}

	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		total += len(q.DrainN(5))
		select {
		case <-done:
			total += len(q.DrainN(producers * perProducer))
			if total != producers*perProducer {
				t.Errorf("expected %d events, got %d", producers*perProducer, total)
			}
			return
		default:
		}
	}
}
