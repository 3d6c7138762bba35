package eventstore

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(dir, noop.NewMeterProvider().Meter("test"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendEventSeqIsDenseAndStrictlyIncreasing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	jobID := "job-1"

	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := store.AppendEvent(ctx, jobID, "", "card.progress", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		seqs = append(seqs, seq)
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("expected dense seq starting at 1, got %v", seqs)
		}
	}

	last, err := store.GetLastSeq(jobID)
	if err != nil || last != 5 {
		t.Fatalf("expected last seq 5, got %d err=%v", last, err)
	}
}

func TestEventsAfterOrderingAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	jobID := "job-2"
	for i := 0; i < 3; i++ {
		if _, err := store.AppendEvent(ctx, jobID, "", "card.progress", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := store.EventsAfter(jobID, 1)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq 1, got %d", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("expected seq 2,3 in order, got %+v", events)
	}
}

func TestStreamStopsAfterJobTerminalEvent(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	jobID := "job-3"

	if _, err := store.AppendEvent(context.Background(), jobID, "", "card.started", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendEvent(context.Background(), jobID, "", "job.completed", map[string]any{"status": "completed"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var received []string
	for ev := range store.Stream(ctx, jobID, 0, nil) {
		received = append(received, ev.EventType)
	}
	if len(received) != 2 || received[len(received)-1] != "job.completed" {
		t.Fatalf("expected stream to end with job.completed, got %v", received)
	}
}
