package refresher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsTask(t *testing.T) {
	p := New(2, 8)
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	var ran int32
	ok := p.Submit("test", func(ctx context.Context) error {
		defer wg.Done()
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	if !ok {
		t.Fatalf("expected submit to succeed")
	}
	wg.Wait()
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected task to have run")
	}
}

func TestSubmitSwallowsTaskError(t *testing.T) {
	p := New(1, 8)
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	ok := p.Submit("failing", func(ctx context.Context) error {
		defer wg.Done()
		return errors.New("boom")
	})
	if !ok {
		t.Fatalf("expected submit to succeed even though task will fail")
	}
	wg.Wait()
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	p := New(1, 1)
	defer p.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	if !p.Submit("blocker", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}) {
		t.Fatalf("expected first submit to succeed")
	}
	<-started

	if !p.Submit("queued", func(ctx context.Context) error { return nil }) {
		t.Fatalf("expected second submit to fill the queue")
	}
	if p.Submit("overflow", func(ctx context.Context) error { return nil }) {
		t.Fatalf("expected third submit to be dropped when queue is full")
	}
	close(block)
}

func TestSubmitAfterStopReturnsFalse(t *testing.T) {
	p := New(1, 1)
	p.Stop()
	if p.Submit("late", func(ctx context.Context) error { return nil }) {
		t.Fatalf("expected submit after stop to return false")
	}
}

func TestEnabledDefaultsTrue(t *testing.T) {
	if !Enabled() {
		t.Fatalf("expected background refresh enabled by default")
	}
}

func TestPanicInTaskDoesNotCrashWorker(t *testing.T) {
	p := New(1, 4)
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	p.Submit("panicker", func(ctx context.Context) error {
		defer wg.Done()
		panic("boom")
	})
	var ran int32
	p.Submit("after", func(ctx context.Context) error {
		defer wg.Done()
		atomic.StoreInt32(&ran, 1)
		return nil
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker appears stuck after panic")
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected task after panic to still run")
	}
}
