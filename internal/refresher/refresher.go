// Package refresher is the Background Refresher (C10, spec §4.10):
// best-effort, non-blocking work submitted after a job has already produced
// a result (typically a stale cache hit), run off the request path and
// never wired to the original job's event stream (SSE stops at
// job.completed/job.failed). Grounded on
// original_source/server/analyze/bg_refresh.py's bounded ThreadPoolExecutor
// with swallowed exceptions, reworked as a bounded worker pool over a
// buffered channel of closures.
package refresher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/elonfeng/dinq-analyze-sub001/internal/config"
)

// Task is one unit of background refresh work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool is a bounded worker pool for best-effort background work. Submit
// never blocks the caller beyond filling the queue; a full queue drops the
// task rather than stalling the request path.
type Pool struct {
	tasks  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// Enabled reports whether background refresh is turned on
// (ANALYZECORE_BG_REFRESH_ENABLED, default true).
func Enabled() bool {
	return config.Bool("ANALYZECORE_BG_REFRESH_ENABLED", true)
}

// New starts a pool with workers goroutines draining a queueSize-buffered
// task channel. Call Stop to drain and shut down.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if workers > 16 {
		workers = 16
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		log:    slog.Default().With("component", "refresher"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runSafe(task)
		}
	}
}

func (p *Pool) runSafe(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("background refresh task panicked", "task", task.Name, "panic", r)
		}
	}()
	if err := task.Run(p.ctx); err != nil {
		p.log.Warn("background refresh task failed", "task", task.Name, "error", err)
	}
}

// Submit enqueues a task. Returns false if the pool is stopped or the queue
// is full — submission failure is always non-fatal to the caller, mirroring
// bg_refresh.submit's "best effort" contract.
func (p *Pool) Submit(name string, run func(ctx context.Context) error) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.tasks <- Task{Name: name, Run: run}:
		return true
	default:
		p.log.Warn("background refresh queue full, dropping task", "task", name)
		return false
	}
}

// Stop cancels in-flight task contexts and waits for workers to drain.
func (p *Pool) Stop() {
	p.cancel()
	close(p.tasks)
	p.wg.Wait()
}
