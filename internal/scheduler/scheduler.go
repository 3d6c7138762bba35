// Package scheduler is the Card Scheduler (C7, spec §4.6) — the engine's
// heart: dispatches ready cards under both a global worker cap and
// per-concurrency-group quotas, runs each through the retry/Quality-Gate
// loop, releases newly-ready dependents, and finalizes the job once nothing
// is left pending/ready/running.
// Grounded on services/orchestrator/dag_engine.go's worker-pool-over-a-
// ready-queue shape: its single global maxWorkers bound is kept (spec §6's
// "Scheduler max workers" knob) and layered with one quota per concurrency
// group (spec §3's "llm"/"github_api"/"crawlbase"/"apify"/"default"/
// "resource" groups) the teacher's pool didn't have, and on the
// retry/finalization rules read from
// original_source/server/analyze/api.py's run_sync_job.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/elonfeng/dinq-analyze-sub001/internal/apperr"
	"github.com/elonfeng/dinq-analyze-sub001/internal/artifactstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/config"
	"github.com/elonfeng/dinq-analyze-sub001/internal/eventstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/executor"
	"github.com/elonfeng/dinq-analyze-sub001/internal/jobstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
	"github.com/elonfeng/dinq-analyze-sub001/internal/qualitygate"
	"github.com/elonfeng/dinq-analyze-sub001/internal/resilience"
)

// Scheduler drives one job's DAG to a terminal state.
type Scheduler struct {
	jobs      *jobstore.Store
	events    *eventstore.Store
	exec      executor.CardExecutor
	gate      *qualitygate.Engine
	artifacts *artifactstore.Store

	groupMu  sync.Mutex
	limiters map[string]*resilience.RateLimiter

	// workers bounds total cards dispatched concurrently across every
	// group (spec §6 "Scheduler max workers", ANALYZECORE_SCHEDULER_MAX_WORKERS,
	// clamped 1..32) — the per-group limiters above bound throughput per
	// upstream, this bounds total goroutine fan-out across every job this
	// Scheduler runs.
	workers chan struct{}

	maxRetriesResource int
	maxRetriesAI       int
	maxRetriesBase     int

	tracer         trace.Tracer
	cardDuration   metric.Float64Histogram
	cardRetries    metric.Int64Counter
	cardFailures   metric.Int64Counter
}

// Config tunes per-concurrency-group throughput and retry budgets.
type Config struct {
	GroupCapacity map[string]int64 // tokens available per concurrency group
	GroupFillRate map[string]float64

	// MaxWorkers bounds total cards dispatched concurrently across every
	// job the Scheduler runs and all concurrency groups combined (spec §6, grounded on the
	// original's DINQ_ANALYZE_SCHEDULER_MAX_WORKERS). Clamped to 1..32.
	MaxWorkers int
}

// DefaultConfig mirrors the per-group defaults a single-node deployment
// would reach for: generous for "default", conservative for rate-limited
// upstreams.
func DefaultConfig() Config {
	return Config{
		GroupCapacity: map[string]int64{
			"llm": 4, "github_api": 5, "crawlbase": 2, "apify": 2, "resource": 8, "default": 8,
		},
		GroupFillRate: map[string]float64{
			"llm": 1, "github_api": 2, "crawlbase": 0.5, "apify": 0.5, "resource": 4, "default": 4,
		},
		MaxWorkers: config.Int("ANALYZECORE_SCHEDULER_MAX_WORKERS", 8, 1, 32),
	}
}

func clampWorkers(n int) int {
	if n <= 0 {
		return 8
	}
	if n > 32 {
		return 32
	}
	return n
}

// New builds a Scheduler. tracer/meter/artifacts may be nil; a nil artifacts
// store just means dependent cards receive no upstream payloads.
func New(jobs *jobstore.Store, events *eventstore.Store, exec executor.CardExecutor, gate *qualitygate.Engine, artifacts *artifactstore.Store, cfg Config, tracer trace.Tracer, meter metric.Meter) *Scheduler {
	limiters := make(map[string]*resilience.RateLimiter, len(cfg.GroupCapacity))
	for group, cap := range cfg.GroupCapacity {
		rate := cfg.GroupFillRate[group]
		if rate <= 0 {
			rate = float64(cap)
		}
		limiters[group] = resilience.NewRateLimiter(cap, rate, time.Second, 0)
	}

	var cardDuration metric.Float64Histogram
	var cardRetries, cardFailures metric.Int64Counter
	if meter != nil {
		cardDuration, _ = meter.Float64Histogram("analyzecore_scheduler_card_duration_ms")
		cardRetries, _ = meter.Int64Counter("analyzecore_scheduler_card_retries_total")
		cardFailures, _ = meter.Int64Counter("analyzecore_scheduler_card_failures_total")
	}

	return &Scheduler{
		jobs:      jobs,
		events:    events,
		exec:      exec,
		gate:      gate,
		artifacts: artifacts,
		limiters:  limiters,
		workers:   make(chan struct{}, clampWorkers(cfg.MaxWorkers)),

		maxRetriesResource: config.Int("ANALYZECORE_MAX_RETRIES_RESOURCE", 2, 0, 10),
		maxRetriesAI:       config.Int("ANALYZECORE_MAX_RETRIES_AI", 1, 0, 10),
		maxRetriesBase:     config.Int("ANALYZECORE_MAX_RETRIES_BASE", 1, 0, 10),

		tracer:       tracer,
		cardDuration: cardDuration,
		cardRetries:  cardRetries,
		cardFailures: cardFailures,
	}
}

func (s *Scheduler) limiterFor(group string) *resilience.RateLimiter {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	if l, ok := s.limiters[group]; ok {
		return l
	}
	l := resilience.NewRateLimiter(8, 4, time.Second, 0)
	s.limiters[group] = l
	return l
}

// upstreamFor collects the already-completed dependency payloads a card
// needs, read from the artifact store (internal cards' raw results) rather
// than duplicating them out of Card.Output. Returns nil if there's no
// artifact store or the card has no dependencies.
func (s *Scheduler) upstreamFor(jobID string, card model.Card) map[string]map[string]any {
	if s.artifacts == nil || len(card.DependsOn) == 0 {
		return nil
	}
	upstream := make(map[string]map[string]any, len(card.DependsOn))
	for _, dep := range card.DependsOn {
		artifact, ok, err := s.artifacts.GetArtifact(jobID, dep)
		if err != nil || !ok {
			continue
		}
		upstream[dep] = artifact.Payload
	}
	return upstream
}

func (s *Scheduler) maxRetriesFor(card model.Card) int {
	switch {
	case card.CardType == "full_report" || strings.HasPrefix(card.CardType, "resource."):
		return s.maxRetriesResource
	case card.ConcurrencyGroup == "llm":
		return s.maxRetriesAI
	default:
		return s.maxRetriesBase
	}
}

// RunJob drives jobID's cards to completion: release initially-ready cards,
// dispatch every ready card (respecting concurrency-group quotas) until
// pending/ready/running is empty, then finalizes the job (spec §4.6 step 7).
func (s *Scheduler) RunJob(ctx context.Context, jobID string) (model.JobStatus, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "scheduler.run_job", trace.WithAttributes(attribute.String("job_id", jobID)))
		defer span.End()
	}

	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		return "", fmt.Errorf("get job: %w", err)
	}
	source := job.Source

	if err := s.jobs.ReleaseReadyCards(jobID); err != nil {
		return "", fmt.Errorf("release initial ready cards: %w", err)
	}
	if _, err := s.jobs.TryFinalizeJob(jobID, model.JobRunning, 0); err != nil {
		return "", fmt.Errorf("mark job running: %w", err)
	}

	for {
		cards, err := s.jobs.ListCardsForJob(jobID)
		if err != nil {
			return "", fmt.Errorf("list cards: %w", err)
		}

		counts := map[model.CardStatus]int{}
		var ready []model.Card
		for _, c := range cards {
			counts[c.Status]++
			if c.Status == model.CardReady {
				ready = append(ready, c)
			}
		}

		if counts[model.CardPending]+counts[model.CardReady]+counts[model.CardRunning] == 0 {
			return s.finalize(ctx, jobID, counts)
		}

		if len(ready) == 0 {
			// Nothing dispatchable this tick but something is still running
			// elsewhere (or about to be released) — brief backoff, not busy-spin.
			time.Sleep(20 * time.Millisecond)
			continue
		}

		sort.SliceStable(ready, func(i, j int) bool { return ready[i].Priority > ready[j].Priority })

		var wg sync.WaitGroup
		dispatched := 0
		for _, card := range ready {
			select {
			case s.workers <- struct{}{}:
			default:
				// At the global worker cap — leave this card ready and pick
				// it up next tick once a slot frees.
				continue
			}
			limiter := s.limiterFor(card.ConcurrencyGroup)
			if !limiter.Allow() {
				<-s.workers
				continue
			}
			dispatched++
			wg.Add(1)
			go func(c model.Card) {
				defer wg.Done()
				defer func() { <-s.workers }()
				s.runCard(ctx, jobID, source, c)
				_ = s.jobs.ReleaseReadyCards(jobID)
			}(card)
		}
		wg.Wait()

		if dispatched == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// runCard executes one card through the retry + Quality Gate loop and
// persists its terminal status, skipping dependents on permanent failure.
func (s *Scheduler) runCard(ctx context.Context, jobID, source string, card model.Card) {
	if _, err := s.jobs.UpdateCardStatus(ctx, card.ID, model.CardRunning, nil, nil); err != nil {
		return
	}
	_, _ = s.events.AppendEvent(ctx, jobID, card.ID, "card.started", map[string]any{"card_type": card.CardType})

	start := time.Now()
	maxRetries := s.maxRetriesFor(card)

	upstream := s.upstreamFor(jobID, card)

	var lastErr error
	retries := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := s.exec.ExecuteCard(ctx, executor.CardRequest{
			JobID: jobID, CardID: card.ID, Source: source, CardType: card.CardType,
			Upstream: upstream,
		})
		if err != nil {
			lastErr = err
			if attempt < maxRetries && apperr.Retryable(err) {
				retries++
				if s.cardRetries != nil {
					s.cardRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("card_type", card.CardType)))
				}
				_, _ = s.events.AppendEvent(ctx, jobID, card.ID, "card.retry", map[string]any{"attempt": attempt + 1, "error": err.Error()})
				continue
			}
			break
		}

		// Internal cards (full_report, resource.*) never see the Quality
		// Gate: full_report is pure scheduling scaffolding and is skipped;
		// resource.* cards complete with an empty client-visible envelope,
		// their raw payload going to the artifact store only.
		if card.Internal {
			if card.CardType == "full_report" {
				if _, err := s.jobs.UpdateCardStatus(ctx, card.ID, model.CardSkipped, nil, &retries); err != nil {
					return
				}
				return
			}

			if s.artifacts != nil {
				if err := s.artifacts.PutArtifact(jobID, card.CardType, result); err != nil {
					slog.Default().Warn("persist internal card artifact failed", "job_id", jobID, "card_type", card.CardType, "error", err)
				}
			}
			if s.cardDuration != nil {
				s.cardDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("card_type", card.CardType)))
			}
			retryCount := retries
			emptyOutput := &model.Output{Data: map[string]any{}, Stream: map[string]any{}}
			if _, err := s.jobs.UpdateCardStatus(ctx, card.ID, model.CardCompleted, emptyOutput, &retryCount); err != nil {
				return
			}
			_, _ = s.events.AppendEvent(ctx, jobID, card.ID, "card.completed", map[string]any{"card_type": card.CardType})
			return
		}

		decision, gateErr := s.gate.Evaluate(ctx, source, card.CardType, result, nil)
		if gateErr != nil {
			lastErr = gateErr
			break
		}
		if decision.Action == qualitygate.ActionReject {
			lastErr = apperr.QualityGateRejected("scheduler.run_card", fmt.Errorf("%s", decision.Issue))
			if attempt < maxRetries {
				retries++
				_, _ = s.events.AppendEvent(ctx, jobID, card.ID, "card.retry", map[string]any{"attempt": attempt + 1, "issue": decision.Issue})
				continue
			}
			break
		}

		if s.cardDuration != nil {
			s.cardDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("card_type", card.CardType)))
		}
		retryCount := retries
		if _, err := s.jobs.UpdateCardStatus(ctx, card.ID, model.CardCompleted, &model.Output{Data: decision.Normalized}, &retryCount); err != nil {
			return
		}
		_, _ = s.events.AppendEvent(ctx, jobID, card.ID, "card.completed", map[string]any{"card_type": card.CardType})
		return
	}

	if s.cardFailures != nil {
		s.cardFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("card_type", card.CardType)))
	}
	retryCount := retries
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	if _, err := s.jobs.UpdateCardStatus(ctx, card.ID, model.CardFailed, nil, &retryCount); err != nil {
		return
	}
	_, _ = s.events.AppendEvent(ctx, jobID, card.ID, "card.failed", map[string]any{"card_type": card.CardType, "error": errMsg})
	_ = s.jobs.MarkDependentCardsSkipped(jobID, card.CardType)
}

func (s *Scheduler) finalize(ctx context.Context, jobID string, counts map[model.CardStatus]int) (model.JobStatus, error) {
	var status model.JobStatus
	switch {
	case counts[model.CardFailed] > 0 && counts[model.CardCompleted] > 0:
		status = model.JobPartial
	case counts[model.CardFailed] > 0 && counts[model.CardCompleted] <= 0:
		status = model.JobFailed
	default:
		status = model.JobCompleted
	}

	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		return "", fmt.Errorf("get job for finalize: %w", err)
	}
	won, err := s.jobs.TryFinalizeJob(jobID, status, job.LastSeq)
	if err != nil {
		return "", fmt.Errorf("finalize job: %w", err)
	}
	if !won {
		// Another caller already finalized this job (duplicate dispatch,
		// concurrent cache hit, ...). Never emit a second terminal event.
		return status, nil
	}

	if _, err := s.events.AppendEvent(ctx, jobID, "", "job."+string(status), map[string]any{}); err != nil {
		return "", fmt.Errorf("append job terminal event: %w", err)
	}
	return status, nil
}
