package jobstore

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
	"github.com/elonfeng/dinq-analyze-sub001/internal/planner"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(dir, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateJobBundleCreatesCardsPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := planner.BuildPlan("github", nil)

	jobID, created, err := store.CreateJobBundle(ctx, "user-1", "github", map[string]any{"content": "torvalds"}, nil, plan, "login:torvalds", "", "")
	if err != nil {
		t.Fatalf("create job bundle: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true for first call")
	}

	cards, err := store.ListCardsForJob(jobID)
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	if len(cards) != len(plan) {
		t.Fatalf("expected %d cards, got %d", len(plan), len(cards))
	}
	for _, c := range cards {
		if c.Status != model.CardPending {
			t.Fatalf("card %s should start pending, got %s", c.CardType, c.Status)
		}
	}
}

func TestCreateJobBundleIdempotentReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := planner.BuildPlan("github", nil)

	id1, created1, err := store.CreateJobBundle(ctx, "user-1", "github", map[string]any{"content": "torvalds"}, nil, plan, "login:torvalds", "abc", "hash-1")
	if err != nil || !created1 {
		t.Fatalf("first create: id=%s created=%v err=%v", id1, created1, err)
	}

	id2, created2, err := store.CreateJobBundle(ctx, "user-1", "github", map[string]any{"content": "torvalds"}, nil, plan, "login:torvalds", "abc", "hash-1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on replay")
	}
	if id2 != id1 {
		t.Fatalf("expected same job id on replay, got %s vs %s", id2, id1)
	}

	_, _, err = store.CreateJobBundle(ctx, "user-1", "github", map[string]any{"content": "other"}, nil, plan, "login:other", "abc", "hash-2")
	if err == nil {
		t.Fatalf("expected conflict error for mismatched request hash")
	}
}

func TestReleaseReadyCardsPromotesRootsOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := planner.BuildPlan("twitter", nil)

	jobID, _, err := store.CreateJobBundle(ctx, "user-1", "twitter", map[string]any{"content": "jack"}, nil, plan, "username:jack", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.ReleaseReadyCards(jobID); err != nil {
		t.Fatalf("release ready cards: %v", err)
	}
	cards, _ := store.ListCardsForJob(jobID)
	for _, c := range cards {
		if c.CardType == "full_report" {
			if c.Status != model.CardReady {
				t.Fatalf("expected full_report ready, got %s", c.Status)
			}
		} else if c.Status != model.CardPending {
			t.Fatalf("expected %s still pending before full_report completes, got %s", c.CardType, c.Status)
		}
	}

	// Idempotent: calling twice in a row is a no-op beyond the first call.
	if err := store.ReleaseReadyCards(jobID); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestMarkDependentCardsSkippedTransitiveClosure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := planner.BuildPlan("github", nil)

	jobID, _, err := store.CreateJobBundle(ctx, "user-1", "github", map[string]any{"content": "torvalds"}, nil, plan, "login:torvalds", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.MarkDependentCardsSkipped(jobID, "resource.github.data"); err != nil {
		t.Fatalf("mark skipped: %v", err)
	}
	cards, _ := store.ListCardsForJob(jobID)
	skipped := map[string]bool{}
	for _, c := range cards {
		if c.Status == model.CardSkipped {
			skipped[c.CardType] = true
		}
	}
	for _, want := range []string{"resource.github.enrich", "repos", "role_model", "roast", "summary", "activity"} {
		if !skipped[want] {
			t.Fatalf("expected %s skipped transitively, got skipped set %v", want, skipped)
		}
	}
	if skipped["resource.github.profile"] || skipped["profile"] {
		t.Fatalf("profile chain is independent of resource.github.data and must not be skipped")
	}
}

func TestTryFinalizeJobOnlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := planner.BuildPlan("youtube", nil)
	jobID, _, err := store.CreateJobBundle(ctx, "user-1", "youtube", map[string]any{"content": "x"}, nil, plan, "channel:x", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	won1, err := store.TryFinalizeJob(jobID, model.JobCompleted, 5)
	if err != nil || !won1 {
		t.Fatalf("expected first finalize to win: won=%v err=%v", won1, err)
	}
	won2, err := store.TryFinalizeJob(jobID, model.JobFailed, 6)
	if err != nil || won2 {
		t.Fatalf("expected second finalize to lose: won=%v err=%v", won2, err)
	}
	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != model.JobCompleted {
		t.Fatalf("expected job status to stick at first winner, got %s", job.Status)
	}
}
