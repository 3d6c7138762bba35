package cachehit

import (
	"context"
	"os"
	"testing"

	"github.com/elonfeng/dinq-analyze-sub001/internal/eventstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/jobstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
	"github.com/elonfeng/dinq-analyze-sub001/internal/qualitygate"
)

func newStores(t *testing.T) (*jobstore.Store, *eventstore.Store) {
	t.Helper()
	dir := t.TempDir()
	jobs, err := jobstore.Open(dir, nil)
	if err != nil {
		t.Fatalf("open jobstore: %v", err)
	}
	t.Cleanup(func() { jobs.Close() })
	events, err := eventstore.Open(dir, nil, jobs)
	if err != nil {
		t.Fatalf("open eventstore: %v", err)
	}
	t.Cleanup(func() { events.Close() })
	return jobs, events
}

func newAcceptAllGate(t *testing.T) *qualitygate.Engine {
	t.Helper()
	dir := t.TempDir()
	policy := `package cards.github.profile

default decision = {"action": "accept"}
`
	if err := os.WriteFile(dir+"/policy.rego", []byte(policy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	engine := qualitygate.NewEngine(dir, nil, nil)
	if err := engine.LoadPolicies(context.Background()); err != nil {
		t.Fatalf("load policies: %v", err)
	}
	return engine
}

func TestIsUsableAcceptsWhenAllBusinessCardsPresentAndAccepted(t *testing.T) {
	gate := newAcceptAllGate(t)
	final := FinalResult{Cards: map[string]any{"profile": map[string]any{"login": "octocat"}}}

	usable := IsUsable(context.Background(), gate, "github", "login:octocat", final, []string{"profile"})
	if !usable {
		t.Fatalf("expected cache hit to be usable")
	}
}

func TestIsUsableRejectsWhenCardMissing(t *testing.T) {
	gate := newAcceptAllGate(t)
	final := FinalResult{Cards: map[string]any{}}

	usable := IsUsable(context.Background(), gate, "github", "login:octocat", final, []string{"profile"})
	if usable {
		t.Fatalf("expected cache hit to be unusable when card missing")
	}
}

func TestIsUsableRejectsRoleModelSelfMatch(t *testing.T) {
	gate := newAcceptAllGate(t)
	final := FinalResult{Cards: map[string]any{"role_model": map[string]any{"github": "octocat"}}}

	usable := IsUsable(context.Background(), gate, "github", "login:octocat", final, []string{"role_model"})
	if usable {
		t.Fatalf("expected role_model self-match to reject the cache hit")
	}
}

func TestCompleteJobFromCachedFinalResultCompletesAllCards(t *testing.T) {
	jobs, events := newStores(t)
	gate := newAcceptAllGate(t)

	plan := []model.Card{
		{CardType: "resource.github", Status: model.CardPending},
		{CardType: "profile", Status: model.CardPending},
	}
	jobID, _, err := jobs.CreateJobBundle(context.Background(), "user-1", "github", map[string]any{}, map[string]any{}, plan, "login:octocat", "", "")
	if err != nil {
		t.Fatalf("create job bundle: %v", err)
	}

	final := FinalResult{Cards: map[string]any{"profile": map[string]any{"login": "octocat"}}}
	if err := CompleteJobFromCachedFinalResult(context.Background(), jobs, events, gate, jobID, "github", final, "2026-07-01T00:00:00Z", false); err != nil {
		t.Fatalf("complete from cache: %v", err)
	}

	job, cards, err := jobs.GetJobWithCards(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != model.JobCompleted {
		t.Fatalf("expected job completed, got %s", job.Status)
	}
	for _, c := range cards {
		switch c.CardType {
		case "resource.github":
			if c.Status != model.CardSkipped {
				t.Fatalf("expected resource card skipped, got %s", c.Status)
			}
		case "profile":
			if c.Status != model.CardCompleted {
				t.Fatalf("expected profile completed, got %s", c.Status)
			}
		}
	}
}

func TestCompleteJobFromCachedFinalResultIsNoopOnTerminalJob(t *testing.T) {
	jobs, events := newStores(t)
	gate := newAcceptAllGate(t)

	plan := []model.Card{{CardType: "profile", Status: model.CardPending}}
	jobID, _, err := jobs.CreateJobBundle(context.Background(), "user-1", "github", map[string]any{}, map[string]any{}, plan, "login:octocat", "", "")
	if err != nil {
		t.Fatalf("create job bundle: %v", err)
	}
	if _, err := jobs.TryFinalizeJob(jobID, model.JobFailed, 0); err != nil {
		t.Fatalf("finalize as failed: %v", err)
	}

	final := FinalResult{Cards: map[string]any{"profile": map[string]any{"login": "octocat"}}}
	if err := CompleteJobFromCachedFinalResult(context.Background(), jobs, events, gate, jobID, "github", final, "", false); err != nil {
		t.Fatalf("complete from cache: %v", err)
	}

	job, err := jobs.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != model.JobFailed {
		t.Fatalf("expected job to remain failed, got %s", job.Status)
	}
}
