package analysiscache

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGetFinalResultFresh(t *testing.T) {
	store := newTestStore(t)
	subject, err := store.GetOrCreateSubject("github", "login:torvalds", map[string]any{"content": "torvalds"})
	if err != nil {
		t.Fatalf("get or create subject: %v", err)
	}

	payload := map[string]any{"cards": map[string]any{"profile": map[string]any{"name": "Linus"}}}
	if err := store.SaveFullReport(subject, "v1", "opt-hash", nil, payload, time.Hour, 7*24*time.Hour, nil); err != nil {
		t.Fatalf("save full report: %v", err)
	}

	got, err := store.GetCachedFinalResult("github", "login:torvalds", "v1", "opt-hash")
	if err != nil {
		t.Fatalf("get cached: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a cache hit")
	}
	if got.Stale {
		t.Fatalf("expected fresh row, got stale")
	}
}

func TestExpiredBeyondMaxStaleReturnsNil(t *testing.T) {
	store := newTestStore(t)
	subject, _ := store.GetOrCreateSubject("github", "login:torvalds", nil)
	payload := map[string]any{"cards": map[string]any{"profile": map[string]any{}}}

	// ttl negative => already expired; maxStale negative => already beyond stale window too.
	if err := store.SaveFullReport(subject, "v1", "h", nil, payload, -time.Hour, -time.Minute, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetCachedFinalResult("github", "login:torvalds", "v1", "h")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for row beyond max-stale, got %+v", got)
	}
}

func TestStaleWithinMaxStaleReturnsStaleTrue(t *testing.T) {
	store := newTestStore(t)
	subject, _ := store.GetOrCreateSubject("github", "login:torvalds", nil)
	payload := map[string]any{"cards": map[string]any{"profile": map[string]any{}}}

	if err := store.SaveFullReport(subject, "v1", "h", nil, payload, -time.Second, time.Hour, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetCachedFinalResult("github", "login:torvalds", "v1", "h")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || !got.Stale {
		t.Fatalf("expected a stale-but-usable hit, got %+v", got)
	}
}

func TestTryBeginRefreshRunIsExclusive(t *testing.T) {
	store := newTestStore(t)
	won1, err := store.TryBeginRefreshRun("subj-1", "v1", "h", nil, nil)
	if err != nil || !won1 {
		t.Fatalf("expected first claim to win: won=%v err=%v", won1, err)
	}
	won2, err := store.TryBeginRefreshRun("subj-1", "v1", "h", nil, nil)
	if err != nil || won2 {
		t.Fatalf("expected second claim to lose while running: won=%v err=%v", won2, err)
	}

	if err := store.FailRefreshRun("subj-1", "v1", "h", "timeout", nil); err != nil {
		t.Fatalf("fail run: %v", err)
	}
	won3, err := store.TryBeginRefreshRun("subj-1", "v1", "h", nil, nil)
	if err != nil || !won3 {
		t.Fatalf("expected claim to succeed again after failure released lock: won=%v err=%v", won3, err)
	}
}

func TestReclaimStaleRefreshRuns(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.TryBeginRefreshRun("subj-2", "v1", "h", nil, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	n, err := store.ReclaimStaleRefreshRuns(-time.Second) // everything is "stale" immediately
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed run, got %d", n)
	}
	won, err := store.TryBeginRefreshRun("subj-2", "v1", "h", nil, nil)
	if err != nil || !won {
		t.Fatalf("expected reclaim to release the lock: won=%v err=%v", won, err)
	}
}
