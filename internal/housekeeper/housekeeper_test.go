package housekeeper

import (
	"testing"
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/internal/analysiscache"
	"github.com/elonfeng/dinq-analyze-sub001/internal/localcache"
)

func newTestStores(t *testing.T) (*localcache.Store, *analysiscache.Store) {
	t.Helper()
	dir := t.TempDir()
	local, err := localcache.Open(dir, 1<<20)
	if err != nil {
		t.Fatalf("open localcache: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	cache, err := analysiscache.Open(dir)
	if err != nil {
		t.Fatalf("open analysiscache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return local, cache
}

func TestStartRegistersAllJobsWhenStoresPresent(t *testing.T) {
	local, cache := newTestStores(t)
	h := New(local, cache, DefaultConfig())
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()
	if got := len(h.cron.Entries()); got != 3 {
		t.Fatalf("expected 3 cron entries, got %d", got)
	}
}

func TestStartSkipsJobsForNilStores(t *testing.T) {
	h := New(nil, nil, DefaultConfig())
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()
	if got := len(h.cron.Entries()); got != 0 {
		t.Fatalf("expected 0 cron entries with no stores, got %d", got)
	}
}

func TestSweepLocalCacheEvictsExpiredRows(t *testing.T) {
	local, cache := newTestStores(t)
	h := New(local, cache, DefaultConfig())

	past := time.Now().Add(-time.Hour).Unix()
	if err := local.SetJSON("stale-key", map[string]any{"v": 1}, &past); err != nil {
		t.Fatalf("seed local cache: %v", err)
	}

	h.sweepLocalCache()

	stats := h.GetStats()
	if stats.LocalCacheEvicted != 1 {
		t.Fatalf("expected 1 local cache row evicted, got %d", stats.LocalCacheEvicted)
	}
	if _, ok := stats.LastRunAt["local_cache_sweep"]; !ok {
		t.Fatalf("expected local_cache_sweep timestamp recorded")
	}
}

func TestSweepArtifactsEvictsExpiredRows(t *testing.T) {
	local, cache := newTestStores(t)
	h := New(local, cache, DefaultConfig())

	subject, err := cache.GetOrCreateSubject("github", "login:octocat", map[string]any{})
	if err != nil {
		t.Fatalf("get or create subject: %v", err)
	}
	if err := cache.SaveFullReport(subject, "v1", "opts", nil, map[string]any{"cards": map[string]any{}}, -time.Hour, time.Minute, nil); err != nil {
		t.Fatalf("save full report: %v", err)
	}

	h.sweepArtifacts()

	stats := h.GetStats()
	if stats.ArtifactsEvicted != 1 {
		t.Fatalf("expected 1 artifact evicted, got %d", stats.ArtifactsEvicted)
	}
}

func TestReclaimRefreshRunsResetsStaleLease(t *testing.T) {
	local, cache := newTestStores(t)
	cfg := DefaultConfig()
	cfg.RefreshLeaseTimeout = 0
	h := New(local, cache, cfg)

	won, err := cache.TryBeginRefreshRun("subject-1", "v1", "opts", nil, nil)
	if err != nil || !won {
		t.Fatalf("begin refresh run: won=%v err=%v", won, err)
	}

	h.reclaimRefreshRuns()

	stats := h.GetStats()
	if stats.RefreshRunsReclaimed != 1 {
		t.Fatalf("expected 1 refresh run reclaimed, got %d", stats.RefreshRunsReclaimed)
	}
}
