// Package housekeeper runs the engine's periodic maintenance (spec §4.12):
// sweeping expired local-cache rows, sweeping expired analysis-cache
// artifacts, and reclaiming refresh-run leases abandoned by a crashed
// worker. Grounded on services/orchestrator/scheduler.go's use of
// robfig/cron/v3 (cron.New(cron.WithSeconds()), AddFunc, Start/Stop,
// Entries), generalized from one-shot workflow triggers to a small fixed
// set of always-on maintenance jobs.
package housekeeper

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/elonfeng/dinq-analyze-sub001/internal/analysiscache"
	"github.com/elonfeng/dinq-analyze-sub001/internal/localcache"
)

// Config tunes the maintenance schedule and lease timeout. New replaces the
// whole Config with DefaultConfig when LocalCacheSweepCron is empty;
// otherwise every field is used as given (a zero RefreshLeaseTimeout
// reclaims every running refresh run).
type Config struct {
	LocalCacheSweepCron string
	ArtifactSweepCron   string
	RefreshReclaimCron  string
	RefreshLeaseTimeout time.Duration
}

// DefaultConfig mirrors a single-node deployment's maintenance cadence:
// frequent local-cache sweeps (it bounds a hot in-process budget), slower
// analysis-cache and lease sweeps since they touch a bigger table.
func DefaultConfig() Config {
	return Config{
		LocalCacheSweepCron: "0 */2 * * * *",
		ArtifactSweepCron:   "0 0 * * * *",
		RefreshReclaimCron:  "0 */5 * * * *",
		RefreshLeaseTimeout: 10 * time.Minute,
	}
}

// Stats is the last observed outcome of each maintenance job, for
// diagnostics endpoints.
type Stats struct {
	LocalCacheEvicted   int
	ArtifactsEvicted    int
	RefreshRunsReclaimed int
	LastRunAt            map[string]time.Time
}

// Housekeeper drives cron-scheduled maintenance over the local cache and
// analysis cache stores.
type Housekeeper struct {
	cron   *cron.Cron
	local  *localcache.Store
	cache  *analysiscache.Store
	cfg    Config
	log    *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New builds a Housekeeper. local and cache may individually be nil if that
// store isn't deployed; the corresponding job is simply not scheduled.
func New(local *localcache.Store, cache *analysiscache.Store, cfg Config) *Housekeeper {
	if cfg.LocalCacheSweepCron == "" {
		cfg = DefaultConfig()
	}
	return &Housekeeper{
		cron:  cron.New(cron.WithSeconds()),
		local: local,
		cache: cache,
		cfg:   cfg,
		log:   slog.Default().With("component", "housekeeper"),
		stats: Stats{LastRunAt: make(map[string]time.Time)},
	}
}

// Start registers and starts all maintenance jobs. Returns an error if any
// cron expression is invalid.
func (h *Housekeeper) Start() error {
	if h.local != nil {
		if _, err := h.cron.AddFunc(h.cfg.LocalCacheSweepCron, h.sweepLocalCache); err != nil {
			return err
		}
	}
	if h.cache != nil {
		if _, err := h.cron.AddFunc(h.cfg.ArtifactSweepCron, h.sweepArtifacts); err != nil {
			return err
		}
		if _, err := h.cron.AddFunc(h.cfg.RefreshReclaimCron, h.reclaimRefreshRuns); err != nil {
			return err
		}
	}
	h.cron.Start()
	h.log.Info("housekeeper started", "entries", len(h.cron.Entries()))
	return nil
}

// Stop waits for any in-flight job to finish and halts the scheduler.
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
	h.log.Info("housekeeper stopped")
}

func (h *Housekeeper) sweepLocalCache() {
	evicted, err := h.local.SweepExpired()
	if err != nil {
		h.log.Warn("local cache sweep failed", "error", err)
		return
	}
	h.mu.Lock()
	h.stats.LocalCacheEvicted = evicted
	h.stats.LastRunAt["local_cache_sweep"] = time.Now().UTC()
	h.mu.Unlock()
	if evicted > 0 {
		h.log.Info("local cache swept", "evicted", evicted)
	}
}

func (h *Housekeeper) sweepArtifacts() {
	evicted, err := h.cache.SweepExpiredArtifacts()
	if err != nil {
		h.log.Warn("analysis cache sweep failed", "error", err)
		return
	}
	h.mu.Lock()
	h.stats.ArtifactsEvicted = evicted
	h.stats.LastRunAt["artifact_sweep"] = time.Now().UTC()
	h.mu.Unlock()
	if evicted > 0 {
		h.log.Info("analysis cache swept", "evicted", evicted)
	}
}

func (h *Housekeeper) reclaimRefreshRuns() {
	reclaimed, err := h.cache.ReclaimStaleRefreshRuns(h.cfg.RefreshLeaseTimeout)
	if err != nil {
		h.log.Warn("refresh run reclaim failed", "error", err)
		return
	}
	h.mu.Lock()
	h.stats.RefreshRunsReclaimed = reclaimed
	h.stats.LastRunAt["refresh_reclaim"] = time.Now().UTC()
	h.mu.Unlock()
	if reclaimed > 0 {
		h.log.Warn("reclaimed stale refresh runs", "count", reclaimed)
	}
}

// GetStats returns a snapshot of the last observed run outcomes.
func (h *Housekeeper) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	last := make(map[string]time.Time, len(h.stats.LastRunAt))
	for k, v := range h.stats.LastRunAt {
		last[k] = v
	}
	return Stats{
		LocalCacheEvicted:    h.stats.LocalCacheEvicted,
		ArtifactsEvicted:     h.stats.ArtifactsEvicted,
		RefreshRunsReclaimed: h.stats.RefreshRunsReclaimed,
		LastRunAt:            last,
	}
}
