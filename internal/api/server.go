// Package api is the reference HTTP transport over the core engine (spec
// §6): POST /analyze, GET /analyze/jobs/{id}, GET /analyze/jobs/{id}/stream.
// Grounded on services/orchestrator/main.go's http.ServeMux +
// json.NewDecoder/Encoder style — no web framework, matching the teacher's
// choice throughout the pack.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/elonfeng/dinq-analyze-sub001/internal/analysiscache"
	"github.com/elonfeng/dinq-analyze-sub001/internal/eventstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/freeform"
	"github.com/elonfeng/dinq-analyze-sub001/internal/jobstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/localcache"
	"github.com/elonfeng/dinq-analyze-sub001/internal/qualitygate"
	"github.com/elonfeng/dinq-analyze-sub001/internal/refresher"
	"github.com/elonfeng/dinq-analyze-sub001/internal/scheduler"
)

// Server wires the HTTP surface to the core components. All fields besides
// Jobs/Events/Gate/Scheduler/PipelineVersion are optional: a nil Cache
// disables the fast path entirely (every request falls through to a normal
// job), a nil Local only skips the local-cache lookup and write-through, a
// nil Resolver answers every ambiguous input with needs_confirmation and an
// empty candidate list, a nil Refresher disables background refresh.
type Server struct {
	Jobs       *jobstore.Store
	Events     *eventstore.Store
	Cache      *analysiscache.Store
	Local      *localcache.Store
	Gate       *qualitygate.Engine
	Scheduler  *scheduler.Scheduler
	Refresher  *refresher.Pool
	Resolver   freeform.CandidateResolver

	PipelineVersion string
	SyncTimeout     time.Duration
	RefreshEveryNHits int

	log *slog.Logger

	dedupMu sync.Mutex
	dedup   map[string]time.Time
	hitsMu  sync.Mutex
	hits    map[string]int

	requests metric.Int64Counter
	cacheHits metric.Int64Counter
}

// NewServer builds a Server. meter may be nil.
func NewServer(jobs *jobstore.Store, events *eventstore.Store, cache *analysiscache.Store, local *localcache.Store, gate *qualitygate.Engine, sched *scheduler.Scheduler, refreshPool *refresher.Pool, resolver freeform.CandidateResolver, pipelineVersion string, meter metric.Meter) *Server {
	var requests, cacheHits metric.Int64Counter
	if meter != nil {
		requests, _ = meter.Int64Counter("analyzecore_api_requests_total")
		cacheHits, _ = meter.Int64Counter("analyzecore_api_cache_hits_total")
	}
	return &Server{
		Jobs:              jobs,
		Events:            events,
		Cache:             cache,
		Local:             local,
		Gate:              gate,
		Scheduler:         sched,
		Refresher:         refreshPool,
		Resolver:          resolver,
		PipelineVersion:   pipelineVersion,
		SyncTimeout:       20 * time.Second,
		RefreshEveryNHits: 20,
		log:               slog.Default().With("component", "api"),
		dedup:             make(map[string]time.Time),
		hits:              make(map[string]int),
		requests:          requests,
		cacheHits:         cacheHits,
	}
}

// Routes registers the engine's HTTP surface on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /analyze", s.handleAnalyze)
	mux.HandleFunc("GET /analyze/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /analyze/jobs/{id}/stream", s.handleStreamJob)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// shouldDedupRefresh reports whether a refresh for artifactKey was already
// triggered within the dedup window, recording this attempt if not.
func (s *Server) shouldDedupRefresh(artifactKey string, window time.Duration) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if last, ok := s.dedup[artifactKey]; ok && time.Since(last) < window {
		return true
	}
	s.dedup[artifactKey] = time.Now()
	return false
}

// countHit increments the per-artifact hit counter and reports whether it
// just crossed the "every N hits" refresh threshold.
func (s *Server) countHit(artifactKey string) bool {
	if s.RefreshEveryNHits <= 0 {
		return false
	}
	s.hitsMu.Lock()
	defer s.hitsMu.Unlock()
	s.hits[artifactKey]++
	return s.hits[artifactKey]%s.RefreshEveryNHits == 0
}
