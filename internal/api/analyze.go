package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/internal/analysiscache"
	"github.com/elonfeng/dinq-analyze-sub001/internal/apperr"
	"github.com/elonfeng/dinq-analyze-sub001/internal/cachehit"
	"github.com/elonfeng/dinq-analyze-sub001/internal/cachepolicy"
	"github.com/elonfeng/dinq-analyze-sub001/internal/freeform"
	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
	"github.com/elonfeng/dinq-analyze-sub001/internal/planner"
	"github.com/elonfeng/dinq-analyze-sub001/internal/subject"
)

type analyzeRequest struct {
	Source  string         `json:"source"`
	Mode    string         `json:"mode"`
	Input   map[string]any `json:"input"`
	Cards   []string       `json:"cards,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type cardOutputView struct {
	Data   any            `json:"data,omitempty"`
	Stream map[string]any `json:"stream,omitempty"`
}

func requestHash(source, subjectKey string, cards []string, optionsHash string) string {
	sorted := append([]string(nil), cards...)
	sort.Strings(sorted)
	raw, _ := json.Marshal(struct {
		Source      string   `json:"source"`
		SubjectKey  string   `json:"subject_key"`
		Cards       []string `json:"cards"`
		OptionsHash string   `json:"options_hash"`
	}{source, subjectKey, sorted, optionsHash})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// handleAnalyze implements POST /analyze (spec §6): freeform preflight,
// subject resolution, cache-hit fast path, or a normal scheduler-driven job.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.requests != nil {
		s.requests.Add(r.Context(), 1)
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	source := strings.ToLower(strings.TrimSpace(req.Source))
	if source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}

	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = "anonymous"
	}
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idempotencyKey) > 128 {
		http.Error(w, "idempotency key too long", http.StatusBadRequest)
		return
	}

	content, _ := req.Input["content"].(string)

	allowAmbiguous, _ := req.Options["allow_ambiguous"].(bool)
	if !allowAmbiguous && needsPreflight(source) && freeform.IsAmbiguousInput(source, content) {
		if s.Resolver != nil {
			candidates, err := s.Resolver.ResolveCandidates(r.Context(), source, content, userID, 5)
			if err != nil {
				http.Error(w, "candidate resolution failed", http.StatusBadGateway)
				return
			}
			if len(candidates) == 1 {
				if c, ok := candidates[0].Input["content"].(string); ok {
					content = c
					req.Input["content"] = c
				}
			} else {
				writeJSON(w, http.StatusOK, map[string]any{
					"needs_confirmation": true,
					"candidates":         candidates,
				})
				return
			}
		} else {
			writeJSON(w, http.StatusOK, map[string]any{
				"needs_confirmation": true,
				"candidates":         []freeform.Candidate{},
			})
			return
		}
	}

	subjectKey := subject.ResolveSubjectKey(source, content)
	cardTypes := planner.NormalizeCards(source, req.Cards)
	optionsHash, err := cachepolicy.OptionsHash(req.Options)
	if err != nil {
		http.Error(w, "invalid options", http.StatusBadRequest)
		return
	}
	forceRefresh, _ := req.Options["force_refresh"].(bool)
	reqHash := requestHash(source, subjectKey, cardTypes, optionsHash)

	if !forceRefresh && cachepolicy.IsCacheableSubject(source, subjectKey) && s.Cache != nil {
		if s.tryFastPath(r.Context(), source, subjectKey, cardTypes, optionsHash, userID, idempotencyKey, reqHash, w) {
			return
		}
	}

	plan := planner.BuildPlan(source, req.Cards)
	jobID, created, err := s.Jobs.CreateJobBundle(r.Context(), userID, source, req.Input, req.Options, plan, subjectKey, idempotencyKey, reqHash)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			http.Error(w, "idempotency_key_conflict", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	_ = created

	if strings.EqualFold(req.Mode, "sync") {
		s.runSync(r.Context(), w, jobID, source, subjectKey, optionsHash)
		return
	}

	go func() {
		if _, err := s.Scheduler.RunJob(context.Background(), jobID); err != nil {
			s.log.Error("scheduler run failed", "job_id", jobID, "error", err)
		} else if s.Cache != nil {
			s.materializeToCache(context.Background(), jobID, source, subjectKey, optionsHash)
		}
	}()

	job, err := s.Jobs.GetJob(jobID)
	if err != nil {
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"source":      source,
		"job_id":      jobID,
		"subject_key": subjectKey,
		"status":      job.Status,
	})
}

func needsPreflight(source string) bool {
	switch source {
	case "scholar", "github", "linkedin":
		return true
	default:
		return false
	}
}

// runSync drains the scheduler for jobID up to SyncTimeout, continuing the
// run in the background past the deadline (spec §5 "synchronous-mode
// execution has a wall-clock upper bound").
func (s *Server) runSync(ctx context.Context, w http.ResponseWriter, jobID, source, subjectKey, optionsHash string) {
	done := make(chan model.JobStatus, 1)
	go func() {
		status, err := s.Scheduler.RunJob(context.Background(), jobID)
		if err != nil {
			s.log.Error("scheduler run failed", "job_id", jobID, "error", err)
			return
		}
		done <- status
		if s.Cache != nil {
			s.materializeToCache(context.Background(), jobID, source, subjectKey, optionsHash)
		}
	}()

	select {
	case status := <-done:
		s.writeJobSnapshot(w, jobID, http.StatusOK, map[string]any{"status": status})
	case <-time.After(s.SyncTimeout):
		s.writeJobSnapshot(w, jobID, http.StatusOK, map[string]any{"timeout": true})
	case <-ctx.Done():
	}
}

func (s *Server) writeJobSnapshot(w http.ResponseWriter, jobID string, status int, extra map[string]any) {
	job, cards, err := s.Jobs.GetJobWithCards(jobID)
	if err != nil {
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}
	resp := map[string]any{
		"success": true,
		"job_id":  jobID,
		"source":  job.Source,
		"cards":   cardsView(cards),
	}
	for k, v := range extra {
		resp[k] = v
	}
	writeJSON(w, status, resp)
}

func cardsView(cards []model.Card) map[string]cardOutputView {
	out := make(map[string]cardOutputView, len(cards))
	for _, c := range cards {
		out[c.CardType] = cardOutputView{Data: c.Output.Data, Stream: c.Output.Stream}
	}
	return out
}

// tryFastPath attempts the Cache-Hit Fast Path (spec §4.9). Returns true if
// it wrote a response; false means the caller should fall through to normal
// job creation.
func (s *Server) tryFastPath(ctx context.Context, source, subjectKey string, cardTypes []string, optionsHash, userID, idempotencyKey, reqHash string, w http.ResponseWriter) bool {
	artifactKey := analysiscache.BuildArtifactKey(source, subjectKey, s.PipelineVersion, optionsHash, string(model.FinalResultKind))

	var payload map[string]any
	var createdAt time.Time
	var stale bool
	var cacheSource string

	if s.Local != nil {
		if row, ok, _ := s.Local.GetJSON(artifactKey); ok {
			payload = row.Value
			createdAt = time.Unix(row.CreatedAt, 0).UTC()
			cacheSource = "local"
		}
	}
	if payload == nil {
		cached, err := s.Cache.GetCachedFinalResult(source, subjectKey, s.PipelineVersion, optionsHash)
		if err != nil || cached == nil {
			return false
		}
		payload = cached.Payload
		createdAt = cached.CreatedAt
		stale = cached.Stale
		cacheSource = "durable"
	}

	cardsRaw, _ := payload["cards"].(map[string]any)
	final := cachehit.FinalResult{Cards: cardsRaw}
	if !cachehit.IsUsable(ctx, s.Gate, source, subjectKey, final, cardTypes) {
		return false
	}

	plan := planner.BuildPlan(source, cardTypes)
	jobID, _, err := s.Jobs.CreateJobBundle(ctx, userID, source, map[string]any{}, map[string]any{}, plan, subjectKey, idempotencyKey, reqHash)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			http.Error(w, "idempotency_key_conflict", http.StatusConflict)
			return true
		}
		return false
	}

	if err := cachehit.CompleteJobFromCachedFinalResult(ctx, s.Jobs, s.Events, s.Gate, jobID, source, final, createdAt.Format(time.RFC3339), stale); err != nil {
		return false
	}
	if s.cacheHits != nil {
		s.cacheHits.Add(ctx, 1)
	}

	crossedThreshold := s.countHit(artifactKey)
	if (stale || crossedThreshold) && s.Refresher != nil {
		s.maybeEnqueueRefresh(source, subjectKey, optionsHash, artifactKey)
	}

	_, cards, err := s.Jobs.GetJobWithCards(jobID)
	if err != nil {
		return false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"job_id":       jobID,
		"subject_key":  subjectKey,
		"status":       "completed",
		"cache_hit":    true,
		"cache_stale":  stale,
		"cache_source": cacheSource,
		"cards":        cardsView(cards),
	})
	return true
}

// maybeEnqueueRefresh submits a best-effort background refresh job for the
// given artifact, deduplicated within a short window (spec §4.9 step 5).
func (s *Server) maybeEnqueueRefresh(source, subjectKey, optionsHash, artifactKey string) {
	if s.shouldDedupRefresh(artifactKey, 5*time.Minute) {
		return
	}
	s.Refresher.Submit(fmt.Sprintf("refresh:%s", artifactKey), func(ctx context.Context) error {
		subjectRow, err := s.Cache.GetOrCreateSubject(source, subjectKey, nil)
		if err != nil {
			return err
		}
		won, err := s.Cache.TryBeginRefreshRun(subjectRow.ID, s.PipelineVersion, optionsHash, nil, map[string]any{"reason": "stale_or_threshold"})
		if err != nil || !won {
			return err
		}

		plan := planner.BuildPlan(source, nil)
		options := map[string]any{"force_refresh": true}
		jobID, _, err := s.Jobs.CreateJobBundle(ctx, "system", source, map[string]any{"content": subjectKey}, options, plan, subjectKey, "", "")
		if err != nil {
			_ = s.Cache.FailRefreshRun(subjectRow.ID, s.PipelineVersion, optionsHash, "create_job_failed", nil)
			return err
		}
		if _, err := s.Scheduler.RunJob(ctx, jobID); err != nil {
			_ = s.Cache.FailRefreshRun(subjectRow.ID, s.PipelineVersion, optionsHash, "run_failed", nil)
			return err
		}
		s.materializeToCache(ctx, jobID, source, subjectKey, optionsHash)
		return s.Cache.CompleteRefreshRun(subjectRow.ID, s.PipelineVersion, optionsHash)
	})
}

// materializeToCache assembles a completed job's non-internal card outputs
// into a final_result payload and writes it through to the Analysis Cache
// (and, best-effort, the local cache), closing the loop the Cache-Hit Fast
// Path reads from. The original per-source resource fetchers
// (resources/github.py etc.) do this inline with source-specific shaping;
// this is the source-agnostic, core-owned equivalent.
func (s *Server) materializeToCache(ctx context.Context, jobID, source, subjectKey, optionsHash string) {
	job, cards, err := s.Jobs.GetJobWithCards(jobID)
	if err != nil || !job.Status.Terminal() {
		return
	}
	cardMap := map[string]any{}
	for _, c := range cards {
		if c.Internal || c.Status != model.CardCompleted {
			continue
		}
		cardMap[c.CardType] = c.Output.Data
	}
	if len(cardMap) == 0 {
		return
	}

	subjectRow, err := s.Cache.GetOrCreateSubject(source, subjectKey, job.Input)
	if err != nil {
		return
	}
	payload := map[string]any{"cards": cardMap}
	ttl := cachepolicy.CacheTTL(source)
	maxStale := cachepolicy.MaxStale(source)
	if err := s.Cache.SaveFullReport(subjectRow, s.PipelineVersion, optionsHash, nil, payload, ttl, maxStale, map[string]any{"job_id": jobID}); err != nil {
		s.log.Warn("materialize to analysis cache failed", "job_id", jobID, "error", err)
		return
	}
	if s.Local != nil {
		artifactKey := analysiscache.BuildArtifactKey(source, subjectKey, s.PipelineVersion, optionsHash, string(model.FinalResultKind))
		expires := time.Now().Add(ttl).Unix()
		_ = s.Local.SetJSON(artifactKey, payload, &expires)
	}
}
