// Package cachehit is the Cache-Hit Fast Path (C9, spec §4.9): synthesizes a
// completed job/card bundle directly from a cached final_result payload
// without running the scheduler, when every requested business card in the
// cached payload still passes its Quality Gate. Grounded on
// original_source/server/analyze/api.py's _is_usable_final_cache_hit and
// _complete_job_from_cached_final_result, transliterated onto the jobstore/
// eventstore/qualitygate packages instead of the original's ORM session.
package cachehit

import (
	"context"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/elonfeng/dinq-analyze-sub001/internal/apperr"
	"github.com/elonfeng/dinq-analyze-sub001/internal/eventstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/jobstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
	"github.com/elonfeng/dinq-analyze-sub001/internal/planner"
	"github.com/elonfeng/dinq-analyze-sub001/internal/qualitygate"
)

// FinalResult mirrors the cached artifact's payload shape: { "cards": {...} }.
type FinalResult struct {
	Cards map[string]any
}

// IsUsable reports whether a cached final_result payload can serve
// requestedCards for source/subjectKey: every non-internal requested card
// type must be present in the payload and pass its Quality Gate, and a
// GitHub role_model card must not name the analyzed user as their own role
// model (spec §4.9 edge case).
func IsUsable(ctx context.Context, gate *qualitygate.Engine, source, subjectKey string, final FinalResult, requestedCards []string) bool {
	src := strings.ToLower(strings.TrimSpace(source))
	if final.Cards == nil || len(final.Cards) == 0 {
		return false
	}

	cardTypes := planner.NormalizeCards(src, requestedCards)
	for _, ct := range cardTypes {
		if ct == "full_report" || model.IsInternalCardType(ct) {
			continue
		}
		data, ok := final.Cards[ct]
		if !ok {
			return false
		}
		dataMap, _ := data.(map[string]any)
		decision, err := gate.Evaluate(ctx, src, ct, dataMap, nil)
		if err != nil || decision.Action != qualitygate.ActionAccept {
			return false
		}

		if src == "github" && ct == "role_model" && strings.HasPrefix(subjectKey, "login:") {
			login := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(subjectKey, "login:")))
			rmLogin := extractGithubLogin(decision.Normalized)
			if login != "" && rmLogin != "" && rmLogin == login {
				return false
			}
		}
	}
	return true
}

func extractGithubLogin(normalized map[string]any) string {
	if normalized == nil {
		return ""
	}
	raw, _ := normalized["github"].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	lowered := strings.ToLower(raw)
	if strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://") {
		if idx := strings.Index(lowered, "github.com/"); idx >= 0 {
			tail := lowered[idx+len("github.com/"):]
			tail = strings.SplitN(tail, "?", 2)[0]
			tail = strings.SplitN(tail, "#", 2)[0]
			tail = strings.Trim(tail, "/")
			if tail != "" {
				return strings.SplitN(tail, "/", 2)[0]
			}
		}
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "@")
	return strings.ToLower(strings.SplitN(trimmed, "/", 2)[0])
}

// cardPlan is a precomputed per-card decision (status, envelope, event
// payload) evaluated before the batch commit, so the only work done inside
// the bbolt transaction is the Put calls themselves.
type cardPlan struct {
	card        model.Card
	status      model.CardStatus
	output      *model.Output
	eventType   string // empty means no card event, matching §4.6 step 4's full_report/skipped policy
	eventFields map[string]any
}

// CompleteJobFromCachedFinalResult synthesizes a completed job from a cached
// final_result without running the scheduler: resource.* cards and
// full_report are skipped with no client-visible event (same internal-card
// policy as the live scheduler, spec §4.6 step 4), every other card is
// completed with its Quality-Gate-normalized cached payload, and a single
// job.completed event is appended. A job already in a terminal state is left
// untouched — a cache hit must never emit job.completed twice (spec §4.9
// invariant).
//
// Every card update, the job's last_seq advance, and the job.completed event
// commit inside one bbolt.Update transaction (spec §9 / SPEC_FULL §9 batch
// completion atomicity — grounded on original_source/server/analyze/api.py's
// single-commit batching). This relies on jobs and events sharing one bbolt
// handle: eventstore.Open detects that jobs implements the shared-db
// provider interface and reuses its *bbolt.DB instead of opening a second
// file (see eventstore.Open's dbProvider check). If jobs/events were ever
// opened against genuinely separate files, jobs.DB() and events.DB() would
// differ and this function returns an error rather than silently losing the
// atomicity guarantee.
func CompleteJobFromCachedFinalResult(
	ctx context.Context,
	jobs *jobstore.Store,
	events *eventstore.Store,
	gate *qualitygate.Engine,
	jobID, source string,
	final FinalResult,
	cachedAtISO string,
	stale bool,
) error {
	db := jobs.DB()
	if db == nil || db != events.DB() {
		return fmt.Errorf("cachehit: jobstore and eventstore must share one bbolt db for atomic batch completion")
	}

	job, err := jobs.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("cachehit: get job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	if final.Cards == nil || len(final.Cards) == 0 {
		return apperr.Invalid("cachehit.complete", fmt.Errorf("cached final result has no cards"))
	}

	cards, err := jobs.ListCardsForJob(jobID)
	if err != nil {
		return fmt.Errorf("cachehit: list cards: %w", err)
	}

	src := strings.ToLower(strings.TrimSpace(source))
	cacheMeta := map[string]any{"hit": true, "stale": stale, "as_of": cachedAtISO}

	plans := make([]cardPlan, 0, len(cards))
	for _, c := range cards {
		switch {
		case c.CardType == "full_report", strings.HasPrefix(c.CardType, "resource."):
			plans = append(plans, cardPlan{card: c, status: model.CardSkipped})

		default:
			raw, ok := final.Cards[c.CardType]
			if !ok {
				return apperr.Invalid("cachehit.complete", fmt.Errorf("cached final result missing business card %s", c.CardType))
			}
			dataMap, _ := raw.(map[string]any)
			decision, err := gate.Evaluate(ctx, src, c.CardType, dataMap, nil)
			if err != nil {
				return fmt.Errorf("cachehit: quality gate %s: %w", c.CardType, err)
			}
			out := model.Output{Data: decision.Normalized, Stream: map[string]any{}}
			plans = append(plans, cardPlan{
				card: c, status: model.CardCompleted, output: &out,
				eventType: "card.completed",
				eventFields: map[string]any{
					"card": c.CardType, "payload": map[string]any{"data": decision.Normalized, "stream": map[string]any{}},
					"cache": cacheMeta, "internal": false,
				},
			})
		}
	}

	var published []model.Event
	err = db.Update(func(tx *bbolt.Tx) error {
		current, err := jobstore.GetJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return nil
		}

		for _, p := range plans {
			if _, err := jobstore.UpdateCardStatusTx(tx, p.card.ID, p.status, p.output, nil); err != nil {
				return fmt.Errorf("cachehit: update %s: %w", p.card.CardType, err)
			}
			if p.eventType == "" {
				continue
			}
			_, ev, err := eventstore.AppendEventTx(tx, jobID, p.card.ID, p.eventType, p.eventFields)
			if err != nil {
				return fmt.Errorf("cachehit: append %s event: %w", p.card.CardType, err)
			}
			published = append(published, ev)
		}

		seq, ev, err := eventstore.AppendEventTx(tx, jobID, "", "job.completed", map[string]any{"status": "completed", "cache": cacheMeta})
		if err != nil {
			return fmt.Errorf("cachehit: append job.completed: %w", err)
		}
		published = append(published, ev)

		if _, err := jobstore.TryFinalizeJobTx(tx, jobID, model.JobCompleted, seq); err != nil {
			return fmt.Errorf("cachehit: finalize job: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, ev := range published {
		events.Publish(ev)
	}
	return nil
}
