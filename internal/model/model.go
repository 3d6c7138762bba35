// Package model defines the entities shared by every store and component:
// Job, Card, Event, Artifact, CacheSubject, CacheArtifact and RefreshRun.
package model

import "time"

// JobStatus is the lifecycle state of a Job (spec §3).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal job status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartial, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CardStatus is the lifecycle state of a Card (spec §3).
type CardStatus string

const (
	CardPending   CardStatus = "pending"
	CardReady     CardStatus = "ready"
	CardRunning   CardStatus = "running"
	CardCompleted CardStatus = "completed"
	CardFailed    CardStatus = "failed"
	CardTimeout   CardStatus = "timeout"
	CardSkipped   CardStatus = "skipped"
)

// Terminal reports whether s is a terminal card status.
func (s CardStatus) Terminal() bool {
	switch s {
	case CardCompleted, CardFailed, CardTimeout, CardSkipped:
		return true
	default:
		return false
	}
}

// SatisfiesDependency reports whether a card in status s lets a dependent
// card proceed — only completed or skipped dependencies release downstream
// cards (spec §3 invariant 2).
func (s CardStatus) SatisfiesDependency() bool {
	return s == CardCompleted || s == CardSkipped
}

// Job is the persistent record of one analysis request.
type Job struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Source         string    `json:"source"`
	SubjectKey     string    `json:"subject_key,omitempty"`
	Input          map[string]any `json:"input"`
	Options        map[string]any `json:"options,omitempty"`
	Status         JobStatus `json:"status"`
	LastSeq        int64     `json:"last_seq"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	RequestHash    string    `json:"request_hash,omitempty"`
}

// Output is the client-visible envelope of a card's result.
type Output struct {
	Data   any            `json:"data,omitempty"`
	Stream map[string]any `json:"stream,omitempty"`
}

// Card is one node of a job's DAG.
type Card struct {
	ID                string     `json:"id"`
	JobID             string     `json:"job_id"`
	CardType          string     `json:"card_type"`
	Status            CardStatus `json:"status"`
	DependsOn         []string   `json:"depends_on"`
	Priority          int        `json:"priority"`
	ConcurrencyGroup  string     `json:"concurrency_group"`
	RetryCount        int        `json:"retry_count"`
	Output            Output     `json:"output"`
	Internal          bool       `json:"internal"`
	DeadlineMs        *int64     `json:"deadline_ms,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsInternalCardType reports whether a card_type is internal per spec §3:
// "full_report" or any "resource.*" prefix.
func IsInternalCardType(cardType string) bool {
	if cardType == "full_report" {
		return true
	}
	return len(cardType) >= len("resource.") && cardType[:len("resource.")] == "resource."
}

// Event is one row of a job's append-only event log.
type Event struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	CardID    string    `json:"card_id,omitempty"`
	EventType string    `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a per-job intermediate payload keyed by a stable string.
type Artifact struct {
	JobID     string         `json:"job_id"`
	Key       string         `json:"key"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// CacheSubject is the stable identity of a (source, subject) pair.
type CacheSubject struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	SubjectKey     string         `json:"subject_key"`
	CanonicalInput map[string]any `json:"canonical_input"`
}

// CacheArtifactKind distinguishes terminal bundles from reusable intermediates.
type CacheArtifactKind string

const FinalResultKind CacheArtifactKind = "final_result"

// CacheArtifact is a durable cache row: a terminal bundle or a reusable
// intermediate, partitioned by subject/pipeline-version/options-hash.
type CacheArtifact struct {
	SubjectID       string            `json:"subject_id"`
	PipelineVersion string            `json:"pipeline_version"`
	OptionsHash     string            `json:"options_hash"`
	Kind            CacheArtifactKind `json:"kind"`
	Payload         map[string]any    `json:"payload"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	MaxStale        time.Duration     `json:"max_stale"`
	Fingerprint     *string           `json:"fingerprint,omitempty"`
	Meta            map[string]any    `json:"meta,omitempty"`
}

// Stale reports whether the artifact's TTL has passed (now at or after
// ExpiresAt), including past max-stale; Expired tells the two cases apart.
func (a *CacheArtifact) Stale(now time.Time) bool {
	return now.After(a.ExpiresAt) || now.Equal(a.ExpiresAt)
}

// Expired reports whether the artifact is beyond its max-stale bound and
// must no longer be returned even as a stale hit.
func (a *CacheArtifact) Expired(now time.Time) bool {
	if !a.Stale(now) {
		return false
	}
	return now.After(a.ExpiresAt.Add(a.MaxStale))
}

// RefreshRunState is the lifecycle of a background refresh claim.
type RefreshRunState string

const (
	RefreshRunning RefreshRunState = "running"
	RefreshFailed  RefreshRunState = "failed"
	RefreshDone    RefreshRunState = "done"
)

// RefreshRun is a compare-and-set lock ensuring at most one background
// refresh runs per (subject, pipeline, options).
type RefreshRun struct {
	SubjectID       string          `json:"subject_id"`
	PipelineVersion string          `json:"pipeline_version"`
	OptionsHash     string          `json:"options_hash"`
	State           RefreshRunState `json:"state"`
	StartedAt       time.Time       `json:"started_at"`
	Fingerprint     *string         `json:"fingerprint,omitempty"`
}

// FinalResult is the terminal, cacheable bundle shape: { cards: {...} }.
type FinalResult struct {
	Cards map[string]any `json:"cards"`
}
